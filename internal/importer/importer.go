// Package importer materializes wells, dossiers and networks from the
// Registry into the local store.
package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/lox/broconnector/internal/geo"
	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/metrics"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/registry"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/xmlcodec"
)

var (
	// ErrDuplicate marks an object that already exists locally with other
	// content. It is skipped, not overwritten.
	ErrDuplicate = errors.New("object already imported")
	// ErrMissingParent marks a dossier whose well or tube is not in the store.
	ErrMissingParent = errors.New("well or tube not imported")
)

// maxQueries caps the number of PDOK queries one bbox search may issue.
const maxQueries = 10000

// MinBatchSize is the smallest measurement batch written per transaction.
const MinBatchSize = 5000

type Options struct {
	BatchSize     int
	Concurrency   int
	QuadrantLimit int
	MaxDepth      int
}

func (o Options) withDefaults() Options {
	if o.BatchSize < MinBatchSize {
		o.BatchSize = MinBatchSize
	}
	if o.Concurrency < 1 {
		o.Concurrency = 4
	}
	if o.QuadrantLimit < 1 || o.QuadrantLimit > registry.PDOKPageLimit {
		o.QuadrantLimit = registry.PDOKPageLimit
	}
	if o.MaxDepth < 1 {
		o.MaxDepth = 12
	}
	return o
}

// Request selects what to import. Without BBox or Area all objects of Owner
// are imported.
type Request struct {
	Kind  string
	Owner string
	BBox  *orb.Bound
	Area  *geo.Area
}

// Result summarizes an import.
type Result struct {
	Seen       int
	Imported   int
	Unchanged  int
	Duplicates int
	Skipped    int
	Points     int
}

type Importer struct {
	store   *store.Store
	catalog Catalog
	source  Fetcher
	opts    Options
}

// New returns an importer reading ids from catalog and documents from source.
// catalog may be nil when source is a Lister and no area is requested.
func New(s *store.Store, catalog Catalog, source Fetcher, opts Options) *Importer {
	return &Importer{store: s, catalog: catalog, source: source, opts: opts.withDefaults()}
}

// Enumerate returns the sorted ids selected by req.
func (i *Importer) Enumerate(ctx context.Context, req Request) ([]string, error) {
	switch req.Kind {
	case models.KindGMW, models.KindGLD, models.KindFRD, models.KindGMN:
	default:
		return nil, fmt.Errorf("unsupported kind %q", req.Kind)
	}

	bound := req.BBox
	if req.Area != nil {
		b := req.Area.Bound()
		bound = &b
	}
	if bound == nil {
		if l, ok := i.source.(Lister); ok && i.catalog == nil {
			return l.List(ctx, req.Kind)
		}
		if i.catalog == nil {
			return nil, errors.New("no catalog to enumerate ids")
		}
		if req.Owner == "" {
			return nil, errors.New("owner, bbox or polygon required")
		}
		ids, err := i.catalog.ListBroIDs(ctx, req.Kind, req.Owner)
		if err != nil {
			return nil, err
		}
		slices.Sort(ids)
		return slices.Compact(ids), nil
	}

	if i.catalog == nil {
		return nil, errors.New("no catalog to search the area")
	}
	features, err := i.SearchBBox(ctx, req.Kind, *bound)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range features {
		if req.Owner != "" && f.DeliveryAccountableParty != req.Owner {
			continue
		}
		if req.Area != nil && !req.Area.Contains(f.Point) {
			continue
		}
		ids = append(ids, f.BroID)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// SearchBBox queries b and splits full pages into quadrants until every
// cell fits in one page.
func (i *Importer) SearchBBox(ctx context.Context, kind string, b orb.Bound) ([]registry.Feature, error) {
	type cell struct {
		bound orb.Bound
		depth int
	}
	log := logging.Ctx(ctx)
	stack := []cell{{bound: b}}
	seen := map[string]bool{}
	var out []registry.Feature

	for queries := 0; len(stack) > 0; queries++ {
		if queries >= maxQueries {
			return nil, fmt.Errorf("bbox search for %s exceeded %d queries", kind, maxQueries)
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		features, err := i.catalog.QueryBBox(ctx, kind, c.bound)
		if err != nil {
			return nil, err
		}
		if len(features) >= i.opts.QuadrantLimit {
			if c.depth < i.opts.MaxDepth {
				for _, q := range geo.Quadrants(c.bound) {
					stack = append(stack, cell{bound: q, depth: c.depth + 1})
				}
				continue
			}
			log.Warn().
				Int("depth", c.depth).
				Int("features", len(features)).
				Msg("Bbox cell still full at max depth, results truncated")
		}
		for _, f := range features {
			if !seen[f.BroID] {
				seen[f.BroID] = true
				out = append(out, f)
			}
		}
	}
	return out, nil
}

type fetched struct {
	id      string
	payload []byte
	err     error
}

// prefetch fetches ids concurrently. Per-id failures are returned in the
// results; only cancellation aborts.
func (i *Importer) prefetch(ctx context.Context, kind string, ids []string) ([]fetched, error) {
	out := make([]fetched, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Concurrency)
	fullHistory := kind == models.KindGMW || kind == models.KindGLD
	for n, id := range ids {
		g.Go(func() error {
			payload, err := i.source.FetchObject(gctx, kind, id, fullHistory)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			out[n] = fetched{id: id, payload: payload, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Run imports every object selected by req. Per-object failures are
// aggregated into the returned error; the import continues past them.
func (i *Importer) Run(ctx context.Context, req Request) (*Result, error) {
	runID := logging.NewRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	log := logging.Ctx(ctx).With().Str("kind", req.Kind).Logger()

	run, err := i.store.StartRun("import", req.Kind, req.Owner)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var errs *multierror.Error
	fail := func(err error) (*Result, error) {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		if cerr := i.store.CompleteRun(run); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to complete run")
		}
		return res, err
	}

	ids, err := i.Enumerate(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("enumerate %s: %w", req.Kind, err))
	}
	res.Seen = len(ids)
	log.Info().Int("ids", len(ids)).Msg("Import started")

	chunk := i.opts.Concurrency * 8
	for start := 0; start < len(ids); start += chunk {
		batch, err := i.prefetch(ctx, req.Kind, ids[start:min(start+chunk, len(ids))])
		if err != nil {
			return fail(err)
		}
		for _, f := range batch {
			if f.err != nil {
				errs = multierror.Append(errs, f.err)
				continue
			}
			err := i.importOne(ctx, run.ID, req, f.id, f.payload, res)
			switch {
			case err == nil:
			case errors.Is(err, ErrDuplicate):
				res.Duplicates++
				log.Warn().Str("bro_id", f.id).Msg("Object already imported with other content, skipped")
			case errors.Is(err, ErrMissingParent):
				res.Skipped++
				log.Warn().Err(err).Str("bro_id", f.id).Msg("Skipped dossier")
			default:
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.id, err))
			}
		}
	}

	run.RecordsSeen = sql.NullInt64{Int64: int64(res.Seen), Valid: true}
	run.RecordsStored = sql.NullInt64{Int64: int64(res.Imported), Valid: true}
	if errs != nil {
		run.Errors = sql.NullInt64{Int64: int64(len(errs.Errors)), Valid: true}
		run.ErrorMessage = sql.NullString{String: errs.Error(), Valid: true}
	}
	run.Success = errs == nil
	if err := i.store.CompleteRun(run); err != nil {
		log.Warn().Err(err).Msg("Failed to complete run")
	}

	log.Info().
		Int("seen", res.Seen).
		Int("imported", res.Imported).
		Int("unchanged", res.Unchanged).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped).
		Int("points", res.Points).
		Msg("Import finished")
	return res, errs.ErrorOrNil()
}

func (i *Importer) exists(kind, broID string) (bool, error) {
	switch kind {
	case models.KindGMW:
		w, err := i.store.GetWellByBroID(broID)
		return w != nil, err
	case models.KindGLD:
		g, err := i.store.GetGLDByBroID(broID)
		return g != nil, err
	case models.KindFRD:
		f, err := i.store.GetFRDByBroID(broID)
		return f != nil, err
	case models.KindGMN:
		g, err := i.store.GetGMNByBroID(broID)
		return g != nil, err
	}
	return false, nil
}

func (i *Importer) importOne(ctx context.Context, runID int64, req Request, broID string, payload []byte, res *Result) error {
	exists, err := i.exists(req.Kind, broID)
	if err != nil {
		return err
	}
	if exists {
		same, err := i.store.HasRegistryDocument(broID, payload)
		if err != nil {
			return err
		}
		if same {
			res.Unchanged++
			return nil
		}
	}
	if _, err := i.store.StoreRegistryDocument(runID, req.Kind, broID, payload); err != nil {
		return err
	}

	m, err := xmlcodec.Decode(payload)
	if err != nil {
		return err
	}
	if m.Deregistered() {
		res.Skipped++
		logging.Ctx(ctx).Debug().Str("bro_id", broID).Msg("Skipped deregistered object")
		return nil
	}
	d := doc{m}
	if req.Owner != "" {
		if party := d.first(xmlcodec.At().Key("deliveryAccountableParty")); party != "" && party != req.Owner {
			res.Skipped++
			return nil
		}
	}

	switch req.Kind {
	case models.KindGMW:
		if exists {
			return ErrDuplicate
		}
		err = i.store.WithTx(func(tx *store.Store) error {
			return importGMW(tx, broID, d, req.Owner)
		})
	case models.KindGLD:
		var n int
		n, err = i.importGLD(broID, d)
		res.Points += n
	case models.KindFRD:
		if exists {
			return ErrDuplicate
		}
		err = i.store.WithTx(func(tx *store.Store) error {
			return importFRD(tx, broID, d)
		})
	case models.KindGMN:
		err = i.store.WithTx(func(tx *store.Store) error {
			return importGMN(tx, broID, d)
		})
	}
	if err != nil {
		return err
	}
	res.Imported++
	metrics.ImportedObjectsTotal.WithLabelValues(req.Kind).Inc()
	logging.Ctx(ctx).Debug().Str("bro_id", broID).Msg("Imported object")
	return nil
}

// ownerMatches reports whether a document was delivered by owner.
func ownerMatches(d doc, owner string) bool {
	return owner != "" && strings.EqualFold(d.first(xmlcodec.At().Key("deliveryAccountableParty")), owner)
}
