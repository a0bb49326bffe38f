package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lox/broconnector/internal/assemble"
	"github.com/lox/broconnector/internal/dedup"
	"github.com/lox/broconnector/internal/geo"
	"github.com/lox/broconnector/internal/importer"
	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/registry"
	"github.com/lox/broconnector/internal/scheduler"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/syncer"
)

type RunSchedulerCmd struct {
	Loop bool `help:"Keep running a pass every scheduler.interval until interrupted."`
}

func (c *RunSchedulerCmd) Run(ctx context.Context, app *App) error {
	cfg := app.cfg
	portal := registry.NewBreaker(registry.NewClient(cfg.Registry.URL(), cfg.Registry.Timeout), registry.BreakerSettings{})
	machine := syncer.New(app.store, assemble.New(app.store), portal, cfg.Registry, cfg.Envelopes.Dir)
	sch := scheduler.New(app.store, machine, cfg.Scheduler.Interval)

	if c.Loop {
		logging.Info().Dur("interval", cfg.Scheduler.Interval).Msg("Scheduler started")
		sch.Run(ctx)
		return nil
	}
	_, err := sch.RunOnce(ctx)
	return err
}

type ImportCmd struct {
	Kind       string `help:"Object kind to import." enum:"gmw,gld,frd,gmn" required:""`
	Owner      string `help:"KvK number of the owner (bronhouder)." required:""`
	BBox       string `name:"bbox" help:"Restrict to xmin,ymin,xmax,ymax (WGS84 or RD New)." xor:"area"`
	Polygon    string `help:"Restrict to the area of a shapefile or GeoJSON file." type:"existingfile" xor:"area"`
	PolygonCRS string `name:"polygon-crs" help:"CRS of the bbox or polygon, e.g. EPSG:28992. Detected when empty."`

	Source      string `help:"Where Registry XML is read from." enum:"http,dir,ftp" default:"http"`
	SourcePath  string `help:"Directory for the dir source, remote directory for ftp."`
	FTPAddr     string `name:"ftp-addr" help:"FTP server host:port." env:"BROCONNECTOR_FTP_ADDR"`
	FTPUser     string `name:"ftp-user" help:"FTP user." env:"BROCONNECTOR_FTP_USER"`
	FTPPassword string `name:"ftp-password" help:"FTP password." env:"BROCONNECTOR_FTP_PASSWORD"`
}

func (c *ImportCmd) request() (importer.Request, error) {
	req := importer.Request{Kind: c.Kind, Owner: c.Owner}
	switch {
	case c.BBox != "":
		b, err := geo.ParseBBox(c.BBox, c.PolygonCRS)
		if err != nil {
			return req, err
		}
		req.BBox = &b
	case c.Polygon != "":
		area, err := geo.ReadPolygon(c.Polygon, c.PolygonCRS)
		if err != nil {
			return req, err
		}
		req.Area = area
	}
	return req, nil
}

func (c *ImportCmd) source(public *registry.PublicClient) (importer.Fetcher, error) {
	switch c.Source {
	case "dir":
		if c.SourcePath == "" {
			return nil, errors.New("--source-path is required for the dir source")
		}
		return importer.DirSource{Dir: c.SourcePath}, nil
	case "ftp":
		if c.FTPAddr == "" {
			return nil, errors.New("--ftp-addr is required for the ftp source")
		}
		return importer.FTPSource{Addr: c.FTPAddr, User: c.FTPUser, Password: c.FTPPassword, Dir: c.SourcePath}, nil
	}
	return public, nil
}

func newPublicClient(app *App) *registry.PublicClient {
	p := app.cfg.Public
	return registry.NewPublicClient(p.BaseURL, p.PDOKURL, p.Rate, p.Timeout)
}

func importOptions(app *App) importer.Options {
	i := app.cfg.Import
	return importer.Options{
		BatchSize:     i.BatchSize,
		Concurrency:   i.Concurrency,
		QuadrantLimit: i.QuadrantLimit,
		MaxDepth:      i.MaxDepth,
	}
}

func (c *ImportCmd) Run(ctx context.Context, app *App) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	public := newPublicClient(app)
	src, err := c.source(public)
	if err != nil {
		return err
	}

	res, err := importer.New(app.store, public, src, importOptions(app)).Run(ctx, req)
	if err != nil {
		// Objects that failed on their own are logged and skipped.
		if errors.Is(err, store.ErrStore) {
			return err
		}
		logging.Warn().Err(err).Msg("Import finished with errors")
	}
	if res != nil {
		fmt.Printf("seen %d, imported %d, unchanged %d, duplicates %d, skipped %d, measurements %d\n",
			res.Seen, res.Imported, res.Unchanged, res.Duplicates, res.Skipped, res.Points)
	}
	return nil
}

type DeduplicateCmd struct {
	Properties string `help:"Comma separated columns that identify a well." default:"well_code,nitg_code"`
	Format     string `help:"Output format." enum:"csv,json" default:"csv"`
	Output     string `help:"Write to this file instead of stdout." type:"path"`
	Weights    string `help:"Comma separated weights for tubes, regime, unknowns, empties and construction."`
	BBox       string `name:"bbox" help:"Rank wells from the public registry in xmin,ymin,xmax,ymax instead of the local store."`
	BBoxCRS    string `name:"bbox-crs" help:"CRS of the bbox, e.g. EPSG:28992. Detected when empty."`
	DryRun     bool   `help:"Rank without storing duplicate marks."`
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, p := range strings.Split(s, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *DeduplicateCmd) records(ctx context.Context, app *App) ([]dedup.Record, error) {
	if c.BBox == "" {
		return dedup.LoadRecords(app.store)
	}
	b, err := geo.ParseBBox(c.BBox, c.BBoxCRS)
	if err != nil {
		return nil, err
	}
	public := newPublicClient(app)
	features, err := importer.New(app.store, public, public, importOptions(app)).SearchBBox(ctx, models.KindGMW, b)
	if err != nil {
		return nil, err
	}
	return dedup.FromFeatures(features), nil
}

func (c *DeduplicateCmd) Run(ctx context.Context, app *App) error {
	weights := app.cfg.Dedup.Weights
	if c.Weights != "" {
		var err error
		if weights, err = parseFloats(c.Weights); err != nil {
			return err
		}
	}
	w, err := dedup.ParseWeights(weights)
	if err != nil {
		return err
	}
	ranker, err := dedup.NewRanker(w, app.cfg.Dedup.Threshold())
	if err != nil {
		return err
	}

	records, err := c.records(ctx, app)
	if err != nil {
		return err
	}
	properties := splitList(c.Properties)
	if len(properties) == 0 {
		properties = dedup.DefaultProperties
	}
	rankings := ranker.RankAll(dedup.Groups(records, properties))
	logging.Info().
		Int("records", len(records)).
		Int("groups", len(rankings)).
		Msg("Ranked duplicates")

	if !c.DryRun {
		if err := dedup.Mark(app.store, rankings); err != nil {
			return err
		}
	}

	var out io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if c.Format == "json" {
		return dedup.WriteJSON(out, rankings)
	}
	return dedup.WriteCSV(out, rankings)
}
