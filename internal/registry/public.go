package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"github.com/lox/broconnector/internal/httputil"
	"github.com/lox/broconnector/internal/metrics"
)

// PDOKPageLimit is the maximum number of features one PDOK query returns.
// A full page means the bbox has to be split.
const PDOKPageLimit = 1000

var ErrNotFound = errors.New("registry object not found")

// Feature is one object from the PDOK samenhang collections.
type Feature struct {
	BroID                    string
	DeliveryAccountableParty string
	WellCode                 string
	NITGCode                 string
	NumberOfMonitoringTubes  int
	WellConstructionDate     string
	WellRemovalDate          string
	Point                    orb.Point
}

// PublicClient reads from the public BRO API and the PDOK OGC API.
type PublicClient struct {
	baseURL    string
	pdokURL    string
	client     *http.Client
	limiter    *rate.Limiter
	maxElapsed time.Duration
}

func NewPublicClient(baseURL, pdokURL string, requestsPerSecond float64, timeout time.Duration) *PublicClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &PublicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pdokURL:    strings.TrimRight(pdokURL, "/"),
		client:     httputil.NewClient(timeout),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		maxElapsed: 2 * time.Minute,
	}
}

// get fetches target, retrying rate limits and server errors with
// exponential backoff.
func (c *PublicClient) get(ctx context.Context, endpoint, target string) ([]byte, error) {
	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		resp, err := c.client.Do(req)
		if err != nil {
			metrics.PublicRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("fetch %s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		metrics.PublicRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("fetch %s: status %d", endpoint, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", endpoint, resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// FetchObject returns the registry XML of one object. kind is gmw, gld, frd
// or gmn.
func (c *PublicClient) FetchObject(ctx context.Context, kind, broID string, fullHistory bool) ([]byte, error) {
	fh := "nee"
	if fullHistory {
		fh = "ja"
	}
	target := fmt.Sprintf("%s/gm/%s/v1/objects/%s?fullHistory=%s", c.baseURL, kind, url.PathEscape(broID), fh)
	body, err := c.get(ctx, "objects", target)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", kind, broID, err)
	}
	return body, nil
}

type broIDsResponse struct {
	BroIDs []string `json:"broIds"`
}

// ListBroIDs returns the ids of kind registered by the organisation kvk.
func (c *PublicClient) ListBroIDs(ctx context.Context, kind, kvk string) ([]string, error) {
	target := fmt.Sprintf("%s/gm/%s/v1/bro-ids?bronhouder=%s", c.baseURL, kind, url.QueryEscape(kvk))
	body, err := c.get(ctx, "bro-ids", target)
	if err != nil {
		return nil, fmt.Errorf("list %s ids for %s: %w", kind, kvk, err)
	}
	var resp broIDsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode bro-ids: %w", err)
	}
	prefix := strings.ToUpper(kind)
	ids := resp.BroIDs[:0]
	for _, id := range resp.BroIDs {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// QueryBBox returns up to PDOKPageLimit features of kind inside b (WGS84).
func (c *PublicClient) QueryBBox(ctx context.Context, kind string, b orb.Bound) ([]Feature, error) {
	bbox := strings.Join([]string{
		strconv.FormatFloat(b.Min.X(), 'f', -1, 64),
		strconv.FormatFloat(b.Min.Y(), 'f', -1, 64),
		strconv.FormatFloat(b.Max.X(), 'f', -1, 64),
		strconv.FormatFloat(b.Max.Y(), 'f', -1, 64),
	}, ",")
	target := fmt.Sprintf("%s/collections/gm_%s/items?bbox=%s&f=json&limit=%d",
		c.pdokURL, kind, url.QueryEscape(bbox), PDOKPageLimit)

	body, err := c.get(ctx, "pdok", target)
	if err != nil {
		return nil, fmt.Errorf("query pdok %s: %w", kind, err)
	}
	return ParseFeatures(body)
}

// ParseFeatures decodes a PDOK GeoJSON feature collection.
func ParseFeatures(body []byte) ([]Feature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("decode pdok features: %w", err)
	}
	out := make([]Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		p := f.Properties
		feat := Feature{
			BroID:                    p.MustString("bro_id", ""),
			DeliveryAccountableParty: propertyString(p, "delivery_accountable_party"),
			WellCode:                 p.MustString("well_code", ""),
			NITGCode:                 p.MustString("nitg_code", ""),
			NumberOfMonitoringTubes:  p.MustInt("number_of_monitoring_tubes", 0),
			WellConstructionDate:     p.MustString("well_construction_date", ""),
			WellRemovalDate:          p.MustString("well_removal_date", ""),
		}
		if pt, ok := f.Geometry.(orb.Point); ok {
			feat.Point = pt
		}
		if feat.BroID != "" {
			out = append(out, feat)
		}
	}
	return out, nil
}

// propertyString reads a property that PDOK serves as either string or number.
func propertyString(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
