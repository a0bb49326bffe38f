// Package geo handles the areas imports are restricted to: bounding boxes,
// RD New to WGS84 conversion and polygon files.
package geo

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Coordinate reference systems accepted for polygon and bbox input.
const (
	CRSAuto  = ""
	CRSRD    = "EPSG:28992"
	CRSWGS84 = "EPSG:4326"
)

// RD New false origin, at Amersfoort.
const (
	rdX0   = 155000.0
	rdY0   = 463000.0
	rdLat0 = 52.15517440
	rdLon0 = 5.38720621
)

// RDToWGS84 converts an RD New coordinate to a WGS84 lon/lat point using the
// polynomial approximation of Schreutelkamp and Strang van Hees, accurate to
// about a metre inside the Netherlands.
func RDToWGS84(x, y float64) orb.Point {
	dx := (x - rdX0) * 1e-5
	dy := (y - rdY0) * 1e-5
	dx2, dy2 := dx*dx, dy*dy

	n := 3235.65389*dy -
		32.58297*dx2 -
		0.2475*dy2 -
		0.84978*dx2*dy -
		0.0655*dy2*dy -
		0.01709*dx2*dy2 -
		0.00738*dx +
		0.0053*dx2*dx2 -
		0.00039*dx2*dy2*dy +
		0.00033*dx2*dx2*dy -
		0.00012*dx*dy
	e := 5260.52916*dx +
		105.94684*dx*dy +
		2.45656*dx*dy2 -
		0.81885*dx2*dx +
		0.05594*dx*dy2*dy -
		0.05607*dx2*dx*dy +
		0.01199*dy -
		0.00256*dx2*dx*dy2 +
		0.00128*dx*dy2*dy2 +
		0.00022*dy2 -
		0.00022*dx2 +
		0.00026*dx2*dx2*dx

	return orb.Point{rdLon0 + e/3600, rdLat0 + n/3600}
}

// projected reports whether a coordinate is outside the degree range and so
// must be RD New.
func projected(p orb.Point) bool {
	return math.Abs(p[0]) > 180 || math.Abs(p[1]) > 90
}

func needsReprojection(crs string, sample orb.Point) (bool, error) {
	switch strings.ToUpper(crs) {
	case CRSAuto:
		return projected(sample), nil
	case CRSRD:
		return true, nil
	case CRSWGS84, "WGS84":
		return false, nil
	}
	return false, fmt.Errorf("unsupported crs %q", crs)
}

// ParseBBox parses "xmin,ymin,xmax,ymax". RD New values are converted to
// WGS84.
func ParseBBox(s, crs string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want xmin,ymin,xmax,ymax", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return orb.Bound{}, fmt.Errorf("bbox %q: min must be below max", s)
	}
	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	rd, err := needsReprojection(crs, b.Max)
	if err != nil {
		return orb.Bound{}, err
	}
	if rd {
		b = orb.Bound{Min: RDToWGS84(v[0], v[1]), Max: RDToWGS84(v[2], v[3])}
	}
	return b, nil
}

// Quadrants splits b into four equal parts.
func Quadrants(b orb.Bound) [4]orb.Bound {
	c := b.Center()
	return [4]orb.Bound{
		{Min: b.Min, Max: c},
		{Min: orb.Point{c[0], b.Min[1]}, Max: orb.Point{b.Max[0], c[1]}},
		{Min: orb.Point{b.Min[0], c[1]}, Max: orb.Point{c[0], b.Max[1]}},
		{Min: c, Max: b.Max},
	}
}

// Area is a polygon filter in WGS84.
type Area struct {
	Polygons orb.MultiPolygon
}

// Bound is the bounding box of the area.
func (a *Area) Bound() orb.Bound {
	return a.Polygons.Bound()
}

// Contains reports whether p lies inside the area.
func (a *Area) Contains(p orb.Point) bool {
	return planar.MultiPolygonContains(a.Polygons, p)
}

// ReadPolygon reads an area from a shapefile or a GeoJSON file. Coordinates
// in RD New are converted to WGS84; crs overrides detection.
func ReadPolygon(path, crs string) (*Area, error) {
	var (
		mp  orb.MultiPolygon
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		mp, err = readShapefile(path)
	case ".geojson", ".json":
		mp, err = readGeoJSON(path)
	default:
		return nil, fmt.Errorf("read polygon %s: unsupported file type", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read polygon %s: %w", path, err)
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("read polygon %s: no polygons", path)
	}

	rd, err := needsReprojection(crs, mp[0][0][0])
	if err != nil {
		return nil, err
	}
	if rd {
		mp = reproject(mp)
	}
	return &Area{Polygons: mp}, nil
}

func reproject(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			r := make(orb.Ring, len(ring))
			for k, p := range ring {
				r[k] = RDToWGS84(p[0], p[1])
			}
			out[i][j] = r
		}
	}
	return out
}

// readShapefile collects the polygons of a shapefile. Outer rings are
// clockwise and holes follow the outer ring they belong to.
func readShapefile(path string) (orb.MultiPolygon, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var mp orb.MultiPolygon
	for r.Next() {
		_, shape := r.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}
		for i, start := range poly.Parts {
			end := poly.NumPoints
			if i+1 < len(poly.Parts) {
				end = poly.Parts[i+1]
			}
			ring := make(orb.Ring, 0, end-start)
			for _, p := range poly.Points[start:end] {
				ring = append(ring, orb.Point{p.X, p.Y})
			}
			if ring.Orientation() == orb.CCW && len(mp) > 0 {
				mp[len(mp)-1] = append(mp[len(mp)-1], ring)
				continue
			}
			mp = append(mp, orb.Polygon{ring})
		}
	}
	return mp, nil
}

// readGeoJSON accepts a feature collection, a single feature or a bare
// geometry.
func readGeoJSON(path string) (orb.MultiPolygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var geoms []orb.Geometry
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	} else if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		geoms = append(geoms, f.Geometry)
	} else {
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		geoms = append(geoms, g.Geometry())
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch v := g.(type) {
		case orb.Polygon:
			mp = append(mp, v)
		case orb.MultiPolygon:
			mp = append(mp, v...)
		}
	}
	return mp, nil
}
