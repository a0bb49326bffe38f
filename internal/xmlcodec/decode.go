package xmlcodec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ScopeKind names a repeating element that gets its own key prefix.
type ScopeKind uint8

const (
	ScopeConstruction ScopeKind = iota + 1
	ScopeEvent
	ScopeRemoval
	ScopeTube
	ScopeGeoOhm
	ScopeElectrode
	ScopeObservation
	ScopePoint
	ScopeMeasuringPoint
)

// Scope is one level of a Path. Index is 1-based and counts siblings of
// the same kind under the same parent.
type Scope struct {
	Kind  ScopeKind
	Index int
}

var (
	Construction = Scope{Kind: ScopeConstruction}
	Removal      = Scope{Kind: ScopeRemoval}
	Point        = Scope{Kind: ScopePoint}
)

func Event(i int) Scope          { return Scope{Kind: ScopeEvent, Index: i} }
func Tube(i int) Scope           { return Scope{Kind: ScopeTube, Index: i} }
func GeoOhm(i int) Scope         { return Scope{Kind: ScopeGeoOhm, Index: i} }
func Electrode(i int) Scope      { return Scope{Kind: ScopeElectrode, Index: i} }
func Observation(i int) Scope    { return Scope{Kind: ScopeObservation, Index: i} }
func MeasuringPoint(i int) Scope { return Scope{Kind: ScopeMeasuringPoint, Index: i} }

func (s Scope) prefix() string {
	switch s.Kind {
	case ScopeConstruction:
		return "construction_"
	case ScopeRemoval:
		return "removal_"
	case ScopeEvent:
		return "event_" + strconv.Itoa(s.Index) + "_"
	case ScopeTube:
		return "tube_" + strconv.Itoa(s.Index) + "_"
	case ScopeGeoOhm:
		return "geo_ohm_" + strconv.Itoa(s.Index) + "_"
	case ScopeElectrode:
		return "electrode_" + strconv.Itoa(s.Index) + "_"
	case ScopeObservation:
		return strconv.Itoa(s.Index) + "_"
	case ScopePoint:
		return "point_"
	case ScopeMeasuringPoint:
		return "measuring_point_" + strconv.Itoa(s.Index) + "_"
	}
	return ""
}

// Path addresses a value in a decoded document.
type Path struct {
	Scopes []Scope
	Leaf   string
}

// At starts a path below the given scopes.
func At(scopes ...Scope) Path {
	return Path{Scopes: scopes}
}

// Key returns the path of leaf below p.
func (p Path) Key(leaf string) Path {
	return Path{Scopes: p.Scopes, Leaf: leaf}
}

// In returns p extended with one more scope.
func (p Path) In(s Scope) Path {
	scopes := make([]Scope, 0, len(p.Scopes)+1)
	scopes = append(scopes, p.Scopes...)
	return Path{Scopes: append(scopes, s)}
}

// String renders the flat key, e.g. tube_2_geo_ohm_1_electrode_4_electrodeStatus.
func (p Path) String() string {
	var b strings.Builder
	for _, s := range p.Scopes {
		b.WriteString(s.prefix())
	}
	b.WriteString(p.Leaf)
	return b.String()
}

func countKey(parent Path, kind ScopeKind) string {
	return parent.String() + "#" + strconv.Itoa(int(kind))
}

// MultiMap is a decoded document: flat keys in document order, each with
// all values seen for it.
type MultiMap struct {
	root         string
	deregistered bool
	keys         []string
	values       map[string][]string
	counts       map[string]int
}

func newMultiMap() *MultiMap {
	return &MultiMap{values: map[string][]string{}, counts: map[string]int{}}
}

// Root is the kind of the dispatched or submitted document, e.g. GMW_PPO.
func (m *MultiMap) Root() string { return m.root }

// Deregistered reports whether the Registry marked the object deregistered.
func (m *MultiMap) Deregistered() bool { return m.deregistered }

func (m *MultiMap) Keys() []string { return m.keys }

func (m *MultiMap) Len() int { return len(m.keys) }

// Values returns every value recorded at p.
func (m *MultiMap) Values(p Path) []string {
	return m.values[p.String()]
}

// Lookup returns every value recorded under a flat key.
func (m *MultiMap) Lookup(key string) []string {
	return m.values[key]
}

// First returns the first value at p, or "".
func (m *MultiMap) First(p Path) string {
	if v := m.values[p.String()]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Count returns how many scopes of kind occur directly below parent.
func (m *MultiMap) Count(parent Path, kind ScopeKind) int {
	return m.counts[countKey(parent, kind)]
}

func (m *MultiMap) add(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(m.values[key], value)
}

// pad grows the list at key to n entries.
func (m *MultiMap) pad(key string, n int) {
	if _, ok := m.values[key]; !ok && n > 0 {
		m.keys = append(m.keys, key)
	}
	for len(m.values[key]) < n {
		m.values[key] = append(m.values[key], "")
	}
}

// point leaves are always padded so index i is the i-th point.
var pointLeaves = []string{"time", "value", "unit", "qualifier_value", "censoring_reason", "censoring_limit"}

var scopeElements = map[string]ScopeKind{
	"wellConstructionDate": ScopeConstruction,
	"intermediateEvent":    ScopeEvent,
	"wellRemovalDate":      ScopeRemoval,
	"monitoringTube":       ScopeTube,
	"tubeData":             ScopeTube,
	"geoOhmCable":          ScopeGeoOhm,
	"electrode":            ScopeElectrode,
	"electrodeData":        ScopeElectrode,
	"observation":          ScopeObservation,
	"point":                ScopePoint,
	"measuringPoint":       ScopeMeasuringPoint,
}

var wrapperRoots = map[string]string{
	"dispatchDataResponse": "dispatchDocument",
	"registrationRequest":  "sourceDocument",
	"replaceRequest":       "sourceDocument",
}

var documentKinds = map[string]bool{
	"GMW_PPO":  true,
	"GLD_O":    true,
	"GLD_O_DP": true,
	"FRD_O":    true,
	"GMN_PPO":  true,
	"GAR_O":    true,
	"BRO_DO":   true,
}

// KnownDocument reports whether kind is a document the decoder understands.
func KnownDocument(kind string) bool {
	if documentKinds[kind] {
		return true
	}
	return strings.HasPrefix(kind, "GMW_") || strings.HasPrefix(kind, "GLD_") ||
		strings.HasPrefix(kind, "FRD_") || strings.HasPrefix(kind, "GMN_")
}

type frame struct {
	name     string
	attrs    []xml.Attr
	scope    *Scope
	path     Path
	text     strings.Builder
	hasChild bool
	param    string // NamedValue: key taken from the name element
}

type decoder struct {
	m        *MultiMap
	stack    []*frame
	inPoint  bool
	pointKey string // count key of the points in the current observation
}

// Decode reads a Registry document into a MultiMap.
func Decode(data []byte) (*MultiMap, error) {
	return DecodeReader(bytes.NewReader(data))
}

// DecodeReader is Decode over a stream.
func DecodeReader(r io.Reader) (*MultiMap, error) {
	d := &decoder{m: newMultiMap()}
	dec := xml.NewDecoder(r)

	depth := 0
	wrapper := ""
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedXML, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			name := t.Name.Local
			if depth == 1 {
				switch {
				case wrapperRoots[name] != "":
					wrapper = wrapperRoots[name]
				case KnownDocument(name):
					d.m.root = name
				default:
					return nil, fmt.Errorf("%w: root element %q", ErrUnknownEnvelope, name)
				}
			}
			if d.m.root == "" && wrapper != "" && len(d.stack) > 0 && d.stack[len(d.stack)-1].name == wrapper {
				d.m.root = name
			}
			d.start(name, t.Attr)
		case xml.CharData:
			if len(d.stack) > 0 {
				d.stack[len(d.stack)-1].text.Write(t)
			}
		case xml.EndElement:
			depth--
			d.end()
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unexpected end of document", ErrMalformedXML)
	}
	if d.m.root == "" {
		return nil, fmt.Errorf("%w: no document inside %s", ErrUnknownEnvelope, wrapper)
	}
	return d.m, nil
}

func (d *decoder) top() *frame {
	if len(d.stack) == 0 {
		return nil
	}
	return d.stack[len(d.stack)-1]
}

func (d *decoder) currentPath() Path {
	if f := d.top(); f != nil {
		return f.path
	}
	return Path{}
}

func (d *decoder) start(name string, attrs []xml.Attr) {
	parent := d.top()
	if parent != nil {
		parent.hasChild = true
	}
	f := &frame{name: name, attrs: attrs, path: d.currentPath()}

	if kind, ok := scopeElements[name]; ok {
		ck := countKey(f.path, kind)
		d.m.counts[ck]++
		s := Scope{Kind: kind}
		switch kind {
		case ScopePoint:
			d.inPoint = true
			d.pointKey = ck
		case ScopeConstruction, ScopeRemoval:
		default:
			s.Index = d.m.counts[ck]
		}
		f.scope = &s
		f.path = f.path.In(s)
	}
	d.stack = append(d.stack, f)
}

func (d *decoder) end() {
	f := d.top()
	if f == nil {
		return
	}
	d.stack = d.stack[:len(d.stack)-1]

	if f.scope != nil && f.scope.Kind == ScopePoint {
		n := d.m.counts[d.pointKey]
		for _, leaf := range pointLeaves {
			d.m.pad(f.path.Key(leaf).String(), n)
		}
		d.inPoint = false
		return
	}
	if f.hasChild || f.scope != nil {
		return
	}

	value := strings.TrimSpace(f.text.String())
	if value == "" {
		if h := attr(f.attrs, "href"); h != "" {
			value = hrefSuffix(h)
		}
	}

	if d.inPoint {
		d.pointLeaf(f, value)
		return
	}

	parent := d.top()
	if parent != nil && parent.name == "NamedValue" {
		switch f.name {
		case "name":
			parent.param = value
			return
		case "value":
			key := parent.param
			if cs := attr(f.attrs, "codeSpace"); cs != "" {
				key = lastSegment(cs, ":")
			}
			if key != "" && value != "" {
				d.m.add(f.path.Key(key).String(), value)
			}
			return
		}
	}

	if f.name == "deregistered" && strings.EqualFold(value, "ja") {
		d.m.deregistered = true
	}
	if value == "" {
		return
	}
	d.m.add(f.path.Key(f.name).String(), value)
}

func (d *decoder) pointLeaf(f *frame, value string) {
	n := d.m.counts[d.pointKey]
	base := f.path
	set := func(leaf, v string) {
		key := base.Key(leaf).String()
		d.m.pad(key, n-1)
		d.m.add(key, v)
	}
	switch f.name {
	case "time":
		set("time", value)
	case "value":
		switch {
		case d.within("Quantity"):
			set("censoring_limit", value)
		case d.within("qualifier"):
			set("qualifier_value", value)
		default:
			set("value", value)
			if uom := attr(f.attrs, "uom"); uom != "" {
				set("unit", uom)
			}
		}
	case "censoredReason":
		set("censoring_reason", value)
	}
}

// within reports whether an open ancestor element has the given name.
func (d *decoder) within(name string) bool {
	for i := len(d.stack) - 1; i >= 0; i-- {
		if d.stack[i].name == name {
			return true
		}
		if d.stack[i].scope != nil {
			return false
		}
	}
	return false
}

func attr(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func lastSegment(s, sep string) string {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[i+len(sep):]
	}
	return s
}

// hrefSuffix reduces a codelist reference to its last ':' or '/' segment.
func hrefSuffix(h string) string {
	i := strings.LastIndexAny(h, ":/")
	if i < 0 {
		return h
	}
	return h[i+1:]
}
