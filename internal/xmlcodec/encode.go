// Package xmlcodec writes Registry request envelopes and reads Registry
// documents back into a flat, path-keyed multimap.
package xmlcodec

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedXML    = errors.New("malformed xml")
	ErrUnknownEnvelope = errors.New("unknown envelope")
)

const (
	nsBrocom    = "http://www.broservices.nl/xsd/brocommon/3.0"
	nsGML       = "http://www.opengis.net/gml/3.2"
	nsOM        = "http://www.opengis.net/om/2.0"
	nsWaterML   = "http://www.opengis.net/waterml/2.0"
	nsSWE       = "http://www.opengis.net/swe/2.0"
	nsXLink     = "http://www.w3.org/1999/xlink"
	nsXSI       = "http://www.w3.org/2001/XMLSchema-instance"
	nsISGLD     = "http://www.broservices.nl/xsd/isgld/1.0"
	nsGLDCommon = "http://www.broservices.nl/xsd/gldcommon/1.0"
	nsISGMW     = "http://www.broservices.nl/xsd/isgmw/1.1"
	nsGMWCommon = "http://www.broservices.nl/xsd/gmwcommon/1.1"
	nsISFRD     = "http://www.broservices.nl/xsd/isfrd/1.0"
	nsFRDCommon = "http://www.broservices.nl/xsd/frdcommon/1.0"
)

// TimeLayout renders timestamps with an explicit numeric offset, never Z.
const TimeLayout = "2006-01-02T15:04:05-07:00"

const dateLayout = "2006-01-02"

// Envelope kinds.
const (
	KindGLDStartRegistration    = "GLD_StartRegistration"
	KindGLDAddition             = "GLD_Addition"
	KindFRDStartRegistration    = "FRD_StartRegistration"
	KindGMWConstruction         = "GMW_Construction"
	KindGMWShortening           = "GMW_Shortening"
	KindGMWLengthening          = "GMW_Lengthening"
	KindGMWPositionsMeasuring   = "GMW_PositionsMeasuring"
	KindGMWPositions            = "GMW_Positions"
	KindGMWWellHeadProtector    = "GMW_WellHeadProtector"
	KindGMWGroundLevelMeasuring = "GMW_GroundLevelMeasuring"
	KindGMWGroundLevel          = "GMW_GroundLevel"
	KindGMWElectrodeStatus      = "GMW_ElectrodeStatus"
	KindGMWTubeStatus           = "GMW_TubeStatus"
	KindGMWInsertion            = "GMW_Insertion"
	KindGMWShift                = "GMW_Shift"
	KindGMWRemoval              = "GMW_Removal"
	KindGMWOwner                = "GMW_Owner"
	KindGMWMaintainer           = "GMW_Maintainer"
)

// Request types.
const (
	RequestRegister = "register"
	RequestReplace  = "replace"
)

// SourceDocument is the typed content of an envelope. Only the document
// types of this package implement it.
type SourceDocument interface {
	object() string
	xmlBody(ids *idGen) any
}

// Envelope describes one request to the Registry.
type Envelope struct {
	Kind                     string
	RequestType              string // register or replace; empty means register
	RequestReference         string
	DeliveryAccountableParty string
	QualityRegime            string
	BroID                    string
	CorrectionReason         string
	SourceDocument           SourceDocument
}

// Encoded is a serialized envelope.
type Encoded struct {
	Kind  string
	Bytes []byte
}

// Write stores the envelope as dir/filename and returns the full path.
func (e *Encoded) Write(dir, filename string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create envelope dir: %w", err)
	}
	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, e.Bytes, 0o644); err != nil {
		return "", fmt.Errorf("write envelope: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write envelope: %w", err)
	}
	return path, nil
}

type request struct {
	XMLName                  xml.Name
	Attrs                    []xml.Attr     `xml:",any,attr"`
	RequestReference         string         `xml:"brocom:requestReference"`
	DeliveryAccountableParty string         `xml:"brocom:deliveryAccountableParty,omitempty"`
	BroID                    string         `xml:"brocom:broId,omitempty"`
	QualityRegime            string         `xml:"brocom:qualityRegime"`
	CorrectionReason         *code          `xml:"brocom:correctionReason,omitempty"`
	SourceDocument           sourceDocument `xml:"sourceDocument"`
}

type sourceDocument struct {
	kind string
	id   string
	body any
}

func (d sourceDocument) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	inner := xml.StartElement{
		Name: xml.Name{Local: d.kind},
		Attr: []xml.Attr{{Name: xml.Name{Local: "gml:id"}, Value: d.id}},
	}
	if err := e.EncodeElement(d.body, inner); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

func namespaces(object string) []xml.Attr {
	attr := func(name, value string) xml.Attr {
		return xml.Attr{Name: xml.Name{Local: name}, Value: value}
	}
	attrs := []xml.Attr{
		attr("xmlns:brocom", nsBrocom),
		attr("xmlns:gml", nsGML),
		attr("xmlns:xlink", nsXLink),
		attr("xmlns:xsi", nsXSI),
	}
	switch object {
	case "gld":
		attrs = append([]xml.Attr{attr("xmlns", nsISGLD)}, attrs...)
		attrs = append(attrs,
			attr("xmlns:gldcommon", nsGLDCommon),
			attr("xmlns:om", nsOM),
			attr("xmlns:waterml", nsWaterML),
			attr("xmlns:swe", nsSWE),
		)
	case "gmw":
		attrs = append([]xml.Attr{attr("xmlns", nsISGMW)}, attrs...)
		attrs = append(attrs, attr("xmlns:gmwcommon", nsGMWCommon))
	case "frd":
		attrs = append([]xml.Attr{attr("xmlns", nsISFRD)}, attrs...)
		attrs = append(attrs, attr("xmlns:frdcommon", nsFRDCommon))
	}
	return attrs
}

// Encode serializes env into a Registry request.
func Encode(env Envelope) (*Encoded, error) {
	if env.SourceDocument == nil {
		return nil, fmt.Errorf("encode %s: no source document", env.Kind)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("encode: %w: empty kind", ErrUnknownEnvelope)
	}

	rootName := "registrationRequest"
	var correction *code
	switch env.RequestType {
	case "", RequestRegister:
	case RequestReplace:
		if env.BroID == "" {
			return nil, fmt.Errorf("encode %s: replace request without bro id", env.Kind)
		}
		rootName = "replaceRequest"
		correction = newCode("urn:bro:"+env.SourceDocument.object()+":CorrectionReason", env.CorrectionReason)
	default:
		return nil, fmt.Errorf("encode %s: unknown request type %q", env.Kind, env.RequestType)
	}

	ids := &idGen{}
	docID := ids.next()
	req := request{
		XMLName:                  xml.Name{Local: rootName},
		Attrs:                    namespaces(env.SourceDocument.object()),
		RequestReference:         env.RequestReference,
		DeliveryAccountableParty: env.DeliveryAccountableParty,
		BroID:                    env.BroID,
		QualityRegime:            env.QualityRegime,
		CorrectionReason:         correction,
		SourceDocument: sourceDocument{
			kind: env.Kind,
			id:   docID,
			body: env.SourceDocument.xmlBody(ids),
		},
	}

	out, err := xml.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return &Encoded{Kind: env.Kind, Bytes: append([]byte(xml.Header), out...)}, nil
}

// idGen hands out document-local gml ids.
type idGen struct {
	n int
}

func (g *idGen) next() string {
	g.n++
	return fmt.Sprintf("id_%04d", g.n)
}

// NewObservationID returns a fresh gml id for an observation.
func NewObservationID() string {
	return "_" + uuid.NewString()
}

// FormatTime renders t as ISO-8601 with a ±HH:MM offset.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// FormatDecimal renders v with a decimal dot and at most prec decimals.
func FormatDecimal(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

type code struct {
	CodeSpace string `xml:"codeSpace,attr"`
	Value     string `xml:",chardata"`
}

func newCode(space, value string) *code {
	if value == "" {
		return nil
	}
	return &code{CodeSpace: space, Value: value}
}

type uomValue struct {
	UOM   string `xml:"uom,attr"`
	Value string `xml:",chardata"`
}

// Measure is an optional numeric value with a unit of measure.
type Measure struct {
	Value float64
	Valid bool
}

func newMeasure(uom string, m Measure, prec int) *uomValue {
	if !m.Valid {
		return nil
	}
	return &uomValue{UOM: uom, Value: FormatDecimal(m.Value, prec)}
}

type href struct {
	Href string `xml:"xlink:href,attr"`
}

func newHref(v string) *href {
	if v == "" {
		return nil
	}
	return &href{Href: v}
}

type brocomDate struct {
	Date string `xml:"brocom:date"`
}

func newDate(t time.Time) *brocomDate {
	if t.IsZero() {
		return nil
	}
	return &brocomDate{Date: t.Format(dateLayout)}
}
