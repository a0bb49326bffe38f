package xmlcodec

import (
	"time"

	"github.com/lox/broconnector/internal/measure"
)

const (
	observationTypeTVP = "http://www.opengis.net/def/observationType/waterml/2.0/MeasurementTimeseriesTVPObservation"
	processTypeAlgo    = "http://www.opengis.net/def/waterml/2.0/processType/algorithm"
	interpolationDisc  = "http://www.opengis.net/def/waterml/2.0/interpolationType/Discontinuous"
	observedProperty   = "urn:bro:gld:ObservedProperty:grondwaterstandtovNAP"
)

// GLDStartRegistration opens a groundwater level dossier for one tube.
type GLDStartRegistration struct {
	ObjectIDAccountableParty string
	GMWBroID                 string
	TubeNumber               int
	MonitoringNetworks       []string
}

func (GLDStartRegistration) object() string { return "gld" }

type gldStartBody struct {
	ObjectID        string          `xml:"objectIdAccountableParty"`
	GMN             []gldNet        `xml:"groundwaterMonitoringNet,omitempty"`
	MonitoringPoint gldMonitoringPt `xml:"monitoringPoint"`
}

type gldNet struct {
	BroID string `xml:"gldcommon:GroundwaterMonitoringNet>gldcommon:broId"`
}

type gldMonitoringPt struct {
	Tube gldTube `xml:"gldcommon:GroundwaterMonitoringTube"`
}

type gldTube struct {
	BroID      string `xml:"gldcommon:broId"`
	TubeNumber int    `xml:"gldcommon:tubeNumber"`
}

func (d GLDStartRegistration) xmlBody(*idGen) any {
	body := gldStartBody{
		ObjectID:        d.ObjectIDAccountableParty,
		MonitoringPoint: gldMonitoringPt{Tube: gldTube{BroID: d.GMWBroID, TubeNumber: d.TubeNumber}},
	}
	for _, id := range d.MonitoringNetworks {
		body.GMN = append(body.GMN, gldNet{BroID: id})
	}
	return body
}

// GLDAddition carries one observation and its measurements.
type GLDAddition struct {
	ObservationID               string
	ObservationType             string
	Status                      string // omitted for control measurements
	PrincipalInvestigator       string
	DateStamp                   time.Time
	ProcessReference            string
	MeasurementInstrumentType   string
	AirPressureCompensationType string // omitted when empty
	EvaluationProcedure         string
	Begin                       time.Time
	End                         time.Time
	ResultTime                  time.Time
	Points                      []measure.Point
}

func (GLDAddition) object() string { return "gld" }

type gldAdditionBody struct {
	Observation omObservation `xml:"observation>om:OM_Observation"`
}

type omObservation struct {
	ID               string            `xml:"gml:id,attr"`
	Type             href              `xml:"om:type"`
	Metadata         obsMetadata       `xml:"om:metadata>waterml:ObservationMetadata"`
	PhenomenonTime   timePeriod        `xml:"om:phenomenonTime>gml:TimePeriod"`
	ResultTime       timeInstant       `xml:"om:resultTime>gml:TimeInstant"`
	Procedure        obsProcess        `xml:"om:procedure>waterml:ObservationProcess"`
	ObservedProperty href              `xml:"om:observedProperty"`
	Result           measurementSeries `xml:"om:result>waterml:MeasurementTimeseries"`
}

type obsMetadata struct {
	DateStamp             string      `xml:"waterml:dateStamp"`
	Status                *href       `xml:"waterml:status,omitempty"`
	Parameters            []parameter `xml:"waterml:parameter"`
	PrincipalInvestigator string      `xml:"gldcommon:principalInvestigator>gldcommon:chamberOfCommerceNumber"`
}

type parameter struct {
	NamedValue namedValue `xml:"om:NamedValue"`
}

type namedValue struct {
	Name  href      `xml:"om:name"`
	Value typedCode `xml:"om:value"`
}

type typedCode struct {
	Type      string `xml:"xsi:type,attr"`
	CodeSpace string `xml:"codeSpace,attr"`
	Value     string `xml:",chardata"`
}

func newNamedValue(name, space, value string) parameter {
	return parameter{NamedValue: namedValue{
		Name:  href{Href: "urn:bro:gld:" + name},
		Value: typedCode{Type: "gml:CodeWithAuthorityType", CodeSpace: "urn:bro:gld:" + space, Value: value},
	}}
}

type timePeriod struct {
	ID    string `xml:"gml:id,attr"`
	Begin string `xml:"gml:beginPosition"`
	End   string `xml:"gml:endPosition"`
}

type timeInstant struct {
	ID       string `xml:"gml:id,attr"`
	Position string `xml:"gml:timePosition"`
}

type obsProcess struct {
	ID               string      `xml:"gml:id,attr"`
	ProcessType      href        `xml:"waterml:processType"`
	ProcessReference href        `xml:"waterml:processReference"`
	Parameters       []parameter `xml:"waterml:parameter"`
}

type measurementSeries struct {
	ID     string       `xml:"gml:id,attr"`
	Points []tvpWrapper `xml:"waterml:point"`
}

type tvpWrapper struct {
	TVP tvpPoint `xml:"waterml:MeasurementTVP"`
}

type tvpPoint struct {
	Time     string      `xml:"waterml:time"`
	Value    tvpValue    `xml:"waterml:value"`
	Metadata tvpMetadata `xml:"waterml:metadata>waterml:TVPMeasurementMetadata"`
}

type tvpValue struct {
	UOM   string `xml:"uom,attr,omitempty"`
	Nil   string `xml:"xsi:nil,attr,omitempty"`
	Value string `xml:",chardata"`
}

type tvpMetadata struct {
	Qualifiers     []qualifier `xml:"waterml:qualifier"`
	CensoredReason *href       `xml:"waterml:censoredReason,omitempty"`
	Interpolation  href        `xml:"waterml:interpolationType"`
}

type qualifier struct {
	Category *sweCategory `xml:"swe:Category,omitempty"`
	Quantity *sweQuantity `xml:"swe:Quantity,omitempty"`
}

type sweCategory struct {
	CodeSpace href   `xml:"swe:codeSpace"`
	Value     string `xml:"swe:value"`
}

type sweQuantity struct {
	UOM   href   `xml:"swe:uom"`
	Value string `xml:"swe:value"`
}

func (d GLDAddition) xmlBody(ids *idGen) any {
	md := obsMetadata{
		DateStamp:             d.DateStamp.Format(dateLayout),
		Status:                newHref(statusHref(d.Status)),
		Parameters:            []parameter{newNamedValue("ObservationMetadata:observationType", "ObservationType", d.ObservationType)},
		PrincipalInvestigator: d.PrincipalInvestigator,
	}

	params := []parameter{
		newNamedValue("ObservationProcess:evaluationProcedure", "EvaluationProcedure", d.EvaluationProcedure),
		newNamedValue("ObservationProcess:measurementInstrumentType", "MeasurementInstrumentType", d.MeasurementInstrumentType),
	}
	if d.AirPressureCompensationType != "" {
		params = append(params, newNamedValue("ObservationProcess:airPressureCompensationType",
			"AirPressureCompensationType", d.AirPressureCompensationType))
	}

	obs := omObservation{
		ID:             d.ObservationID,
		Type:           href{Href: observationTypeTVP},
		Metadata:       md,
		PhenomenonTime: timePeriod{ID: ids.next(), Begin: FormatTime(d.Begin), End: FormatTime(d.End)},
		ResultTime:     timeInstant{ID: ids.next(), Position: FormatTime(d.ResultTime)},
		Procedure: obsProcess{
			ID:               ids.next(),
			ProcessType:      href{Href: processTypeAlgo},
			ProcessReference: href{Href: "urn:bro:gld:ProcessReference:" + d.ProcessReference},
			Parameters:       params,
		},
		ObservedProperty: href{Href: observedProperty},
		Result:           measurementSeries{ID: ids.next()},
	}
	if obs.ID == "" {
		obs.ID = NewObservationID()
	}

	for _, p := range d.Points {
		obs.Result.Points = append(obs.Result.Points, tvpWrapper{TVP: encodePoint(p)})
	}
	return gldAdditionBody{Observation: obs}
}

func encodePoint(p measure.Point) tvpPoint {
	tp := tvpPoint{Time: FormatTime(p.Time)}
	if p.Value.Valid {
		tp.Value = tvpValue{UOM: "m", Value: FormatDecimal(p.Value.Float64, 3)}
	} else {
		tp.Value = tvpValue{Nil: "true"}
	}

	qc := p.StatusQualityControl
	if qc == "" {
		qc = "onbekend"
	}
	tp.Metadata.Qualifiers = append(tp.Metadata.Qualifiers, qualifier{Category: &sweCategory{
		CodeSpace: href{Href: "urn:bro:gld:StatusQualityControl"},
		Value:     qc,
	}})
	if p.CensorReason.Valid {
		tp.Metadata.CensoredReason = &href{Href: "urn:bro:gld:CensoringReason:" + p.CensorReason.String}
		if p.CensoringLimitValue.Valid {
			tp.Metadata.Qualifiers = append(tp.Metadata.Qualifiers, qualifier{Quantity: &sweQuantity{
				UOM:   href{Href: "urn:bro:gld:Unit:m"},
				Value: FormatDecimal(p.CensoringLimitValue.Float64, 3),
			}})
		}
	}
	tp.Metadata.Interpolation = href{Href: interpolationDisc}
	return tp
}

func statusHref(status string) string {
	if status == "" {
		return ""
	}
	return "urn:bro:gld:StatusCode:" + status
}
