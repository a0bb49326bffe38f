package xmlcodec

import "time"

const srsRDNew = "urn:ogc:def:crs:EPSG::28992"

// GMWElectrode is one electrode of a geo-ohm cable.
type GMWElectrode struct {
	Number          int
	PackingMaterial string
	Status          string
	Position        Measure
}

type GMWCable struct {
	CableNumber int
	Electrodes  []GMWElectrode
}

// GMWTube holds the static and dynamic attributes of a monitoring tube.
// Event documents only carry the non-empty attributes.
type GMWTube struct {
	TubeNumber               int
	TubeType                 string
	ArtesianWellCapPresent   string
	SedimentSumpPresent      string
	NumberOfGeoOhmCables     int
	TubeTopDiameter          Measure
	VariableDiameter         string
	TubeStatus               string
	TubeTopPosition          Measure
	TubeTopPositioningMethod string
	TubePartInserted         string
	TubeInUse                string
	TubePackingMaterial      string
	TubeMaterial             string
	Glue                     string
	ScreenLength             Measure
	PlainTubePartLength      Measure
	SedimentSumpLength       Measure
	InsertedPartDiameter     Measure
	InsertedPartLength       Measure
	InsertedPartMaterial     string
	Cables                   []GMWCable
}

// GMWConstruction registers a new well.
type GMWConstruction struct {
	ObjectIDAccountableParty     string
	DeliveryContext              string
	ConstructionStandard         string
	InitialFunction              string
	NumberOfMonitoringTubes      int
	GroundLevelStable            string
	WellStability                string
	Owner                        string
	MaintenanceResponsibleParty  string
	WellHeadProtector            string
	WellConstructionDate         time.Time
	X                            float64
	Y                            float64
	HorizontalPositioningMethod  string
	LocalVerticalReferencePoint  string
	Offset                       Measure
	VerticalDatum                string
	GroundLevelPosition          Measure
	GroundLevelPositioningMethod string
	Tubes                        []GMWTube
}

func (GMWConstruction) object() string { return "gmw" }

// GMWEvent is an intermediate event or the removal of a well. Which fields
// are set depends on the envelope kind.
type GMWEvent struct {
	EventDate                    time.Time
	WellRemovalDate              time.Time
	GroundLevelStable            string
	WellStability                string
	Owner                        string
	MaintenanceResponsibleParty  string
	WellHeadProtector            string
	GroundLevelPosition          Measure
	GroundLevelPositioningMethod string
	Tubes                        []GMWTube
}

func (GMWEvent) object() string { return "gmw" }

type gmwConstructionBody struct {
	ObjectID                    string            `xml:"objectIdAccountableParty"`
	DeliveryContext             *code             `xml:"deliveryContext,omitempty"`
	ConstructionStandard        *code             `xml:"constructionStandard,omitempty"`
	InitialFunction             *code             `xml:"initialFunction,omitempty"`
	NumberOfMonitoringTubes     int               `xml:"numberOfMonitoringTubes"`
	GroundLevelStable           string            `xml:"groundLevelStable,omitempty"`
	WellStability               *code             `xml:"wellStability,omitempty"`
	Owner                       string            `xml:"owner,omitempty"`
	MaintenanceResponsibleParty string            `xml:"maintenanceResponsibleParty,omitempty"`
	WellHeadProtector           *code             `xml:"wellHeadProtector,omitempty"`
	WellConstructionDate        *brocomDate       `xml:"wellConstructionDate,omitempty"`
	DeliveredLocation           deliveredLocation `xml:"deliveredLocation"`
	DeliveredVerticalPosition   verticalPosition  `xml:"deliveredVerticalPosition"`
	Tubes                       []tubeXML         `xml:"monitoringTube"`
}

type deliveredLocation struct {
	Location                    gmlPoint `xml:"gmwcommon:location"`
	HorizontalPositioningMethod *code    `xml:"gmwcommon:horizontalPositioningMethod,omitempty"`
}

type gmlPoint struct {
	ID      string `xml:"gml:id,attr"`
	SrsName string `xml:"srsName,attr"`
	Pos     string `xml:"gml:pos"`
}

type verticalPosition struct {
	LocalVerticalReferencePoint  *code     `xml:"gmwcommon:localVerticalReferencePoint,omitempty"`
	Offset                       *uomValue `xml:"gmwcommon:offset,omitempty"`
	VerticalDatum                *code     `xml:"gmwcommon:verticalDatum,omitempty"`
	GroundLevelPosition          *uomValue `xml:"gmwcommon:groundLevelPosition,omitempty"`
	GroundLevelPositioningMethod *code     `xml:"gmwcommon:groundLevelPositioningMethod,omitempty"`
}

type tubeXML struct {
	TubeNumber               int           `xml:"tubeNumber"`
	TubeType                 *code         `xml:"tubeType,omitempty"`
	ArtesianWellCapPresent   string        `xml:"artesianWellCapPresent,omitempty"`
	SedimentSumpPresent      string        `xml:"sedimentSumpPresent,omitempty"`
	NumberOfGeoOhmCables     *int          `xml:"numberOfGeoOhmCables,omitempty"`
	TubeTopDiameter          *uomValue     `xml:"tubeTopDiameter,omitempty"`
	VariableDiameter         string        `xml:"variableDiameter,omitempty"`
	TubeStatus               *code         `xml:"tubeStatus,omitempty"`
	TubeTopPosition          *uomValue     `xml:"tubeTopPosition,omitempty"`
	TubeTopPositioningMethod *code         `xml:"tubeTopPositioningMethod,omitempty"`
	TubePartInserted         string        `xml:"tubePartInserted,omitempty"`
	TubeInUse                string        `xml:"tubeInUse,omitempty"`
	InsertedPartDiameter     *uomValue     `xml:"insertedPartDiameter,omitempty"`
	InsertedPartLength       *uomValue     `xml:"insertedPartLength,omitempty"`
	InsertedPartMaterial     *code         `xml:"insertedPartMaterial,omitempty"`
	Material                 *materialUsed `xml:"materialUsed,omitempty"`
	ScreenLength             *uomValue     `xml:"screen>screenLength,omitempty"`
	PlainTubePartLength      *uomValue     `xml:"plainTubePart>gmwcommon:plainTubePartLength,omitempty"`
	SedimentSumpLength       *uomValue     `xml:"sedimentSump>gmwcommon:sedimentSumpLength,omitempty"`
	Cables                   []cableXML    `xml:"geoOhmCable"`
}

type materialUsed struct {
	TubePackingMaterial *code `xml:"gmwcommon:tubePackingMaterial,omitempty"`
	TubeMaterial        *code `xml:"gmwcommon:tubeMaterial,omitempty"`
	Glue                *code `xml:"gmwcommon:glue,omitempty"`
}

type cableXML struct {
	CableNumber int            `xml:"cableNumber"`
	Electrodes  []electrodeXML `xml:"electrode"`
}

type electrodeXML struct {
	Number          int       `xml:"gmwcommon:electrodeNumber"`
	PackingMaterial *code     `xml:"gmwcommon:electrodePackingMaterial,omitempty"`
	Status          *code     `xml:"gmwcommon:electrodeStatus,omitempty"`
	Position        *uomValue `xml:"gmwcommon:electrodePosition,omitempty"`
}

func gmwCode(list, value string) *code {
	return newCode("urn:bro:gmw:"+list, value)
}

func encodeTube(t GMWTube, construction bool) tubeXML {
	x := tubeXML{
		TubeNumber:               t.TubeNumber,
		TubeType:                 gmwCode("TubeType", t.TubeType),
		ArtesianWellCapPresent:   t.ArtesianWellCapPresent,
		SedimentSumpPresent:      t.SedimentSumpPresent,
		TubeTopDiameter:          newMeasure("mm", t.TubeTopDiameter, 0),
		VariableDiameter:         t.VariableDiameter,
		TubeStatus:               gmwCode("TubeStatus", t.TubeStatus),
		TubeTopPosition:          newMeasure("m", t.TubeTopPosition, 3),
		TubeTopPositioningMethod: gmwCode("TubeTopPositioningMethod", t.TubeTopPositioningMethod),
		TubePartInserted:         t.TubePartInserted,
		TubeInUse:                t.TubeInUse,
		InsertedPartDiameter:     newMeasure("mm", t.InsertedPartDiameter, 0),
		InsertedPartLength:       newMeasure("m", t.InsertedPartLength, 3),
		InsertedPartMaterial:     gmwCode("InsertedPartMaterial", t.InsertedPartMaterial),
		ScreenLength:             newMeasure("m", t.ScreenLength, 3),
		PlainTubePartLength:      newMeasure("m", t.PlainTubePartLength, 3),
		SedimentSumpLength:       newMeasure("m", t.SedimentSumpLength, 3),
	}
	if construction {
		n := t.NumberOfGeoOhmCables
		x.NumberOfGeoOhmCables = &n
	}
	if t.TubePackingMaterial != "" || t.TubeMaterial != "" || t.Glue != "" {
		x.Material = &materialUsed{
			TubePackingMaterial: gmwCode("TubePackingMaterial", t.TubePackingMaterial),
			TubeMaterial:        gmwCode("TubeMaterial", t.TubeMaterial),
			Glue:                gmwCode("Glue", t.Glue),
		}
	}
	for _, c := range t.Cables {
		cx := cableXML{CableNumber: c.CableNumber}
		for _, e := range c.Electrodes {
			cx.Electrodes = append(cx.Electrodes, electrodeXML{
				Number:          e.Number,
				PackingMaterial: gmwCode("ElectrodePackingMaterial", e.PackingMaterial),
				Status:          gmwCode("ElectrodeStatus", e.Status),
				Position:        newMeasure("m", e.Position, 3),
			})
		}
		x.Cables = append(x.Cables, cx)
	}
	return x
}

func (d GMWConstruction) xmlBody(ids *idGen) any {
	body := gmwConstructionBody{
		ObjectID:                    d.ObjectIDAccountableParty,
		DeliveryContext:             gmwCode("DeliveryContext", d.DeliveryContext),
		ConstructionStandard:        gmwCode("ConstructionStandard", d.ConstructionStandard),
		InitialFunction:             gmwCode("InitialFunction", d.InitialFunction),
		NumberOfMonitoringTubes:     d.NumberOfMonitoringTubes,
		GroundLevelStable:           d.GroundLevelStable,
		WellStability:               gmwCode("WellStability", d.WellStability),
		Owner:                       d.Owner,
		MaintenanceResponsibleParty: d.MaintenanceResponsibleParty,
		WellHeadProtector:           gmwCode("WellHeadProtector", d.WellHeadProtector),
		WellConstructionDate:        newDate(d.WellConstructionDate),
		DeliveredLocation: deliveredLocation{
			Location: gmlPoint{
				ID:      ids.next(),
				SrsName: srsRDNew,
				Pos:     FormatDecimal(d.X, 3) + " " + FormatDecimal(d.Y, 3),
			},
			HorizontalPositioningMethod: gmwCode("HorizontalPositioningMethod", d.HorizontalPositioningMethod),
		},
		DeliveredVerticalPosition: verticalPosition{
			LocalVerticalReferencePoint:  gmwCode("LocalVerticalReferencePoint", d.LocalVerticalReferencePoint),
			Offset:                       newMeasure("m", d.Offset, 3),
			VerticalDatum:                gmwCode("VerticalDatum", d.VerticalDatum),
			GroundLevelPosition:          newMeasure("m", d.GroundLevelPosition, 3),
			GroundLevelPositioningMethod: gmwCode("GroundLevelPositioningMethod", d.GroundLevelPositioningMethod),
		},
	}
	if body.NumberOfMonitoringTubes == 0 {
		body.NumberOfMonitoringTubes = len(d.Tubes)
	}
	for _, t := range d.Tubes {
		body.Tubes = append(body.Tubes, encodeTube(t, true))
	}
	return body
}

type gmwEventBody struct {
	EventDate                    *brocomDate `xml:"eventDate,omitempty"`
	WellRemovalDate              *brocomDate `xml:"wellRemovalDate,omitempty"`
	GroundLevelStable            string      `xml:"groundLevelStable,omitempty"`
	WellStability                *code       `xml:"wellStability,omitempty"`
	Owner                        string      `xml:"owner,omitempty"`
	MaintenanceResponsibleParty  string      `xml:"maintenanceResponsibleParty,omitempty"`
	WellHeadProtector            *code       `xml:"wellHeadProtector,omitempty"`
	GroundLevelPosition          *uomValue   `xml:"groundLevelPosition,omitempty"`
	GroundLevelPositioningMethod *code       `xml:"groundLevelPositioningMethod,omitempty"`
	Tubes                        []tubeXML   `xml:"monitoringTube"`
}

func (d GMWEvent) xmlBody(*idGen) any {
	body := gmwEventBody{
		EventDate:                    newDate(d.EventDate),
		WellRemovalDate:              newDate(d.WellRemovalDate),
		GroundLevelStable:            d.GroundLevelStable,
		WellStability:                gmwCode("WellStability", d.WellStability),
		Owner:                        d.Owner,
		MaintenanceResponsibleParty:  d.MaintenanceResponsibleParty,
		WellHeadProtector:            gmwCode("WellHeadProtector", d.WellHeadProtector),
		GroundLevelPosition:          newMeasure("m", d.GroundLevelPosition, 3),
		GroundLevelPositioningMethod: gmwCode("GroundLevelPositioningMethod", d.GroundLevelPositioningMethod),
	}
	for _, t := range d.Tubes {
		body.Tubes = append(body.Tubes, encodeTube(t, false))
	}
	return body
}
