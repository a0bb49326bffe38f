package assemble

import (
	"fmt"
	"slices"
	"time"

	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/xmlcodec"
)

// EventKinds maps local event names to envelope kinds.
var EventKinds = map[string]string{
	models.EventConstruction:            xmlcodec.KindGMWConstruction,
	models.EventShortening:              xmlcodec.KindGMWShortening,
	models.EventLengthening:             xmlcodec.KindGMWLengthening,
	models.EventPositionsMeasured:       xmlcodec.KindGMWPositionsMeasuring,
	models.EventPositions:               xmlcodec.KindGMWPositions,
	models.EventWellHeadProtectorChange: xmlcodec.KindGMWWellHeadProtector,
	models.EventGroundLevelMeasured:     xmlcodec.KindGMWGroundLevelMeasuring,
	models.EventGroundLevel:             xmlcodec.KindGMWGroundLevel,
	models.EventElectrodeStatusChanged:  xmlcodec.KindGMWElectrodeStatus,
	models.EventTubeStatusChanged:       xmlcodec.KindGMWTubeStatus,
	models.EventInsertion:               xmlcodec.KindGMWInsertion,
	models.EventShift:                   xmlcodec.KindGMWShift,
	models.EventRemoval:                 xmlcodec.KindGMWRemoval,
	models.EventOwnerChanged:            xmlcodec.KindGMWOwner,
	models.EventMaintainerChanged:       xmlcodec.KindGMWMaintainer,
}

// KindForEvent returns the envelope kind of a local event name.
func KindForEvent(name string) (string, bool) {
	k, ok := EventKinds[name]
	return k, ok
}

// GMWConstruction assembles the construction of a well from its static
// fields and earliest snapshots.
func (a *Assembler) GMWConstruction(wellID int64, deliveryType string) (*Document, error) {
	well, err := a.store.GetWell(wellID)
	if err != nil {
		return nil, err
	}
	if well == nil {
		return nil, failed("well %d not found", wellID)
	}
	if !well.X.Valid || !well.Y.Valid {
		return nil, failed("well %d has no location", wellID)
	}
	objectID, err := a.objectIDs.Allocate(well)
	if err != nil {
		return nil, err
	}
	reqType, correction, err := requestType(deliveryType, well.BroID, well.CorrectionReason)
	if err != nil {
		return nil, err
	}

	dyns, err := a.store.ListWellDynamics(well.ID)
	if err != nil {
		return nil, err
	}
	var first models.WellDynamic
	if len(dyns) > 0 {
		first = dyns[0]
	}

	tubes, err := a.store.ListTubes(well.ID)
	if err != nil {
		return nil, err
	}
	doc := xmlcodec.GMWConstruction{
		ObjectIDAccountableParty:     objectID,
		ConstructionStandard:         well.ConstructionStandard.String,
		InitialFunction:              well.InitialFunction.String,
		WellStability:                first.WellStability.String,
		Owner:                        first.Owner.String,
		MaintenanceResponsibleParty:  first.Maintainer.String,
		WellHeadProtector:            first.WellHeadProtector.String,
		WellConstructionDate:         a.local(well.ConstructionDate.Time),
		X:                            well.X.Float64,
		Y:                            well.Y.Float64,
		HorizontalPositioningMethod:  well.HorizontalPositioningMethod.String,
		LocalVerticalReferencePoint:  well.LocalVerticalReferencePoint.String,
		Offset:                       measureOf(well.Offset),
		VerticalDatum:                well.VerticalDatum.String,
		GroundLevelPosition:          measureOf(first.GroundLevelPosition),
		GroundLevelPositioningMethod: first.GroundLevelPositioningMethod.String,
		NumberOfMonitoringTubes:      len(tubes),
	}
	if doc.Owner == "" {
		doc.Owner = well.Owner
	}

	for _, t := range tubes {
		d, err := a.store.TubeDynamicAt(t.ID, well.ConstructionDate.Time)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, failed("tube %d of well %d has no state", t.TubeNumber, wellID)
		}
		gt := constructionTube(t, *d)
		if gt.Cables, err = a.cables(t.ID, nil); err != nil {
			return nil, err
		}
		doc.Tubes = append(doc.Tubes, gt)
	}

	ref, err := a.gmwReference(well, xmlcodec.KindGMWConstruction)
	if err != nil {
		return nil, err
	}
	return &Document{
		Envelope: xmlcodec.Envelope{
			Kind:                     xmlcodec.KindGMWConstruction,
			RequestType:              reqType,
			RequestReference:         ref,
			DeliveryAccountableParty: accountableParty(well),
			QualityRegime:            regimeOf("", well),
			BroID:                    well.BroID.String,
			CorrectionReason:         correction,
			SourceDocument:           doc,
		},
		Filename: filename(ref),
	}, nil
}

func constructionTube(t models.Tube, d models.TubeDynamic) xmlcodec.GMWTube {
	return xmlcodec.GMWTube{
		TubeNumber:               t.TubeNumber,
		TubeType:                 t.TubeType.String,
		ArtesianWellCapPresent:   t.ArtesianWellCapPresent.String,
		SedimentSumpPresent:      t.SedimentSumpPresent.String,
		NumberOfGeoOhmCables:     t.NumberOfGeoOhmCables,
		TubeTopDiameter:          measureOf(d.TubeTopDiameter),
		VariableDiameter:         d.VariableDiameter.String,
		TubeStatus:               d.TubeStatus.String,
		TubeTopPosition:          measureOf(d.TubeTopPosition),
		TubeTopPositioningMethod: d.TubeTopPositioningMethod.String,
		TubePackingMaterial:      d.TubePackingMaterial.String,
		TubeMaterial:             t.TubeMaterial.String,
		Glue:                     d.Glue.String,
		ScreenLength:             measureOf(t.ScreenLength),
		PlainTubePartLength:      measureOf(d.PlainTubePartLength),
		SedimentSumpLength:       measureOf(t.SedimentSumpLength),
	}
}

// cables returns the cables of a tube. With a non-nil filter only the
// electrodes it contains are kept and cables left empty are dropped.
func (a *Assembler) cables(tubeID int64, filter []int64) ([]xmlcodec.GMWCable, error) {
	cables, err := a.store.ListGeoOhmCables(tubeID)
	if err != nil {
		return nil, err
	}
	var out []xmlcodec.GMWCable
	for _, c := range cables {
		electrodes, err := a.store.ListElectrodes(c.ID)
		if err != nil {
			return nil, err
		}
		gc := xmlcodec.GMWCable{CableNumber: c.CableNumber}
		for _, e := range electrodes {
			if filter != nil && !slices.Contains(filter, e.ID) {
				continue
			}
			gc.Electrodes = append(gc.Electrodes, xmlcodec.GMWElectrode{
				Number:          e.Number,
				PackingMaterial: e.PackingMaterial.String,
				Status:          e.Status.String,
				Position:        measureOf(e.Position),
			})
		}
		if filter != nil && len(gc.Electrodes) == 0 {
			continue
		}
		out = append(out, gc)
	}
	return out, nil
}

// gmwReference builds {broId}_{Kind}_{n} with n the number of accepted GMW
// logs of the well, or {internalId}_{Kind}_{timestamp} before the well is
// registered.
func (a *Assembler) gmwReference(well *models.Well, kind string) (string, error) {
	if !well.BroID.Valid || well.BroID.String == "" {
		id := well.InternalID
		if id == "" {
			id = well.ObjectID.String
		}
		return fmt.Sprintf("%s_%s_%s", id, kind, a.now().Format("20060102150405")), nil
	}
	n, err := a.store.CountAcceptedRegistrations(models.KindGMW, well.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%d", well.BroID.String, kind, n), nil
}

// GMWEvent assembles an intermediate event or the removal of a well. Each
// kind carries only the fields it requires. The construction event is
// assembled as GMWConstruction.
func (a *Assembler) GMWEvent(eventID int64, deliveryType string) (*Document, error) {
	ev, err := a.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, failed("event %d not found", eventID)
	}
	kind, ok := KindForEvent(ev.Name)
	if !ok {
		return nil, failed("unknown event %q", ev.Name)
	}
	if kind == xmlcodec.KindGMWConstruction {
		return a.GMWConstruction(ev.WellID, deliveryType)
	}

	well, err := a.store.GetWell(ev.WellID)
	if err != nil {
		return nil, err
	}
	if well == nil {
		return nil, failed("well %d not found", ev.WellID)
	}
	if !well.BroID.Valid || well.BroID.String == "" {
		return nil, fmt.Errorf("%w: well %d has no bro id", ErrMissingRegistration, well.ID)
	}
	reqType, correction, err := requestType(deliveryType, well.BroID, ev.CorrectionReason)
	if err != nil {
		return nil, err
	}

	doc := xmlcodec.GMWEvent{EventDate: a.local(ev.Date)}
	if err := a.fillEvent(&doc, kind, ev); err != nil {
		return nil, err
	}

	ref, err := a.gmwReference(well, kind)
	if err != nil {
		return nil, err
	}
	return &Document{
		Envelope: xmlcodec.Envelope{
			Kind:                     kind,
			RequestType:              reqType,
			RequestReference:         ref,
			DeliveryAccountableParty: accountableParty(well),
			QualityRegime:            regimeOf("", well),
			BroID:                    well.BroID.String,
			CorrectionReason:         correction,
			SourceDocument:           doc,
		},
		Filename: filename(ref),
	}, nil
}

func (a *Assembler) fillEvent(doc *xmlcodec.GMWEvent, kind string, ev *models.Event) error {
	var wd models.WellDynamic
	if ev.WellDynamicID.Valid {
		d, err := a.store.GetWellDynamic(ev.WellDynamicID.Int64)
		if err != nil {
			return err
		}
		if d != nil {
			wd = *d
		}
	}

	switch kind {
	case xmlcodec.KindGMWRemoval:
		doc.WellRemovalDate, doc.EventDate = a.local(ev.Date), time.Time{}
		return nil
	case xmlcodec.KindGMWWellHeadProtector:
		if !wd.WellHeadProtector.Valid {
			return failed("event %d: no well head protector", ev.ID)
		}
		doc.WellHeadProtector = wd.WellHeadProtector.String
		return nil
	case xmlcodec.KindGMWGroundLevelMeasuring, xmlcodec.KindGMWGroundLevel:
		if !wd.GroundLevelPosition.Valid {
			return failed("event %d: no ground level position", ev.ID)
		}
		doc.GroundLevelPosition = measureOf(wd.GroundLevelPosition)
		doc.GroundLevelPositioningMethod = wd.GroundLevelPositioningMethod.String
		return nil
	case xmlcodec.KindGMWOwner:
		if !wd.Owner.Valid {
			return failed("event %d: no owner", ev.ID)
		}
		doc.Owner = wd.Owner.String
		return nil
	case xmlcodec.KindGMWMaintainer:
		if !wd.Maintainer.Valid {
			return failed("event %d: no maintainer", ev.ID)
		}
		doc.MaintenanceResponsibleParty = wd.Maintainer.String
		return nil
	case xmlcodec.KindGMWElectrodeStatus:
		return a.fillElectrodes(doc, ev)
	}

	// Tube kinds. Positions and shift also carry the ground level.
	if kind == xmlcodec.KindGMWPositionsMeasuring || kind == xmlcodec.KindGMWPositions || kind == xmlcodec.KindGMWShift {
		doc.GroundLevelPosition = measureOf(wd.GroundLevelPosition)
		doc.GroundLevelPositioningMethod = wd.GroundLevelPositioningMethod.String
	}
	if len(ev.TubeDynamicIDs) == 0 {
		return failed("event %d (%s) has no tube state", ev.ID, ev.Name)
	}
	for _, id := range ev.TubeDynamicIDs {
		d, err := a.store.GetTubeDynamic(id)
		if err != nil {
			return err
		}
		if d == nil {
			return failed("event %d: tube state %d not found", ev.ID, id)
		}
		t, err := a.store.GetTube(d.TubeID)
		if err != nil {
			return err
		}
		if t == nil {
			return failed("event %d: tube %d not found", ev.ID, d.TubeID)
		}
		doc.Tubes = append(doc.Tubes, eventTube(kind, *t, *d))
	}
	return nil
}

func eventTube(kind string, t models.Tube, d models.TubeDynamic) xmlcodec.GMWTube {
	gt := xmlcodec.GMWTube{TubeNumber: t.TubeNumber}
	switch kind {
	case xmlcodec.KindGMWTubeStatus:
		gt.TubeStatus = d.TubeStatus.String
	case xmlcodec.KindGMWShortening, xmlcodec.KindGMWLengthening:
		gt.TubeTopPosition = measureOf(d.TubeTopPosition)
		gt.TubeTopPositioningMethod = d.TubeTopPositioningMethod.String
		gt.PlainTubePartLength = measureOf(d.PlainTubePartLength)
		if kind == xmlcodec.KindGMWLengthening {
			gt.VariableDiameter = d.VariableDiameter.String
			gt.TubeTopDiameter = measureOf(d.TubeTopDiameter)
			gt.TubeMaterial = t.TubeMaterial.String
			gt.Glue = d.Glue.String
		}
	case xmlcodec.KindGMWInsertion:
		gt.TubeTopPosition = measureOf(d.TubeTopPosition)
		gt.TubeTopPositioningMethod = d.TubeTopPositioningMethod.String
		gt.InsertedPartDiameter = measureOf(d.InsertedPartDiameter)
		gt.InsertedPartLength = measureOf(d.InsertedPartLength)
		gt.InsertedPartMaterial = d.InsertedPartMaterial.String
	default:
		gt.TubeTopPosition = measureOf(d.TubeTopPosition)
		gt.TubeTopPositioningMethod = d.TubeTopPositioningMethod.String
	}
	return gt
}

func (a *Assembler) fillElectrodes(doc *xmlcodec.GMWEvent, ev *models.Event) error {
	if len(ev.ElectrodeIDs) == 0 {
		return failed("event %d has no electrodes", ev.ID)
	}
	tubes, err := a.store.ListTubes(ev.WellID)
	if err != nil {
		return err
	}
	for _, t := range tubes {
		cables, err := a.cables(t.ID, ev.ElectrodeIDs)
		if err != nil {
			return err
		}
		if len(cables) > 0 {
			doc.Tubes = append(doc.Tubes, xmlcodec.GMWTube{TubeNumber: t.TubeNumber, Cables: cables})
		}
	}
	if len(doc.Tubes) == 0 {
		return failed("event %d: electrodes not found", ev.ID)
	}
	return nil
}
