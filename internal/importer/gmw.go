package importer

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/assemble"
	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/xmlcodec"
)

// registryEvents maps Registry event names to local ones.
var registryEvents = map[string]string{
	"constructie":                  models.EventConstruction,
	"beschermconstructieVeranderd": models.EventWellHeadProtectorChange,
	"buisdeelIngeplaatst":          models.EventInsertion,
	"buisIngekort":                 models.EventShortening,
	"buisOpgelengd":                models.EventLengthening,
	"buisstatusVeranderd":          models.EventTubeStatusChanged,
	"eigenaarVeranderd":            models.EventOwnerChanged,
	"elektrodestatusVeranderd":     models.EventElectrodeStatusChanged,
	"maaiveldVerlegd":              models.EventShift,
	"nieuweBepalingMaaiveld":       models.EventGroundLevel,
	"nieuweBepalingPosities":       models.EventPositions,
	"nieuweInmetingMaaiveld":       models.EventGroundLevelMeasured,
	"nieuweInmetingPosities":       models.EventPositionsMeasured,
	"onderhouderVeranderd":         models.EventMaintainerChanged,
}

// wellLeaves are the well state fields an event may change.
var wellLeaves = []string{
	"groundLevelPosition", "groundLevelPositioningMethod", "wellHeadProtector",
	"wellStability", "owner", "maintenanceResponsibleParty",
}

var tubeLeaves = []string{
	"tubeTopPosition", "tubeTopPositioningMethod", "plainTubePartLength",
	"tubeTopDiameter", "variableDiameter", "tubeStatus", "tubePackingMaterial",
	"glue", "insertedPartLength", "insertedPartDiameter", "insertedPartMaterial",
}

type electrodeKey struct {
	tube, cable, number int
}

// gmwImport replays one well document into the store.
type gmwImport struct {
	tx           *store.Store
	d            doc
	well         models.Well
	wellDynamic  models.WellDynamic
	tubes        map[int]int64
	tubeDynamics map[int]models.TubeDynamic
	electrodes   map[electrodeKey]int64
}

func importGMW(tx *store.Store, broID string, d doc, owner string) error {
	root := xmlcodec.At()
	g := &gmwImport{
		tx:           tx,
		d:            d,
		tubes:        map[int]int64{},
		tubeDynamics: map[int]models.TubeDynamic{},
		electrodes:   map[electrodeKey]int64{},
	}

	// delivered location first (RD New), standardized location second
	positions := d.m.Values(root.Key("pos"))
	var w models.Well
	if len(positions) > 0 {
		w.X, w.Y = position(positions[0])
	}
	if len(positions) > 1 {
		w.Lat, w.Lon = position(positions[1])
	}
	party := d.first(root.Key("deliveryAccountableParty"))
	w.BroID = sql.NullString{String: broID, Valid: true}
	w.WellCode = d.str(root.Key("wellCode"))
	w.NITGCode = d.str(root.Key("nitgCode"))
	w.InternalID = broID
	switch {
	case w.WellCode.Valid:
		w.InternalID = w.WellCode.String
	case w.NITGCode.Valid:
		w.InternalID = w.NITGCode.String
	}
	w.Owner = party
	w.DeliveryAccountableParty = d.str(root.Key("deliveryAccountableParty"))
	w.ConstructionStandard = d.str(root.Key("constructionStandard"))
	w.InitialFunction = d.str(root.Key("initialFunction"))
	w.QualityRegime = d.first(root.Key("qualityRegime"))
	if w.QualityRegime == "" {
		w.QualityRegime = models.RegimeTolerant
	}
	w.HorizontalPositioningMethod = d.str(root.Key("horizontalPositioningMethod"))
	w.LocalVerticalReferencePoint = d.str(root.Key("localVerticalReferencePoint"))
	w.Offset = d.num(root.Key("offset"))
	w.VerticalDatum = d.str(root.Key("verticalDatum"))
	w.ConstructionDate = d.date(xmlcodec.At(xmlcodec.Construction))
	w.RemovalDate = d.date(xmlcodec.At(xmlcodec.Removal))
	w.RegistrationTime = d.timestamp(root.Key("objectRegistrationTime"))
	w.DeliverToRegistry = ownerMatches(d, owner)
	w.InManagement = w.DeliverToRegistry

	id, _, err := tx.InsertWell(w)
	if err != nil {
		return err
	}
	w.ID = id
	g.well = w

	start := w.ConstructionDate.Time
	if !w.ConstructionDate.Valid {
		start = w.RegistrationTime.Time
	}
	g.wellDynamic = models.WellDynamic{WellID: w.ID, ValidFrom: start}
	g.applyWell(&g.wellDynamic, root)
	dynID, err := tx.InsertWellDynamic(g.wellDynamic)
	if err != nil {
		return err
	}
	g.wellDynamic.ID = dynID

	var tubeDynIDs []int64
	for t := 1; t <= d.m.Count(root, xmlcodec.ScopeTube); t++ {
		tubeDynID, err := g.insertTube(xmlcodec.At(xmlcodec.Tube(t)), t, start)
		if err != nil {
			return err
		}
		tubeDynIDs = append(tubeDynIDs, tubeDynID)
	}

	constructionID, err := tx.InsertEvent(models.Event{
		WellID:              w.ID,
		Name:                models.EventConstruction,
		Date:                start,
		WellDynamicID:       sql.NullInt64{Int64: dynID, Valid: true},
		TubeDynamicIDs:      tubeDynIDs,
		DeliveredToRegistry: true,
	})
	if err != nil {
		return err
	}
	if err := g.accepted(constructionID, xmlcodec.KindGMWConstruction, broID); err != nil {
		return err
	}

	for n := 1; n <= d.m.Count(root, xmlcodec.ScopeEvent); n++ {
		if err := g.replayEvent(n, broID); err != nil {
			return fmt.Errorf("event %d: %w", n, err)
		}
	}

	if w.RemovalDate.Valid {
		removalID, err := tx.InsertEvent(models.Event{
			WellID:              w.ID,
			Name:                models.EventRemoval,
			Date:                w.RemovalDate.Time,
			DeliveredToRegistry: true,
		})
		if err != nil {
			return err
		}
		if err := g.accepted(removalID, xmlcodec.KindGMWRemoval, broID); err != nil {
			return err
		}
	}
	return nil
}

func (g *gmwImport) accepted(eventID int64, kind, broID string) error {
	return g.tx.InsertAcceptedRegistrationLog(store.RegistrationKey{
		Object:        models.KindGMW,
		WellID:        g.well.ID,
		QualityRegime: g.well.QualityRegime,
		EventID:       eventID,
		DeliveryType:  models.DeliveryRegister,
	}, kind, broID)
}

// applyWell overlays the well state fields present below p.
func (g *gmwImport) applyWell(w *models.WellDynamic, p xmlcodec.Path) {
	setStr := func(dst *sql.NullString, leaf string) {
		if v := g.d.str(p.Key(leaf)); v.Valid {
			*dst = v
		}
	}
	if v := g.d.num(p.Key("groundLevelPosition")); v.Valid {
		w.GroundLevelPosition = v
	}
	setStr(&w.GroundLevelPositioningMethod, "groundLevelPositioningMethod")
	setStr(&w.WellHeadProtector, "wellHeadProtector")
	setStr(&w.WellStability, "wellStability")
	setStr(&w.Owner, "owner")
	setStr(&w.Maintainer, "maintenanceResponsibleParty")
}

// applyTube overlays the tube state fields present below p.
func (g *gmwImport) applyTube(t *models.TubeDynamic, p xmlcodec.Path) {
	setStr := func(dst *sql.NullString, leaf string) {
		if v := g.d.str(p.Key(leaf)); v.Valid {
			*dst = v
		}
	}
	setNum := func(dst *sql.NullFloat64, leaf string) {
		if v := g.d.num(p.Key(leaf)); v.Valid {
			*dst = v
		}
	}
	setNum(&t.TubeTopPosition, "tubeTopPosition")
	setStr(&t.TubeTopPositioningMethod, "tubeTopPositioningMethod")
	setNum(&t.PlainTubePartLength, "plainTubePartLength")
	setNum(&t.TubeTopDiameter, "tubeTopDiameter")
	setStr(&t.VariableDiameter, "variableDiameter")
	setStr(&t.TubeStatus, "tubeStatus")
	setStr(&t.TubePackingMaterial, "tubePackingMaterial")
	setStr(&t.Glue, "glue")
	setNum(&t.InsertedPartLength, "insertedPartLength")
	setNum(&t.InsertedPartDiameter, "insertedPartDiameter")
	setStr(&t.InsertedPartMaterial, "insertedPartMaterial")
}

func (g *gmwImport) insertTube(p xmlcodec.Path, index int, start time.Time) (int64, error) {
	number := g.d.integer(p.Key("tubeNumber"), index)
	tube := models.Tube{
		WellID:                 g.well.ID,
		TubeNumber:             number,
		TubeType:               g.d.str(p.Key("tubeType")),
		ArtesianWellCapPresent: g.d.str(p.Key("artesianWellCapPresent")),
		SedimentSumpPresent:    g.d.str(p.Key("sedimentSumpPresent")),
		SedimentSumpLength:     g.d.num(p.Key("sedimentSumpLength")),
		ScreenLength:           g.d.num(p.Key("screenLength")),
		TubeMaterial:           g.d.str(p.Key("tubeMaterial")),
		NumberOfGeoOhmCables:   g.d.integer(p.Key("numberOfGeoOhmCables"), 0),
	}
	tubeID, err := g.tx.InsertTube(tube)
	if err != nil {
		return 0, err
	}
	g.tubes[number] = tubeID

	dyn := models.TubeDynamic{TubeID: tubeID, ValidFrom: start}
	g.applyTube(&dyn, p)
	dynID, err := g.tx.InsertTubeDynamic(dyn)
	if err != nil {
		return 0, err
	}
	dyn.ID = dynID
	g.tubeDynamics[number] = dyn

	for c := 1; c <= g.d.m.Count(p, xmlcodec.ScopeGeoOhm); c++ {
		cp := p.In(xmlcodec.GeoOhm(c))
		cableNumber := g.d.integer(cp.Key("cableNumber"), c)
		cableID, err := g.tx.InsertGeoOhmCable(models.GeoOhmCable{TubeID: tubeID, CableNumber: cableNumber})
		if err != nil {
			return 0, err
		}
		for e := 1; e <= g.d.m.Count(cp, xmlcodec.ScopeElectrode); e++ {
			ep := cp.In(xmlcodec.Electrode(e))
			electrode := models.Electrode{
				CableID:         cableID,
				Number:          g.d.integer(ep.Key("electrodeNumber"), e),
				Status:          g.d.str(ep.Key("electrodeStatus")),
				PackingMaterial: g.d.str(ep.Key("electrodePackingMaterial")),
				Position:        g.d.num(ep.Key("electrodePosition")),
			}
			electrodeID, err := g.tx.InsertElectrode(electrode)
			if err != nil {
				return 0, err
			}
			g.electrodes[electrodeKey{number, cableNumber, electrode.Number}] = electrodeID
		}
	}
	return dynID, nil
}

// replayEvent stores intermediate event n with the snapshots it produced.
func (g *gmwImport) replayEvent(n int, broID string) error {
	p := xmlcodec.At(xmlcodec.Event(n))
	registryName := g.d.first(p.Key("eventName"))
	name, ok := registryEvents[registryName]
	if !ok || name == models.EventConstruction {
		logging.Debug().
			Str("bro_id", broID).
			Str("event", registryName).
			Msg("Skipped unsupported well event")
		return nil
	}
	kind, _ := assemble.KindForEvent(name)
	date := g.d.date(p)
	if !date.Valid {
		return fmt.Errorf("%s without date", registryName)
	}
	ev := models.Event{
		WellID:              g.well.ID,
		Name:                name,
		Date:                date.Time,
		DeliveredToRegistry: true,
	}

	if g.hasAny(p, wellLeaves) {
		next := g.wellDynamic
		next.ID = 0
		next.ValidFrom = date.Time
		g.applyWell(&next, p)
		id, err := g.tx.InsertWellDynamic(next)
		if err != nil {
			return err
		}
		next.ID = id
		g.wellDynamic = next
		ev.WellDynamicID = sql.NullInt64{Int64: id, Valid: true}
	}

	for t := 1; t <= g.d.m.Count(p, xmlcodec.ScopeTube); t++ {
		tp := p.In(xmlcodec.Tube(t))
		number := g.d.integer(tp.Key("tubeNumber"), t)
		prev, ok := g.tubeDynamics[number]
		if !ok {
			return fmt.Errorf("%s refers to unknown tube %d", registryName, number)
		}
		for c := 1; c <= g.d.m.Count(tp, xmlcodec.ScopeGeoOhm); c++ {
			cp := tp.In(xmlcodec.GeoOhm(c))
			cable := g.d.integer(cp.Key("cableNumber"), c)
			for e := 1; e <= g.d.m.Count(cp, xmlcodec.ScopeElectrode); e++ {
				ep := cp.In(xmlcodec.Electrode(e))
				id, err := g.electrodeStatus(ep, electrodeKey{number, cable, g.d.integer(ep.Key("electrodeNumber"), e)})
				if err != nil {
					return fmt.Errorf("%s: %w", registryName, err)
				}
				ev.ElectrodeIDs = append(ev.ElectrodeIDs, id)
			}
		}
		if !g.hasAny(tp, tubeLeaves) {
			continue
		}
		next := prev
		next.ID = 0
		next.ValidFrom = date.Time
		g.applyTube(&next, tp)
		id, err := g.tx.InsertTubeDynamic(next)
		if err != nil {
			return err
		}
		next.ID = id
		g.tubeDynamics[number] = next
		ev.TubeDynamicIDs = append(ev.TubeDynamicIDs, id)
	}

	// electrodeData directly below the event carries its own tube and cable
	for e := 1; e <= g.d.m.Count(p, xmlcodec.ScopeElectrode); e++ {
		ep := p.In(xmlcodec.Electrode(e))
		key := electrodeKey{
			tube:   g.d.integer(ep.Key("tubeNumber"), 0),
			cable:  g.d.integer(ep.Key("cableNumber"), 1),
			number: g.d.integer(ep.Key("electrodeNumber"), e),
		}
		id, err := g.electrodeStatus(ep, key)
		if err != nil {
			return fmt.Errorf("%s: %w", registryName, err)
		}
		ev.ElectrodeIDs = append(ev.ElectrodeIDs, id)
	}

	id, err := g.tx.InsertEvent(ev)
	if err != nil {
		return err
	}
	return g.accepted(id, kind, broID)
}

func (g *gmwImport) hasAny(p xmlcodec.Path, leaves []string) bool {
	for _, leaf := range leaves {
		if g.d.has(p.Key(leaf)) {
			return true
		}
	}
	return false
}

func (g *gmwImport) electrodeStatus(p xmlcodec.Path, key electrodeKey) (int64, error) {
	id, ok := g.electrodes[key]
	if !ok {
		return 0, fmt.Errorf("unknown electrode %d of cable %d in tube %d", key.number, key.cable, key.tube)
	}
	if status := g.d.str(p.Key("electrodeStatus")); status.Valid {
		if err := g.tx.UpdateElectrodeStatus(id, status.String); err != nil {
			return 0, err
		}
	}
	return id, nil
}
