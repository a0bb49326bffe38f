package importer

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lox/broconnector/internal/measure"
	"github.com/lox/broconnector/internal/metrics"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/xmlcodec"
)

// parentTube resolves the well and tube a dossier belongs to. The dossier's
// own id comes first in broId, the well id second.
func parentTube(s *store.Store, d doc) (*models.Well, *models.Tube, error) {
	ids := d.m.Values(xmlcodec.At().Key("broId"))
	if len(ids) < 2 {
		return nil, nil, fmt.Errorf("%w: no well reference", ErrMissingParent)
	}
	well, err := s.GetWellByBroID(ids[1])
	if err != nil {
		return nil, nil, err
	}
	if well == nil {
		return nil, nil, fmt.Errorf("%w: well %s", ErrMissingParent, ids[1])
	}
	number := d.integer(xmlcodec.At().Key("tubeNumber"), 0)
	tube, err := s.GetTubeByNumber(well.ID, number)
	if err != nil {
		return nil, nil, err
	}
	if tube == nil {
		return nil, nil, fmt.Errorf("%w: tube %d of %s", ErrMissingParent, number, ids[1])
	}
	return well, tube, nil
}

func regimeOf(d doc) string {
	if r := d.first(xmlcodec.At().Key("qualityRegime")); r != "" {
		return r
	}
	return models.RegimeTolerant
}

// importGLD stores a level dossier and the observations not yet present.
// It returns the number of measurements written.
func (i *Importer) importGLD(broID string, d doc) (int, error) {
	well, tube, err := parentTube(i.store, d)
	if err != nil {
		return 0, err
	}
	regime := regimeOf(d)

	var gldID int64
	err = i.store.WithTx(func(tx *store.Store) error {
		gld, err := tx.GetGLDByBroID(broID)
		if err != nil {
			return err
		}
		if gld == nil {
			// a locally created dossier for the same tube adopts the id
			if gld, err = tx.GetGLDByTube(tube.ID, regime); err != nil {
				return err
			}
		}
		switch {
		case gld == nil:
			gldID, err = tx.InsertGLD(models.GLD{
				TubeID:        tube.ID,
				QualityRegime: regime,
				BroID:         sql.NullString{String: broID, Valid: true},
			})
			if err != nil {
				return err
			}
		case !gld.BroID.Valid:
			gldID = gld.ID
			if err := tx.SetGLDBroID(gld.ID, broID); err != nil {
				return err
			}
		default:
			gldID = gld.ID
		}
		return tx.InsertAcceptedRegistrationLog(store.RegistrationKey{
			Object:        models.KindGLD,
			WellID:        well.ID,
			TubeNumber:    tube.TubeNumber,
			QualityRegime: regime,
			DeliveryType:  models.DeliveryRegister,
		}, xmlcodec.KindGLDStartRegistration, broID)
	})
	if err != nil {
		return 0, err
	}

	existing, err := i.store.ListObservationsByGLD(gldID)
	if err != nil {
		return 0, err
	}
	known := make(map[int64]bool, len(existing))
	for _, o := range existing {
		known[o.StartTime.Unix()] = true
	}

	total := 0
	for n := 1; n <= d.m.Count(xmlcodec.At(), xmlcodec.ScopeObservation); n++ {
		p := xmlcodec.At(xmlcodec.Observation(n))
		start := d.timestamp(p.Key("beginPosition"))
		points := d.m.Values(p.In(xmlcodec.Point).Key("time"))
		if !start.Valid && len(points) > 0 {
			start = firstTime(points)
		}
		if !start.Valid {
			return total, fmt.Errorf("observation %d has no start", n)
		}
		if known[start.Time.Unix()] {
			continue
		}
		written, err := i.importObservation(gldID, d, p, start.Time)
		if err != nil {
			return total, fmt.Errorf("observation %d: %w", n, err)
		}
		total += written
	}
	metrics.ImportedMeasurementsTotal.Add(float64(total))
	return total, nil
}

func firstTime(values []string) sql.NullTime {
	for _, v := range values {
		if t, ok := parseTime(v); ok {
			return sql.NullTime{Time: t, Valid: true}
		}
	}
	return sql.NullTime{}
}

func (i *Importer) importObservation(gldID int64, d doc, p xmlcodec.Path, start time.Time) (int, error) {
	obsType := d.first(p.Key("ObservationType"))
	if obsType == "" {
		obsType = d.first(p.Key("observationType"))
	}
	if obsType == "" {
		obsType = models.ObservationRegular
	}
	metadataID, err := i.store.FindOrCreateObservationMetadata(models.ObservationMetadata{
		ObservationType:  obsType,
		Status:           d.str(p.Key("status")),
		ResponsibleParty: d.str(p.Key("chamberOfCommerceNumber")),
	})
	if err != nil {
		return 0, err
	}
	processID, err := i.store.FindOrCreateObservationProcess(models.ObservationProcess{
		ProcessReference:            d.first(p.Key("processReference")),
		MeasurementInstrumentType:   d.first(p.Key("measurementInstrumentType")),
		AirPressureCompensationType: d.str(p.Key("airPressureCompensationType")),
		ProcessType:                 d.first(p.Key("processType")),
		EvaluationProcedure:         d.first(p.Key("evaluationProcedure")),
	})
	if err != nil {
		return 0, err
	}
	obsID, _, err := i.store.InsertObservation(models.Observation{
		GLDID:              gldID,
		MetadataID:         metadataID,
		ProcessID:          processID,
		StartTime:          start,
		EndTime:            d.timestamp(p.Key("endPosition")),
		ResultTime:         d.timestamp(p.Key("timePosition")),
		UpToDateInRegistry: true,
	})
	if err != nil {
		return 0, err
	}

	pp := p.In(xmlcodec.Point)
	times := d.m.Values(pp.Key("time"))
	values := d.m.Values(pp.Key("value"))
	units := d.m.Values(pp.Key("unit"))
	qualifiers := d.m.Values(pp.Key("qualifier_value"))
	reasons := d.m.Values(pp.Key("censoring_reason"))
	limits := d.m.Values(pp.Key("censoring_limit"))
	at := func(list []string, k int) string {
		if k < len(list) {
			return list[k]
		}
		return ""
	}

	items := make([]store.TVPWithMetadata, 0, len(times))
	for k, raw := range times {
		t, ok := parseTime(raw)
		if !ok {
			continue
		}
		unit := at(units, k)
		if unit == "" {
			unit = "m"
		}
		tvp := models.MeasurementTVP{ObservationID: obsID, Time: t, FieldValueUnit: unit}
		if v, err := strconv.ParseFloat(at(values, k), 64); err == nil {
			tvp.FieldValue = sql.NullFloat64{Float64: v, Valid: true}
			if m, ok := measure.ToMetres(v, unit, measure.Reference{}); ok {
				tvp.CalculatedValue = sql.NullFloat64{Float64: m, Valid: true}
				tvp.InitialCalculatedValue = tvp.CalculatedValue
			}
		}
		md := models.MeasurementPointMetadata{
			StatusQualityControl: measure.QCStatusFromFlag(at(qualifiers, k)),
		}
		if r := at(reasons, k); r != "" {
			md.CensorReason = sql.NullString{String: measure.CensorReasonFromRegistry(r), Valid: true}
		}
		if v, err := strconv.ParseFloat(at(limits, k), 64); err == nil {
			md.CensoringLimitValue = sql.NullFloat64{Float64: v, Valid: true}
		}
		items = append(items, store.TVPWithMetadata{TVP: tvp, Metadata: md})
	}
	return i.store.BulkInsertTVPs(items, i.opts.BatchSize)
}

func importFRD(tx *store.Store, broID string, d doc) error {
	well, tube, err := parentTube(tx, d)
	if err != nil {
		return err
	}
	regime := regimeOf(d)
	if _, err := tx.InsertFRD(models.FRD{
		TubeID:                   tube.ID,
		BroID:                    sql.NullString{String: broID, Valid: true},
		QualityRegime:            regime,
		DeliveryAccountableParty: d.str(xmlcodec.At().Key("deliveryAccountableParty")),
		ObjectIDAccountableParty: d.str(xmlcodec.At().Key("objectIdAccountableParty")),
	}); err != nil {
		return err
	}
	return tx.InsertAcceptedRegistrationLog(store.RegistrationKey{
		Object:        models.KindFRD,
		WellID:        well.ID,
		TubeNumber:    tube.TubeNumber,
		QualityRegime: regime,
		DeliveryType:  models.DeliveryRegister,
	}, xmlcodec.KindFRDStartRegistration, broID)
}

func importGMN(tx *store.Store, broID string, d doc) error {
	root := xmlcodec.At()
	id, err := tx.UpsertGMN(models.GMN{
		BroID:             broID,
		Name:              d.str(root.Key("name")),
		DeliveryContext:   d.str(root.Key("deliveryContext")),
		MonitoringPurpose: d.str(root.Key("monitoringPurpose")),
		GroundwaterAspect: d.str(root.Key("groundwaterAspect")),
		StartDate:         d.date(root),
	})
	if err != nil {
		return err
	}
	for n := 1; n <= d.m.Count(root, xmlcodec.ScopeMeasuringPoint); n++ {
		p := xmlcodec.At(xmlcodec.MeasuringPoint(n))
		code := d.first(p.Key("measuringPointCode"))
		if code == "" {
			continue
		}
		// the tube reference sits in a monitoringTube element
		tube := p
		if d.m.Count(p, xmlcodec.ScopeTube) > 0 {
			tube = p.In(xmlcodec.Tube(1))
		}
		err := tx.UpsertGMNMeasuringPoint(models.GMNMeasuringPoint{
			GMNID:      id,
			Code:       code,
			WellBroID:  d.first(tube.Key("broId")),
			TubeNumber: d.integer(tube.Key("tubeNumber"), 0),
			StartDate:  d.date(p),
		})
		if err != nil {
			return fmt.Errorf("measuring point %s: %w", code, err)
		}
	}
	return nil
}
