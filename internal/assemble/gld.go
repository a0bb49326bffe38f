package assemble

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lox/broconnector/internal/measure"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/xmlcodec"
)

// Addition types recorded on addition logs.
const (
	AdditionControl            = "controlemeting"
	AdditionRegularProvisional = "regulier_voorlopig"
	AdditionRegularAssessed    = "regulier_volledigBeoordeeld"
	AdditionRegularUnknown     = "regulier_onbekend"
)

const (
	airPressureUnknown          = "onbekend"
	processReferenceDefault     = "NEN5120v1991"
	evaluationProcedureFallback = "oordeelDeskundige"
)

// instruments that never carry an air pressure compensation.
var noCompensationInstruments = map[string]bool{
	"analoogPeilklokje":      true,
	"elektronischPeilklokje": true,
	"onbekendPeilklokje":     true,
	"onbekend":               true,
}

// AdditionType classifies an observation by its metadata.
func AdditionType(md models.ObservationMetadata) string {
	if md.ObservationType == models.ObservationControl {
		return AdditionControl
	}
	status := md.Status.String
	if !md.Status.Valid || status == "" {
		status = models.StatusUnknown
	}
	return "regulier_" + status
}

// includeAirPressure decides whether the air pressure compensation type is
// part of the procedure.
func includeAirPressure(regime string, p models.ObservationProcess) bool {
	if noCompensationInstruments[p.MeasurementInstrumentType] {
		return false
	}
	if regime == models.RegimeTolerant {
		return true
	}
	return p.AirPressureCompensationType.Valid &&
		p.AirPressureCompensationType.String != "" &&
		p.AirPressureCompensationType.String != airPressureUnknown
}

// GLDAddition assembles the addition of one closed observation.
func (a *Assembler) GLDAddition(observationID int64, deliveryType string) (*Document, error) {
	obs, err := a.store.GetObservation(observationID)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, failed("observation %d not found", observationID)
	}
	gld, err := a.store.GetGLD(obs.GLDID)
	if err != nil {
		return nil, err
	}
	if gld == nil {
		return nil, failed("dossier %d not found", obs.GLDID)
	}
	if !gld.BroID.Valid || gld.BroID.String == "" {
		return nil, fmt.Errorf("%w: dossier %d has no bro id", ErrMissingRegistration, gld.ID)
	}
	tube, well, err := a.tubeAndWell(gld.TubeID)
	if err != nil {
		return nil, err
	}
	regime := regimeOf(gld.QualityRegime, well)

	md, err := a.store.GetObservationMetadata(obs.MetadataID)
	if err != nil {
		return nil, err
	}
	proc, err := a.store.GetObservationProcess(obs.ProcessID)
	if err != nil {
		return nil, err
	}
	if md == nil || proc == nil {
		return nil, failed("observation %d has no metadata or process", obs.ID)
	}

	if obs.Open() || !obs.ResultTime.Valid {
		return nil, fmt.Errorf("%w: observation %d", ErrObservationNotClosed, obs.ID)
	}

	tvps, err := a.store.ListTVPs(obs.ID)
	if err != nil {
		return nil, err
	}
	points := measure.Outbound(tvps, func(t time.Time) measure.Reference {
		d, err := a.store.TubeDynamicAt(tube.ID, t)
		if err != nil {
			return measure.Reference{}
		}
		return measure.ReferenceFrom(d)
	})
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: observation %d", ErrNoMeasurements, obs.ID)
	}
	for i := range points {
		points[i].Time = a.local(points[i].Time)
	}

	reqType, correction, err := requestType(deliveryType, gld.BroID, obs.CorrectionReason)
	if err != nil {
		return nil, err
	}

	additionType := AdditionType(*md)
	doc := xmlcodec.GLDAddition{
		ObservationID:             xmlcodec.NewObservationID(),
		ObservationType:           md.ObservationType,
		PrincipalInvestigator:     md.ResponsibleParty.String,
		DateStamp:                 points[len(points)-1].Time,
		ProcessReference:          proc.ProcessReference,
		MeasurementInstrumentType: proc.MeasurementInstrumentType,
		EvaluationProcedure:       proc.EvaluationProcedure,
		Begin:                     a.local(obs.StartTime),
		End:                       a.local(obs.EndTime.Time),
		ResultTime:                a.local(obs.ResultTime.Time),
		Points:                    points,
	}
	if doc.PrincipalInvestigator == "" {
		doc.PrincipalInvestigator = accountableParty(well)
	}
	if doc.ProcessReference == "" {
		doc.ProcessReference = processReferenceDefault
	}
	if doc.EvaluationProcedure == "" {
		doc.EvaluationProcedure = evaluationProcedureFallback
	}
	if md.ObservationType != models.ObservationControl {
		doc.Status = md.Status.String
		if doc.Status == "" {
			doc.Status = models.StatusUnknown
		}
	}
	if includeAirPressure(regime, *proc) {
		doc.AirPressureCompensationType = proc.AirPressureCompensationType.String
		if doc.AirPressureCompensationType == "" {
			doc.AirPressureCompensationType = airPressureUnknown
		}
	}
	if reqType == xmlcodec.RequestReplace && obs.ObservationIDRegistry.Valid {
		doc.ObservationID = obs.ObservationIDRegistry.String
	}

	name := fmt.Sprintf("GLD_Addition_Observation_%d_%s_%s.xml", obs.ID, additionType, gld.BroID.String)
	return &Document{
		Envelope: xmlcodec.Envelope{
			Kind:                     xmlcodec.KindGLDAddition,
			RequestType:              reqType,
			RequestReference:         name[:len(name)-len(".xml")],
			DeliveryAccountableParty: accountableParty(well),
			QualityRegime:            regime,
			BroID:                    gld.BroID.String,
			CorrectionReason:         correction,
			SourceDocument:           doc,
		},
		Filename:     name,
		AdditionType: additionType,
	}, nil
}

// GLDStartRegistration assembles the start registration of a dossier.
func (a *Assembler) GLDStartRegistration(gldID int64, deliveryType string) (*Document, error) {
	gld, err := a.store.GetGLD(gldID)
	if err != nil {
		return nil, err
	}
	if gld == nil {
		return nil, failed("dossier %d not found", gldID)
	}
	tube, well, err := a.tubeAndWell(gld.TubeID)
	if err != nil {
		return nil, err
	}
	if !well.BroID.Valid || well.BroID.String == "" {
		return nil, fmt.Errorf("%w: well %d has no bro id", ErrMissingRegistration, well.ID)
	}
	objectID, err := a.objectIDs.Allocate(well)
	if err != nil {
		return nil, err
	}
	reqType, correction, err := requestType(deliveryType, gld.BroID, gld.CorrectionReason)
	if err != nil {
		return nil, err
	}

	ref := fmt.Sprintf("GLD_StartRegistration_%s_tube_%d", well.BroID.String, tube.TubeNumber)
	return &Document{
		Envelope: xmlcodec.Envelope{
			Kind:                     xmlcodec.KindGLDStartRegistration,
			RequestType:              reqType,
			RequestReference:         ref,
			DeliveryAccountableParty: accountableParty(well),
			QualityRegime:            regimeOf(gld.QualityRegime, well),
			BroID:                    gld.BroID.String,
			CorrectionReason:         correction,
			SourceDocument: xmlcodec.GLDStartRegistration{
				ObjectIDAccountableParty: objectID + strconv.Itoa(tube.TubeNumber),
				GMWBroID:                 well.BroID.String,
				TubeNumber:               tube.TubeNumber,
			},
		},
		Filename: filename(ref),
	}, nil
}

// FRDStartRegistration assembles the start registration of a formation
// resistance dossier.
func (a *Assembler) FRDStartRegistration(frdID int64, deliveryType string) (*Document, error) {
	frd, err := a.store.GetFRD(frdID)
	if err != nil {
		return nil, err
	}
	if frd == nil {
		return nil, failed("frd %d not found", frdID)
	}
	tube, well, err := a.tubeAndWell(frd.TubeID)
	if err != nil {
		return nil, err
	}
	if !well.BroID.Valid || well.BroID.String == "" {
		return nil, fmt.Errorf("%w: well %d has no bro id", ErrMissingRegistration, well.ID)
	}
	objectID := frd.ObjectIDAccountableParty.String
	if objectID == "" {
		base, err := a.objectIDs.Allocate(well)
		if err != nil {
			return nil, err
		}
		objectID = base + strconv.Itoa(tube.TubeNumber)
	}
	reqType, correction, err := requestType(deliveryType, frd.BroID, frd.CorrectionReason)
	if err != nil {
		return nil, err
	}
	party := frd.DeliveryAccountableParty.String
	if party == "" {
		party = accountableParty(well)
	}

	ref := fmt.Sprintf("FRD_StartRegistration_%s_tube_%d", well.BroID.String, tube.TubeNumber)
	return &Document{
		Envelope: xmlcodec.Envelope{
			Kind:                     xmlcodec.KindFRDStartRegistration,
			RequestType:              reqType,
			RequestReference:         ref,
			DeliveryAccountableParty: party,
			QualityRegime:            regimeOf(frd.QualityRegime, well),
			BroID:                    frd.BroID.String,
			CorrectionReason:         correction,
			SourceDocument: xmlcodec.FRDStartRegistration{
				ObjectIDAccountableParty: objectID,
				GMWBroID:                 well.BroID.String,
				TubeNumber:               tube.TubeNumber,
			},
		},
		Filename: filename(ref),
	}, nil
}
