package models

import (
	"database/sql"
	"time"
)

// Quality regimes.
const (
	RegimeStrict   = "IMBRO"
	RegimeTolerant = "IMBRO/A"
)

// Object kinds handled by the connector.
const (
	KindGMW = "gmw"
	KindGLD = "gld"
	KindFRD = "frd"
	KindGMN = "gmn"
)

type Well struct {
	ID                          int64
	BroID                       sql.NullString
	InternalID                  string
	ObjectID                    sql.NullString // objectIdAccountableParty once allocated
	WellCode                    sql.NullString
	NITGCode                    sql.NullString
	Owner                       string // kvk of the bronhouder
	DeliveryAccountableParty    sql.NullString
	ConstructionStandard        sql.NullString
	InitialFunction             sql.NullString
	QualityRegime               string
	X                           sql.NullFloat64 // RD New
	Y                           sql.NullFloat64
	Lat                         sql.NullFloat64
	Lon                         sql.NullFloat64
	HorizontalPositioningMethod sql.NullString
	LocalVerticalReferencePoint sql.NullString
	Offset                      sql.NullFloat64
	VerticalDatum               sql.NullString
	DeliverToRegistry           bool
	CompleteForRegistry         bool
	InManagement                bool
	ConstructionDate            sql.NullTime
	RemovalDate                 sql.NullTime
	RegistrationTime            sql.NullTime
	Deregistered                bool
	CorrectionReason            sql.NullString
	CreatedAt                   time.Time
}

type WellDynamic struct {
	ID                           int64
	WellID                       int64
	ValidFrom                    time.Time
	GroundLevelPosition          sql.NullFloat64
	GroundLevelPositioningMethod sql.NullString
	WellHeadProtector            sql.NullString
	WellStability                sql.NullString
	Owner                        sql.NullString
	Maintainer                   sql.NullString
	Comment                      sql.NullString
}

type Tube struct {
	ID                     int64
	WellID                 int64
	TubeNumber             int
	TubeType               sql.NullString
	ArtesianWellCapPresent sql.NullString
	SedimentSumpPresent    sql.NullString
	SedimentSumpLength     sql.NullFloat64
	ScreenLength           sql.NullFloat64
	TubeMaterial           sql.NullString
	NumberOfGeoOhmCables   int
}

type TubeDynamic struct {
	ID                       int64
	TubeID                   int64
	ValidFrom                time.Time
	TubeTopPosition          sql.NullFloat64 // m NAP
	TubeTopPositioningMethod sql.NullString
	PlainTubePartLength      sql.NullFloat64
	TubeTopDiameter          sql.NullFloat64
	VariableDiameter         sql.NullString
	TubeStatus               sql.NullString
	TubePackingMaterial      sql.NullString
	Glue                     sql.NullString
	InsertedPartLength       sql.NullFloat64
	InsertedPartDiameter     sql.NullFloat64
	InsertedPartMaterial     sql.NullString
	SensorDepth              sql.NullFloat64 // cable length below tube top
}

// ScreenTop is the top of the filter screen in m NAP.
func (d TubeDynamic) ScreenTop() sql.NullFloat64 {
	if !d.TubeTopPosition.Valid || !d.PlainTubePartLength.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.TubeTopPosition.Float64 - d.PlainTubePartLength.Float64, Valid: true}
}

func (d TubeDynamic) ScreenBottom(t Tube) sql.NullFloat64 {
	top := d.ScreenTop()
	if !top.Valid || !t.ScreenLength.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: top.Float64 - t.ScreenLength.Float64, Valid: true}
}

func (d TubeDynamic) TubeBottom(t Tube) sql.NullFloat64 {
	bottom := d.ScreenBottom(t)
	if !bottom.Valid {
		return bottom
	}
	sump := 0.0
	if t.SedimentSumpLength.Valid {
		sump = t.SedimentSumpLength.Float64
	}
	return sql.NullFloat64{Float64: bottom.Float64 - sump, Valid: true}
}

type GeoOhmCable struct {
	ID          int64
	TubeID      int64
	CableNumber int
}

type Electrode struct {
	ID              int64
	CableID         int64
	Number          int
	Status          sql.NullString
	PackingMaterial sql.NullString
	Position        sql.NullFloat64
}

// Local event names.
const (
	EventConstruction            = "construction"
	EventShortening              = "shortening"
	EventLengthening             = "lengthening"
	EventPositionsMeasured       = "positions-measured"
	EventPositions               = "positions"
	EventWellHeadProtectorChange = "well-head-protector-changed"
	EventGroundLevelMeasured     = "ground-level-measured"
	EventGroundLevel             = "ground-level"
	EventElectrodeStatusChanged  = "electrode-status-changed"
	EventTubeStatusChanged       = "tube-status-changed"
	EventInsertion               = "insertion"
	EventShift                   = "shift"
	EventRemoval                 = "removal"
	EventOwnerChanged            = "owner-changed"
	EventMaintainerChanged       = "maintainer-changed"
)

type Event struct {
	ID                  int64
	WellID              int64
	Name                string
	Date                time.Time
	WellDynamicID       sql.NullInt64
	TubeDynamicIDs      []int64
	ElectrodeIDs        []int64
	DeliveredToRegistry bool
	CorrectionReason    sql.NullString
}

type GLD struct {
	ID                int64
	TubeID            int64
	QualityRegime     string
	BroID             sql.NullString
	ResearchStartDate sql.NullTime
	ResearchLastDate  sql.NullTime
	CorrectionReason  sql.NullString
}

// Observation types and assessment statuses.
const (
	ObservationRegular = "reguliereMeting"
	ObservationControl = "controlemeting"

	StatusProvisional   = "voorlopig"
	StatusFullyAssessed = "volledigBeoordeeld"
	StatusUnknown       = "onbekend"
)

type ObservationMetadata struct {
	ID               int64
	ObservationType  string
	Status           sql.NullString
	ResponsibleParty sql.NullString
}

type ObservationProcess struct {
	ID                          int64
	ProcessReference            string
	MeasurementInstrumentType   string
	AirPressureCompensationType sql.NullString
	ProcessType                 string
	EvaluationProcedure         string
}

type Observation struct {
	ID                    int64
	GLDID                 int64
	MetadataID            int64
	ProcessID             int64
	StartTime             time.Time
	EndTime               sql.NullTime
	ResultTime            sql.NullTime
	UpToDateInRegistry    bool
	ObservationIDRegistry sql.NullString
	CorrectionReason      sql.NullString
}

// Open reports whether the observation has no end time yet.
func (o Observation) Open() bool {
	return !o.EndTime.Valid
}

// ObservationKey identifies the chain in which at most one observation is open.
type ObservationKey struct {
	GLDID      int64
	ProcessID  int64
	MetadataID int64
}

func (o Observation) Key() ObservationKey {
	return ObservationKey{GLDID: o.GLDID, ProcessID: o.ProcessID, MetadataID: o.MetadataID}
}

// Quality control statuses.
const (
	QCApproved     = "goedgekeurd"
	QCRejected     = "afgekeurd"
	QCNotAssessed  = "nogNietBeoordeeld"
	QCUndecided    = "onbeslist"
	QCUnknown      = "onbekend"
	InterpolDiscon = "discontinu"
)

type MeasurementPointMetadata struct {
	ID                   int64
	StatusQualityControl string
	CensorReason         sql.NullString
	CensoringLimitValue  sql.NullFloat64
	InterpolationCode    string
}

type MeasurementTVP struct {
	ID                     int64
	ObservationID          int64
	Time                   time.Time
	FieldValue             sql.NullFloat64
	FieldValueUnit         string
	CalculatedValue        sql.NullFloat64
	InitialCalculatedValue sql.NullFloat64
	CorrectionReason       sql.NullString
	CorrectionTime         sql.NullTime
	MetadataID             sql.NullInt64

	// Metadata is populated by reads that join the point metadata.
	Metadata *MeasurementPointMetadata
}

type FRD struct {
	ID                       int64
	TubeID                   int64
	BroID                    sql.NullString
	QualityRegime            string
	DeliveryAccountableParty sql.NullString
	ObjectIDAccountableParty sql.NullString
	CorrectionReason         sql.NullString
}

type GMN struct {
	ID                int64
	BroID             string
	Name              sql.NullString
	DeliveryContext   sql.NullString
	MonitoringPurpose sql.NullString
	GroundwaterAspect sql.NullString
	StartDate         sql.NullTime
}

type GMNMeasuringPoint struct {
	ID         int64
	GMNID      int64
	Code       string
	WellBroID  string
	TubeNumber int
	StartDate  sql.NullTime
}
