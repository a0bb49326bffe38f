package models

import (
	"database/sql"
	"time"
)

// Process states of a sync log.
const (
	StateMissing            = "missing"
	StateGenerated          = "generated"
	StateAssemblyFailed     = "assembly_failed"
	StateValidationFailed   = "validation_failed"
	StateValidated          = "validated"
	StateValidationRejected = "validation_rejected"
	StateDelivered          = "delivered"
	StateAccepted           = "accepted"
)

// Delivery types.
const (
	DeliveryRegister = "register"
	DeliveryReplace  = "replace"
)

// SyncLog is the shared state of registration and addition logs.
type SyncLog struct {
	RequestReference string
	Kind             string // envelope kind, e.g. GMW_Construction
	File             string
	ValidationStatus sql.NullString
	DeliveryStatus   sql.NullString
	DeliveryID       sql.NullString
	ProcessStatus    string
	DeliveryType     string
	LastChanged      sql.NullString
	Comments         string
	BroID            sql.NullString
	UpdatedAt        time.Time
}

// Terminal reports whether no further automatic transitions apply.
func (l SyncLog) Terminal() bool {
	return l.ProcessStatus == StateAccepted || l.ProcessStatus == StateValidationRejected
}

// RegistrationLog tracks a GMW event, GLD start registration or FRD start registration.
type RegistrationLog struct {
	ID            int64
	Object        string // gmw, gld, frd
	WellID        int64
	TubeNumber    int
	QualityRegime string
	EventID       sql.NullInt64
	SyncLog
}

// AdditionLog tracks the delivery of one observation.
type AdditionLog struct {
	ID            int64
	ObservationID int64
	AdditionType  string
	SyncLog
}
