package models

import "time"

// DomainEvent is returned by store writes and consumed by the history recorder.
type DomainEvent interface {
	domainEvent()
}

type WellCreated struct {
	WellID int64
	At     time.Time
}

type ObservationSaved struct {
	ObservationID int64
}

// ObservationDeleted carries a copy of the removed row.
type ObservationDeleted struct {
	Observation Observation
}

type TVPSaved struct {
	TVPID int64
}

type TVPDeleted struct {
	TVPID      int64
	MetadataID int64
}

// RegistrationAccepted is emitted when a registration log reaches the accepted state.
type RegistrationAccepted struct {
	LogID int64
	BroID string
}

// AdditionDelivered is emitted when the Registry reports an addition as delivered.
type AdditionDelivered struct {
	LogID         int64
	ObservationID int64
}

func (WellCreated) domainEvent()          {}
func (ObservationSaved) domainEvent()     {}
func (ObservationDeleted) domainEvent()   {}
func (TVPSaved) domainEvent()             {}
func (TVPDeleted) domainEvent()           {}
func (RegistrationAccepted) domainEvent() {}
func (AdditionDelivered) domainEvent()    {}
