// Package syncer drives registration and addition logs through their delivery
// states against the Registry.
package syncer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lox/broconnector/internal/models"
)

var (
	ErrValidationRejected = errors.New("validation rejected")
	ErrInvalidTransition  = errors.New("invalid transition")
)

// Outcome is the result of running the step that belongs to a state.
type Outcome string

const (
	Assembled       Outcome = "assembled"
	AssemblyFailed  Outcome = "assembly_failed"
	Valid           Outcome = "valid"
	Invalid         Outcome = "invalid"
	NotValidated    Outcome = "not_validated" // the portal answered but did not validate
	AlreadyComplete Outcome = "already_complete"
	Uploaded        Outcome = "uploaded"
	Forwarded       Outcome = "forwarded" // uploaded and already forwarded to the Registry
	Pending         Outcome = "pending"
	Accepted        Outcome = "accepted"
	TransportFailed Outcome = "transport_failed"
	Unauthorized    Outcome = "unauthorized"
	Parked          Outcome = "parked"
)

// Effect is a side effect the machine applies along with a transition.
type Effect string

const (
	WriteFile       Effect = "write_file"
	DeleteFile      Effect = "delete_file"
	BumpRetry       Effect = "bump_retry"
	Link            Effect = "link"
	MarkUpToDate    Effect = "mark_up_to_date"
	ClearCorrection Effect = "clear_correction"
	Hold            Effect = "hold" // park until an operator clears the validation status
)

type edge struct {
	to      string
	effects []Effect
}

var transitions = map[string]map[Outcome]edge{
	models.StateMissing: {
		Assembled:      {models.StateGenerated, []Effect{WriteFile}},
		AssemblyFailed: {models.StateAssemblyFailed, nil},
	},
	models.StateAssemblyFailed: {
		Assembled:      {models.StateGenerated, []Effect{WriteFile}},
		AssemblyFailed: {models.StateAssemblyFailed, nil},
	},
	models.StateValidationFailed: {
		Assembled:      {models.StateGenerated, []Effect{WriteFile}},
		AssemblyFailed: {models.StateAssemblyFailed, nil},
	},
	models.StateGenerated: {
		Valid:           {models.StateValidated, nil},
		Invalid:         {models.StateValidationRejected, nil},
		NotValidated:    {models.StateValidationFailed, []Effect{DeleteFile}},
		AlreadyComplete: {models.StateAccepted, []Effect{DeleteFile, Link}},
		TransportFailed: {models.StateGenerated, []Effect{BumpRetry}},
		Unauthorized:    {models.StateGenerated, []Effect{Hold}},
		Parked:          {models.StateGenerated, nil},
	},
	models.StateValidated: {
		Uploaded:        {models.StateDelivered, nil},
		Forwarded:       {models.StateDelivered, []Effect{MarkUpToDate}},
		TransportFailed: {models.StateValidated, []Effect{BumpRetry}},
		Unauthorized:    {models.StateValidated, []Effect{Hold}},
		Parked:          {models.StateValidated, nil},
	},
	models.StateDelivered: {
		Pending:         {models.StateDelivered, nil},
		Accepted:        {models.StateAccepted, []Effect{DeleteFile, Link, ClearCorrection}},
		TransportFailed: {models.StateDelivered, nil},
		Unauthorized:    {models.StateDelivered, []Effect{Hold}},
		Parked:          {models.StateDelivered, nil},
	},
}

// Transition returns the state reached from state on outcome and the effects
// to apply. An empty state is missing. Terminal states accept no outcome.
func Transition(state string, o Outcome) (string, []Effect, error) {
	if state == "" {
		state = models.StateMissing
	}
	e, ok := transitions[state][o]
	if !ok {
		return state, nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, state, o)
	}
	return e.to, e.effects, nil
}

// Retry counter values held in the delivery status before the Registry has
// returned a token.
const (
	FailedOnce   = "failed_once"
	FailedTwice  = "failed_twice"
	FailedThrice = "failed_thrice"
)

// NextRetry advances the retry counter.
func NextRetry(status string) string {
	switch status {
	case FailedOnce:
		return FailedTwice
	case FailedTwice, FailedThrice:
		return FailedThrice
	default:
		return FailedOnce
	}
}

// AuthRejected prefixes the validation status of a log the portal refused
// for its credentials, e.g. "unauthorized_401".
const AuthRejected = "unauthorized"

// IsParked reports whether a log waits for an operator: it has exhausted its
// automatic attempts, or the portal rejected its credentials.
func IsParked(l models.SyncLog) bool {
	if strings.HasPrefix(l.ValidationStatus.String, AuthRejected) {
		return true
	}
	return l.DeliveryStatus.String == FailedThrice && (!l.DeliveryID.Valid || l.DeliveryID.String == "")
}
