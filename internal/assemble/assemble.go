// Package assemble turns local wells, dossiers and observations into Registry
// envelopes.
package assemble

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
	"github.com/lox/broconnector/internal/xmlcodec"
)

var (
	ErrAssemblyFailed       = errors.New("assembly failed")
	ErrMissingRegistration  = fmt.Errorf("%w: missing registration", ErrAssemblyFailed)
	ErrObservationNotClosed = fmt.Errorf("%w: observation not closed", ErrAssemblyFailed)
	ErrNoMeasurements       = fmt.Errorf("%w: no measurements", ErrAssemblyFailed)
)

// Document is an assembled envelope and the file name it is written under.
type Document struct {
	Envelope     xmlcodec.Envelope
	Filename     string
	AdditionType string // only for GLD additions
}

// Encode serializes the envelope.
func (d *Document) Encode() (*xmlcodec.Encoded, error) {
	return xmlcodec.Encode(d.Envelope)
}

type Assembler struct {
	store     *store.Store
	objectIDs *ObjectIDs
	now       func() time.Time
}

func New(s *store.Store) *Assembler {
	return &Assembler{store: s, objectIDs: NewObjectIDs(s), now: time.Now}
}

// local presents t in the store's zone; the store reads times back in UTC.
func (a *Assembler) local(t time.Time) time.Time {
	if loc := a.store.Location(); loc != nil && !t.IsZero() {
		return t.In(loc)
	}
	return t
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAssemblyFailed, fmt.Sprintf(format, args...))
}

// tubeAndWell loads a tube and the well it belongs to.
func (a *Assembler) tubeAndWell(tubeID int64) (*models.Tube, *models.Well, error) {
	tube, err := a.store.GetTube(tubeID)
	if err != nil {
		return nil, nil, err
	}
	if tube == nil {
		return nil, nil, failed("tube %d not found", tubeID)
	}
	well, err := a.store.GetWell(tube.WellID)
	if err != nil {
		return nil, nil, err
	}
	if well == nil {
		return nil, nil, failed("well %d not found", tube.WellID)
	}
	return tube, well, nil
}

func accountableParty(w *models.Well) string {
	if w.DeliveryAccountableParty.Valid && w.DeliveryAccountableParty.String != "" {
		return w.DeliveryAccountableParty.String
	}
	return w.Owner
}

func regimeOf(preferred string, w *models.Well) string {
	if preferred != "" {
		return preferred
	}
	if w.QualityRegime != "" {
		return w.QualityRegime
	}
	return models.RegimeStrict
}

// requestType maps a log delivery type to the envelope request type and
// checks a replacement has something to replace.
func requestType(deliveryType string, broID sql.NullString, reason sql.NullString) (string, string, error) {
	if deliveryType != models.DeliveryReplace {
		return xmlcodec.RequestRegister, "", nil
	}
	if !broID.Valid || broID.String == "" {
		return "", "", fmt.Errorf("%w: replace without bro id", ErrMissingRegistration)
	}
	return xmlcodec.RequestReplace, reason.String, nil
}

func measureOf(v sql.NullFloat64) xmlcodec.Measure {
	return xmlcodec.Measure{Value: v.Float64, Valid: v.Valid}
}

func filename(reference string) string {
	return strings.ReplaceAll(reference, "/", "_") + ".xml"
}
