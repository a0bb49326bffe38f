package assemble

import (
	"fmt"
	"strconv"

	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
)

// ObjectIDs hands out objectIdAccountableParty values that are unique per
// owner.
type ObjectIDs struct {
	store *store.Store
}

func NewObjectIDs(s *store.Store) *ObjectIDs {
	return &ObjectIDs{store: s}
}

// Allocate returns the object id of w, allocating and storing one on first
// use. The preferred id is the internal id, or WID{pk} when that is empty. A
// taken id gets _1, _2, ... appended.
func (o *ObjectIDs) Allocate(w *models.Well) (string, error) {
	if w.ObjectID.Valid && w.ObjectID.String != "" {
		return w.ObjectID.String, nil
	}
	preferred := w.InternalID
	if preferred == "" {
		preferred = "WID" + strconv.FormatInt(w.ID, 10)
	}

	candidate := preferred
	for i := 1; ; i++ {
		taken, err := o.store.ObjectIDTaken(w.Owner, candidate, w.ID)
		if err != nil {
			return "", fmt.Errorf("allocate object id: %w", err)
		}
		if !taken {
			break
		}
		candidate = preferred + "_" + strconv.Itoa(i)
	}

	if err := o.store.SetWellObjectID(w.ID, candidate); err != nil {
		return "", fmt.Errorf("allocate object id: %w", err)
	}
	w.ObjectID.String, w.ObjectID.Valid = candidate, true
	return candidate, nil
}
