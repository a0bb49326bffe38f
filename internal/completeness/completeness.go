// Package completeness decides whether a well holds every field its quality
// regime requires before it can be delivered.
package completeness

import (
	"database/sql"
	"fmt"

	"github.com/lox/broconnector/internal/logging"
	"github.com/lox/broconnector/internal/models"
	"github.com/lox/broconnector/internal/store"
)

const unknown = "onbekend"

// Report lists the fields that keep a well from being complete. Entries are
// prefixed with the part they belong to, e.g. "tube 2: screenLength".
type Report struct {
	Missing []string
}

func (r *Report) Complete() bool {
	return len(r.Missing) == 0
}

type checker struct {
	strict bool
	prefix string
	r      *Report
}

func (c checker) missing(field string) {
	c.r.Missing = append(c.r.Missing, c.prefix+field)
}

func (c checker) str(field string, v sql.NullString) {
	if !v.Valid || v.String == "" {
		c.missing(field)
		return
	}
	// IMBRO code lists do not contain the unknown value.
	if c.strict && v.String == unknown {
		c.missing(field)
	}
}

func (c checker) num(field string, v sql.NullFloat64) {
	if !v.Valid {
		c.missing(field)
	}
}

func (c checker) at(prefix string) checker {
	return checker{strict: c.strict, prefix: prefix, r: c.r}
}

// Well is the input of Check: a well with its newest snapshots.
type Well struct {
	Well    models.Well
	Dynamic *models.WellDynamic
	Tubes   []Tube
}

type Tube struct {
	Tube       models.Tube
	Dynamic    *models.TubeDynamic
	Electrodes []models.Electrode
}

// Check reports the fields missing for the regime of w.
func Check(w Well) *Report {
	r := &Report{}
	c := checker{strict: w.Well.QualityRegime != models.RegimeTolerant, r: r}

	well := w.Well
	if well.Owner == "" {
		c.missing("owner")
	}
	if well.InternalID == "" && !well.BroID.Valid {
		c.missing("internalId")
	}
	c.num("x", well.X)
	c.num("y", well.Y)
	c.str("horizontalPositioningMethod", well.HorizontalPositioningMethod)
	c.str("localVerticalReferencePoint", well.LocalVerticalReferencePoint)
	c.num("offset", well.Offset)
	c.str("verticalDatum", well.VerticalDatum)
	if !well.ConstructionDate.Valid {
		c.missing("wellConstructionDate")
	}
	if c.strict {
		c.str("deliveryAccountableParty", well.DeliveryAccountableParty)
		c.str("constructionStandard", well.ConstructionStandard)
		c.str("initialFunction", well.InitialFunction)
	}

	if w.Dynamic == nil {
		c.missing("wellState")
	} else {
		d := c.at("well state: ")
		d.str("wellHeadProtector", w.Dynamic.WellHeadProtector)
		if c.strict {
			d.num("groundLevelPosition", w.Dynamic.GroundLevelPosition)
			d.str("groundLevelPositioningMethod", w.Dynamic.GroundLevelPositioningMethod)
		}
	}

	if len(w.Tubes) == 0 {
		c.missing("monitoringTube")
	}
	for _, t := range w.Tubes {
		checkTube(c.at(fmt.Sprintf("tube %d: ", t.Tube.TubeNumber)), t)
	}
	return r
}

func checkTube(c checker, t Tube) {
	c.str("tubeType", t.Tube.TubeType)
	c.str("tubeMaterial", t.Tube.TubeMaterial)
	c.num("screenLength", t.Tube.ScreenLength)
	if c.strict {
		c.str("artesianWellCapPresent", t.Tube.ArtesianWellCapPresent)
		c.str("sedimentSumpPresent", t.Tube.SedimentSumpPresent)
	}

	if t.Dynamic == nil {
		c.missing("tubeState")
	} else {
		d := t.Dynamic
		c.num("tubeTopPosition", d.TubeTopPosition)
		c.str("tubeTopPositioningMethod", d.TubeTopPositioningMethod)
		c.num("plainTubePartLength", d.PlainTubePartLength)
		c.str("tubePackingMaterial", d.TubePackingMaterial)
		if c.strict {
			c.num("tubeTopDiameter", d.TubeTopDiameter)
			c.str("variableDiameter", d.VariableDiameter)
			c.str("glue", d.Glue)
		}
	}

	for _, e := range t.Electrodes {
		ec := c.at(fmt.Sprintf("%selectrode %d: ", c.prefix, e.Number))
		ec.str("electrodeStatus", e.Status)
		ec.str("electrodePackingMaterial", e.PackingMaterial)
		ec.num("electrodePosition", e.Position)
	}
}

// Load gathers a well with its newest snapshots.
func Load(s *store.Store, wellID int64) (*Well, error) {
	well, err := s.GetWell(wellID)
	if err != nil {
		return nil, err
	}
	if well == nil {
		return nil, fmt.Errorf("well %d not found", wellID)
	}
	w := &Well{Well: *well}
	if w.Dynamic, err = s.LatestWellDynamic(wellID); err != nil {
		return nil, err
	}

	tubes, err := s.ListTubes(wellID)
	if err != nil {
		return nil, err
	}
	for _, t := range tubes {
		ct := Tube{Tube: t}
		dyns, err := s.ListTubeDynamics(t.ID)
		if err != nil {
			return nil, err
		}
		if len(dyns) > 0 {
			ct.Dynamic = &dyns[len(dyns)-1]
		}
		cables, err := s.ListGeoOhmCables(t.ID)
		if err != nil {
			return nil, err
		}
		for _, cable := range cables {
			es, err := s.ListElectrodes(cable.ID)
			if err != nil {
				return nil, err
			}
			ct.Electrodes = append(ct.Electrodes, es...)
		}
		w.Tubes = append(w.Tubes, ct)
	}
	return w, nil
}

// MarkAll recomputes the complete flag of every well flagged for delivery and
// returns how many are complete.
func MarkAll(s *store.Store) (int, error) {
	wells, err := s.ListWellsToDeliver()
	if err != nil {
		return 0, fmt.Errorf("list wells: %w", err)
	}
	complete := 0
	for _, well := range wells {
		w, err := Load(s, well.ID)
		if err != nil {
			return complete, fmt.Errorf("load well %d: %w", well.ID, err)
		}
		r := Check(*w)
		if r.Complete() {
			complete++
		} else {
			logging.Debug().
				Int64("well_id", well.ID).
				Strs("missing", r.Missing).
				Msg("Well incomplete")
		}
		if r.Complete() == well.CompleteForRegistry {
			continue
		}
		if err := s.SetWellComplete(well.ID, r.Complete()); err != nil {
			return complete, fmt.Errorf("mark well %d: %w", well.ID, err)
		}
	}
	return complete, nil
}
