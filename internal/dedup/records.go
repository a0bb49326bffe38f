package dedup

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/lox/broconnector/internal/registry"
	"github.com/lox/broconnector/internal/store"
)

func nullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func nullDate(v sql.NullTime) string {
	if !v.Valid {
		return ""
	}
	return v.Time.Format("2006-01-02")
}

// LoadRecords reads every registered well from the store.
func LoadRecords(s *store.Store) ([]Record, error) {
	wells, err := s.ListWells()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, w := range wells {
		if !w.BroID.Valid {
			continue
		}
		tubes, err := s.ListTubes(w.ID)
		if err != nil {
			return nil, err
		}
		rec := Record{
			BroID:            w.BroID.String,
			Tubes:            len(tubes),
			QualityRegime:    w.QualityRegime,
			ConstructionDate: w.ConstructionDate.Time,
			RegistrationTime: w.RegistrationTime.Time,
			Properties: map[string]string{
				"bro_id":                         w.BroID.String,
				"internal_id":                    w.InternalID,
				"well_code":                      nullString(w.WellCode),
				"nitg_code":                      nullString(w.NITGCode),
				"owner":                          w.Owner,
				"delivery_accountable_party":     nullString(w.DeliveryAccountableParty),
				"construction_standard":          nullString(w.ConstructionStandard),
				"initial_function":               nullString(w.InitialFunction),
				"quality_regime":                 w.QualityRegime,
				"horizontal_positioning_method":  nullString(w.HorizontalPositioningMethod),
				"local_vertical_reference_point": nullString(w.LocalVerticalReferencePoint),
				"vertical_datum":                 nullString(w.VerticalDatum),
				"number_of_monitoring_tubes":     strconv.Itoa(len(tubes)),
				"well_construction_date":         nullDate(w.ConstructionDate),
				"well_removal_date":              nullDate(w.RemovalDate),
			},
		}
		if w.RegistrationTime.Valid {
			rec.Properties["object_registration_time"] = w.RegistrationTime.Time.Format(time.RFC3339)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FromFeatures converts PDOK features. They carry no quality regime or
// registration time, so those axes tie.
func FromFeatures(features []registry.Feature) []Record {
	out := make([]Record, 0, len(features))
	for _, f := range features {
		construction, _ := time.Parse("2006-01-02", f.WellConstructionDate)
		out = append(out, Record{
			BroID:            f.BroID,
			Tubes:            f.NumberOfMonitoringTubes,
			ConstructionDate: construction,
			Properties: map[string]string{
				"bro_id":                     f.BroID,
				"well_code":                  f.WellCode,
				"nitg_code":                  f.NITGCode,
				"delivery_accountable_party": f.DeliveryAccountableParty,
				"number_of_monitoring_tubes": strconv.Itoa(f.NumberOfMonitoringTubes),
				"well_construction_date":     f.WellConstructionDate,
				"well_removal_date":          f.WellRemovalDate,
			},
		})
	}
	return out
}
