package dedup

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

var csvHeader = []string{
	"group", "position", "canonical", "score", "bro_id", "tubes", "quality_regime",
	"construction_date", "registration_time", "unknowns", "empties",
	"rank_tubes", "rank_regime", "rank_unknowns", "rank_empties", "rank_construction",
}

func formatDate(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(layout)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// WriteCSV writes one row per ranked record, groups in order.
func WriteCSV(w io.Writer, rankings [][]Ranked) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, ranked := range rankings {
		for _, r := range ranked {
			row := []string{
				r.Group,
				strconv.Itoa(r.Position),
				strconv.FormatBool(r.Canonical),
				formatFloat(r.Score),
				r.BroID,
				strconv.Itoa(r.Tubes),
				r.QualityRegime,
				formatDate(r.ConstructionDate, "2006-01-02"),
				formatDate(r.RegistrationTime, time.RFC3339),
				strconv.Itoa(r.Unknowns),
				strconv.Itoa(r.Empties),
			}
			for _, v := range r.Axes {
				row = append(row, formatFloat(v))
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write %s: %w", r.BroID, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonRecord struct {
	BroID            string             `json:"bro_id"`
	Position         int                `json:"position"`
	Canonical        bool               `json:"canonical"`
	Score            float64            `json:"score"`
	Ranks            map[string]float64 `json:"ranks"`
	Unknowns         int                `json:"unknowns"`
	Empties          int                `json:"empties"`
	Tubes            int                `json:"tubes"`
	QualityRegime    string             `json:"quality_regime,omitempty"`
	ConstructionDate string             `json:"construction_date,omitempty"`
	RegistrationTime string             `json:"registration_time,omitempty"`
	Properties       map[string]string  `json:"properties"`
}

type jsonGroup struct {
	Group   string       `json:"group"`
	Records []jsonRecord `json:"records"`
}

// WriteJSON writes the rankings as an indented array of groups.
func WriteJSON(w io.Writer, rankings [][]Ranked) error {
	out := make([]jsonGroup, 0, len(rankings))
	for _, ranked := range rankings {
		if len(ranked) == 0 {
			continue
		}
		g := jsonGroup{Group: ranked[0].Group}
		for _, r := range ranked {
			ranks := make(map[string]float64, numAxes)
			for a, v := range r.Axes {
				ranks[Axis(a).String()] = v
			}
			g.Records = append(g.Records, jsonRecord{
				BroID:            r.BroID,
				Position:         r.Position,
				Canonical:        r.Canonical,
				Score:            r.Score,
				Ranks:            ranks,
				Unknowns:         r.Unknowns,
				Empties:          r.Empties,
				Tubes:            r.Tubes,
				QualityRegime:    r.QualityRegime,
				ConstructionDate: formatDate(r.ConstructionDate, "2006-01-02"),
				RegistrationTime: formatDate(r.RegistrationTime, time.RFC3339),
				Properties:       r.Properties,
			})
		}
		out = append(out, g)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
