package importer

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lox/broconnector/internal/xmlcodec"
)

// doc reads typed values from a decoded Registry document.
type doc struct {
	m *xmlcodec.MultiMap
}

func (d doc) first(p xmlcodec.Path) string {
	return d.m.First(p)
}

func (d doc) has(p xmlcodec.Path) bool {
	return d.first(p) != ""
}

func (d doc) str(p xmlcodec.Path) sql.NullString {
	v := d.first(p)
	return sql.NullString{String: v, Valid: v != ""}
}

func (d doc) num(p xmlcodec.Path) sql.NullFloat64 {
	f, err := strconv.ParseFloat(d.first(p), 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func (d doc) integer(p xmlcodec.Path, fallback int) int {
	n, err := strconv.Atoi(d.first(p))
	if err != nil {
		return fallback
	}
	return n
}

// date reads the first of the date, yearMonth or year leaves below p.
func (d doc) date(p xmlcodec.Path) sql.NullTime {
	for _, leaf := range []string{"date", "yearMonth", "year"} {
		if t, ok := parseTime(d.first(p.Key(leaf))); ok {
			return sql.NullTime{Time: t, Valid: true}
		}
	}
	return sql.NullTime{}
}

func (d doc) timestamp(p xmlcodec.Path) sql.NullTime {
	t, ok := parseTime(d.first(p))
	return sql.NullTime{Time: t, Valid: ok}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// parseTime accepts the timestamp and partial date forms the Registry uses.
// Values without a zone are UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// position splits a gml:pos value into its two coordinates.
func position(s string) (a, b sql.NullFloat64) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return
	}
	if v, err := strconv.ParseFloat(f[0], 64); err == nil {
		a = sql.NullFloat64{Float64: v, Valid: true}
	}
	if v, err := strconv.ParseFloat(f[1], 64); err == nil {
		b = sql.NullFloat64{Float64: v, Valid: true}
	}
	return a, b
}
