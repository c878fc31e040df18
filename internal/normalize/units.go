// Package normalize converts provider-specific encodings into the units and
// shapes stored by haar.
package normalize

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

var compassDegrees = map[string]float64{
	"N":   0,
	"NNE": 22.5,
	"NE":  45,
	"ENE": 67.5,
	"E":   90,
	"ESE": 112.5,
	"SE":  135,
	"SSE": 157.5,
	"S":   180,
	"SSW": 202.5,
	"SW":  225,
	"WSW": 247.5,
	"W":   270,
	"WNW": 292.5,
	"NW":  315,
	"NNW": 337.5,
}

// CompassToDegrees maps a 16-point compass direction to degrees.
// Unknown or empty directions are null.
func CompassToDegrees(dir string) sql.NullFloat64 {
	deg, ok := compassDegrees[strings.ToUpper(strings.TrimSpace(dir))]
	if !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: deg, Valid: true}
}

// KmhToMs converts km/h to m/s.
func KmhToMs(v sql.NullFloat64) sql.NullFloat64 {
	if !v.Valid {
		return v
	}
	return sql.NullFloat64{Float64: v.Float64 / 3.6, Valid: true}
}

// Float wraps an optional value.
func Float(v *float64) sql.NullFloat64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Int wraps an optional value.
func Int(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses the timestamp layouts used by the providers. Timestamps
// without a zone are taken as UTC. The result is always in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// LeadTimeHours returns the whole hours between issue and validity.
func LeadTimeHours(issued, valid time.Time) int {
	return int(math.Round(valid.Sub(issued).Hours()))
}
