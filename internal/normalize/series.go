package normalize

import (
	"database/sql"
	"math"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Series is an hourly block of parallel arrays keyed by variable name, as
// returned by the Open-Meteo forecast and archive APIs:
//
//	{"time": ["2024-01-01T00:00", ...], "temperature_2m": [5.1, ...], ...}
type Series struct {
	keys   []string
	arrays map[string][]gjson.Result
}

// NewSeries indexes the arrays of an hourly block. Non-array members are ignored.
func NewSeries(hourly gjson.Result) Series {
	s := Series{arrays: make(map[string][]gjson.Result)}
	if !hourly.IsObject() {
		return s
	}
	hourly.ForEach(func(key, value gjson.Result) bool {
		if value.IsArray() {
			s.keys = append(s.keys, key.String())
			s.arrays[key.String()] = value.Array()
		}
		return true
	})
	return s
}

// ParseSeries indexes the object found at path in body.
func ParseSeries(body []byte, path string) Series {
	return NewSeries(gjson.GetBytes(body, path))
}

// Len is the number of timestamps.
func (s Series) Len() int {
	return len(s.arrays["time"])
}

// Time returns the raw timestamp at i, or "" if out of range.
func (s Series) Time(i int) string {
	v, ok := s.at("time", i)
	if !ok || v.Type != gjson.String {
		return ""
	}
	return v.String()
}

// Float returns the numeric value of key at i. Missing keys, out of range
// indexes, nulls and non-numeric values are all null.
func (s Series) Float(key string, i int) sql.NullFloat64 {
	v, ok := s.at(key, i)
	if !ok || v.Type != gjson.Number {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v.Float(), Valid: true}
}

// Int is Float rounded to the nearest integer.
func (s Series) Int(key string, i int) sql.NullInt64 {
	f := s.Float(key, i)
	if !f.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(math.Round(f.Float64)), Valid: true}
}

// Snapshot returns a JSON object holding the i-th element of every array.
func (s Series) Snapshot(i int) string {
	out := "{}"
	for _, key := range s.keys {
		var (
			next string
			err  error
		)
		if v, ok := s.at(key, i); ok {
			next, err = sjson.SetRaw(out, key, v.Raw)
		} else {
			next, err = sjson.Set(out, key, nil)
		}
		if err == nil {
			out = next
		}
	}
	return out
}

func (s Series) at(key string, i int) (gjson.Result, bool) {
	arr, ok := s.arrays[key]
	if !ok || i < 0 || i >= len(arr) {
		return gjson.Result{}, false
	}
	return arr[i], true
}
