package ingest

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lawrab/haar-weather/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagWindDirInvalid     = "wind_dir_invalid"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagWindGustUnlikely   = "wind_gust_unlikely"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagPrecipNegative     = "precip_negative"
	FlagCloudCoverInvalid  = "cloud_cover_invalid"
	FlagVisibilityNegative = "visibility_negative"
)

// ValidateObservation returns plausibility flags for obs. Flagged observations
// are still stored; the flags travel in the raw snapshot.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if obs.Temperature.Valid {
		if obs.Temperature.Float64 < -60 || obs.Temperature.Float64 > 60 {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if obs.Humidity.Valid {
		if obs.Humidity.Float64 < 0 || obs.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	if obs.WindDirection.Valid {
		if obs.WindDirection.Float64 < 0 || obs.WindDirection.Float64 > 360 {
			flags = append(flags, FlagWindDirInvalid)
		}
	}

	// m/s; the UK record gust is about 78 m/s.
	if obs.WindSpeed.Valid {
		if obs.WindSpeed.Float64 < 0 || obs.WindSpeed.Float64 > 75 {
			flags = append(flags, FlagWindSpeedUnlikely)
		}
	}
	if obs.WindGust.Valid {
		if obs.WindGust.Float64 < 0 || obs.WindGust.Float64 > 100 {
			flags = append(flags, FlagWindGustUnlikely)
		}
	}

	if obs.Pressure.Valid {
		if obs.Pressure.Float64 < 870 || obs.Pressure.Float64 > 1090 {
			flags = append(flags, FlagPressureOutOfRange)
		}
	}

	if obs.Precipitation.Valid && obs.Precipitation.Float64 < 0 {
		flags = append(flags, FlagPrecipNegative)
	}

	if obs.CloudCover.Valid {
		if obs.CloudCover.Float64 < 0 || obs.CloudCover.Float64 > 100 {
			flags = append(flags, FlagCloudCoverInvalid)
		}
	}

	if obs.Visibility.Valid && obs.Visibility.Float64 < 0 {
		flags = append(flags, FlagVisibilityNegative)
	}

	return flags
}

// annotate validates obs and adds any flags to its raw snapshot as qc_flags.
func annotate(obs *models.Observation) {
	flags := ValidateObservation(obs)
	if len(flags) == 0 {
		return
	}
	raw := obs.RawData
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		raw = "{}"
	}
	if out, err := sjson.Set(raw, "qc_flags", flags); err == nil {
		obs.RawData = out
	}
}

// QualityFlags reads the qc_flags recorded in a raw snapshot.
func QualityFlags(raw string) []string {
	var flags []string
	for _, f := range gjson.Get(raw, "qc_flags").Array() {
		flags = append(flags, f.String())
	}
	return flags
}
