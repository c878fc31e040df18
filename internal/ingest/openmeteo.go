package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lawrab/haar-weather/internal/config"
	"github.com/lawrab/haar-weather/internal/httputil"
	"github.com/lawrab/haar-weather/internal/models"
	"github.com/lawrab/haar-weather/internal/normalize"
)

// hourlyVariables is requested from both the forecast and archive APIs.
var hourlyVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"pressure_msl",
	"wind_speed_10m",
	"wind_direction_10m",
	"wind_gusts_10m",
	"precipitation",
	"cloud_cover",
	"weather_code",
}

// modelEndpoints maps a model family to its path under the forecast API.
var modelEndpoints = map[string]string{
	"ecmwf": "/ecmwf",
	"gfs":   "/gfs",
	"icon":  "/dwd-icon",
	"auto":  "/forecast",
}

// OpenMeteo collects hourly NWP forecasts for the target location, one
// request per configured model family.
type OpenMeteo struct {
	cfg    config.OpenMeteo
	loc    config.Location
	deps   Deps
	client *httputil.Client
}

func NewOpenMeteo(cfg config.OpenMeteo, loc config.Location, deps Deps) (*OpenMeteo, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("%w: no Open-Meteo models configured", ErrConfiguration)
	}
	deps = deps.withDefaults()
	return &OpenMeteo{
		cfg:    cfg,
		loc:    loc,
		deps:   deps,
		client: deps.httpClient("openmeteo", httputil.DefaultTimeout, nil),
	}, nil
}

func (c *OpenMeteo) Name() string { return "openmeteo" }

func (c *OpenMeteo) Close() error { return c.client.Close() }

func (c *OpenMeteo) Collect(ctx context.Context) (int, error) {
	return c.deps.track(c.Name()).run(ctx, func(t *tracker) (int, []error, error) {
		n, err := c.collect(ctx, t)
		return n, nil, err
	})
}

func (c *OpenMeteo) collect(ctx context.Context, t *tracker) (int, error) {
	loc := models.Location{
		ID:        "target_" + slug(c.loc.Name),
		Name:      c.loc.Name,
		Latitude:  c.loc.Latitude,
		Longitude: c.loc.Longitude,
		SiteType:  models.SiteTarget,
		Source:    "config",
	}
	if _, err := c.deps.Store.EnsureLocation(ctx, loc); err != nil {
		return 0, err
	}

	total := 0
	for _, model := range c.cfg.Models {
		model = strings.ToLower(strings.TrimSpace(model))
		path, ok := modelEndpoints[model]
		if !ok {
			t.logger.Warn("unknown model family, skipping", "model", model)
			continue
		}
		n, err := c.collectModel(ctx, t, loc.ID, model, path)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *OpenMeteo) collectModel(ctx context.Context, t *tracker, locationID, model, path string) (int, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	params := url.Values{
		"latitude":        {strconv.FormatFloat(c.loc.Latitude, 'f', -1, 64)},
		"longitude":       {strconv.FormatFloat(c.loc.Longitude, 'f', -1, 64)},
		"hourly":          {strings.Join(hourlyVariables, ",") + ",precipitation_probability"},
		"wind_speed_unit": {"ms"},
		"timezone":        {"UTC"},
		"forecast_days":   {strconv.Itoa(c.cfg.Days)},
	}

	body, err := c.client.Get(ctx, endpoint, params, nil)
	if err != nil {
		return 0, fetchErr("openmeteo "+model, err)
	}
	c.deps.archive(ctx, c.Name(), path, locationID, body)

	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: openmeteo %s: invalid JSON", ErrParse, model)
	}

	issuedAt := c.deps.Clock.Now().UTC().Truncate(time.Second)
	forecasts, dropped := parseForecasts(normalize.ParseSeries(body, "hourly"), locationID, model, path, issuedAt)
	t.dropped("negative_lead_time", dropped.negativeLead)
	t.dropped("bad_timestamp", dropped.badTime)
	if len(forecasts) == 0 {
		t.logger.Warn("no forecast data returned", "model", model)
		return 0, nil
	}

	if err := c.deps.Store.UpsertForecasts(ctx, forecasts); err != nil {
		return 0, err
	}
	t.ingested("forecast", len(forecasts))
	t.logger.Debug("stored forecasts", "model", model, "count", len(forecasts))
	return len(forecasts), nil
}

type dropCounts struct {
	badTime      int
	negativeLead int
}

// parseForecasts turns an hourly block into forecast rows issued at issuedAt.
// Rows valid before issuedAt are dropped.
func parseForecasts(s normalize.Series, locationID, model, path string, issuedAt time.Time) ([]models.Forecast, dropCounts) {
	var (
		out     []models.Forecast
		dropped dropCounts
	)
	for i := 0; i < s.Len(); i++ {
		validAt, err := normalize.ParseTime(s.Time(i))
		if err != nil {
			dropped.badTime++
			continue
		}
		if validAt.Before(issuedAt) {
			dropped.negativeLead++
			continue
		}

		raw, _ := sjson.Set("{}", "model_family", model)
		raw, _ = sjson.Set(raw, "endpoint", path)
		raw, _ = sjson.SetRaw(raw, "api_response", s.Snapshot(i))

		out = append(out, models.Forecast{
			LocationID:               locationID,
			Source:                   "openmeteo_" + model,
			IssuedAt:                 issuedAt,
			ValidAt:                  validAt,
			LeadTimeHours:            normalize.LeadTimeHours(issuedAt, validAt),
			Conditions:               conditionsAt(s, i),
			PrecipitationProbability: s.Float("precipitation_probability", i),
			RawData:                  raw,
		})
	}
	return out, dropped
}

// conditionsAt reads the shared hourly variable set at index i.
func conditionsAt(s normalize.Series, i int) models.Conditions {
	return models.Conditions{
		Temperature:   s.Float("temperature_2m", i),
		Humidity:      s.Float("relative_humidity_2m", i),
		Pressure:      s.Float("pressure_msl", i),
		WindSpeed:     s.Float("wind_speed_10m", i),
		WindDirection: s.Float("wind_direction_10m", i),
		WindGust:      s.Float("wind_gusts_10m", i),
		Precipitation: s.Float("precipitation", i),
		CloudCover:    s.Float("cloud_cover", i),
		WeatherCode:   s.Int("weather_code", i),
	}
}
