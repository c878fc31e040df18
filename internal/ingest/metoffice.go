package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/sjson"

	"github.com/lawrab/haar-weather/internal/config"
	"github.com/lawrab/haar-weather/internal/geohash"
	"github.com/lawrab/haar-weather/internal/httputil"
	"github.com/lawrab/haar-weather/internal/models"
	"github.com/lawrab/haar-weather/internal/normalize"
)

const metOfficeSource = "metoffice_datahub"

// MetOfficeStation describes a land observation site.
type MetOfficeStation struct {
	Geohash       string `json:"geohash"`
	Area          string `json:"area"`
	Region        string `json:"region"`
	Country       string `json:"country"`
	OlsonTimeZone string `json:"olson_time_zone"`
}

type metOfficeObservation struct {
	Datetime         string   `json:"datetime"`
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	MSLP             *float64 `json:"mslp"`
	WindSpeed        *float64 `json:"wind_speed"`
	WindDirection    string   `json:"wind_direction"`
	WindGust         *float64 `json:"wind_gust"`
	Visibility       *float64 `json:"visibility"`
	WeatherCode      *int64   `json:"weather_code"`
	PressureTendency *string  `json:"pressure_tendency"`
}

// NearestCache remembers nearest-station lookups by rounded coordinates.
type NearestCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clockwork.Clock
	entries map[string]nearestEntry
}

type nearestEntry struct {
	station MetOfficeStation
	expires time.Time
}

func NewNearestCache(ttl time.Duration, clock clockwork.Clock) *NearestCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NearestCache{ttl: ttl, clock: clock, entries: make(map[string]nearestEntry)}
}

func (c *NearestCache) get(key string) (MetOfficeStation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.clock.Now().After(e.expires) {
		return MetOfficeStation{}, false
	}
	return e.station, true
}

func (c *NearestCache) put(key string, s MetOfficeStation) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = nearestEntry{station: s, expires: c.clock.Now().Add(c.ttl)}
}

// MetOffice collects hourly land observations from the Met Office DataHub
// for a roster of stations, or for the station nearest the target location
// when no roster is configured.
type MetOffice struct {
	cfg     config.MetOffice
	loc     config.Location
	deps    Deps
	client  *httputil.Client
	nearest *NearestCache
}

// NewMetOffice returns ErrConfiguration when no API key is set. cache may be
// nil, in which case lookups are cached for the lifetime of the collector.
func NewMetOffice(cfg config.MetOffice, loc config.Location, cache *NearestCache, deps Deps) (*MetOffice, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Met Office API key not set (METOFFICE_DATAHUB_API_KEY)", ErrConfiguration)
	}
	deps = deps.withDefaults()
	if cache == nil {
		cache = NewNearestCache(time.Duration(cfg.CacheHours)*time.Hour, deps.Clock)
	}
	return &MetOffice{
		cfg:     cfg,
		loc:     loc,
		deps:    deps,
		client:  deps.httpClient("metoffice", httputil.DefaultTimeout, http.Header{"Apikey": {cfg.APIKey}}),
		nearest: cache,
	}, nil
}

func (c *MetOffice) Name() string { return "metoffice_observations" }

func (c *MetOffice) Close() error { return c.client.Close() }

func (c *MetOffice) Collect(ctx context.Context) (int, error) {
	return c.deps.track(c.Name()).run(ctx, func(t *tracker) (int, []error, error) {
		return c.collect(ctx, t)
	})
}

func (c *MetOffice) collect(ctx context.Context, t *tracker) (int, []error, error) {
	stations, err := c.stations(ctx, t)
	if err != nil {
		return 0, nil, err
	}
	if len(stations) == 0 {
		t.logger.Warn("no Met Office station found near target location")
		return 0, nil, nil
	}

	var (
		total    int
		warnings []error
	)
	for i, st := range stations {
		if i > 0 && c.cfg.Delay > 0 {
			select {
			case <-ctx.Done():
				return total, warnings, ctx.Err()
			case <-c.deps.Clock.After(c.cfg.Delay):
			}
		}

		n, err := c.collectStation(ctx, t, st)
		total += n
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrFetch) && !errors.Is(err, ErrParse) {
			return total, warnings, err
		}
		t.logger.Warn("station skipped", "geohash", st.Geohash, "error", err)
		warnings = append(warnings, fmt.Errorf("station %s: %w", st.Geohash, err))
	}
	return total, warnings, nil
}

func (c *MetOffice) stations(ctx context.Context, t *tracker) ([]MetOfficeStation, error) {
	if roster := c.cfg.Roster(); len(roster) > 0 {
		out := make([]MetOfficeStation, 0, len(roster))
		for _, r := range roster {
			out = append(out, MetOfficeStation{Geohash: r.Geohash, Area: r.Area})
		}
		return out, nil
	}

	st, ok, err := c.findNearest(ctx, t)
	if err != nil || !ok {
		return nil, err
	}
	return []MetOfficeStation{st}, nil
}

// findNearest asks the API for the station nearest the target. The API only
// accepts two decimal places.
func (c *MetOffice) findNearest(ctx context.Context, t *tracker) (MetOfficeStation, bool, error) {
	key := fmt.Sprintf("%.2f,%.2f", c.loc.Latitude, c.loc.Longitude)
	if st, ok := c.nearest.get(key); ok {
		return st, true, nil
	}

	params := url.Values{
		"lat": {strconv.FormatFloat(round2(c.loc.Latitude), 'f', -1, 64)},
		"lon": {strconv.FormatFloat(round2(c.loc.Longitude), 'f', -1, 64)},
	}
	body, err := c.client.Get(ctx, c.endpoint("/nearest"), params, nil)
	if err != nil {
		return MetOfficeStation{}, false, fetchErr("metoffice nearest", err)
	}

	var found []MetOfficeStation
	if err := json.Unmarshal(body, &found); err != nil {
		return MetOfficeStation{}, false, fmt.Errorf("%w: metoffice nearest: %w", ErrParse, err)
	}
	if len(found) == 0 || found[0].Geohash == "" {
		return MetOfficeStation{}, false, nil
	}

	st := found[0]
	c.nearest.put(key, st)
	t.logger.Info("found nearest station", "area", st.Area, "geohash", st.Geohash)
	return st, true, nil
}

func (c *MetOffice) collectStation(ctx context.Context, t *tracker, st MetOfficeStation) (int, error) {
	lat, lon, err := geohash.Decode(st.Geohash)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrParse, err)
	}
	box, _ := geohash.Bounds(st.Geohash)

	locationID := "metoffice_" + st.Geohash
	path := "/" + st.Geohash
	body, err := c.client.Get(ctx, c.endpoint(path), nil, nil)
	if err != nil {
		return 0, fetchErr("metoffice "+st.Geohash, err)
	}
	c.deps.archive(ctx, c.Name(), path, locationID, body)

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return 0, fmt.Errorf("%w: metoffice %s: %w", ErrParse, st.Geohash, err)
	}
	if len(records) == 0 {
		t.logger.Warn("no observations returned", "geohash", st.Geohash)
		return 0, nil
	}

	area := st.Area
	if area == "" {
		area = "Unknown"
	}
	loc := models.Location{
		ID:        locationID,
		Name:      "Met Office - " + area,
		Latitude:  lat,
		Longitude: lon,
		SiteType:  models.SiteMetOffice,
		Source:    metOfficeSource,
		Metadata: map[string]any{
			"geohash":      st.Geohash,
			"area":         area,
			"region":       st.Region,
			"country":      st.Country,
			"timezone":     st.OlsonTimeZone,
			"precision_km": math.Round(box.SizeKm()*100) / 100,
		},
	}
	if _, err := c.deps.Store.EnsureLocation(ctx, loc); err != nil {
		return 0, err
	}

	obs := make([]models.Observation, 0, len(records))
	for _, rec := range records {
		o, err := parseMetOfficeObservation(rec, locationID)
		if err != nil {
			t.logger.Debug("dropping observation", "geohash", st.Geohash, "error", err)
			t.dropped("parse", 1)
			continue
		}
		obs = append(obs, o)
	}
	if len(obs) == 0 {
		return 0, nil
	}

	if err := c.deps.Store.UpsertObservations(ctx, obs); err != nil {
		return 0, err
	}
	t.ingested("observation", len(obs))
	t.logger.Debug("stored observations", "area", area, "count", len(obs))
	return len(obs), nil
}

func parseMetOfficeObservation(rec json.RawMessage, locationID string) (models.Observation, error) {
	var r metOfficeObservation
	if err := json.Unmarshal(rec, &r); err != nil {
		return models.Observation{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if r.Datetime == "" {
		return models.Observation{}, fmt.Errorf("%w: missing datetime", ErrParse)
	}
	observedAt, err := normalize.ParseTime(r.Datetime)
	if err != nil {
		return models.Observation{}, fmt.Errorf("%w: %w", ErrParse, err)
	}

	raw, _ := sjson.SetRaw("{}", "original", string(rec))
	raw, _ = sjson.Set(raw, "pressure_tendency", r.PressureTendency)

	o := models.Observation{
		LocationID: locationID,
		ObservedAt: observedAt,
		Source:     metOfficeSource,
		Conditions: models.Conditions{
			Temperature:   normalize.Float(r.Temperature),
			Humidity:      normalize.Float(r.Humidity),
			Pressure:      normalize.Float(r.MSLP),
			WindSpeed:     normalize.Float(r.WindSpeed),
			WindDirection: normalize.CompassToDegrees(r.WindDirection),
			WindGust:      normalize.Float(r.WindGust),
			Visibility:    normalize.Float(r.Visibility),
			WeatherCode:   normalize.Int(r.WeatherCode),
		},
		RawData:     raw,
		QualityFlag: models.QualityAuthoritative,
	}
	annotate(&o)
	return o, nil
}

func (c *MetOffice) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
