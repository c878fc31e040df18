package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/http"
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

const kmPerDegree = 111.0

// NetatmoCredentials are the OAuth tokens issued by a refresh.
type NetatmoCredentials struct {
	AccessToken  string
	RefreshToken string
}

// Netatmo collects the latest reading of every public Netatmo station inside
// a box around the target location.
type Netatmo struct {
	cfg       config.Netatmo
	loc       config.Location
	deps      Deps
	client    *httputil.Client
	onRefresh func(NetatmoCredentials) error
}

// NewNetatmo returns ErrConfiguration when no access token is set. onRefresh,
// if not nil, is handed new tokens after a successful refresh so they can be
// persisted.
func NewNetatmo(cfg config.Netatmo, loc config.Location, onRefresh func(NetatmoCredentials) error, deps Deps) (*Netatmo, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: Netatmo access token not set (NETATMO_ACCESS_TOKEN)", ErrConfiguration)
	}
	deps = deps.withDefaults()
	return &Netatmo{
		cfg:       cfg,
		loc:       loc,
		deps:      deps,
		client:    deps.httpClient("netatmo", httputil.DefaultTimeout, nil),
		onRefresh: onRefresh,
	}, nil
}

func (c *Netatmo) Name() string { return "netatmo" }

func (c *Netatmo) Close() error { return c.client.Close() }

func (c *Netatmo) Collect(ctx context.Context) (int, error) {
	return c.deps.track(c.Name()).run(ctx, func(t *tracker) (int, []error, error) {
		n, err := c.collect(ctx, t)
		return n, nil, err
	})
}

// BoundingBox is a lat/lon rectangle.
type BoundingBox struct {
	LatSW, LonSW, LatNE, LonNE float64
}

// SearchBox approximates a square of radiusKm around lat/lon, treating one
// degree of latitude as 111 km.
func SearchBox(lat, lon, radiusKm float64) BoundingBox {
	latOffset := radiusKm / kmPerDegree
	lonOffset := radiusKm / (kmPerDegree * math.Cos(lat*math.Pi/180))
	return BoundingBox{
		LatSW: lat - latOffset,
		LonSW: lon - lonOffset,
		LatNE: lat + latOffset,
		LonNE: lon + lonOffset,
	}
}

func (c *Netatmo) collect(ctx context.Context, t *tracker) (int, error) {
	body, err := c.fetchPublicData(ctx, t)
	if err != nil {
		return 0, err
	}
	c.deps.archive(ctx, c.Name(), "/getpublicdata", "", body)

	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: netatmo getpublicdata: invalid JSON", ErrParse)
	}
	stations := gjson.GetBytes(body, "body").Array()
	t.logger.Info("found stations in area", "count", len(stations))

	total := 0
	for _, st := range stations {
		n, err := c.processStation(ctx, t, st)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// fetchPublicData calls getpublicdata, refreshing the access token once if
// it is rejected. If the refresh fails the original error is returned.
func (c *Netatmo) fetchPublicData(ctx context.Context, t *tracker) ([]byte, error) {
	body, err := c.getPublicData(ctx)
	if err == nil {
		return body, nil
	}
	if !httputil.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
		return nil, fetchErr("netatmo getpublicdata", err)
	}

	t.logger.Warn("access token rejected, attempting refresh")
	if rerr := c.refresh(ctx, t); rerr != nil {
		t.logger.Error("token refresh failed", "error", rerr)
		return nil, fetchErr("netatmo getpublicdata", err)
	}

	body, err = c.getPublicData(ctx)
	if err != nil {
		return nil, fetchErr("netatmo getpublicdata", err)
	}
	return body, nil
}

func (c *Netatmo) getPublicData(ctx context.Context) ([]byte, error) {
	box := SearchBox(c.loc.Latitude, c.loc.Longitude, c.cfg.RadiusKm)
	params := url.Values{
		"lat_ne": {formatCoord(box.LatNE)},
		"lon_ne": {formatCoord(box.LonNE)},
		"lat_sw": {formatCoord(box.LatSW)},
		"lon_sw": {formatCoord(box.LonSW)},
		"filter": {"false"},
	}
	header := http.Header{"Authorization": {"Bearer " + c.cfg.AccessToken}}
	return c.client.Get(ctx, strings.TrimRight(c.cfg.APIURL, "/")+"/getpublicdata", params, header)
}

func (c *Netatmo) refresh(ctx context.Context, t *tracker) error {
	refreshes := c.deps.Metrics.TokenRefreshes
	if !c.cfg.HasRefresh() {
		refreshes.WithLabelValues("netatmo", "unconfigured").Inc()
		return fmt.Errorf("%w: refresh token, client id and client secret are required", ErrConfiguration)
	}

	body, err := c.client.PostForm(ctx, c.cfg.OAuthURL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.cfg.RefreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	})
	if err != nil {
		refreshes.WithLabelValues("netatmo", "failure").Inc()
		return fetchErr("netatmo token refresh", err)
	}

	access := gjson.GetBytes(body, "access_token").String()
	if access == "" {
		refreshes.WithLabelValues("netatmo", "failure").Inc()
		return fmt.Errorf("%w: token response has no access_token", ErrParse)
	}
	creds := NetatmoCredentials{
		AccessToken:  access,
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
	}

	c.cfg.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		c.cfg.RefreshToken = creds.RefreshToken
	}
	refreshes.WithLabelValues("netatmo", "success").Inc()
	t.logger.Info("refreshed Netatmo access token")

	if c.onRefresh != nil {
		if err := c.onRefresh(creds); err != nil {
			t.logger.Warn("persist refreshed tokens", "error", err)
		}
	}
	return nil
}

func (c *Netatmo) processStation(ctx context.Context, t *tracker, st gjson.Result) (int, error) {
	id := st.Get("_id").String()
	if id == "" {
		t.dropped("missing_station_id", 1)
		return 0, nil
	}
	locationID := "netatmo_" + id

	place := st.Get("place")
	city := place.Get("city").String()
	if city == "" {
		city = "Unknown"
	}
	street := place.Get("street").String()
	name := "Netatmo - " + city
	if street != "" {
		name += " (" + street + ")"
	}
	// location is [lon, lat]; a station without it cannot be placed and a
	// registered location is never moved later.
	coords := place.Get("location").Array()
	if len(coords) != 2 || coords[0].Type != gjson.Number || coords[1].Type != gjson.Number {
		t.logger.Warn("dropping station without coordinates", "station", id)
		t.dropped("missing_coordinates", 1)
		return 0, nil
	}
	lon, lat := coords[0].Float(), coords[1].Float()

	measures := st.Get("measures")
	moduleCount := 0
	measures.ForEach(func(_, _ gjson.Result) bool {
		moduleCount++
		return true
	})

	loc := models.Location{
		ID:        locationID,
		Name:      name,
		Latitude:  lat,
		Longitude: lon,
		SiteType:  models.SiteNetatmo,
		Source:    "netatmo",
		Metadata: map[string]any{
			"station_id":   id,
			"city":         city,
			"street":       street,
			"altitude":     place.Get("altitude").Value(),
			"timezone":     place.Get("timezone").String(),
			"module_count": moduleCount,
		},
	}
	if alt := place.Get("altitude"); alt.Type == gjson.Number {
		loc.Elevation = sql.NullFloat64{Float64: alt.Float(), Valid: true}
	}
	if _, err := c.deps.Store.EnsureLocation(ctx, loc); err != nil {
		return 0, err
	}

	obs, ok := mergeNetatmoMeasures(measures, locationID)
	if !ok {
		return 0, nil
	}
	if err := c.deps.Store.UpsertObservations(ctx, []models.Observation{obs}); err != nil {
		return 0, err
	}
	t.ingested("observation", 1)
	return 1, nil
}

// mergeNetatmoMeasures folds the per-module readings of one station into a
// single observation stamped with the newest timestamp seen. ok is false when
// no module carried a timestamp.
//
// Module shapes:
//
//	{"res": {"1718000000": [15.2, 80]}, "type": ["temperature", "humidity"]}
//	{"rain_60min": 0.2, "rain_live": 0, "rain_timeutc": 1718000100}
//	{"wind_strength": 18, "gust_strength": 30, "wind_angle": 225, "wind_timeutc": 1718000100}
func mergeNetatmoMeasures(measures gjson.Result, locationID string) (models.Observation, bool) {
	var (
		latest       int64
		cond         models.Conditions
		rain60, live gjson.Result
	)
	seen := func(ts int64) {
		if ts > latest {
			latest = ts
		}
	}

	measures.ForEach(func(_, module gjson.Result) bool {
		if !module.IsObject() {
			return true
		}

		if v := module.Get("rain_60min"); v.Type == gjson.Number {
			rain60 = v
		}
		if v := module.Get("rain_live"); v.Type == gjson.Number {
			live = v
		}
		if ts := module.Get("rain_timeutc"); ts.Type == gjson.Number {
			seen(ts.Int())
		}

		if v := module.Get("wind_strength"); v.Type == gjson.Number {
			cond.WindSpeed = normalize.KmhToMs(sql.NullFloat64{Float64: v.Float(), Valid: true})
		}
		if v := module.Get("gust_strength"); v.Type == gjson.Number {
			cond.WindGust = normalize.KmhToMs(sql.NullFloat64{Float64: v.Float(), Valid: true})
		}
		if v := module.Get("wind_angle"); v.Type == gjson.Number {
			cond.WindDirection = sql.NullFloat64{Float64: v.Float(), Valid: true}
		}
		if ts := module.Get("wind_timeutc"); ts.Type == gjson.Number {
			seen(ts.Int())
		}

		types := module.Get("type").Array()
		var newest int64
		var values []gjson.Result
		module.Get("res").ForEach(func(key, vals gjson.Result) bool {
			ts, err := strconv.ParseInt(key.String(), 10, 64)
			if err != nil || !vals.IsArray() {
				return true
			}
			if ts > newest {
				newest, values = ts, vals.Array()
			}
			return true
		})
		if newest == 0 {
			return true
		}
		seen(newest)
		for i, typ := range types {
			if i >= len(values) || values[i].Type != gjson.Number {
				continue
			}
			v := sql.NullFloat64{Float64: values[i].Float(), Valid: true}
			switch typ.String() {
			case "temperature":
				cond.Temperature = v
			case "humidity":
				cond.Humidity = v
			case "pressure":
				cond.Pressure = v
			}
		}
		return true
	})

	if latest == 0 {
		return models.Observation{}, false
	}

	switch {
	case live.Exists():
		cond.Precipitation = sql.NullFloat64{Float64: live.Float(), Valid: true}
	case rain60.Exists():
		cond.Precipitation = sql.NullFloat64{Float64: rain60.Float(), Valid: true}
	}

	raw := "{}"
	raw, _ = sjson.Set(raw, "rain_60min", nullableRaw(rain60))
	raw, _ = sjson.Set(raw, "rain_live", nullableRaw(live))

	obs := models.Observation{
		LocationID:  locationID,
		ObservedAt:  time.Unix(latest, 0).UTC(),
		Source:      "netatmo",
		Conditions:  cond,
		RawData:     raw,
		QualityFlag: models.QualityCrowdSourced,
	}
	annotate(&obs)
	return obs, true
}

func nullableRaw(v gjson.Result) any {
	if !v.Exists() {
		return nil
	}
	return v.Float()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
