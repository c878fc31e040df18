package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lawrab/haar-weather/internal/config"
	"github.com/lawrab/haar-weather/internal/httputil"
	"github.com/lawrab/haar-weather/internal/models"
	"github.com/lawrab/haar-weather/internal/normalize"
)

const (
	era5Source = "era5_reanalysis"
	dateLayout = "2006-01-02"
)

// DateRange is an inclusive span of UTC calendar days.
type DateRange struct {
	Start, End time.Time
}

func (r DateRange) String() string {
	return r.Start.Format(dateLayout) + ".." + r.End.Format(dateLayout)
}

// Days is the number of calendar days covered.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Chunks splits [start, end] into consecutive ranges of at most maxDays days.
// Both ends are inclusive. An empty slice is returned when end is before start.
func Chunks(start, end time.Time, maxDays int) []DateRange {
	if maxDays < 1 {
		maxDays = 1
	}
	start, end = day(start), day(end)

	var out []DateRange
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, maxDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		out = append(out, DateRange{Start: cur, End: chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return out
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ERA5 backfills hourly reanalysis for the target location from the
// Open-Meteo archive API.
type ERA5 struct {
	cfg    config.ERA5
	loc    config.Location
	deps   Deps
	client *httputil.Client
	window *DateRange
}

func NewERA5(cfg config.ERA5, loc config.Location, deps Deps) (*ERA5, error) {
	deps = deps.withDefaults()
	return &ERA5{
		cfg:    cfg,
		loc:    loc,
		deps:   deps,
		client: deps.httpClient("era5", httputil.ArchiveTimeout, nil),
	}, nil
}

func (c *ERA5) Name() string { return era5Source }

func (c *ERA5) Close() error { return c.client.Close() }

// SetWindow overrides the default backfill window. A zero start or end keeps
// the default for that side.
func (c *ERA5) SetWindow(start, end time.Time) error {
	w := c.Window()
	if !start.IsZero() {
		w.Start = day(start)
	}
	if !end.IsZero() {
		w.End = day(end)
		if start.IsZero() {
			w.Start = w.End.AddDate(0, 0, -c.cfg.BackfillDays)
		}
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("reanalysis window ends (%s) before it starts (%s)",
			w.End.Format(dateLayout), w.Start.Format(dateLayout))
	}
	c.window = &w
	return nil
}

// Window returns the range Collect will request. By default it ends
// LatencyDays before today and spans BackfillDays.
func (c *ERA5) Window() DateRange {
	if c.window != nil {
		return *c.window
	}
	end := day(c.deps.Clock.Now()).AddDate(0, 0, -c.cfg.LatencyDays)
	return DateRange{Start: end.AddDate(0, 0, -c.cfg.BackfillDays), End: end}
}

func (c *ERA5) Collect(ctx context.Context) (int, error) {
	return c.deps.track(c.Name()).run(ctx, func(t *tracker) (int, []error, error) {
		n, err := c.collect(ctx, t)
		return n, nil, err
	})
}

func (c *ERA5) collect(ctx context.Context, t *tracker) (int, error) {
	w := c.Window()
	chunks := Chunks(w.Start, w.End, c.cfg.ChunkDays)
	t.logger.Info("collecting reanalysis", "window", w.String(), "days", w.Days(), "chunks", len(chunks))

	loc := models.Location{
		ID:        "era5_" + slug(c.loc.Name),
		Name:      "ERA5 - " + c.loc.Name,
		Latitude:  c.loc.Latitude,
		Longitude: c.loc.Longitude,
		SiteType:  models.SiteReanalysis,
		Source:    "era5",
		Metadata: map[string]any{
			"resolution_km": 25,
			"data_type":     "reanalysis",
			"provider":      "ECMWF via Open-Meteo",
		},
	}
	if _, err := c.deps.Store.EnsureLocation(ctx, loc); err != nil {
		return 0, err
	}

	total := 0
	for _, chunk := range chunks {
		n, err := c.collectChunk(ctx, t, loc.ID, chunk)
		total += n
		if err != nil {
			return total, fmt.Errorf("chunk %s: %w", chunk, err)
		}
		t.logger.Debug("stored chunk", "chunk", chunk.String(), "count", n)
	}
	return total, nil
}

func (c *ERA5) collectChunk(ctx context.Context, t *tracker, locationID string, chunk DateRange) (int, error) {
	params := url.Values{
		"latitude":        {strconv.FormatFloat(c.loc.Latitude, 'f', -1, 64)},
		"longitude":       {strconv.FormatFloat(c.loc.Longitude, 'f', -1, 64)},
		"start_date":      {chunk.Start.Format(dateLayout)},
		"end_date":        {chunk.End.Format(dateLayout)},
		"hourly":          {strings.Join(hourlyVariables, ",")},
		"wind_speed_unit": {"ms"},
		"timezone":        {"UTC"},
	}
	body, err := c.client.Get(ctx, c.cfg.BaseURL, params, nil)
	if err != nil {
		return 0, fetchErr("era5 archive", err)
	}
	c.deps.archive(ctx, c.Name(), "/archive", locationID, body)

	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("%w: era5 archive %s: invalid JSON", ErrParse, chunk)
	}

	obs, badTime := parseReanalysis(normalize.ParseSeries(body, "hourly"), locationID)
	t.dropped("bad_timestamp", badTime)
	if len(obs) == 0 {
		return 0, nil
	}
	if err := c.deps.Store.UpsertObservations(ctx, obs); err != nil {
		return 0, err
	}
	t.ingested("observation", len(obs))
	return len(obs), nil
}

func parseReanalysis(s normalize.Series, locationID string) ([]models.Observation, int) {
	var (
		out     []models.Observation
		badTime int
	)
	for i := 0; i < s.Len(); i++ {
		observedAt, err := normalize.ParseTime(s.Time(i))
		if err != nil {
			badTime++
			continue
		}
		o := models.Observation{
			LocationID:  locationID,
			ObservedAt:  observedAt,
			Source:      era5Source,
			Conditions:  conditionsAt(s, i),
			RawData:     `{"data_type":"era5_reanalysis","resolution_km":25}`,
			QualityFlag: models.QualityReanalysis,
		}
		annotate(&o)
		out = append(out, o)
	}
	return out, badTime
}
