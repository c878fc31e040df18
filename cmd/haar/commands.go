package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lawrab/haar-weather/internal/api"
	"github.com/lawrab/haar-weather/internal/ingest"
)

type CollectCmd struct {
	Source          string `name:"source" short:"s" default:"all" help:"Source to collect: all, openmeteo, metoffice, netatmo or era5."`
	MetricsTextfile string `name:"metrics-textfile" type:"path" help:"Write run metrics to this file for the node exporter textfile collector."`
}

func (c *CollectCmd) Run(a *app) error {
	ctx, cancel := signalContext()
	defer cancel()

	res, err := a.orchestrator(ingest.DateRange{}).Run(ctx, c.Source)
	if err != nil {
		return err
	}
	report(a, res)

	if c.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(c.MetricsTextfile, a.reg); err != nil {
			a.logger.Warn("write metrics textfile", "path", c.MetricsTextfile, "error", err)
		}
	}
	if res.ExitCode() != 0 {
		return res.Err()
	}
	return nil
}

type BackfillCmd struct {
	Start time.Time `name:"start" format:"2006-01-02" help:"First day (UTC). Defaults to the configured backfill length before --end."`
	End   time.Time `name:"end" format:"2006-01-02" help:"Last day (UTC). Defaults to today minus the archive latency."`
}

func (c *BackfillCmd) Run(a *app) error {
	ctx, cancel := signalContext()
	defer cancel()

	window := ingest.DateRange{Start: c.Start, End: c.End}
	res, err := a.orchestrator(window).Run(ctx, "era5")
	if err != nil {
		return err
	}
	report(a, res)
	if res.ExitCode() != 0 {
		return res.Err()
	}
	return nil
}

type ServeCmd struct {
	Interval time.Duration `name:"interval" env:"HAAR_INTERVAL" default:"1h" help:"Collection interval."`
	Addr     string        `name:"addr" env:"HAAR_ADDR" default:":8080" help:"Listen address for /health and /metrics."`
	Source   string        `name:"source" default:"all" help:"Source selector for scheduled runs."`
}

func (c *ServeCmd) Run(a *app) error {
	ctx, cancel := signalContext()
	defer cancel()

	sched := ingest.NewScheduler(a.orchestrator(ingest.DateRange{}), a.store, ingest.SchedulerConfig{
		Selector:  c.Source,
		Interval:  c.Interval,
		Retention: time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour,
	}, a.deps())
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	server := api.NewServer(a.store, api.Options{
		Addr:     c.Addr,
		Gatherer: a.reg,
		Clock:    a.clock,
		Logger:   a.logger,
		LastRun:  sched.LastResult,
		// a collector is stale once it has missed two runs
		StaleAfter: 2*c.Interval + time.Minute,
	})
	return server.Run(ctx)
}

type StatusCmd struct {
	Limit    int `name:"limit" default:"20" help:"Ledger entries to show."`
	Failures int `name:"failures" default:"5" help:"Recent failures to show in full."`
	Days     int `name:"days" default:"7" help:"Days of per-collector health to summarise."`
}

func (c *StatusCmd) Run(a *app) error {
	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	version, err := a.store.MigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "database\t%s (schema v%d)\n\n", a.cfg.DBPath, version)

	entries, err := a.store.RecentCollections(ctx, c.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "COLLECTOR\tSTARTED\tDURATION\tSTATUS\tRECORDS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Collector,
			humanize.Time(e.StartedAt),
			e.Duration().Round(time.Millisecond),
			e.Status,
			humanize.Comma(int64(e.RecordsCollected)),
			truncate(e.ErrorMessage.String, 60))
	}

	failures, err := a.store.RecentFailures(ctx, c.Failures)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "RECENT FAILURES")
		for _, f := range failures {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Collector, f.StartedAt.Format(time.RFC3339), f.ErrorMessage.String)
		}
	}

	health, err := a.store.CollectionHealth(ctx, a.clock.Now().AddDate(0, 0, -c.Days))
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DATE\tCOLLECTOR\tRUNS\tOK\tPARTIAL\tFAILED\tRECORDS")
	for _, h := range health {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			h.Date, h.Collector, h.TotalRuns, h.SuccessRuns, h.PartialRuns, h.FailedRuns, humanize.Comma(h.TotalRecords))
	}

	counts, err := a.store.TableCounts(ctx)
	if err != nil {
		return err
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TABLE\tROWS")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%s\n", t, humanize.Comma(counts[t]))
	}

	stats, err := a.store.GetRawPayloadStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "raw payloads\t%s (%s, %s compressed)\n",
		humanize.Comma(int64(stats.TotalCount)),
		humanize.Bytes(uint64(stats.TotalSizeBytes)),
		humanize.Bytes(uint64(stats.CompressedBytes)))
	if stats.TotalCount > 0 {
		fmt.Fprintf(w, "oldest\t%s\n", humanize.Time(stats.OldestFetchedAt))
		fmt.Fprintf(w, "newest\t%s\n", humanize.Time(stats.NewestFetchedAt))
	}
	return nil
}

type PayloadCmd struct {
	Ref string `arg:"" help:"Archived payload id or sha256 hash."`
}

// Run writes the decompressed payload to stdout.
func (c *PayloadCmd) Run(a *app) error {
	ctx := context.Background()
	id, err := strconv.ParseInt(c.Ref, 10, 64)
	if err != nil {
		p, err := a.store.GetRawPayloadByHash(ctx, c.Ref)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no archived payload with hash %s", c.Ref)
		}
		a.logger.Info("archived payload", "id", p.ID, "collector", p.Collector,
			"endpoint", p.Endpoint, "fetched_at", p.FetchedAt, "size", humanize.Bytes(uint64(p.SizeBytes)))
		id = p.ID
	}

	body, err := a.store.GetRawPayload(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no archived payload with id %d", id)
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(body)
	return err
}

type PruneCmd struct{}

func (c *PruneCmd) Run(a *app) error {
	sched := ingest.NewScheduler(nil, a.store, ingest.SchedulerConfig{
		Retention: time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour,
	}, a.deps())
	n, err := sched.Prune(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %s archived responses\n", humanize.Comma(n))
	return nil
}

type ResetCmd struct {
	Yes      bool   `name:"yes" help:"Confirm deletion."`
	Location string `name:"location" help:"Delete only this location and its data."`
}

func (c *ResetCmd) Run(a *app) error {
	if !c.Yes {
		return errors.New("refusing to delete data without --yes")
	}
	ctx := context.Background()
	if c.Location != "" {
		if err := a.store.DeleteLocation(ctx, c.Location); err != nil {
			return err
		}
		a.logger.Info("deleted location", "location", c.Location)
		return nil
	}
	if err := a.store.Reset(ctx); err != nil {
		return err
	}
	a.logger.Info("database reset", "path", a.cfg.DBPath)
	return nil
}

func report(a *app, res ingest.Result) {
	names := make([]string, 0, len(res.Counts))
	for n := range res.Counts {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		a.logger.Info("collected", "source", n, "records", res.Counts[n])
	}
	for _, s := range res.Skipped {
		a.logger.Info("skipped", "source", s)
	}
	for _, f := range res.Failures {
		a.logger.Error("failed", "source", f.Source, "error", f.Err)
	}
	a.logger.Info("run complete", "run_id", res.RunID, "total", res.Total)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func hours(h int) time.Duration { return time.Duration(h) * time.Hour }
