// Command ouraetl runs the Oura wearable-metrics ETL pipeline.
//
// Usage:
//
//	ouraetl -config configs/pipeline.json -days 7
//	ouraetl -config configs/pipeline.json -types daily_sleep,sleep -start-date 2026-08-01 -end-date 2026-08-24
//	ouraetl -config configs/pipeline.json -steps transform,load
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"ouraetl/internal/config"
	"ouraetl/internal/fetch"
	"ouraetl/internal/metrics"
	"ouraetl/internal/metrics/datadog"
	"ouraetl/internal/oura"
	"ouraetl/internal/pipeline"
	"ouraetl/internal/storage"

	// register all backends with the storage factory; the config selects one
	// at runtime.
	_ "ouraetl/internal/storage/all"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

type runConfig struct {
	ConfigPath     string
	Types          []oura.MetricType
	StartDate      string
	EndDate        string
	Days           int
	Steps          []string
	MetricsBackend string
	Validate       bool
	Verbose        bool
}

func parseArgs(args []string, stderr io.Writer) (runConfig, error) {
	fs := flag.NewFlagSet("ouraetl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfg       runConfig
		typesFlag string
		allFlag   bool
		stepsFlag string
	)
	fs.StringVar(&cfg.ConfigPath, "config", "configs/pipeline.json", "pipeline config JSON path")
	fs.StringVar(&typesFlag, "types", "", "comma-separated metric types (default: all)")
	fs.BoolVar(&allFlag, "all", false, "process all metric types (same as leaving -types empty)")
	fs.StringVar(&cfg.StartDate, "start-date", "", "range start, YYYY-MM-DD")
	fs.StringVar(&cfg.EndDate, "end-date", "", "range end, YYYY-MM-DD (default: today)")
	fs.IntVar(&cfg.Days, "days", 0, "extract the last N days (alternative to -start-date)")
	fs.StringVar(&stepsFlag, "steps", "", "comma-separated steps to run: extract,transform,load (default: all)")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "metrics backend (datadog, none); overrides config")
	fs.BoolVar(&cfg.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}

	if typesFlag != "" && allFlag {
		return runConfig{}, errors.New("-types and -all are mutually exclusive")
	}
	if typesFlag != "" {
		for _, raw := range strings.Split(typesFlag, ",") {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			t := oura.MetricType(name)
			if _, err := oura.Lookup(t); err != nil {
				return runConfig{}, fmt.Errorf("-types: %q: %w (known: %s)", name, err, knownTypes())
			}
			cfg.Types = append(cfg.Types, t)
		}
		if len(cfg.Types) == 0 {
			return runConfig{}, errors.New("-types is empty")
		}
	}

	if stepsFlag != "" {
		for _, raw := range strings.Split(stepsFlag, ",") {
			if s := strings.TrimSpace(raw); s != "" {
				cfg.Steps = append(cfg.Steps, s)
			}
		}
	}

	if cfg.Days < 0 {
		return runConfig{}, errors.New("-days must be >= 0")
	}
	if cfg.Days > 0 && cfg.StartDate != "" {
		return runConfig{}, errors.New("-days and -start-date are mutually exclusive")
	}
	for _, d := range []string{cfg.StartDate, cfg.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return runConfig{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", d)
		}
	}

	return cfg, nil
}

func knownTypes() string {
	all := oura.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = string(t)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// resolveRange turns the flag combination into concrete extract dates.
// -days N means the last N days ending today; with nothing set, the last 7.
func resolveRange(cfg runConfig, today time.Time) (string, string) {
	start, end := cfg.StartDate, cfg.EndDate
	days := cfg.Days
	if start == "" && days == 0 {
		days = 7
	}
	if days > 0 {
		end = today.Format("2006-01-02")
		start = today.AddDate(0, 0, -days).Format("2006-01-02")
	}
	if end == "" {
		end = today.Format("2006-01-02")
	}
	return start, end
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	cfg, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	p, err := config.Load(cfg.ConfigPath)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		logger.Printf("configuration is invalid: %s", cfg.ConfigPath)
		return 1
	}
	if cfg.Validate {
		logger.Printf("configuration is valid: %s", cfg.ConfigPath)
		return 0
	}

	// Decide metrics backend: flag → env → config.
	backendName := cfg.MetricsBackend
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	if backendName == "" {
		backendName = p.Metrics.Backend
	}
	switch backendName {
	case "datadog":
		tags := p.Metrics.Tags
		tags = append(tags, datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    p.Job,
			Tags:       tags,
			FlushEvery: time.Duration(p.Metrics.FlushEvery),
		})
		if err != nil {
			logger.Printf("metrics: datadog init: %v; metrics disabled", err)
		} else {
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					logger.Printf("metrics: datadog close: %v", err)
				}
			}()
		}
	case "", "none":
		if cfg.Verbose {
			logger.Printf("metrics: disabled")
		}
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	steps := cfg.Steps
	if len(steps) == 0 {
		steps = pipeline.Steps
	}
	wantExtract, wantLoad := false, false
	for _, s := range steps {
		switch s {
		case pipeline.StepExtract:
			wantExtract = true
		case pipeline.StepLoad:
			wantLoad = true
		}
	}

	ctl := &pipeline.Controller{
		RawDir:       p.Data.RawDir,
		ProcessedDir: p.Data.ProcessedDir,
		Log:          logger,
	}

	if wantExtract {
		ctl.Fetcher = fetch.NewClient(p.API.AccessToken, fetch.Options{
			BaseURL:       p.API.BaseURL,
			RatePerMinute: p.API.RatePerMinute,
			MaxAttempts:   p.API.MaxAttempts,
			Logger:        logger,
		})
	}
	if wantLoad {
		repo, err := storage.New(ctx, storage.Config{Kind: p.Storage.Kind, DSN: p.Storage.DSN})
		if err != nil {
			logger.Printf("storage: open %s: %v", p.Storage.Kind, err)
			return 1
		}
		defer repo.Close()
		ctl.Repo = repo
	}

	startDate, endDate := resolveRange(cfg, time.Now().UTC())
	start := time.Now()
	if cfg.Verbose {
		logger.Printf("pipeline: storage=%s steps=%s range=%s..%s", p.Storage.Kind, strings.Join(steps, ","), startDate, endDate)
	}

	if err := ctl.Run(ctx, cfg.Types, startDate, endDate, steps); err != nil {
		logger.Printf("pipeline finished with errors: %v", err)
		return 1
	}
	if cfg.Verbose {
		logger.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	return 0
}
