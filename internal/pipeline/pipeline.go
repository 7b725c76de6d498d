// Package pipeline orchestrates the three ETL stages.
//
// Each stage hands off through the filesystem so stages can be re-run
// independently:
//
//	extract:   Oura API        -> <raw>/<type>/<type>_<stamp>.json
//	transform: raw JSON        -> <processed>/<type>/<relation>_<stamp>.csv
//	load:      processed files -> relational store
//
// A failure in one metric type never blocks the others; per-type errors are
// logged, counted and joined into the returned error.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ouraetl/internal/columnstore"
	"ouraetl/internal/metrics"
	"ouraetl/internal/normalize"
	"ouraetl/internal/oura"
	"ouraetl/internal/storage"
)

// Step names accepted by Run.
const (
	StepExtract   = "extract"
	StepTransform = "transform"
	StepLoad      = "load"
)

// Steps lists all steps in execution order.
var Steps = []string{StepExtract, StepTransform, StepLoad}

// Fetcher pulls raw collection items; *fetch.Client satisfies it.
type Fetcher interface {
	FetchAll(ctx context.Context, shape oura.Shape, startDate, endDate string) ([]oura.RawItem, error)
}

// Logger is the minimal logging surface; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Controller runs pipeline stages. Fetcher is required for extract, Repo for
// load; either may be nil when the corresponding step is not run.
type Controller struct {
	Fetcher Fetcher
	Repo    storage.Repository

	RawDir       string
	ProcessedDir string

	Log Logger

	// now stamps output filenames; tests pin it.
	now func() time.Time
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func (c *Controller) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Controller) logf(format string, v ...any) {
	if c.Log != nil {
		c.Log.Printf(format, v...)
		return
	}
	nopLogger{}.Printf(format, v...)
}

// Run executes the requested steps in pipeline order. Unknown step names are
// an error before any work starts. Per-type failures inside a step do not
// stop later steps; everything that failed comes back joined.
func (c *Controller) Run(ctx context.Context, types []oura.MetricType, startDate, endDate string, steps []string) error {
	if len(steps) == 0 {
		steps = Steps
	}
	want := map[string]bool{}
	for _, s := range steps {
		switch s {
		case StepExtract, StepTransform, StepLoad:
			want[s] = true
		default:
			return fmt.Errorf("pipeline: unknown step %q (one of %s)", s, strings.Join(Steps, ", "))
		}
	}
	if len(types) == 0 {
		types = oura.All()
	}

	var errs []error
	if want[StepExtract] {
		if err := c.Extract(ctx, types, startDate, endDate); err != nil {
			errs = append(errs, err)
		}
	}
	if want[StepTransform] {
		if err := c.Transform(ctx, types); err != nil {
			errs = append(errs, err)
		}
	}
	if want[StepLoad] {
		if err := c.Load(ctx, types); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Extract fetches each type for the date range and writes one raw page file
// per type under RawDir.
func (c *Controller) Extract(ctx context.Context, types []oura.MetricType, startDate, endDate string) error {
	if c.Fetcher == nil {
		return errors.New("pipeline: extract needs a fetcher")
	}

	stamp := c.clock().UTC().Format("20060102_150405")
	var errs []error
	for _, t := range sortedTypes(types) {
		if err := ctx.Err(); err != nil {
			return err
		}
		shape, err := oura.Lookup(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		start := time.Now()
		items, err := c.Fetcher.FetchAll(ctx, shape, startDate, endDate)
		if err != nil {
			c.logf("extract fail type=%s err=%v", t, err)
			metrics.IncCounter("ouraetl.extract.failures", 1, "type:"+string(t))
			errs = append(errs, fmt.Errorf("extract %s: %w", t, err))
			continue
		}

		path := filepath.Join(c.RawDir, string(t), fmt.Sprintf("%s_%s.json", t, stamp))
		if err := writeRawFile(path, items); err != nil {
			errs = append(errs, fmt.Errorf("extract %s: %w", t, err))
			continue
		}
		c.logf("extract ok type=%s items=%d file=%s duration=%s", t, len(items), path, time.Since(start).Round(time.Millisecond))
		metrics.ObserveDuration("ouraetl.extract.type", time.Since(start), "type:"+string(t))
	}
	return errors.Join(errs...)
}

// writeRawFile persists one fetched collection in the same envelope the API
// uses, so transform reads raw files and live responses identically.
func writeRawFile(path string, items []oura.RawItem) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if items == nil {
		items = []oura.RawItem{}
	}
	b, err := json.MarshalIndent(map[string]any{"data": items, "next_token": nil}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Transform normalizes every raw file of the given types into flat relation
// batches under ProcessedDir. Items that fail to normalize are skipped and
// logged; the rest of the file still goes through.
func (c *Controller) Transform(ctx context.Context, types []oura.MetricType) error {
	var errs []error
	for _, t := range sortedTypes(types) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.transformType(t); err != nil {
			c.logf("transform fail type=%s err=%v", t, err)
			metrics.IncCounter("ouraetl.transform.failures", 1, "type:"+string(t))
			errs = append(errs, fmt.Errorf("transform %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) transformType(t oura.MetricType) error {
	dir := filepath.Join(c.RawDir, string(t))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil // nothing extracted for this type
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := c.transformFile(t, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) transformFile(t oura.MetricType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	page, err := oura.DecodePage(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	batches, itemErrs, err := normalize.Assemble(t, page.Data)
	if err != nil {
		return err
	}
	for _, ie := range itemErrs {
		c.logf("transform skip type=%s file=%s index=%d id=%s err=%v", t, filepath.Base(path), ie.Index, ie.ID, ie.Err)
	}
	if n := len(itemErrs); n > 0 {
		metrics.IncCounter("ouraetl.transform.skipped_items", float64(n), "type:"+string(t))
	}

	stamp := rawStamp(t, path)
	relations := make([]string, 0, len(batches))
	for rel := range batches {
		relations = append(relations, rel)
	}
	sort.Strings(relations)

	outDir := filepath.Join(c.ProcessedDir, string(t))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, rel := range relations {
		rows := batches[rel]
		columns := normalize.Columns(rows)
		flat := normalize.Flatten(rows, columns)
		spec := storage.InferSpec(rel, "id", columns, flat)

		out := filepath.Join(outDir, fmt.Sprintf("%s_%s.csv", rel, stamp))
		if err := columnstore.WriteFile(out, spec, flat); err != nil {
			return err
		}
		c.logf("transform ok type=%s relation=%s rows=%d file=%s", t, rel, len(rows), out)
		metrics.IncCounter("ouraetl.transform.rows", float64(len(rows)), "type:"+string(t), "relation:"+rel)
	}
	return nil
}

// rawStamp recovers the extract stamp from a raw filename so processed files
// line up with the raw file they came from.
func rawStamp(t oura.MetricType, path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	if s, ok := strings.CutPrefix(base, string(t)+"_"); ok && s != "" {
		return s
	}
	return base
}

// Load upserts every processed batch of the given types into the store.
// Re-running Load with the same files is a no-op beyond refreshed column
// values: batch keys are stable, so rows replace themselves.
func (c *Controller) Load(ctx context.Context, types []oura.MetricType) error {
	if c.Repo == nil {
		return errors.New("pipeline: load needs a repository")
	}

	var errs []error
	for _, t := range sortedTypes(types) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.loadType(ctx, t); err != nil {
			c.logf("load fail type=%s err=%v", t, err)
			metrics.IncCounter("ouraetl.load.failures", 1, "type:"+string(t))
			errs = append(errs, fmt.Errorf("load %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) loadType(ctx context.Context, t oura.MetricType) error {
	dir := filepath.Join(c.ProcessedDir, string(t))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		path := filepath.Join(dir, name)

		spec, rows, err := columnstore.ReadFile(path)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}

		if err := c.Repo.EnsureRelation(ctx, spec); err != nil {
			return err
		}
		columns := make([]string, len(spec.Columns))
		for i, col := range spec.Columns {
			columns[i] = col.Name
		}
		start := time.Now()
		affected, err := c.Repo.Upsert(ctx, spec.Name, spec.KeyColumn, columns, rows)
		if err != nil {
			return err
		}
		c.logf("load ok type=%s relation=%s rows=%d affected=%d file=%s", t, spec.Name, len(rows), affected, path)
		metrics.IncCounter("ouraetl.load.rows", float64(len(rows)), "type:"+string(t), "relation:"+spec.Name)
		metrics.ObserveDuration("ouraetl.load.upsert", time.Since(start), "relation:"+spec.Name)
	}
	return nil
}

func sortedTypes(types []oura.MetricType) []oura.MetricType {
	out := make([]oura.MetricType, len(types))
	copy(out, types)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
