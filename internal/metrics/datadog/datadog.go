// Package datadog implements a Datadog backend for internal/metrics.
//
// Measurements are buffered in memory, flushed on a ticker (default once a
// minute) and one final time on Close. Long extract runs therefore show up
// as a time series rather than a single spike at process exit, and short
// runs still get their tail flush.
//
// Concurrency model:
//   - pipeline goroutines call IncCounter/ObserveDuration at any time
//   - Flush snapshots and resets buffers under a mutex, then submits
//     out-of-lock
//   - the flush loop calls Flush periodically; Close stops the loop
package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "ouraetl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// Defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these; tests use
	// them to avoid real submission and nondeterministic clocks.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend
// needs. The concrete *datadogV2.MetricsApi satisfies it; tests install a
// fake to capture payloads without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api        metricsSubmitter
	ctx        context.Context
	flushEvery time.Duration
	baseTags   []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	counters  map[seriesKey]float64
	durations map[seriesKey][]float64
}

// seriesKey identifies one buffered series: metric name plus its sorted,
// comma-joined tag set.
type seriesKey struct {
	name string
	tags string
}

// NewBackend builds a Datadog backend and starts its flush loop. The SDK
// reads DD_API_KEY (and DD_SITE) from the environment. parent bounds the
// submission requests; cancel it only after Close.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if opts.JobName == "" {
		opts.JobName = "ouraetl"
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 60 * time.Second
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.newTicker == nil {
		opts.newTicker = time.NewTicker
	}
	if opts.submitter == nil {
		if os.Getenv("DD_API_KEY") == "" {
			return nil, errors.New("datadog: DD_API_KEY is not set")
		}
		client := dd.NewAPIClient(dd.NewConfiguration())
		opts.submitter = datadogV2.NewMetricsApi(client)
	}

	tags := []string{"job:" + opts.JobName, resolveEnvTag()}
	tags = append(tags, opts.Tags...)

	b := &Backend{
		api:        opts.submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: opts.FlushEvery,
		baseTags:   tags,
		now:        opts.now,
		newTicker:  opts.newTicker,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		counters:   map[seriesKey]float64{},
		durations:  map[seriesKey][]float64{},
	}
	go b.loop()
	return b, nil
}

// resolveEnvTag picks the env tag from ENV, then DD_ENV, else "unknown".
func resolveEnvTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := os.Getenv(k); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and submits whatever is still buffered.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, tags ...string) {
	k := b.key(name, tags)
	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveDuration implements metrics.Backend. Durations are reported in
// seconds, Datadog's native timing unit.
func (b *Backend) ObserveDuration(name string, d time.Duration, tags ...string) {
	k := b.key(name, tags)
	b.mu.Lock()
	b.durations[k] = append(b.durations[k], d.Seconds())
	b.mu.Unlock()
}

func (b *Backend) key(name string, tags []string) seriesKey {
	merged := make([]string, 0, len(b.baseTags)+len(tags))
	merged = append(merged, b.baseTags...)
	merged = append(merged, tags...)
	sort.Strings(merged)
	return seriesKey{name: name, tags: strings.Join(merged, ",")}
}

// Flush submits and clears the buffered series. Buffers are swapped out
// under the lock so instrumentation never waits on the network.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters := b.counters
	durations := b.durations
	b.counters = map[seriesKey]float64{}
	b.durations = map[seriesKey][]float64{}
	b.mu.Unlock()

	if len(counters) == 0 && len(durations) == 0 {
		return nil
	}

	ts := b.now().Unix()
	series := make([]datadogV2.MetricSeries, 0, len(counters)+2*len(durations))

	for k, v := range counters {
		series = append(series, metricSeries(k, datadogV2.METRICINTAKETYPE_COUNT, v, ts))
	}
	for k, samples := range durations {
		var sum, max float64
		for _, s := range samples {
			sum += s
			if s > max {
				max = s
			}
		}
		avg := seriesKey{name: k.name + ".avg_seconds", tags: k.tags}
		worst := seriesKey{name: k.name + ".max_seconds", tags: k.tags}
		series = append(series,
			metricSeries(avg, datadogV2.METRICINTAKETYPE_GAUGE, sum/float64(len(samples)), ts),
			metricSeries(worst, datadogV2.METRICINTAKETYPE_GAUGE, max, ts),
		)
	}

	// Stable order keeps submissions reproducible for tests and log diffs.
	sort.Slice(series, func(i, j int) bool {
		if series[i].Metric != series[j].Metric {
			return series[i].Metric < series[j].Metric
		}
		return strings.Join(series[i].Tags, ",") < strings.Join(series[j].Tags, ",")
	})

	_, _, err := b.api.SubmitMetrics(b.ctx, datadogV2.MetricPayload{Series: series})
	return err
}

func metricSeries(k seriesKey, typ datadogV2.MetricIntakeType, value float64, ts int64) datadogV2.MetricSeries {
	var tags []string
	if k.tags != "" {
		tags = strings.Split(k.tags, ",")
	}
	return datadogV2.MetricSeries{
		Metric: k.name,
		Type:   typ.Ptr(),
		Tags:   tags,
		Points: []datadogV2.MetricPoint{{
			Timestamp: dd.PtrInt64(ts),
			Value:     dd.PtrFloat64(value),
		}},
	}
}

// ParseTagsCSV splits a comma-separated tag list, trimming whitespace and
// dropping empty entries. Used for the METRICS_TAGS environment variable.
func ParseTagsCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
