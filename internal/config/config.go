// Package config parses and validates the pipeline JSON config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Pipeline is the top-level config document.
type Pipeline struct {
	Job     string        `json:"job"`
	API     APIConfig     `json:"api"`
	Data    DataConfig    `json:"data"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics"`
}

// APIConfig configures the Oura client.
type APIConfig struct {
	// BaseURL defaults to the public Oura v2 API.
	BaseURL string `json:"base_url"`

	// AccessToken is the personal access token. Supports ${VAR} expansion;
	// the OURA_ACCESS_TOKEN environment variable overrides it.
	AccessToken string `json:"access_token"`

	RatePerMinute int `json:"rate_per_minute"`
	MaxAttempts   int `json:"max_attempts"`
}

// DataConfig locates the on-disk stage handoff directories.
type DataConfig struct {
	RawDir       string `json:"raw_dir"`
	ProcessedDir string `json:"processed_dir"`
}

// StorageConfig selects the destination store.
type StorageConfig struct {
	// Kind is a registered backend: "sqlite", "postgres" or "mssql".
	Kind string `json:"kind"`

	// DSN supports ${VAR} expansion so credentials stay out of the file.
	DSN string `json:"dsn"`
}

// MetricsConfig configures optional metrics submission.
type MetricsConfig struct {
	// Backend is "datadog" or "none" (default).
	Backend    string   `json:"backend"`
	Tags       []string `json:"tags"`
	FlushEvery Duration `json:"flush_every"`
}

// Duration is a time.Duration that unmarshals from a Go duration string
// ("30s", "1m") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("config: invalid duration %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Load reads a pipeline config file, applies environment expansion and
// overrides, and fills defaults. Validation is separate; call
// ValidatePipeline on the result.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var p Pipeline
	if err := json.Unmarshal(b, &p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyEnv(&p)
	applyDefaults(&p)
	return p, nil
}

func applyEnv(p *Pipeline) {
	p.API.AccessToken = os.ExpandEnv(p.API.AccessToken)
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)

	if v := os.Getenv("OURA_ACCESS_TOKEN"); v != "" {
		p.API.AccessToken = v
	}
	if v := os.Getenv("OURA_API_URL"); v != "" {
		p.API.BaseURL = v
	}
}

func applyDefaults(p *Pipeline) {
	if p.Job == "" {
		p.Job = "ouraetl"
	}
	if p.API.RatePerMinute <= 0 {
		p.API.RatePerMinute = 60
	}
	if p.API.MaxAttempts <= 0 {
		p.API.MaxAttempts = 4
	}
	if p.Data.RawDir == "" {
		p.Data.RawDir = "data/raw"
	}
	if p.Data.ProcessedDir == "" {
		p.Data.ProcessedDir = "data/processed"
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = "none"
	}
}

// Severity levels for validation issues.
const (
	SeverityError = "error"
	SeverityWarn  = "warn"
)

// Issue is one validation finding. Path is a dotted JSON path into the
// config document.
type Issue struct {
	Severity string
	Path     string
	Message  string
}

// ValidatePipeline checks a loaded pipeline config. Errors make the config
// unusable; warnings are advisory. Which steps need which fields is the
// caller's concern, so token and storage problems are reported even when
// only one of extract/load will run.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarn, path, fmt.Sprintf(format, args...)})
	}

	if p.API.AccessToken == "" {
		errf("api.access_token", "missing (set it in the config or via OURA_ACCESS_TOKEN)")
	}
	if p.API.RatePerMinute > 300 {
		warnf("api.rate_per_minute", "%d exceeds Oura's documented limit of 300", p.API.RatePerMinute)
	}

	switch p.Storage.Kind {
	case "sqlite", "postgres", "mssql":
		if p.Storage.DSN == "" {
			errf("storage.dsn", "missing for kind %q", p.Storage.Kind)
		}
	case "":
		errf("storage.kind", "missing (one of sqlite, postgres, mssql)")
	default:
		errf("storage.kind", "unknown kind %q (one of sqlite, postgres, mssql)", p.Storage.Kind)
	}

	switch p.Metrics.Backend {
	case "none", "datadog":
	default:
		errf("metrics.backend", "unknown backend %q (one of none, datadog)", p.Metrics.Backend)
	}

	return issues
}

// HasErrors reports whether any issue is severity error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
