package main

import (
	"io"
	"strings"
	"testing"
	"time"

	"ouraetl/internal/oura"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		args    []string
		wantErr string
		check   func(t *testing.T, cfg runConfig)
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, cfg runConfig) {
				if cfg.ConfigPath != "configs/pipeline.json" {
					t.Errorf("config path = %q", cfg.ConfigPath)
				}
				if cfg.Types != nil || cfg.Steps != nil {
					t.Errorf("defaults should leave types/steps empty: %+v", cfg)
				}
			},
		},
		{
			name: "types list",
			args: []string{"-types", "daily_sleep, sleep"},
			check: func(t *testing.T, cfg runConfig) {
				if len(cfg.Types) != 2 || cfg.Types[0] != oura.DailySleep || cfg.Types[1] != oura.Sleep {
					t.Errorf("types = %v", cfg.Types)
				}
			},
		},
		{
			name:    "unknown type",
			args:    []string{"-types", "daily_nonsense"},
			wantErr: "daily_nonsense",
		},
		{
			name:    "types and all conflict",
			args:    []string{"-types", "sleep", "-all"},
			wantErr: "mutually exclusive",
		},
		{
			name: "steps list",
			args: []string{"-steps", "transform,load"},
			check: func(t *testing.T, cfg runConfig) {
				if len(cfg.Steps) != 2 || cfg.Steps[0] != "transform" {
					t.Errorf("steps = %v", cfg.Steps)
				}
			},
		},
		{
			name:    "days and start-date conflict",
			args:    []string{"-days", "7", "-start-date", "2026-08-01"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "negative days",
			args:    []string{"-days", "-1"},
			wantErr: "-days",
		},
		{
			name:    "bad date",
			args:    []string{"-start-date", "08/01/2026"},
			wantErr: "YYYY-MM-DD",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := parseArgs(tc.args, io.Discard)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestResolveRange(t *testing.T) {
	t.Parallel()

	today := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	start, end := resolveRange(runConfig{Days: 3}, today)
	if start != "2026-08-21" || end != "2026-08-24" {
		t.Errorf("days=3: %s..%s", start, end)
	}

	// Nothing set falls back to the last week.
	start, end = resolveRange(runConfig{}, today)
	if start != "2026-08-17" || end != "2026-08-24" {
		t.Errorf("default: %s..%s", start, end)
	}

	// Explicit dates pass through; end defaults to today.
	start, end = resolveRange(runConfig{StartDate: "2026-08-01", EndDate: "2026-08-10"}, today)
	if start != "2026-08-01" || end != "2026-08-10" {
		t.Errorf("explicit: %s..%s", start, end)
	}
	start, end = resolveRange(runConfig{StartDate: "2026-08-01"}, today)
	if start != "2026-08-01" || end != "2026-08-24" {
		t.Errorf("open end: %s..%s", start, end)
	}
}
