package oura

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	s, err := Lookup(DailyActivity)
	if err != nil {
		t.Fatalf("Lookup(daily_activity): %v", err)
	}
	if s.Endpoint != "/v2/usercollection/daily_activity" {
		t.Errorf("endpoint = %q", s.Endpoint)
	}
	if s.Contributors == nil || s.Contributors.Relation != "activity_contributors" {
		t.Errorf("contributors spec = %+v", s.Contributors)
	}
	if len(s.Series) != 1 || s.Series[0].Relation != "activity_metrics" {
		t.Errorf("series specs = %+v", s.Series)
	}

	if _, err := Lookup(MetricType("nope")); !errors.Is(err, ErrUnsupportedMetricType) {
		t.Errorf("Lookup(nope) err = %v, want ErrUnsupportedMetricType", err)
	}
}

func TestAll_SortedAndComplete(t *testing.T) {
	t.Parallel()

	all := All()
	if len(all) != len(shapes) {
		t.Fatalf("All() returned %d types, shapes has %d", len(all), len(shapes))
	}
	if !sort.SliceIsSorted(all, func(i, j int) bool { return all[i] < all[j] }) {
		t.Errorf("All() not sorted: %v", all)
	}
	for _, mt := range all {
		if _, err := Lookup(mt); err != nil {
			t.Errorf("Lookup(%s): %v", mt, err)
		}
	}
}

func TestRelations(t *testing.T) {
	t.Parallel()

	s, _ := Lookup(Session)
	got := s.Relations()
	want := []string{"session", "session_heart_rate_samples", "session_hrv_samples", "session_motion_samples"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Relations() = %v, want %v", got, want)
	}
}

// Relation names must be unique across all shapes: the loader routes batch
// files by relation name alone.
func TestRelations_GloballyUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]MetricType{}
	for mt, s := range shapes {
		for _, rel := range s.Relations() {
			if prev, ok := seen[rel]; ok {
				t.Errorf("relation %q declared by both %s and %s", rel, prev, mt)
			}
			seen[rel] = mt
		}
	}
}
