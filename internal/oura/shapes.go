package oura

import (
	"errors"
	"fmt"
	"sort"
)

// MetricType identifies one category of wearable measurement (one API
// endpoint, one primary relation).
type MetricType string

const (
	PersonalInfo      MetricType = "personal_info"
	DailyActivity     MetricType = "daily_activity"
	DailyReadiness    MetricType = "daily_readiness"
	DailySleep        MetricType = "daily_sleep"
	Sleep             MetricType = "sleep"
	SleepTime         MetricType = "sleep_time"
	HeartRate         MetricType = "heart_rate"
	DailyHRV          MetricType = "daily_hrv"
	DailySpO2         MetricType = "daily_spo2"
	DailyStress       MetricType = "daily_stress"
	DailyResilience   MetricType = "daily_resilience"
	DailyCardioAge    MetricType = "daily_cardiovascular_age"
	VO2Max            MetricType = "vo2_max"
	Workout           MetricType = "workout"
	Session           MetricType = "session"
	Tag               MetricType = "tag"
	EnhancedTag       MetricType = "enhanced_tag"
	RestModePeriod    MetricType = "rest_mode_period"
	RingConfiguration MetricType = "ring_configuration"
)

// ErrUnsupportedMetricType is returned by Lookup for a type with no
// registered shape. This is a configuration-level failure and must be caught
// before any fetch or load work starts.
var ErrUnsupportedMetricType = errors.New("unsupported metric type")

// ChildSpec declares one nested structure a metric type's raw items may
// carry, and where its decomposed rows land.
type ChildSpec struct {
	// Field is the top-level key on the raw item.
	Field string
	// Relation is the destination relation for the generated child rows.
	Relation string
	// FKColumn is the child column that references the parent item's id.
	FKColumn string
}

// Shape is the declarative descriptor for one metric type. It carries no
// behavior: the normalizer applies the same generic split to every type, and
// a type with neither Contributors nor Series is already flat.
type Shape struct {
	Type     MetricType
	Endpoint string
	// Relation is the primary relation name.
	Relation string
	// Contributors, when set, declares a nested object that becomes exactly
	// one child row per item (sub-keys copied as columns).
	Contributors *ChildSpec
	// Series declares nested {timestamp, interval, items[]} structures that
	// become one child row per non-null array entry.
	Series []ChildSpec
}

// shapes maps every supported metric type to its descriptor. Adding a new
// endpoint is a new entry here, not new control flow.
var shapes = map[MetricType]Shape{
	PersonalInfo: {
		Type:     PersonalInfo,
		Endpoint: "/v2/usercollection/personal_info",
		Relation: "personal_info",
	},
	DailyActivity: {
		Type:     DailyActivity,
		Endpoint: "/v2/usercollection/daily_activity",
		Relation: "daily_activity",
		Contributors: &ChildSpec{
			Field:    "contributors",
			Relation: "activity_contributors",
			FKColumn: "daily_activity_id",
		},
		Series: []ChildSpec{
			{Field: "met", Relation: "activity_metrics", FKColumn: "daily_activity_id"},
		},
	},
	DailyReadiness: {
		Type:     DailyReadiness,
		Endpoint: "/v2/usercollection/daily_readiness",
		Relation: "daily_readiness",
		Contributors: &ChildSpec{
			Field:    "contributors",
			Relation: "readiness_contributors",
			FKColumn: "daily_readiness_id",
		},
	},
	DailySleep: {
		Type:     DailySleep,
		Endpoint: "/v2/usercollection/daily_sleep",
		Relation: "daily_sleep",
		Contributors: &ChildSpec{
			Field:    "contributors",
			Relation: "sleep_contributors",
			FKColumn: "daily_sleep_id",
		},
	},
	Sleep: {
		Type:     Sleep,
		Endpoint: "/v2/usercollection/sleep",
		Relation: "sleep",
		Series: []ChildSpec{
			{Field: "heart_rate", Relation: "heart_rate_samples", FKColumn: "sleep_id"},
			{Field: "hrv", Relation: "hrv_samples", FKColumn: "sleep_id"},
		},
	},
	SleepTime: {
		Type:     SleepTime,
		Endpoint: "/v2/usercollection/sleep_time",
		Relation: "sleep_time",
	},
	HeartRate: {
		Type:     HeartRate,
		Endpoint: "/v2/usercollection/heartrate",
		Relation: "heart_rate",
	},
	DailyHRV: {
		Type:     DailyHRV,
		Endpoint: "/v2/usercollection/daily_hrv",
		Relation: "daily_hrv",
	},
	DailySpO2: {
		Type:     DailySpO2,
		Endpoint: "/v2/usercollection/daily_spo2",
		Relation: "daily_spo2",
		// spo2_percentage is a single nested object ({"average": ...}) rather
		// than a sample series, so it takes the single-child path.
		Contributors: &ChildSpec{
			Field:    "spo2_percentage",
			Relation: "spo2_percentage",
			FKColumn: "daily_spo2_id",
		},
	},
	DailyStress: {
		Type:     DailyStress,
		Endpoint: "/v2/usercollection/daily_stress",
		Relation: "daily_stress",
	},
	DailyResilience: {
		Type:     DailyResilience,
		Endpoint: "/v2/usercollection/daily_resilience",
		Relation: "daily_resilience",
		Contributors: &ChildSpec{
			Field:    "contributors",
			Relation: "resilience_contributors",
			FKColumn: "daily_resilience_id",
		},
	},
	DailyCardioAge: {
		Type:     DailyCardioAge,
		Endpoint: "/v2/usercollection/daily_cardiovascular_age",
		Relation: "daily_cardiovascular_age",
	},
	VO2Max: {
		Type:     VO2Max,
		Endpoint: "/v2/usercollection/vo2_max",
		Relation: "vo2_max",
	},
	Workout: {
		Type:     Workout,
		Endpoint: "/v2/usercollection/workout",
		Relation: "workout",
	},
	Session: {
		Type:     Session,
		Endpoint: "/v2/usercollection/session",
		Relation: "session",
		Series: []ChildSpec{
			{Field: "heart_rate", Relation: "session_heart_rate_samples", FKColumn: "session_id"},
			{Field: "heart_rate_variability", Relation: "session_hrv_samples", FKColumn: "session_id"},
			{Field: "motion_count", Relation: "session_motion_samples", FKColumn: "session_id"},
		},
	},
	Tag: {
		Type:     Tag,
		Endpoint: "/v2/usercollection/tag",
		Relation: "tag",
	},
	EnhancedTag: {
		Type:     EnhancedTag,
		Endpoint: "/v2/usercollection/enhanced_tag",
		Relation: "enhanced_tag",
	},
	RestModePeriod: {
		Type:     RestModePeriod,
		Endpoint: "/v2/usercollection/rest_mode_period",
		Relation: "rest_mode_period",
	},
	RingConfiguration: {
		Type:     RingConfiguration,
		Endpoint: "/v2/usercollection/ring_configuration",
		Relation: "ring_configuration",
	},
}

// Lookup returns the shape descriptor for a metric type.
func Lookup(t MetricType) (Shape, error) {
	s, ok := shapes[t]
	if !ok {
		return Shape{}, fmt.Errorf("%w: %q", ErrUnsupportedMetricType, t)
	}
	return s, nil
}

// All returns every supported metric type in stable (sorted) order.
func All() []MetricType {
	out := make([]MetricType, 0, len(shapes))
	for t := range shapes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Relations returns every relation name a metric type can produce: the
// primary relation first, then child relations in declaration order.
func (s Shape) Relations() []string {
	out := []string{s.Relation}
	if s.Contributors != nil {
		out = append(out, s.Contributors.Relation)
	}
	for _, c := range s.Series {
		out = append(out, c.Relation)
	}
	return out
}
