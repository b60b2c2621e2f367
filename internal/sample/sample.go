// Package sample defines the telemetry values handed to the sync engine
// by the acquisition layer.
package sample

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// MetricType identifies the kind of reading.
type MetricType string

// Real-time metric types.
const (
	HeartRate       MetricType = "heartRate"
	HRV             MetricType = "hrv"
	RespiratoryRate MetricType = "respiratoryRate"
	BloodOxygen     MetricType = "bloodOxygen"
)

// Interval metric types. These only appear inside aggregates.
const (
	StepCount      MetricType = "stepCount"
	Distance       MetricType = "distance"
	ActiveEnergy   MetricType = "activeEnergy"
	FlightsClimbed MetricType = "flightsClimbed"
)

// Aggregate is the logical data type recorded for daily aggregate writes.
const Aggregate MetricType = "aggregate"

var defaultUnits = map[MetricType]string{
	HeartRate:       "bpm",
	HRV:             "ms",
	RespiratoryRate: "breaths/min",
	BloodOxygen:     "%",
	StepCount:       "count",
	Distance:        "meters",
	ActiveEnergy:    "kcal",
	FlightsClimbed:  "count",
}

// DefaultUnit returns the canonical unit for t, or "" when unknown.
func DefaultUnit(t MetricType) string {
	return defaultUnits[t]
}

// Known reports whether t is one of the predefined metric types.
// Unknown types are still accepted by the engine.
func Known(t MetricType) bool {
	_, ok := defaultUnits[t]
	return ok
}

var (
	ErrMissingType  = errors.New("sample type is required")
	ErrInvalidType  = errors.New("sample type must be 1-64 characters of [A-Za-z0-9_-]")
	ErrInvalidValue = errors.New("sample value must be a finite number")
	ErrMissingTime  = errors.New("sample timestamp is required")
)

// typeKey is the charset allowed in a destination path segment.
var typeKey = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidType reports whether t can be used as a destination key.
func ValidType(t MetricType) bool {
	return typeKey.MatchString(string(t))
}

// TelemetrySample is one real-time reading. Treat it as immutable.
type TelemetrySample struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate rejects samples the destination could not store.
func (s TelemetrySample) Validate() error {
	if s.Type == "" {
		return ErrMissingType
	}
	if !ValidType(s.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidType, s.Type)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, s.Type, s.Value)
	}
	if s.Timestamp.IsZero() {
		return ErrMissingTime
	}
	return nil
}

// UnitOrDefault returns the sample unit, falling back to the type's default.
func (s TelemetrySample) UnitOrDefault() string {
	if s.Unit != "" {
		return s.Unit
	}
	return DefaultUnit(s.Type)
}

// Key identifies an exact reading for duplicate suppression.
func (s TelemetrySample) Key() string {
	return fmt.Sprintf("%s|%d|%g", s.Type, s.Timestamp.UnixMilli(), s.Value)
}

// DateLayout is the calendar-day format used in aggregate paths.
const DateLayout = "2006-01-02"

// AggregatedRecord holds one day's running totals. A nil field means the
// metric did not change since the last flush and must not be written.
type AggregatedRecord struct {
	Date             time.Time `json:"date"`
	Steps            *int64    `json:"steps,omitempty"`
	DistanceMeters   *float64  `json:"distance_meters,omitempty"`
	ActiveEnergyKcal *float64  `json:"active_energy_kcal,omitempty"`
	FlightsClimbed   *int64    `json:"flights_climbed,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// IsEmpty reports whether no metric is present.
func (r AggregatedRecord) IsEmpty() bool {
	return r.Steps == nil && r.DistanceMeters == nil && r.ActiveEnergyKcal == nil && r.FlightsClimbed == nil
}

// Day returns the record's calendar day as YYYY-MM-DD.
func (r AggregatedRecord) Day() string {
	return r.Date.Format(DateLayout)
}

// Validate checks the record date and present values.
func (r AggregatedRecord) Validate() error {
	if r.Date.IsZero() {
		return errors.New("aggregate date is required")
	}
	for name, v := range map[string]*float64{"distance": r.DistanceMeters, "activeEnergy": r.ActiveEnergyKcal} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s", ErrInvalidValue, name)
		}
	}
	return nil
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
