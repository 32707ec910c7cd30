package engine

import (
	"fmt"
	"time"
)

// DelaySpec is a relative wait. Only one field is normally set, but they add up.
type DelaySpec struct {
	Days    int
	Hours   int
	Minutes int
}

// NewDelaySpec builds a DelaySpec from an amount and a unit name.
func NewDelaySpec(amount int, unit string) (DelaySpec, error) {
	if amount < 0 {
		return DelaySpec{}, fmt.Errorf("negative delay amount %d", amount)
	}
	switch unit {
	case "minutes", "minute":
		return DelaySpec{Minutes: amount}, nil
	case "hours", "hour":
		return DelaySpec{Hours: amount}, nil
	case "days", "day":
		return DelaySpec{Days: amount}, nil
	default:
		return DelaySpec{}, fmt.Errorf("unknown delay unit %q", unit)
	}
}

// Milliseconds converts the spec to milliseconds.
func (d DelaySpec) Milliseconds() int64 {
	return int64(d.Days)*86_400_000 + int64(d.Hours)*3_600_000 + int64(d.Minutes)*60_000
}

// Duration converts the spec to a time.Duration.
func (d DelaySpec) Duration() time.Duration {
	return time.Duration(d.Milliseconds()) * time.Millisecond
}

// DueAt is the instant the delay elapses when measured from reference.
func DueAt(reference time.Time, d DelaySpec) time.Time {
	return reference.Add(d.Duration())
}

// IsDue reports whether now >= reference + duration. The reference must be
// the time of the last email send, never a bookkeeping timestamp.
func IsDue(reference time.Time, d DelaySpec, now time.Time) bool {
	return !now.Before(DueAt(reference, d))
}
