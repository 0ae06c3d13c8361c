package safety

import "time"

const (
	DefaultMinMatchThreshold     = 70
	DefaultMaxApplicationsPerDay = 5
)

// Policy is the per-candidate auto-apply policy.
type Policy struct {
	MinMatchThreshold     int
	MaxApplicationsPerDay int
}

// Defaults holds the values used when a candidate has not set a preference.
type Defaults struct {
	MinMatchThreshold     int
	MaxApplicationsPerDay int
}

// DefaultPolicy returns the built-in defaults.
func DefaultPolicy() Defaults {
	return Defaults{
		MinMatchThreshold:     DefaultMinMatchThreshold,
		MaxApplicationsPerDay: DefaultMaxApplicationsPerDay,
	}
}

// PolicyFor fills missing preferences with the defaults.
func (d Defaults) PolicyFor(minThreshold, maxPerDay *int) Policy {
	p := Policy{
		MinMatchThreshold:     d.MinMatchThreshold,
		MaxApplicationsPerDay: d.MaxApplicationsPerDay,
	}
	if minThreshold != nil {
		p.MinMatchThreshold = *minThreshold
	}
	if maxPerDay != nil {
		p.MaxApplicationsPerDay = *maxPerDay
	}
	return p
}

// RemainingSlots returns how many more submissions are allowed today. Never negative.
func RemainingSlots(maxPerDay, todayCount int) int {
	if left := maxPerDay - todayCount; left > 0 {
		return left
	}
	return 0
}

// IsEligible reports whether a hybrid score passes the candidate threshold.
func IsEligible(score, minThreshold int) bool {
	return score >= minThreshold
}

// Remaining is RemainingSlots for the policy.
func (p Policy) Remaining(todayCount int) int {
	return RemainingSlots(p.MaxApplicationsPerDay, todayCount)
}

// Allows is IsEligible for the policy.
func (p Policy) Allows(score int) bool {
	return IsEligible(score, p.MinMatchThreshold)
}

// DayStart returns local midnight of now in loc.
// A run computes it once so every candidate shares the same day boundary.
func DayStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}
