package filtering

import (
	"context"

	"github.com/spigell/auto-applier/internal/matching"
)

const ThresholdFilterName = "threshold"

type thresholdFilter struct {
	enabled bool
	reason  string
}

// NewThreshold creates a filter that removes matches scoring below the candidate threshold.
func NewThreshold() Filter {
	return &thresholdFilter{enabled: true}
}

func (f *thresholdFilter) Name() string { return ThresholdFilterName }

func (f *thresholdFilter) Disable(reason string) {
	f.enabled = false
	f.reason = reason
}

func (f *thresholdFilter) IsEnabled() bool { return f.enabled }

func (f *thresholdFilter) Validate() error { return nil }

func (f *thresholdFilter) Apply(_ context.Context, subject *Subject, m *matching.Matches) (*matching.Matches, Step, error) {
	initial := m.Len()
	dropped := m.RemoveFunc(func(match *matching.Match) bool {
		return !subject.Policy.Allows(match.Score)
	})

	return m, Step{Initial: initial, Dropped: len(dropped), Left: m.Len(), DroppedJobs: dropped}, nil
}

func (f *thresholdFilter) Status() Status {
	return Status{Name: f.Name(), Enabled: f.enabled, Reason: f.reason}
}
