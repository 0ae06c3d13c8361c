package filtering

import (
	"context"
	"fmt"

	"github.com/spigell/auto-applier/internal/matching"
)

const AppliedHistoryFilterName = "applied_history"

// AppliedJobs looks up existing applications of a candidate.
type AppliedJobs interface {
	AppliedJobIDs(ctx context.Context, candidateID string, jobIDs []string) ([]string, error)
}

type appliedHistoryFilter struct {
	applications AppliedJobs
}

// NewAppliedHistory creates a filter that removes jobs the candidate already applied to.
func NewAppliedHistory(applications AppliedJobs) Filter {
	return &appliedHistoryFilter{applications: applications}
}

func (f *appliedHistoryFilter) Name() string { return AppliedHistoryFilterName }

// Disable is a no-op: duplicate prevention can not be turned off.
func (f *appliedHistoryFilter) Disable(string) {}

func (f *appliedHistoryFilter) IsEnabled() bool { return true }

func (f *appliedHistoryFilter) Validate() error {
	if f.applications == nil {
		return fmt.Errorf("applications store is required")
	}
	return nil
}

func (f *appliedHistoryFilter) Apply(ctx context.Context, subject *Subject, m *matching.Matches) (*matching.Matches, Step, error) {
	initial := m.Len()
	if initial == 0 {
		return m, Step{}, nil
	}

	applied, err := f.applications.AppliedJobIDs(ctx, subject.CandidateID, m.JobIDs())
	if err != nil {
		return m, Step{}, fmt.Errorf("get applied jobs: %w", err)
	}

	dropped := m.Exclude(applied)
	return m, Step{Initial: initial, Dropped: len(dropped), Left: m.Len(), DroppedJobs: dropped}, nil
}
