package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/matching"
	"github.com/spigell/auto-applier/internal/safety"
)

// Filter represents a single filtering step applied to the matches of one candidate.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate() error
	Apply(ctx context.Context, subject *Subject, m *matching.Matches) (*matching.Matches, Step, error)
}

// Subject is the candidate whose matches are filtered.
type Subject struct {
	CandidateID string
	Policy      safety.Policy
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
	// DroppedJobs lists the job ids removed by the step.
	DroppedJobs []string
}

// Summary maps filter names to their step results.
type Summary map[string]Step

// Dropped returns how many matches the named filter removed.
func (s Summary) Dropped(name string) int {
	return s[name].Dropped
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

type Filtering struct {
	steps  []Filter
	logger *zap.Logger
}

func New(steps []Filter, logger *zap.Logger) *Filtering {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Filtering{
		steps:  steps,
		logger: logger,
	}
}

// Validate checks every enabled step once before the first run.
func (f *Filtering) Validate() error {
	for _, step := range f.steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(); err != nil {
			return fmt.Errorf("%s: %w", step.Name(), err)
		}
	}
	return nil
}

// RunFilters executes the steps sequentially and returns the surviving matches.
func (f *Filtering) RunFilters(ctx context.Context, subject *Subject, m *matching.Matches) (*matching.Matches, Summary, error) {
	summary := make(Summary, len(f.steps))

	for _, step := range f.steps {
		if !step.IsEnabled() {
			continue
		}

		next, info, err := step.Apply(ctx, subject, m)
		if err != nil {
			return nil, summary, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if info.Dropped > 0 {
			f.logger.Info("filter step",
				zap.String("name", step.Name()),
				zap.String(logger.FieldCandidateID, subject.CandidateID),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
				zap.Strings("dropped_jobs", info.DroppedJobs),
			)
		}

		summary[step.Name()] = info
		m = next
	}

	return m, summary, nil
}

// Describe returns status entries for the configured filters.
func (f *Filtering) Describe() []Status {
	statuses := make([]Status, 0, len(f.steps))
	for _, step := range f.steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func (f *Filtering) DisableByName(name, reason string) {
	for _, step := range f.steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}
