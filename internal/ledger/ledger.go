package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/store"
)

const staleReason = "run did not finish before the reconciliation deadline"

// Store persists run records.
type Store interface {
	CreateRun(ctx context.Context, run *store.Run) error
	FinishRun(ctx context.Context, run *store.Run) error
	LastFinishedRun(ctx context.Context) (*store.Run, error)
	FailStaleRuns(ctx context.Context, startedBefore, now time.Time, reason string) (int, error)
}

// Run is an open run together with the cursors it resumes from.
type Run struct {
	ID        string
	StartedAt time.Time
	Resume    store.Cursors
}

// Ledger opens and closes the audit record of each batch execution.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func New(s Store, now func() time.Time, logger *zap.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{store: s, now: now, logger: logger}
}

// Reconcile marks runs left in progress for longer than staleAfter as failed.
func (l *Ledger) Reconcile(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, nil
	}

	now := l.now()
	n, err := l.store.FailStaleRuns(ctx, now.Add(-staleAfter), now, staleReason)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		l.logger.Warn("stale runs marked as failed", zap.Int("count", n), zap.Duration("stale_after", staleAfter))
	}
	return n, nil
}

// Open creates an in-progress run and returns the cursors left by the last finished run.
func (l *Ledger) Open(ctx context.Context) (*Run, error) {
	var resume store.Cursors

	last, err := l.store.LastFinishedRun(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("open run: %w", err)
	default:
		resume = last.Next
	}

	record := &store.Run{
		ID:        uuid.NewString(),
		Status:    store.RunInProgress,
		StartedAt: l.now(),
	}
	if err := l.store.CreateRun(ctx, record); err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}

	l.logger.Info("run opened",
		zap.String(logger.FieldRunID, record.ID),
		zap.String("candidate_cursor", resume.Candidate),
		zap.String("job_cursor", resume.Job),
	)

	return &Run{ID: record.ID, StartedAt: record.StartedAt, Resume: resume}, nil
}

// Close writes the final state of the run. It is the only write after Open.
func (l *Ledger) Close(ctx context.Context, run *Run, status store.RunStatus, counts store.Counts, next store.Cursors, runErr error) error {
	completedAt := l.now()
	record := &store.Run{
		ID:          run.ID,
		Status:      status,
		StartedAt:   run.StartedAt,
		CompletedAt: &completedAt,
		Counts:      counts,
		Next:        next,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}

	if err := l.store.FinishRun(ctx, record); err != nil {
		return fmt.Errorf("close run: %w", err)
	}

	l.logger.Info("run closed",
		zap.String(logger.FieldRunID, run.ID),
		zap.String("status", string(status)),
		zap.Int("candidates_evaluated", counts.CandidatesEvaluated),
		zap.Int("matches_found", counts.MatchesFound),
		zap.Int("applications_submitted", counts.ApplicationsSubmitted),
		zap.Duration("took", completedAt.Sub(run.StartedAt)),
	)
	return nil
}
