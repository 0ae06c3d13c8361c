package autoapply

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/auto-applier/internal/store"
)

// evaluateParallel evaluates candidates on a bounded pool. Each candidate keeps its own
// ordering and submission delay; outcomes are merged by the caller.
func (e *Engine) evaluateParallel(ctx context.Context, log *zap.Logger, candidates []store.CandidatePreferences, catalog []store.JobEmbedding, dayStart time.Time) ([]outcome, error) {
	outcomes := make([]outcome, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i, candidate := range candidates {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			o, err := e.evaluate(gctx, log, candidate, catalog, dayStart)
			outcomes[i] = o
			if err != nil {
				return fmt.Errorf("candidate %s: %w", candidate.CandidateID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	return outcomes, ctx.Err()
}
