package matching

import (
	"context"

	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/scoring"
	"github.com/spigell/auto-applier/internal/store"
)

// DefaultSimilarityFloor is the hard pre-filter applied before hybrid scoring.
const DefaultSimilarityFloor = 0.7

type scorer interface {
	Score(ctx context.Context, candidateID, jobID string, similarity float64) int
}

// Finder pairs one candidate with a catalog of open job embeddings.
type Finder struct {
	floor  float64
	hybrid scorer
	logger *zap.Logger
}

func NewFinder(floor float64, hybrid scorer, logger *zap.Logger) *Finder {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Finder{
		floor:  floor,
		hybrid: hybrid,
		logger: logger,
	}
}

// Floor returns the configured similarity floor.
func (f *Finder) Floor() float64 {
	return f.floor
}

// Find returns every catalog job whose similarity to the candidate reaches the floor,
// scored with the hybrid calculator. Threshold and cap are not applied here.
func (f *Finder) Find(ctx context.Context, candidate *store.CandidateEmbedding, catalog []store.JobEmbedding) *Matches {
	matches := &Matches{}

	for _, job := range catalog {
		if job.Status != "" && job.Status != store.JobStatusOpen {
			continue
		}

		similarity := scoring.Cosine(candidate.Vector, job.Vector)
		if similarity < f.floor {
			continue
		}

		matches.Items = append(matches.Items, &Match{
			CandidateID: candidate.CandidateID,
			JobID:       job.JobID,
			Similarity:  similarity,
			Score:       f.hybrid.Score(ctx, candidate.CandidateID, job.JobID, similarity),
		})
	}

	f.logger.Debug("matches found",
		zap.String(logger.FieldCandidateID, candidate.CandidateID),
		zap.Int("catalog", len(catalog)),
		zap.Int("matches", matches.Len()),
	)

	return matches
}
