package scoring

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/logger"
)

const (
	DefaultSemanticWeight = 70
	DefaultRuleWeight     = 0.3
	DefaultRuleScore      = 70
)

// RuleScorer produces the rule-based half of the hybrid score on a 0-100 scale.
type RuleScorer interface {
	Name() string
	RuleScore(ctx context.Context, candidateID, jobID string) (float64, error)
}

// ConstantRule scores every pair with the same value.
type ConstantRule float64

func (r ConstantRule) Name() string { return "constant" }

func (r ConstantRule) RuleScore(context.Context, string, string) (float64, error) {
	return float64(r), nil
}

// Hybrid combines semantic similarity with a rule score into one integer.
type Hybrid struct {
	SemanticWeight float64
	RuleWeight     float64
	Rule           RuleScorer
	// Fallback is used when Rule fails for a pair.
	Fallback RuleScorer

	logger *zap.Logger
}

// NewHybrid returns the calculator with the default weights.
func NewHybrid(rule RuleScorer, logger *zap.Logger) *Hybrid {
	if rule == nil {
		rule = ConstantRule(DefaultRuleScore)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hybrid{
		SemanticWeight: DefaultSemanticWeight,
		RuleWeight:     DefaultRuleWeight,
		Rule:           rule,
		Fallback:       ConstantRule(DefaultRuleScore),
		logger:         logger,
	}
}

// Combine applies the weights to an already known rule score.
func (h *Hybrid) Combine(similarity, rule float64) int {
	return int(math.Round(similarity*h.SemanticWeight + rule*h.RuleWeight))
}

// Score evaluates the rule strategy for the pair and combines it with similarity.
func (h *Hybrid) Score(ctx context.Context, candidateID, jobID string, similarity float64) int {
	rule, err := h.Rule.RuleScore(ctx, candidateID, jobID)
	if err != nil {
		h.logger.Warn("rule scorer failed, using fallback",
			zap.String(logger.FieldRule, h.Rule.Name()),
			zap.String(logger.FieldCandidateID, candidateID),
			zap.String(logger.FieldJobID, jobID),
			zap.Error(err),
		)

		fallback := h.Fallback
		if fallback == nil {
			fallback = ConstantRule(DefaultRuleScore)
		}
		// Fallback strategies are expected to be infallible.
		rule, _ = fallback.RuleScore(ctx, candidateID, jobID)
	}

	return h.Combine(similarity, rule)
}
