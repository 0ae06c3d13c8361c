package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/ai/gemini"
	"github.com/spigell/auto-applier/internal/autoapply"
	"github.com/spigell/auto-applier/internal/filtering"
	"github.com/spigell/auto-applier/internal/ledger"
	"github.com/spigell/auto-applier/internal/matching"
	"github.com/spigell/auto-applier/internal/safety"
	"github.com/spigell/auto-applier/internal/scoring"
	"github.com/spigell/auto-applier/internal/secrets"
	"github.com/spigell/auto-applier/internal/store"
)

func openStore(ctx context.Context, config *Config) (*store.DB, error) {
	dsn, err := secrets.Load(secrets.Source{
		Name:  "database url",
		Value: config.DatabaseURL,
		File:  config.DatabaseURLFile,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set DATABASE_URL or database-url-file)", err)
	}

	var opts store.Options
	if config.Database != nil {
		opts = store.Options{
			MaxOpenConns:    config.Database.MaxOpenConns,
			MaxIdleConns:    config.Database.MaxIdleConns,
			ConnMaxLifetime: config.Database.ConnMaxLifetime,
		}
	}

	db, err := store.Open(ctx, dsn, opts)
	if err != nil {
		return nil, fmt.Errorf("%w (dsn %s)", err, secrets.RedactDSN(dsn))
	}
	return db, nil
}

type engineOptions struct {
	dryRun bool
	// disabled maps filter names to the reason they are skipped for this process.
	disabled map[string]string
}

func newEngine(ctx context.Context, config *Config, db *store.DB, logger *zap.Logger, opts engineOptions) (*autoapply.Engine, error) {
	loc, err := time.LoadLocation(config.Run.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	rule, err := newRuleScorer(ctx, config.AI, db, logger)
	if err != nil {
		return nil, err
	}

	defaults := safety.Defaults{
		MinMatchThreshold:     config.Safety.MinMatchThreshold,
		MaxApplicationsPerDay: config.Safety.MaxApplicationsPerDay,
	}

	hybrid := scoring.NewHybrid(rule, logger)
	finder := matching.NewFinder(config.Safety.SimilarityFloor, hybrid, logger)
	logFloorInteraction(logger, hybrid, finder.Floor(), defaults.MinMatchThreshold)

	filters := filtering.New([]filtering.Filter{
		filtering.NewThreshold(),
		filtering.NewAppliedHistory(db),
		filtering.NewExcludeFile(config.ExcludeFile),
	}, logger)
	for name, reason := range opts.disabled {
		filters.DisableByName(name, reason)
	}
	if err := filters.Validate(); err != nil {
		return nil, fmt.Errorf("validating filters: %w", err)
	}

	for _, status := range filters.Describe() {
		logger.Debug("filter configured",
			zap.String("filter", status.Name),
			zap.Bool("enabled", status.Enabled),
			zap.String("reason", status.Reason),
		)
	}

	return autoapply.New(autoapply.Config{
		CandidateBatchSize: config.Run.CandidateBatchSize,
		JobBatchSize:       config.Run.JobBatchSize,
		SubmissionDelay:    config.Run.SubmissionDelay,
		Deadline:           config.Run.Deadline,
		Workers:            config.Run.Workers,
		Location:           loc,
		StaleAfter:         config.Run.StaleAfter,
		DryRun:             opts.dryRun,
		Defaults:           defaults,
	}, autoapply.Deps{
		Store:   db,
		Ledger:  ledger.New(db, time.Now, logger),
		Finder:  finder,
		Filters: filters,
		Logger:  logger,
	})
}

func newRuleScorer(ctx context.Context, cfg *AIConfig, db *store.DB, logger *zap.Logger) (scoring.RuleScorer, error) {
	if cfg == nil || !cfg.Enabled {
		return scoring.ConstantRule(scoring.DefaultRuleScore), nil
	}

	if cfg.Gemini == nil {
		cfg.Gemini = &GeminiConfig{}
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		Value: cfg.Gemini.APIKey,
		File:  cfg.Gemini.APIKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY)", err)
	}

	genLogger := logger.With(
		zap.String("provider", "gemini"),
		zap.String("model", cfg.Gemini.Model),
		zap.Int("ai_retry_attempts", cfg.Gemini.MaxRetries),
	)

	generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, cfg.Gemini.MaxRetries, genLogger)
	if err != nil {
		return nil, err
	}

	return gemini.NewRuleScorer(generator, db, genLogger, cfg.Gemini.MaxLogLength), nil
}

// logFloorInteraction reports how the similarity floor bounds the reachable scores for the default threshold.
// The bound assumes the default rule score.
func logFloorInteraction(logger *zap.Logger, hybrid *scoring.Hybrid, floor float64, threshold int) {
	lowest := hybrid.Combine(floor, float64(scoring.DefaultRuleScore))
	fields := []zap.Field{
		zap.String("rule", hybrid.Rule.Name()),
		zap.Float64("similarity_floor", floor),
		zap.Int("lowest_score_at_floor", lowest),
		zap.Int("default_min_match_threshold", threshold),
	}

	if threshold <= lowest {
		logger.Info("every match above the similarity floor satisfies the default threshold", fields...)
		return
	}
	logger.Info("default threshold filters matches above the similarity floor", fields...)
}
