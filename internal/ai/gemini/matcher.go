package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	_ "embed"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/utils"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, system, message string) (string, error)
}

// Documents provides the texts the rule scorer compares.
type Documents interface {
	CandidateProfile(ctx context.Context, candidateID string) (string, error)
	JobPosting(ctx context.Context, jobID string) (string, error)
}

//go:embed prompt.md
var systemPrompt string

const defaultMaxLogLength = 200

// Assessment is the decoded model answer.
type Assessment struct {
	Score  float64 `mapstructure:"score"`
	Reason string  `mapstructure:"reason"`
}

// RuleScorer asks Gemini how well a candidate profile satisfies a job posting's requirements.
type RuleScorer struct {
	generator contentGenerator
	documents Documents
	logger    *zap.Logger
	maxLogLen int

	mu       sync.Mutex
	profiles map[string]string
	// loads deduplicates concurrent profile reads of the same candidate.
	loads singleflight.Group
}

func NewRuleScorer(generator contentGenerator, documents Documents, logger *zap.Logger, maxLogLength int) *RuleScorer {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RuleScorer{
		generator: generator,
		documents: documents,
		logger:    logger,
		maxLogLen: maxLogLength,
		profiles:  make(map[string]string),
	}
}

func (r *RuleScorer) Name() string {
	return "gemini"
}

// RuleScore returns a 0-100 score.
func (r *RuleScorer) RuleScore(ctx context.Context, candidateID, jobID string) (float64, error) {
	profile, err := r.profile(ctx, candidateID)
	if err != nil {
		return 0, err
	}

	posting, err := r.documents.JobPosting(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("load job posting %s: %w", jobID, err)
	}

	message := buildMessage(profile, posting)
	log := r.logger.With(
		zap.String(logger.FieldCandidateID, candidateID),
		zap.String(logger.FieldJobID, jobID),
	)

	log.Debug("gemini generate content request",
		zap.Int("prompt_length", utf8.RuneCountInString(message)),
		zap.String("prompt_preview", utils.TruncateForLog(message, r.maxLogLen)),
	)

	raw, err := r.generator.GenerateContent(ctx, systemPrompt, message)
	if err != nil {
		return 0, err
	}

	log.Debug("gemini generate content response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, r.maxLogLen)),
	)

	assessment, err := parseResponse(raw)
	if err != nil {
		return 0, err
	}

	return clamp(assessment.Score), nil
}

func (r *RuleScorer) profile(ctx context.Context, candidateID string) (string, error) {
	r.mu.Lock()
	profile, ok := r.profiles[candidateID]
	r.mu.Unlock()
	if ok {
		return profile, nil
	}

	v, err, _ := r.loads.Do(candidateID, func() (any, error) {
		profile, err := r.documents.CandidateProfile(ctx, candidateID)
		if err != nil {
			return "", fmt.Errorf("load candidate profile %s: %w", candidateID, err)
		}

		r.mu.Lock()
		r.profiles[candidateID] = profile
		r.mu.Unlock()
		return profile, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func buildMessage(profile, posting string) string {
	return "Candidate profile:\n" + strings.TrimSpace(profile) +
		"\n\nJob posting:\n" + strings.TrimSpace(posting)
}

func parseResponse(raw string) (*Assessment, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(extractJSON(raw)), &data); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	if _, ok := data["score"]; !ok {
		return nil, errors.New("gemini response has no score")
	}

	var assessment Assessment
	if err := mapstructure.WeakDecode(data, &assessment); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}

	return &assessment, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return 0
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}
