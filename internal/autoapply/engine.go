package autoapply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/filtering"
	"github.com/spigell/auto-applier/internal/ledger"
	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/matching"
	"github.com/spigell/auto-applier/internal/safety"
	"github.com/spigell/auto-applier/internal/store"
	"github.com/spigell/auto-applier/internal/utils"
)

const (
	DefaultCandidateBatchSize = 50
	DefaultJobBatchSize       = 100
	DefaultSubmissionDelay    = 100 * time.Millisecond

	// requiredSkillsReason is stored with every automatic application.
	requiredSkillsReason = "Required skills present"

	finalizeTimeout = 30 * time.Second
)

// ErrRunInProgress is returned when Run is called while another run of the same engine is executing.
var ErrRunInProgress = errors.New("auto-application run already in progress")

// Store is the data the engine reads and writes outside of the ledger.
type Store interface {
	ListAutoApplyCandidates(ctx context.Context, after string, limit int) ([]store.CandidatePreferences, error)
	CandidateEmbedding(ctx context.Context, candidateID string) (*store.CandidateEmbedding, error)
	ListOpenJobEmbeddings(ctx context.Context, after string, limit int) ([]store.JobEmbedding, error)
	CountAutoAppliedSince(ctx context.Context, candidateID string, since time.Time) (int, error)
	InsertApplication(ctx context.Context, app *store.Application) error
}

// Ledger records the run.
type Ledger interface {
	Reconcile(ctx context.Context, staleAfter time.Duration) (int, error)
	Open(ctx context.Context) (*ledger.Run, error)
	Close(ctx context.Context, run *ledger.Run, status store.RunStatus, counts store.Counts, next store.Cursors, runErr error) error
}

type matchFinder interface {
	Find(ctx context.Context, candidate *store.CandidateEmbedding, catalog []store.JobEmbedding) *matching.Matches
}

type matchFilter interface {
	RunFilters(ctx context.Context, subject *filtering.Subject, m *matching.Matches) (*matching.Matches, filtering.Summary, error)
}

// Config controls a batch execution.
type Config struct {
	CandidateBatchSize int
	JobBatchSize       int
	// SubmissionDelay is waited after every insert attempt.
	SubmissionDelay time.Duration
	// Deadline bounds the run. Zero means no deadline.
	Deadline time.Duration
	// Workers is the number of candidates evaluated concurrently.
	Workers int
	// Location defines the day boundary of the daily cap.
	Location   *time.Location
	StaleAfter time.Duration
	// DryRun evaluates candidates without opening a run or inserting applications.
	DryRun   bool
	Defaults safety.Defaults
}

// Deps aggregates the collaborators of the engine.
type Deps struct {
	Store   Store
	Ledger  Ledger
	Finder  matchFinder
	Filters matchFilter
	Logger  *zap.Logger
	Now     func() time.Time
	Wait    func(ctx context.Context, d time.Duration) error
}

// Skips counts every match or candidate that did not lead to an application, by reason.
type Skips struct {
	NoEmbedding    int `json:"noEmbedding"`
	CapExhausted   int `json:"capExhausted"`
	BelowThreshold int `json:"belowThreshold"`
	Duplicates     int `json:"duplicates"`
	Excluded       int `json:"excluded"`
	CapReached     int `json:"capReached"`
	Failed         int `json:"failed"`
}

func (s *Skips) add(o Skips) {
	s.NoEmbedding += o.NoEmbedding
	s.CapExhausted += o.CapExhausted
	s.BelowThreshold += o.BelowThreshold
	s.Duplicates += o.Duplicates
	s.Excluded += o.Excluded
	s.CapReached += o.CapReached
	s.Failed += o.Failed
}

// Result is the outcome of one run.
type Result struct {
	RunID  string          `json:"runId,omitempty"`
	Status store.RunStatus `json:"status"`
	store.Counts
	Skips Skips `json:"-"`
}

// outcome is what a single candidate contributes to the run.
type outcome struct {
	evaluated   bool
	matches     int
	submitted   int
	interrupted bool
	skips       Skips
}

type Engine struct {
	cfg  Config
	deps Deps

	running sync.Mutex
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Ledger == nil && !cfg.DryRun {
		return nil, errors.New("ledger is required")
	}
	if deps.Finder == nil {
		return nil, errors.New("match finder is required")
	}
	if deps.Filters == nil {
		return nil, errors.New("filters are required")
	}

	if cfg.CandidateBatchSize <= 0 {
		cfg.CandidateBatchSize = DefaultCandidateBatchSize
	}
	if cfg.JobBatchSize <= 0 {
		cfg.JobBatchSize = DefaultJobBatchSize
	}
	if cfg.SubmissionDelay < 0 {
		cfg.SubmissionDelay = DefaultSubmissionDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Defaults == (safety.Defaults{}) {
		cfg.Defaults = safety.DefaultPolicy()
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Wait == nil {
		deps.Wait = utils.WaitFor
	}

	return &Engine{cfg: cfg, deps: deps}, nil
}

// Run executes one batch: open the run, evaluate candidates, submit applications, close the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.running.Unlock()

	if e.cfg.DryRun {
		return e.dryRun(ctx)
	}

	if _, err := e.deps.Ledger.Reconcile(ctx, e.cfg.StaleAfter); err != nil {
		e.deps.Logger.Warn("reconciling stale runs", zap.Error(err))
	}

	run, err := e.deps.Ledger.Open(ctx)
	if err != nil {
		return &Result{Status: store.RunFailed}, err
	}

	log := logger.WithRun(e.deps.Logger, run.ID)
	result, next, runErr := e.execute(ctx, log, run.Resume)
	result.RunID = run.ID

	// The final write must happen even when ctx expired.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if closeErr := e.deps.Ledger.Close(closeCtx, run, result.Status, result.Counts, next, runErr); closeErr != nil {
		if runErr != nil {
			return result, errors.Join(runErr, closeErr)
		}
		result.Status = store.RunFailed
		return result, closeErr
	}

	return result, runErr
}

func (e *Engine) dryRun(ctx context.Context) (*Result, error) {
	log := e.deps.Logger.With(zap.Bool("dry_run", true))
	result, _, err := e.execute(ctx, log, store.Cursors{})
	return result, err
}

// execute runs LOAD_CANDIDATES, EVALUATE and SUBMIT. It never touches the ledger.
func (e *Engine) execute(ctx context.Context, log *zap.Logger, resume store.Cursors) (*Result, store.Cursors, error) {
	result := &Result{Status: store.RunFailed}

	runCtx := ctx
	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	dayStart := safety.DayStart(e.deps.Now(), e.cfg.Location)

	candidates, err := e.deps.Store.ListAutoApplyCandidates(runCtx, resume.Candidate, e.cfg.CandidateBatchSize)
	if err != nil {
		return e.interruptedOr(runCtx, log, result, resume, fmt.Errorf("loading candidates: %w", err))
	}

	if len(candidates) == 0 && resume.Candidate != "" {
		// The previous page ended exactly at the end of the roster.
		wrapped, err := e.wrapRoster(runCtx, resume)
		if err != nil {
			return e.interruptedOr(runCtx, log, result, resume, fmt.Errorf("advancing job window: %w", err))
		}
		log.Info("roster pass finished, restarting from the first candidate",
			zap.String("job_after", wrapped.Job),
		)
		resume = wrapped

		candidates, err = e.deps.Store.ListAutoApplyCandidates(runCtx, resume.Candidate, e.cfg.CandidateBatchSize)
		if err != nil {
			return e.interruptedOr(runCtx, log, result, resume, fmt.Errorf("loading candidates: %w", err))
		}
	}

	log.Info("candidates loaded",
		zap.Int("count", len(candidates)),
		zap.String("after", resume.Candidate),
		zap.Time("day_start", dayStart),
	)

	var catalog []store.JobEmbedding
	if len(candidates) > 0 {
		catalog, err = e.deps.Store.ListOpenJobEmbeddings(runCtx, resume.Job, e.cfg.JobBatchSize)
		if err != nil {
			return e.interruptedOr(runCtx, log, result, resume, fmt.Errorf("loading open jobs: %w", err))
		}
		log.Info("open jobs loaded", zap.Int("count", len(catalog)), zap.String("after", resume.Job))
	}

	outcomes, err := e.evaluateAll(runCtx, log, candidates, catalog, dayStart)

	interrupted := false
	for _, o := range outcomes {
		result.CandidatesEvaluated += boolToInt(o.evaluated)
		result.MatchesFound += o.matches
		result.ApplicationsSubmitted += o.submitted
		result.Skips.add(o.skips)
		interrupted = interrupted || o.interrupted
	}

	if err != nil {
		if runCtx.Err() == nil {
			return result, resume, err
		}
		interrupted = true
	}

	next := nextCursors(resume, candidates, catalog, e.cfg.CandidateBatchSize, e.cfg.JobBatchSize)
	result.Status = store.RunCompleted
	if interrupted {
		// Unprocessed candidates of this page are picked up again by the next run.
		result.Status = store.RunPartial
		next = resume
		log.Warn("run interrupted, finalizing with partial counts", zap.Error(runCtx.Err()))
	}

	log.Info("run summary",
		zap.String("status", string(result.Status)),
		zap.Int("candidates_evaluated", result.CandidatesEvaluated),
		zap.Int("matches_found", result.MatchesFound),
		zap.Int("applications_submitted", result.ApplicationsSubmitted),
		zap.Any("skipped", result.Skips),
	)

	return result, next, nil
}

// interruptedOr finalizes as partial when the run context ended, otherwise reports err as fatal.
func (e *Engine) interruptedOr(runCtx context.Context, log *zap.Logger, result *Result, resume store.Cursors, err error) (*Result, store.Cursors, error) {
	if runCtx.Err() == nil {
		return result, resume, err
	}

	log.Warn("run interrupted before evaluation", zap.Error(err))
	result.Status = store.RunPartial
	return result, resume, nil
}

// wrapRoster returns the cursors of a new roster pass. The job window moves the same way
// nextCursors moves it when a short candidate page ends the roster.
func (e *Engine) wrapRoster(ctx context.Context, resume store.Cursors) (store.Cursors, error) {
	catalog, err := e.deps.Store.ListOpenJobEmbeddings(ctx, resume.Job, e.cfg.JobBatchSize)
	if err != nil {
		return resume, err
	}

	next := store.Cursors{}
	if len(catalog) == e.cfg.JobBatchSize {
		next.Job = catalog[len(catalog)-1].JobID
	}
	return next, nil
}

// nextCursors advances the candidate cursor page by page and moves the job window
// only after a full pass over the roster, so every candidate page meets every job page.
func nextCursors(resume store.Cursors, candidates []store.CandidatePreferences, catalog []store.JobEmbedding, candidateBatch, jobBatch int) store.Cursors {
	next := resume

	if len(candidates) == candidateBatch {
		next.Candidate = candidates[len(candidates)-1].CandidateID
		return next
	}

	next.Candidate = ""
	if len(candidates) == 0 {
		return next
	}

	if len(catalog) == jobBatch {
		next.Job = catalog[len(catalog)-1].JobID
	} else {
		next.Job = ""
	}
	return next
}

func (e *Engine) evaluateAll(ctx context.Context, log *zap.Logger, candidates []store.CandidatePreferences, catalog []store.JobEmbedding, dayStart time.Time) ([]outcome, error) {
	if e.cfg.Workers > 1 {
		return e.evaluateParallel(ctx, log, candidates, catalog, dayStart)
	}

	outcomes := make([]outcome, 0, len(candidates))
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}

		o, err := e.evaluate(ctx, log, candidate, catalog, dayStart)
		outcomes = append(outcomes, o)
		if err != nil {
			return outcomes, fmt.Errorf("candidate %s: %w", candidate.CandidateID, err)
		}
	}

	return outcomes, nil
}

// evaluate runs EVALUATE and SUBMIT for one candidate.
func (e *Engine) evaluate(ctx context.Context, log *zap.Logger, prefs store.CandidatePreferences, catalog []store.JobEmbedding, dayStart time.Time) (outcome, error) {
	var out outcome
	log = logger.WithCandidate(log, prefs.CandidateID)

	embedding, err := e.deps.Store.CandidateEmbedding(ctx, prefs.CandidateID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("skipping candidate", zap.String("reason", "no embedding"))
		out.skips.NoEmbedding++
		return out, nil
	}
	if err != nil {
		return out, err
	}

	out.evaluated = true

	matches := e.deps.Finder.Find(ctx, embedding, catalog)
	out.matches = matches.Len()

	policy := e.cfg.Defaults.PolicyFor(prefs.MinMatchThreshold, prefs.MaxApplicationsPerDay)

	today, err := e.deps.Store.CountAutoAppliedSince(ctx, prefs.CandidateID, dayStart)
	if err != nil {
		return out, err
	}

	remaining := policy.Remaining(today)
	if remaining <= 0 {
		log.Info("skipping candidate",
			zap.String("reason", "daily cap reached"),
			zap.Int("today", today),
			zap.Int("max_per_day", policy.MaxApplicationsPerDay),
		)
		out.skips.CapExhausted++
		return out, nil
	}

	if matches.Len() == 0 {
		return out, nil
	}

	subject := &filtering.Subject{CandidateID: prefs.CandidateID, Policy: policy}
	eligible, summary, err := e.deps.Filters.RunFilters(ctx, subject, matches.Ranked())
	if err != nil {
		return out, err
	}

	out.skips.BelowThreshold += summary.Dropped(filtering.ThresholdFilterName)
	out.skips.Duplicates += summary.Dropped(filtering.AppliedHistoryFilterName)
	out.skips.Excluded += summary.Dropped(filtering.ExcludeFileFilterName)

	e.submit(ctx, log, eligible, remaining, &out)

	log.Info("candidate evaluated",
		zap.Int("matches", out.matches),
		zap.Int("remaining_slots", remaining),
		zap.Int("submitted", out.submitted),
	)

	return out, nil
}

// submit walks the ranked eligible matches until the remaining slots are used.
func (e *Engine) submit(ctx context.Context, log *zap.Logger, eligible *matching.Matches, remaining int, out *outcome) {
	for i, match := range eligible.Items {
		if out.submitted >= remaining {
			out.skips.CapReached += eligible.Len() - i
			return
		}

		if ctx.Err() != nil {
			out.interrupted = true
			return
		}

		jobLog := log.With(zap.String(logger.FieldJobID, match.JobID), zap.Int("score", match.Score))

		if e.cfg.DryRun {
			jobLog.Info("would submit application")
			out.submitted++
			continue
		}

		app := &store.Application{
			CandidateID:  match.CandidateID,
			JobID:        match.JobID,
			AutoApplied:  true,
			MatchScore:   match.Score,
			MatchReasons: Reasons(match),
			HiringStatus: store.HiringStatusPotentialFit,
			CreatedAt:    e.deps.Now(),
		}

		err := e.deps.Store.InsertApplication(ctx, app)
		switch {
		case errors.Is(err, store.ErrDuplicate):
			jobLog.Info("skipping match", zap.String("reason", "already applied"))
			out.skips.Duplicates++
		case err != nil && ctx.Err() != nil:
			out.interrupted = true
			return
		case err != nil:
			jobLog.Warn("submitting application failed", zap.Error(err))
			out.skips.Failed++
		default:
			jobLog.Info("application submitted", zap.String("application_id", app.ID))
			out.submitted++
		}

		if err := e.deps.Wait(ctx, e.cfg.SubmissionDelay); err != nil {
			out.interrupted = true
			return
		}
	}
}

// Reasons renders the fixed explanation stored with an automatic application.
func Reasons(m *matching.Match) []string {
	return []string{
		fmt.Sprintf("Semantic match: %.1f%%", m.Similarity*100),
		requiredSkillsReason,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
