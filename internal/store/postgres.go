package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const uniqueViolation = "23505"

var (
	// ErrNotFound is returned when a single-row lookup has no result.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an application for the pair already exists.
	ErrDuplicate = errors.New("application already exists")
)

//go:embed schema.sql
var schema string

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB is the PostgreSQL implementation of every store interface the engine consumes.
type DB struct {
	connection *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{connection: conn}, nil
}

// New wraps an existing connection.
func New(conn *sql.DB) *DB {
	return &DB{connection: conn}
}

func (db *DB) Close() error {
	return db.connection.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.connection.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ListAutoApplyCandidates returns up to limit candidates with auto-apply enabled,
// ordered by id and starting after the given cursor.
func (db *DB) ListAutoApplyCandidates(ctx context.Context, after string, limit int) ([]CandidatePreferences, error) {
	query := `SELECT candidate_id, min_match_threshold, max_applications_per_day
              FROM candidate_preferences
              WHERE auto_apply_enabled AND candidate_id > $1
              ORDER BY candidate_id
              LIMIT $2`

	rows, err := db.connection.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list auto-apply candidates: %w", err)
	}
	defer rows.Close()

	var res []CandidatePreferences
	for rows.Next() {
		var (
			p         CandidatePreferences
			threshold sql.NullInt64
			maxPerDay sql.NullInt64
		)
		if err := rows.Scan(&p.CandidateID, &threshold, &maxPerDay); err != nil {
			return nil, fmt.Errorf("scan candidate preferences: %w", err)
		}
		p.AutoApplyEnabled = true
		p.MinMatchThreshold = nullableInt(threshold)
		p.MaxApplicationsPerDay = nullableInt(maxPerDay)
		res = append(res, p)
	}

	return res, rows.Err()
}

// CandidateEmbedding returns the oldest stored embedding of the candidate.
func (db *DB) CandidateEmbedding(ctx context.Context, candidateID string) (*CandidateEmbedding, error) {
	query := `SELECT embedding FROM candidate_embeddings
              WHERE candidate_id = $1
              ORDER BY created_at, id
              LIMIT 1`

	var vec pgvector.Vector
	err := db.connection.QueryRowContext(ctx, query, candidateID).Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate embedding: %w", err)
	}

	return &CandidateEmbedding{CandidateID: candidateID, Vector: vec.Slice()}, nil
}

// ListOpenJobEmbeddings returns up to limit embeddings of open postings ordered by job id.
func (db *DB) ListOpenJobEmbeddings(ctx context.Context, after string, limit int) ([]JobEmbedding, error) {
	query := `SELECT e.job_id, p.status, e.embedding
              FROM job_embeddings e
              JOIN job_postings p ON p.id = e.job_id
              WHERE p.status = $1 AND e.job_id > $2
              ORDER BY e.job_id
              LIMIT $3`

	rows, err := db.connection.QueryContext(ctx, query, JobStatusOpen, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list open job embeddings: %w", err)
	}
	defer rows.Close()

	var res []JobEmbedding
	for rows.Next() {
		var (
			j   JobEmbedding
			vec pgvector.Vector
		)
		if err := rows.Scan(&j.JobID, &j.Status, &vec); err != nil {
			return nil, fmt.Errorf("scan job embedding: %w", err)
		}
		j.Vector = vec.Slice()
		res = append(res, j)
	}

	return res, rows.Err()
}

// CountAutoAppliedSince counts automatic applications of the candidate created at or after since.
func (db *DB) CountAutoAppliedSince(ctx context.Context, candidateID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM applications
              WHERE candidate_id = $1 AND auto_applied AND created_at >= $2`

	var count int
	if err := db.connection.QueryRowContext(ctx, query, candidateID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count auto-applied applications: %w", err)
	}
	return count, nil
}

// AppliedJobIDs returns the subset of jobIDs the candidate already has an application for.
func (db *DB) AppliedJobIDs(ctx context.Context, candidateID string, jobIDs []string) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	query := `SELECT job_id FROM applications
              WHERE candidate_id = $1 AND job_id = ANY($2)`

	rows, err := db.connection.QueryContext(ctx, query, candidateID, pq.Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("list applied jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan applied job: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// InsertApplication stores a new application. A second application for the same
// candidate and job violates the unique constraint and yields ErrDuplicate.
func (db *DB) InsertApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.HiringStatus == "" {
		app.HiringStatus = HiringStatusPotentialFit
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now()
	}

	query := `INSERT INTO applications
                (id, candidate_id, job_id, auto_applied, match_score, match_reasons, hiring_status, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.connection.ExecContext(ctx, query,
		app.ID,
		app.CandidateID,
		app.JobID,
		app.AutoApplied,
		app.MatchScore,
		pq.Array(app.MatchReasons),
		app.HiringStatus,
		app.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// CreateRun inserts the run row in its initial state.
func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO auto_application_runs (id, status, started_at) VALUES ($1, $2, $3)`

	if _, err := db.connection.ExecContext(ctx, query, run.ID, string(run.Status), run.StartedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun writes the final state of the run.
func (db *DB) FinishRun(ctx context.Context, run *Run) error {
	query := `UPDATE auto_application_runs
              SET status = $2,
                  completed_at = $3,
                  candidates_evaluated = $4,
                  matches_found = $5,
                  applications_submitted = $6,
                  next_candidate_cursor = $7,
                  next_job_cursor = $8,
                  error = $9
              WHERE id = $1`

	res, err := db.connection.ExecContext(ctx, query,
		run.ID,
		string(run.Status),
		run.CompletedAt,
		run.Counts.CandidatesEvaluated,
		run.Counts.MatchesFound,
		run.Counts.ApplicationsSubmitted,
		run.Next.Candidate,
		run.Next.Job,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// LastFinishedRun returns the most recent run that reached completed or partial.
func (db *DB) LastFinishedRun(ctx context.Context) (*Run, error) {
	query := `SELECT id, status, started_at, completed_at,
                     candidates_evaluated, matches_found, applications_submitted,
                     next_candidate_cursor, next_job_cursor, error
              FROM auto_application_runs
              WHERE status IN ($1, $2)
              ORDER BY started_at DESC
              LIMIT 1`

	var (
		run         Run
		status      string
		completedAt sql.NullTime
	)
	err := db.connection.QueryRowContext(ctx, query, string(RunCompleted), string(RunPartial)).Scan(
		&run.ID,
		&status,
		&run.StartedAt,
		&completedAt,
		&run.Counts.CandidatesEvaluated,
		&run.Counts.MatchesFound,
		&run.Counts.ApplicationsSubmitted,
		&run.Next.Candidate,
		&run.Next.Job,
		&run.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get last finished run: %w", err)
	}

	run.Status = RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// FailStaleRuns marks runs still in progress that started before the given time as failed.
func (db *DB) FailStaleRuns(ctx context.Context, startedBefore, now time.Time, reason string) (int, error) {
	query := `UPDATE auto_application_runs
              SET status = $1, completed_at = $2, error = $3
              WHERE status = $4 AND started_at < $5`

	res, err := db.connection.ExecContext(ctx, query,
		string(RunFailed), now, reason, string(RunInProgress), startedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return int(affected), nil
}

// CandidateProfile returns the free-text profile summary of a candidate.
func (db *DB) CandidateProfile(ctx context.Context, candidateID string) (string, error) {
	var summary string
	err := db.connection.QueryRowContext(ctx,
		`SELECT summary FROM candidate_profiles WHERE candidate_id = $1`, candidateID,
	).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get candidate profile: %w", err)
	}
	return summary, nil
}

// JobPosting returns the title and description of a job posting as one text.
func (db *DB) JobPosting(ctx context.Context, jobID string) (string, error) {
	var title, description string
	err := db.connection.QueryRowContext(ctx,
		`SELECT title, description FROM job_postings WHERE id = $1`, jobID,
	).Scan(&title, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job posting: %w", err)
	}
	return title + "\n\n" + description, nil
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
