package store

import "time"

const (
	JobStatusOpen = "open"

	HiringStatusPotentialFit = "potential_fit"
)

// RunStatus is the lifecycle state of an auto-application run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunPartial    RunStatus = "partial"
	RunFailed     RunStatus = "failed"
)

// CandidatePreferences is a row of the auto-apply roster.
// Nil pointers mean the candidate never set the value.
type CandidatePreferences struct {
	CandidateID           string
	AutoApplyEnabled      bool
	MinMatchThreshold     *int
	MaxApplicationsPerDay *int
}

// CandidateEmbedding is the active vector of a candidate profile.
type CandidateEmbedding struct {
	CandidateID string
	Vector      []float32
}

// JobEmbedding is the vector of an open job posting.
type JobEmbedding struct {
	JobID  string
	Status string
	Vector []float32
}

// Application is a job application created on behalf of a candidate.
type Application struct {
	ID           string
	CandidateID  string
	JobID        string
	AutoApplied  bool
	MatchScore   int
	MatchReasons []string
	HiringStatus string
	CreatedAt    time.Time
}

// Counts are the aggregate counters of a run.
type Counts struct {
	CandidatesEvaluated   int `json:"candidatesEvaluated"`
	MatchesFound          int `json:"matchesFound"`
	ApplicationsSubmitted int `json:"applicationsSubmitted"`
}

// Cursors remember where the next run continues the candidate roster and job catalog.
// Empty values mean "from the beginning".
type Cursors struct {
	Candidate string
	Job       string
}

// Run is the audit record of one batch execution.
type Run struct {
	ID          string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Counts      Counts
	// Next holds the cursors written when the run finished.
	Next  Cursors
	Error string
}
