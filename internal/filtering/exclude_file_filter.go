package filtering

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spigell/auto-applier/internal/matching"
)

const ExcludeFileFilterName = "exclude_file"

// ExcludedJobs is the content of the exclude file.
type ExcludedJobs struct {
	Items []*ExcludedJob
}

type ExcludedJob struct {
	ID         string
	Reason     string    `json:",omitempty"`
	ExcludedAt time.Time `json:",omitempty"`
}

// GetExcludedJobsFromFile reads the exclude file. An empty file excludes nothing.
func GetExcludedJobsFromFile(path string) (*ExcludedJobs, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		return &ExcludedJobs{}, nil
	}

	var excluded ExcludedJobs
	if err := json.NewDecoder(file).Decode(&excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

func (e *ExcludedJobs) JobIDs() []string {
	ids := make([]string, 0, len(e.Items))
	for _, job := range e.Items {
		ids = append(ids, job.ID)
	}
	return ids
}

type excludeFileFilter struct {
	path string

	mu      sync.Mutex
	loaded  bool
	modTime time.Time
	size    int64
	ids     []string
}

// NewExcludeFile creates a filter that removes jobs listed in the exclude file.
// An empty path disables the filter.
func NewExcludeFile(path string) Filter {
	return &excludeFileFilter{path: strings.TrimSpace(path)}
}

func (f *excludeFileFilter) Name() string { return ExcludeFileFilterName }

func (f *excludeFileFilter) Disable(string) { f.path = "" }

func (f *excludeFileFilter) IsEnabled() bool { return f.path != "" }

func (f *excludeFileFilter) Validate() error {
	if _, err := f.jobIDs(); err != nil {
		return fmt.Errorf("reading exclude file: %w", err)
	}
	return nil
}

// jobIDs returns the excluded ids. The file is decoded again only after it changed on disk.
func (f *excludeFileFilter) jobIDs() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stat, err := os.Stat(f.path)
	if err != nil {
		return nil, err
	}
	if f.loaded && stat.ModTime().Equal(f.modTime) && stat.Size() == f.size {
		return f.ids, nil
	}

	excluded, err := GetExcludedJobsFromFile(f.path)
	if err != nil {
		return nil, err
	}

	f.loaded = true
	f.modTime = stat.ModTime()
	f.size = stat.Size()
	f.ids = excluded.JobIDs()
	return f.ids, nil
}

func (f *excludeFileFilter) Apply(_ context.Context, _ *Subject, m *matching.Matches) (*matching.Matches, Step, error) {
	initial := m.Len()

	ids, err := f.jobIDs()
	if err != nil {
		return m, Step{}, fmt.Errorf("getting excluded jobs from file: %w", err)
	}

	dropped := m.Exclude(ids)
	return m, Step{Initial: initial, Dropped: len(dropped), Left: m.Len(), DroppedJobs: dropped}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Details: details}
}
