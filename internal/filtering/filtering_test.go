package filtering

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/auto-applier/internal/logger"
	"github.com/spigell/auto-applier/internal/matching"
	"github.com/spigell/auto-applier/internal/safety"
)

type stubApplied struct {
	ids   []string
	err   error
	calls int
}

func (s *stubApplied) AppliedJobIDs(_ context.Context, _ string, jobIDs []string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.ids, nil
}

func newMatches(scores map[string]int, order ...string) *matching.Matches {
	m := &matching.Matches{}
	for _, id := range order {
		m.Items = append(m.Items, &matching.Match{CandidateID: "c1", JobID: id, Score: scores[id]})
	}
	return m
}

func subject(threshold int) *Subject {
	return &Subject{
		CandidateID: "c1",
		Policy:      safety.Policy{MinMatchThreshold: threshold, MaxApplicationsPerDay: 5},
	}
}

func TestThresholdFilter(t *testing.T) {
	t.Parallel()

	m := newMatches(map[string]int{"a": 65, "b": 70, "c": 91}, "a", "b", "c")
	got, step, err := NewThreshold().Apply(context.Background(), subject(70), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(got.JobIDs(), []string{"b", "c"}) {
		t.Fatalf("unexpected jobs left: %v", got.JobIDs())
	}
	if step.Initial != 3 || step.Dropped != 1 || step.Left != 2 {
		t.Fatalf("unexpected step: %+v", step)
	}
	if !reflect.DeepEqual(step.DroppedJobs, []string{"a"}) {
		t.Fatalf("unexpected dropped jobs: %v", step.DroppedJobs)
	}
}

func TestAppliedHistoryFilter(t *testing.T) {
	t.Parallel()

	stub := &stubApplied{ids: []string{"b"}}
	m := newMatches(map[string]int{"a": 80, "b": 90}, "a", "b")

	got, step, err := NewAppliedHistory(stub).Apply(context.Background(), subject(70), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.JobIDs(), []string{"a"}) {
		t.Fatalf("unexpected jobs left: %v", got.JobIDs())
	}
	if step.Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", step.Dropped)
	}

	empty := &matching.Matches{}
	if _, _, err := NewAppliedHistory(stub).Apply(context.Background(), subject(70), empty); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected store not to be queried for empty matches, calls=%d", stub.calls)
	}
}

func TestAppliedHistoryFilterError(t *testing.T) {
	t.Parallel()

	stub := &stubApplied{err: errors.New("connection reset")}
	m := newMatches(map[string]int{"a": 80}, "a")

	if _, _, err := NewAppliedHistory(stub).Apply(context.Background(), subject(70), m); err == nil {
		t.Fatalf("expected error")
	}

	if err := NewAppliedHistory(nil).Validate(); err == nil {
		t.Fatalf("expected validation error without store")
	}
}

func TestExcludeFileFilter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "exclude.json")
	content := `{"Items":[{"ID":"b","Reason":"employer asked"}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write exclude file: %v", err)
	}

	filter := NewExcludeFile(path)
	if !filter.IsEnabled() {
		t.Fatalf("expected filter to be enabled with a path")
	}
	if err := filter.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	m := newMatches(map[string]int{"a": 80, "b": 90}, "a", "b")
	got, step, err := filter.Apply(context.Background(), subject(70), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.JobIDs(), []string{"a"}) || step.Dropped != 1 {
		t.Fatalf("unexpected result: %v %+v", got.JobIDs(), step)
	}

	if NewExcludeFile("  ").IsEnabled() {
		t.Fatalf("expected filter to be disabled without a path")
	}

	emptyPath := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	excluded, err := GetExcludedJobsFromFile(emptyPath)
	if err != nil || len(excluded.JobIDs()) != 0 {
		t.Fatalf("expected empty exclude list, got %v (%v)", excluded, err)
	}
}

func TestExcludeFileFilterDecodesOnlyChangedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "exclude.json")
	original := `{"Items":[{"ID":"b"}]}`
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatalf("write exclude file: %v", err)
	}
	stamp := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("set exclude file time: %v", err)
	}

	filter := NewExcludeFile(path)
	if err := filter.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	// Same size and time: the cached ids are used and the garbage is never decoded.
	if err := os.WriteFile(path, []byte(strings.Repeat("x", len(original))), 0o644); err != nil {
		t.Fatalf("rewrite exclude file: %v", err)
	}
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("set exclude file time: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, _, err := filter.Apply(context.Background(), subject(70), newMatches(map[string]int{"a": 80, "b": 90}, "a", "b"))
		if err != nil {
			t.Fatalf("expected cached exclude list, got %v", err)
		}
		if !reflect.DeepEqual(got.JobIDs(), []string{"a"}) {
			t.Fatalf("unexpected result: %v", got.JobIDs())
		}
	}

	if err := os.WriteFile(path, []byte(`{"Items":[{"ID":"a"}]}`), 0o644); err != nil {
		t.Fatalf("rewrite exclude file: %v", err)
	}
	later := stamp.Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("set exclude file time: %v", err)
	}

	got, _, err := filter.Apply(context.Background(), subject(70), newMatches(map[string]int{"a": 80, "b": 90}, "a", "b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.JobIDs(), []string{"b"}) {
		t.Fatalf("expected the changed file to be picked up, got %v", got.JobIDs())
	}
}

func TestRunFilters(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.InfoLevel)
	stub := &stubApplied{ids: []string{"c"}}
	f := New([]Filter{NewThreshold(), NewAppliedHistory(stub), NewExcludeFile("")}, zap.New(core))

	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	m := newMatches(map[string]int{"a": 60, "b": 75, "c": 95}, "a", "b", "c")
	got, summary, err := f.RunFilters(context.Background(), subject(70), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(got.JobIDs(), []string{"b"}) {
		t.Fatalf("unexpected jobs left: %v", got.JobIDs())
	}
	if summary.Dropped(ThresholdFilterName) != 1 || summary.Dropped(AppliedHistoryFilterName) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if _, ok := summary[ExcludeFileFilterName]; ok {
		t.Fatalf("disabled filter must not be reported")
	}

	entries := observed.FilterMessage("filter step").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 filter step logs, got %d", len(entries))
	}
	if entries[0].ContextMap()["name"] != ThresholdFilterName {
		t.Fatalf("unexpected first step: %v", entries[0].ContextMap()["name"])
	}
	if entries[0].ContextMap()[logger.FieldCandidateID] != "c1" {
		t.Fatalf("expected candidate id field, got %v", entries[0].ContextMap())
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	f := New([]Filter{NewThreshold(), NewAppliedHistory(&stubApplied{}), NewExcludeFile("/tmp/x.json")}, nil)
	f.DisableByName(ThresholdFilterName, "testing")

	statuses := f.Describe()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[0].Enabled || statuses[0].Reason != "testing" {
		t.Fatalf("unexpected threshold status: %+v", statuses[0])
	}
	if !statuses[1].Enabled {
		t.Fatalf("applied history must stay enabled")
	}
	if statuses[2].Details["path"] != "/tmp/x.json" {
		t.Fatalf("unexpected exclude file status: %+v", statuses[2])
	}
}
