package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/spigell/auto-applier/internal/autoapply"
	"github.com/spigell/auto-applier/internal/store"
)

const RunPath = "/api/auto-apply/run"

// Runner executes one auto-application batch.
type Runner interface {
	Run(ctx context.Context) (*autoapply.Result, error)
}

// RunResponse is the trigger payload.
type RunResponse struct {
	Success bool            `json:"success"`
	RunID   string          `json:"runId,omitempty"`
	Status  store.RunStatus `json:"status,omitempty"`
	*store.Counts
	Error string `json:"error,omitempty"`
}

// NewRunResponse converts the outcome of a run into the trigger payload.
func NewRunResponse(res *autoapply.Result, err error) RunResponse {
	if err != nil {
		resp := RunResponse{Error: err.Error()}
		if res != nil {
			resp.RunID = res.RunID
		}
		return resp
	}

	counts := res.Counts
	return RunResponse{
		Success: true,
		RunID:   res.RunID,
		Status:  res.Status,
		Counts:  &counts,
	}
}

type API struct {
	// ctx bounds every run started by the handler. It outlives requests but not the server.
	ctx    context.Context
	runner Runner
	logger *zap.Logger

	inflight sync.WaitGroup
}

func New(ctx context.Context, runner Runner, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{ctx: ctx, runner: runner, logger: logger}
}

// Wait blocks until every run started by the handler has been finalized.
func (a *API) Wait() {
	a.inflight.Wait()
}

func NewRouter(a *API) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc(RunPath, a.RunHandler)

	return mux
}

// RunHandler executes a batch synchronously and reports its counters.
func (a *API) RunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, RunResponse{Error: "method not allowed"})
		return
	}

	a.inflight.Add(1)
	defer a.inflight.Done()

	// A disconnecting client must not abort a run that already submits applications.
	res, err := a.runner.Run(a.ctx)

	switch {
	case errors.Is(err, autoapply.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, NewRunResponse(nil, err))
	case err != nil:
		a.logger.Error("auto-application run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, NewRunResponse(res, err))
	default:
		writeJSON(w, http.StatusOK, NewRunResponse(res, nil))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
