package statusserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"marketpulse/internal/lifecycle"
	"marketpulse/internal/task/scheduler"
	"marketpulse/internal/workflow"
	"marketpulse/pkg/logx"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string             `json:"status"`
	Unhealthy  int                `json:"unhealthy"`
	Total      int                `json:"total"`
	Components []lifecycle.Health `json:"components"`
	System     SystemStats        `json:"system"`
	CheckedAt  time.Time          `json:"checked_at"`
}

type SystemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeError(w, http.StatusNotImplemented, "status not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

// handleHealth answers 503 only when the overall status is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var results []lifecycle.Health
	if s.deps.Components != nil {
		results = s.deps.Components.HealthCheckAll(r.Context())
	}
	overall, bad := workflow.Classify(results)
	resp := HealthResponse{
		Status:     overall,
		Unhealthy:  bad,
		Total:      len(results),
		Components: results,
		System:     s.systemStats(),
		CheckedAt:  time.Now().UTC(),
	}
	code := http.StatusOK
	if overall == workflow.OverallUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) systemStats() SystemStats {
	st := SystemStats{Goroutines: runtime.NumGoroutine()}
	// interval 0 compares against the previous call and never blocks
	if pct, err := cpu.Percent(0, false); err != nil {
		s.log.Debug("cpu percent unavailable", logx.Err(err))
	} else if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		s.log.Debug("memory stats unavailable", logx.Err(err))
	} else {
		st.MemPercent = vm.UsedPercent
	}
	return st
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "scheduler not available")
		return
	}
	var statuses []scheduler.Status
	if q := r.URL.Query().Get("status"); q != "" {
		for _, part := range strings.Split(q, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, scheduler.Status(strings.ToLower(part)))
			}
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Jobs.List(statuses...))
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "scheduler not available")
		return
	}
	job, ok := s.deps.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, scheduler.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobAction int

const (
	actionEnable jobAction = iota
	actionDisable
	actionRun
)

func (s *Server) handleJobAction(action jobAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Jobs == nil {
			writeError(w, http.StatusNotImplemented, "scheduler not available")
			return
		}
		id := chi.URLParam(r, "id")
		var err error
		switch action {
		case actionEnable:
			if !s.deps.Jobs.Enable(id) {
				err = scheduler.ErrJobNotFound
			}
		case actionDisable:
			if !s.deps.Jobs.Disable(id) {
				err = scheduler.ErrJobNotFound
			}
		case actionRun:
			err = s.deps.Jobs.RunNow(id)
		}
		switch {
		case errors.Is(err, scheduler.ErrJobNotFound):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		job, _ := s.deps.Jobs.Get(id)
		writeJSON(w, http.StatusOK, job)
	}
}

// handleWorkflow runs a workflow with the JSON body as args. A failed
// workflow still answers 200; the result carries success=false.
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workflows == nil {
		writeError(w, http.StatusNotImplemented, "workflows not available")
		return
	}
	args := workflow.Args{}
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	res := s.deps.Workflows.Execute(r.Context(), chi.URLParam(r, "name"), args)
	if errors.Is(res.Err, workflow.ErrUnknownWorkflow) {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
