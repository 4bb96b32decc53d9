package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/dispatcher"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Workspace   string  `json:"workspace"`
	Profile     string  `json:"profile"`
	Scope       string  `json:"scope"`
	State       string  `json:"state"`
	AbortReason string  `json:"abort_reason,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	Percent     float64 `json:"percent"`
}

// PhaseResponse is the API response for a phase
type PhaseResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	TierIndex  int      `json:"tier_index"`
	Category   string   `json:"category"`
	Complexity string   `json:"complexity"`
	State      string   `json:"state"`
	Attempts   int      `json:"attempts"`
	TokensUsed int64    `json:"tokens_used"`
	DependsOn  []string `json:"depends_on,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
}

// RunDetailResponse is the API response for one run with its phases
type RunDetailResponse struct {
	RunResponse
	Phases []PhaseResponse `json:"phases"`
}

// StatusResponse summarizes all runs for the dashboard landing view
type StatusResponse struct {
	Total     int `json:"total"`
	Created   int `json:"created"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
}

// IssueResponse is the API response for an issue
type IssueResponse struct {
	Key       string `json:"key"`
	RunID     string `json:"run_id,omitempty"`
	PhaseID   string `json:"phase_id,omitempty"`
	Scope     string `json:"scope"`
	Severity  string `json:"severity"`
	Category  string `json:"category,omitempty"`
	Source    string `json:"source,omitempty"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CategoryResponse is the API response for one routing-policy category
type CategoryResponse struct {
	Name          string `json:"name"`
	Strategy      string `json:"strategy"`
	BuilderModel  string `json:"builder_model"`
	AuditorModel  string `json:"auditor_model"`
	DualAudit     bool   `json:"dual_audit"`
	AutoApply     bool   `json:"auto_apply"`
	EscalateAfter int    `json:"escalate_after"`
}

func runToResponse(r *domain.Run, percent float64) RunResponse {
	resp := RunResponse{
		ID:          r.ID,
		Name:        r.Name,
		Workspace:   r.Workspace,
		Profile:     string(r.Profile),
		Scope:       string(r.Scope),
		State:       string(r.State),
		AbortReason: r.AbortReason,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		Percent:     percent,
	}
	if r.StartedAt != nil {
		t := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func phaseToResponse(p *domain.Phase) PhaseResponse {
	return PhaseResponse{
		ID:         p.ID,
		Name:       p.Name,
		TierIndex:  p.TierIndex,
		Category:   p.Category,
		Complexity: string(p.Complexity),
		State:      string(p.State),
		Attempts:   p.Attempts,
		TokensUsed: p.TokensUsed,
		DependsOn:  p.DependsOn,
		LastError:  p.LastError,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.store.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(runs)
		for _, run := range runs {
			switch run.State {
			case domain.RunCreated:
				status.Created++
			case domain.RunRunning:
				status.Running++
			case domain.RunCompleted:
				status.Completed++
			case domain.RunFailed:
				status.Failed++
			case domain.RunAborted:
				status.Aborted++
			}
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.store.ListRuns()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			progress, err := s.store.Progress(run.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			responses = append(responses, runToResponse(run, progress.Percent))
		}

		writeJSON(w, responses)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Path is /api/runs/{id} or /api/runs/{id}/report
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		if id, ok := strings.CutSuffix(path, "/report"); ok {
			s.serveReport(w, id)
			return
		}

		run, err := s.store.GetRun(path)
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		progress, err := s.store.Progress(run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		phases, err := s.store.GetPhases(run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		detail := RunDetailResponse{
			RunResponse: runToResponse(run, progress.Percent),
			Phases:      make([]PhaseResponse, len(phases)),
		}
		for i, p := range phases {
			detail.Phases[i] = phaseToResponse(p)
		}

		writeJSON(w, detail)
	}
}

func (s *Server) serveReport(w http.ResponseWriter, runID string) {
	report, err := dispatcher.BuildReport(s.store, s.usage, s.issues, runID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report)
}

func (s *Server) usageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		summary, err := s.usage.Summary()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, summary)
	}
}

func (s *Server) listIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		opts := issues.ListOptions{
			RunID:    r.URL.Query().Get("run"),
			PhaseID:  r.URL.Query().Get("phase"),
			Severity: domain.Severity(r.URL.Query().Get("severity")),
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		list, err := s.issues.List(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]IssueResponse, len(list))
		for i, issue := range list {
			responses[i] = IssueResponse{
				Key:       issue.Key,
				RunID:     issue.RunID,
				PhaseID:   issue.PhaseID,
				Scope:     string(issue.Scope),
				Severity:  string(issue.Severity),
				Category:  issue.Category,
				Source:    issue.Source,
				Message:   issue.Message,
				CreatedAt: issue.CreatedAt.Format(time.RFC3339),
			}
		}

		writeJSON(w, responses)
	}
}

func (s *Server) policyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.policy == nil {
			writeJSON(w, []CategoryResponse{})
			return
		}

		responses := make([]CategoryResponse, 0, len(s.policy.Categories))
		for _, name := range s.policy.CategoryNames() {
			cat := s.policy.Categories[name]
			responses = append(responses, CategoryResponse{
				Name:          name,
				Strategy:      string(cat.Strategy),
				BuilderModel:  cat.Builder.Primary.String(),
				AuditorModel:  cat.Auditor.Primary.String(),
				DualAudit:     cat.DualAudit,
				AutoApply:     cat.AutoApply,
				EscalateAfter: cat.EscalateAfter,
			})
		}

		writeJSON(w, responses)
	}
}
