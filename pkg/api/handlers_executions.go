package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

type createExecutionRequest struct {
	WorkflowID  string         `json:"workflowId" validate:"required"`
	InitialData map[string]any `json:"initialData"`
	Environment string         `json:"environment"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}
	if _, err := s.ownedWorkflow(r, req.WorkflowID); err != nil {
		writeError(w, err)
		return
	}

	env := types.Environment(req.Environment)
	if req.Environment == "" {
		env = types.EnvProduction
	} else if !types.ValidEnvironment(env) {
		writeError(w, errs.New(errs.KindValidation, "unknown environment"))
		return
	}

	claims := claimsFrom(r.Context())
	exec, err := s.dispatcher.Dispatch(r.Context(), queue.DispatchInput{
		WorkflowID:     req.WorkflowID,
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
		Environment:    env,
		TriggerType:    types.TriggerManual,
		InitialData:    req.InitialData,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": exec.ID})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	filter := storage.ExecutionFilter{
		OrganizationID: claims.OrganizationID,
		WorkflowID:     r.URL.Query().Get("workflowId"),
		Status:         types.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:          50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, errs.New(errs.KindValidation, "invalid limit"))
			return
		}
		filter.Limit = limit
	}

	executions, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// ownedExecution loads an execution scoped to the caller's organization
func (s *Server) ownedExecution(r *http.Request, executionID string) (*types.Execution, error) {
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		return nil, err
	}
	claims := claimsFrom(r.Context())
	if exec.OrganizationID != claims.OrganizationID {
		return nil, errs.New(errs.KindNotFound, "execution not found")
	}
	return exec, nil
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r, chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	nodes, err := s.store.ListNodeExecutions(r.Context(), exec.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"nodes":     nodes,
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r, chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	switch exec.Status {
	case types.ExecutionCompleted, types.ExecutionFailed, types.ExecutionCancelled:
		writeError(w, errs.New(errs.KindConflict, "execution already finished"))
		return
	}
	if err := s.store.RequestCancel(r.Context(), exec.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	s.replay(w, r, types.ReplayFull, "")
}

func (s *Server) handleRetryNode(w http.ResponseWriter, r *http.Request) {
	s.replay(w, r, types.ReplayNode, chi.URLParam(r, "nodeID"))
}

// replay enqueues a fresh execution derived from a finished one. Node
// replays reuse the source outputs for every node before the target.
func (s *Server) replay(w http.ResponseWriter, r *http.Request, mode types.ReplayMode, nodeID string) {
	source, err := s.ownedExecution(r, chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	switch source.Status {
	case types.ExecutionCompleted, types.ExecutionFailed, types.ExecutionCancelled:
	default:
		writeError(w, errs.New(errs.KindConflict, "execution still in progress"))
		return
	}

	claims := claimsFrom(r.Context())
	exec, err := s.dispatcher.Dispatch(r.Context(), queue.DispatchInput{
		WorkflowID:     source.WorkflowID,
		OrganizationID: source.OrganizationID,
		UserID:         claims.UserID,
		VersionID:      source.VersionID,
		TriggerType:    types.TriggerManual,
		TriggerData:    source.TriggerData,
		Replay: &types.ReplayInfo{
			SourceExecutionID: source.ID,
			Mode:              mode,
			NodeID:            nodeID,
			TriggeredBy:       claims.UserID,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": exec.ID})
}

func (s *Server) handleOrganizationUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "organizationID")
	claims := claimsFrom(r.Context())
	if orgID != claims.OrganizationID {
		writeError(w, errs.New(errs.KindNotFound, "organization not found"))
		return
	}
	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": org.Usage,
		"plan":  org.Plan,
	})
}
