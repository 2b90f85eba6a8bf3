package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/triggers"
	"github.com/camber-io/camber/pkg/types"
	"github.com/camber-io/camber/pkg/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	workflows, err := s.repo.List(r.Context(), claims.OrganizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

type createWorkflowRequest struct {
	Name        string       `json:"name" validate:"required"`
	Description string       `json:"description"`
	Graph       *types.Graph `json:"graph" validate:"required"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}

	claims := claimsFrom(r.Context())
	wf, err := s.repo.Create(r.Context(), claims.OrganizationID, claims.UserID, req.Name, req.Description, req.Graph)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workflow": wf})
}

// ownedWorkflow loads a workflow scoped to the caller's organization.
// Workflows outside the organization answer not found, never forbidden.
func (s *Server) ownedWorkflow(r *http.Request, workflowID string) (*types.Workflow, error) {
	claims := claimsFrom(r.Context())
	return s.repo.Get(r.Context(), claims.OrganizationID, workflowID)
}

func (s *Server) handleVersionHistory(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if _, err := s.ownedWorkflow(r, workflowID); err != nil {
		writeError(w, err)
		return
	}

	history, err := s.repo.VersionHistory(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

type validateVersionRequest struct {
	TargetEnvironment string `json:"targetEnvironment" validate:"required"`
}

func (s *Server) handleValidateVersion(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	versionID := chi.URLParam(r, "versionID")

	var req validateVersionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}
	if _, err := s.ownedWorkflow(r, workflowID); err != nil {
		writeError(w, err)
		return
	}

	diff, err := s.repo.Validate(r.Context(), workflowID, versionID, types.Environment(req.TargetEnvironment))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff})
}

type promoteVersionRequest struct {
	Target              string `json:"target" validate:"required"`
	AcknowledgeBreaking bool   `json:"acknowledgeBreaking"`
}

func (s *Server) handlePromoteVersion(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	versionID := chi.URLParam(r, "versionID")

	var req promoteVersionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}
	if _, err := s.ownedWorkflow(r, workflowID); err != nil {
		writeError(w, err)
		return
	}

	claims := claimsFrom(r.Context())
	deployment, err := s.repo.Promote(r.Context(), workflow.PromoteInput{
		WorkflowID:          workflowID,
		VersionID:           versionID,
		Target:              types.Environment(req.Target),
		AcknowledgeBreaking: req.AcknowledgeBreaking,
		DeployedBy:          claims.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": deployment})
}

type registerWebhookRequest struct {
	AppID     string `json:"appId" validate:"required"`
	TriggerID string `json:"triggerId" validate:"required"`
	Provider  string `json:"provider"`
	Secret    string `json:"secret"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")

	var req registerWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}
	if _, err := s.ownedWorkflow(r, workflowID); err != nil {
		writeError(w, err)
		return
	}

	claims := claimsFrom(r.Context())
	trigger, err := s.receiver.Register(r.Context(), triggers.RegisterInput{
		WorkflowID:     workflowID,
		OrganizationID: claims.OrganizationID,
		AppID:          req.AppID,
		TriggerID:      req.TriggerID,
		Provider:       req.Provider,
		Secret:         req.Secret,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"webhookId": trigger.ID,
		"endpoint":  "/api/webhooks/" + trigger.ID,
	})
}
