package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/camber-io/camber/pkg/connections"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/types"
)

// connectionView is the wire shape of a connection; credential material
// never leaves the service encrypted or otherwise.
type connectionView struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TestStatus string            `json:"testStatus,omitempty"`
	IsActive   bool              `json:"isActive"`
}

func viewConnection(c *types.Connection) connectionView {
	return connectionView{
		ID:         c.ID,
		Provider:   c.Provider,
		Type:       c.Type,
		Name:       c.Name,
		Metadata:   c.Metadata,
		TestStatus: c.TestStatus,
		IsActive:   c.IsActive,
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	conns, err := s.connections.List(r.Context(), claims.OrganizationID, claims.UserID, r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]connectionView, len(conns))
	for i, c := range conns {
		views[i] = viewConnection(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views})
}

type createConnectionRequest struct {
	Provider    string            `json:"provider" validate:"required"`
	Type        string            `json:"type"`
	Name        string            `json:"name" validate:"required"`
	Credentials map[string]any    `json:"credentials" validate:"required"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}

	claims := claimsFrom(r.Context())
	conn, err := s.connections.Create(r.Context(), connections.CreateInput{
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
		Provider:       req.Provider,
		Type:           req.Type,
		Name:           req.Name,
		Credentials:    req.Credentials,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"connection": viewConnection(conn)})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	result, err := s.connections.Test(r.Context(), claims.OrganizationID, chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.connections.SoftDelete(r.Context(), claims.OrganizationID, chi.URLParam(r, "connectionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleExportConnections(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	exported, err := s.connections.Export(r.Context(), claims.OrganizationID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": exported})
}

type storeOAuthRequest struct {
	Provider    string         `json:"provider" validate:"required"`
	Credentials map[string]any `json:"credentials" validate:"required"`
}

// handleStoreOAuth upserts OAuth credentials keyed by (user, provider),
// so repeated authorization flows refresh the same connection.
func (s *Server) handleStoreOAuth(w http.ResponseWriter, r *http.Request) {
	var req storeOAuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}

	claims := claimsFrom(r.Context())
	conn, err := s.connections.StoreOAuth(r.Context(), claims.OrganizationID, claims.UserID, req.Provider, req.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": viewConnection(conn)})
}

type importConnectionsRequest struct {
	Connections []connections.ImportInput `json:"connections" validate:"required,min=1"`
}

func (s *Server) handleImportConnections(w http.ResponseWriter, r *http.Request) {
	var req importConnectionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, err.Error()))
		return
	}

	claims := claimsFrom(r.Context())
	created, err := s.connections.Import(r.Context(), claims.OrganizationID, claims.UserID, req.Connections)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": created})
}
