package connections

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/camber/pkg/connector"
	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/redact"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

// Persistence is the connection row store. The Postgres store implements it
// in production; the bbolt file store serves development when explicitly
// allowed.
type Persistence interface {
	CreateConnection(ctx context.Context, c *types.Connection) error
	GetConnection(ctx context.Context, orgID, id string) (*types.Connection, error)
	ListConnections(ctx context.Context, orgID, userID, provider string) ([]*types.Connection, error)
	GetConnectionByProvider(ctx context.Context, orgID, userID, provider string) (*types.Connection, error)
	UpdateConnection(ctx context.Context, c *types.Connection) error
}

// Service manages encrypted third-party credentials and scoped tokens.
// Every credential read and write emits a SecretAccess audit event.
type Service struct {
	conns   Persistence
	store   storage.Store
	keys    *crypto.KeyService
	invoker connector.Invoker
	probes  map[string]Probe
}

// NewService builds the connection service. invoker handles TestConnection
// for providers without a first-class probe.
func NewService(conns Persistence, store storage.Store, keys *crypto.KeyService, invoker connector.Invoker) *Service {
	return &Service{
		conns:   conns,
		store:   store,
		keys:    keys,
		invoker: invoker,
		probes:  defaultProbes(),
	}
}

// CreateInput carries a new connection with plaintext credentials
type CreateInput struct {
	OrganizationID string
	UserID         string
	Provider       string
	Type           string
	Name           string
	Credentials    map[string]any
	Metadata       map[string]string
}

// Create encrypts and stores a new connection
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Connection, error) {
	if in.Provider == "" {
		return nil, errs.New(errs.KindValidation, "provider is required")
	}
	if len(in.Credentials) == 0 {
		return nil, errs.New(errs.KindValidation, "credentials are required")
	}

	blob, err := s.keys.EncryptCredentials(ctx, in.Credentials)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &types.Connection{
		ID:                   uuid.NewString(),
		OrganizationID:       in.OrganizationID,
		UserID:               in.UserID,
		Provider:             in.Provider,
		Type:                 in.Type,
		Name:                 in.Name,
		EncryptedCredentials: blob.Ciphertext,
		IV:                   blob.IV,
		EncryptionKeyID:      blob.KeyRecordID,
		DataKeyCiphertext:    blob.DataKeyCiphertext,
		Metadata:             in.Metadata,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.conns.CreateConnection(ctx, c); err != nil {
		return nil, err
	}
	s.audit(ctx, types.SecretAccessWrite, c.Provider, c.UserID, map[string]string{"connectionId": c.ID, "op": "create"})
	return c, nil
}

// Get returns a connection row; credentials stay encrypted
func (s *Service) Get(ctx context.Context, orgID, id string) (*types.Connection, error) {
	return s.conns.GetConnection(ctx, orgID, id)
}

// List returns active connections, optionally filtered by provider
func (s *Service) List(ctx context.Context, orgID, userID, provider string) ([]*types.Connection, error) {
	return s.conns.ListConnections(ctx, orgID, userID, provider)
}

// GetByProvider returns the most recent active connection for a provider
func (s *Service) GetByProvider(ctx context.Context, orgID, userID, provider string) (*types.Connection, error) {
	return s.conns.GetConnectionByProvider(ctx, orgID, userID, provider)
}

// Credentials decrypts a connection's credential document
func (s *Service) Credentials(ctx context.Context, c *types.Connection) (map[string]any, error) {
	creds, err := s.keys.DecryptCredentials(ctx, &crypto.EncryptedBlob{
		Ciphertext:        c.EncryptedCredentials,
		IV:                c.IV,
		KeyRecordID:       c.EncryptionKeyID,
		DataKeyCiphertext: c.DataKeyCiphertext,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, types.SecretAccessRead, c.Provider, c.UserID, map[string]string{"connectionId": c.ID})
	return creds, nil
}

// UpdateInput carries a connection update; nil Credentials keeps the
// stored ciphertext untouched.
type UpdateInput struct {
	Name        string
	Credentials map[string]any
	Metadata    map[string]string
}

// Update re-encrypts credentials when provided and saves the row
func (s *Service) Update(ctx context.Context, orgID, id string, in UpdateInput) (*types.Connection, error) {
	c, err := s.conns.GetConnection(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != "" {
		c.Name = in.Name
	}
	if in.Metadata != nil {
		c.Metadata = in.Metadata
	}
	if in.Credentials != nil {
		blob, err := s.keys.EncryptCredentials(ctx, in.Credentials)
		if err != nil {
			return nil, err
		}
		c.EncryptedCredentials = blob.Ciphertext
		c.IV = blob.IV
		c.EncryptionKeyID = blob.KeyRecordID
		c.DataKeyCiphertext = blob.DataKeyCiphertext
		// Credentials changed; prior probe results no longer apply.
		c.TestStatus = ""
		c.TestError = ""
		c.LastTested = nil
	}
	if err := s.conns.UpdateConnection(ctx, c); err != nil {
		return nil, err
	}
	s.audit(ctx, types.SecretAccessWrite, c.Provider, c.UserID, map[string]string{"connectionId": c.ID, "op": "update"})
	return c, nil
}

// SoftDelete deactivates a connection; rows are never destroyed
func (s *Service) SoftDelete(ctx context.Context, orgID, id string) error {
	c, err := s.conns.GetConnection(ctx, orgID, id)
	if err != nil {
		return err
	}
	c.IsActive = false
	if err := s.conns.UpdateConnection(ctx, c); err != nil {
		return err
	}
	s.audit(ctx, types.SecretAccessDelete, c.Provider, c.UserID, map[string]string{"connectionId": c.ID})
	return nil
}

// MarkUsed refreshes the connection's updated timestamp on executor use
func (s *Service) MarkUsed(ctx context.Context, orgID, id string) error {
	c, err := s.conns.GetConnection(ctx, orgID, id)
	if err != nil {
		return err
	}
	return s.conns.UpdateConnection(ctx, c)
}

// Test probes a connection's credentials. First-class providers use a
// dedicated probe; everything else goes through the connector invoker.
// The result is persisted on the row.
func (s *Service) Test(ctx context.Context, orgID, id string) (*connector.TestResult, error) {
	c, err := s.conns.GetConnection(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	creds, err := s.Credentials(ctx, c)
	if err != nil {
		return nil, err
	}

	var result connector.TestResult
	if probe, ok := s.probes[c.Provider]; ok {
		result = probe(ctx, creds)
	} else if s.invoker != nil {
		result, err = s.invoker.TestConnection(ctx, c.Provider, creds)
		if err != nil {
			result = connector.TestResult{Success: false, Message: "probe failed", Error: err.Error()}
		}
	} else {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("no probe available for provider %q", c.Provider))
	}

	now := time.Now().UTC()
	c.LastTested = &now
	if result.Success {
		c.TestStatus = "ok"
		c.TestError = ""
	} else {
		c.TestStatus = "failed"
		c.TestError = result.Error
	}
	if err := s.conns.UpdateConnection(ctx, c); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExportedConnection is a masked export row; no plaintext leaves the service
type ExportedConnection struct {
	ID          string            `json:"id"`
	Provider    string            `json:"provider"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Credentials map[string]any    `json:"credentials"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Export returns the user's connections with masked credential values
func (s *Service) Export(ctx context.Context, orgID, userID string) ([]*ExportedConnection, error) {
	list, err := s.conns.ListConnections(ctx, orgID, userID, "")
	if err != nil {
		return nil, err
	}
	out := make([]*ExportedConnection, 0, len(list))
	for _, c := range list {
		creds, err := s.Credentials(ctx, c)
		if err != nil {
			log.WithComponent("connections").Warn().Err(err).
				Str("connection_id", c.ID).Msg("skipping undecryptable connection in export")
			continue
		}
		masked := make(map[string]any, len(creds))
		for k := range creds {
			masked[k] = redact.Mask
		}
		out = append(out, &ExportedConnection{
			ID: c.ID, Provider: c.Provider, Type: c.Type, Name: c.Name,
			Credentials: masked, Metadata: c.Metadata, CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

// ImportInput is one connection in an import payload
type ImportInput struct {
	Provider    string            `json:"provider"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Credentials map[string]any    `json:"credentials"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Import creates connections from an import payload, re-encrypting each
func (s *Service) Import(ctx context.Context, orgID, userID string, items []ImportInput) (int, error) {
	created := 0
	for _, item := range items {
		if _, err := s.Create(ctx, CreateInput{
			OrganizationID: orgID, UserID: userID,
			Provider: item.Provider, Type: item.Type, Name: item.Name,
			Credentials: item.Credentials, Metadata: item.Metadata,
		}); err != nil {
			return created, fmt.Errorf("import connection %q: %w", item.Name, err)
		}
		created++
	}
	return created, nil
}

// StoreOAuth upserts OAuth credentials keyed by (user, provider)
func (s *Service) StoreOAuth(ctx context.Context, orgID, userID, provider string, credentials map[string]any) (*types.Connection, error) {
	existing, err := s.conns.GetConnectionByProvider(ctx, orgID, userID, provider)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return s.Update(ctx, orgID, existing.ID, UpdateInput{Credentials: credentials})
	}
	return s.Create(ctx, CreateInput{
		OrganizationID: orgID, UserID: userID,
		Provider: provider, Type: "oauth", Name: provider,
		Credentials: credentials,
	})
}

// IssueScopedToken mints a short-TTL single-use bearer. The raw token is
// returned once; only its SHA-256 is stored.
func (s *Service) IssueScopedToken(ctx context.Context, scope, stepID string, ttl time.Duration) (string, *types.ScopedToken, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	t := &types.ScopedToken{
		ID:        uuid.NewString(),
		TokenHash: crypto.HashSHA256([]byte(token)),
		Scope:     scope,
		StepID:    stepID,
		ExpiresAt: time.Now().UTC().Add(ttl),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateScopedToken(ctx, t); err != nil {
		return "", nil, err
	}
	return token, t, nil
}

// ConsumeScopedToken validates and consumes a raw token exactly once
func (s *Service) ConsumeScopedToken(ctx context.Context, token string) (*types.ScopedToken, error) {
	t, err := s.store.ConsumeScopedToken(ctx, crypto.HashSHA256([]byte(token)))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, errs.Wrap(errs.KindAuth, "token expired", err)
		case errors.Is(err, storage.ErrTokenConsumed):
			return nil, errs.Wrap(errs.KindAuth, "token already used", err)
		case errors.Is(err, storage.ErrTokenUnknown):
			return nil, errs.Wrap(errs.KindAuth, "invalid token", err)
		}
		return nil, err
	}
	return t, nil
}

func (s *Service) audit(ctx context.Context, typ types.SecretAccessType, provider, userID string, metadata map[string]string) {
	err := s.store.AppendSecretAccess(ctx, &types.SecretAccessEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Provider:  provider,
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.WithComponent("connections").Error().Err(err).Msg("failed to append secret access audit")
	}
}
