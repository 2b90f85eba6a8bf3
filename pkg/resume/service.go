package resume

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/camber/pkg/crypto"
	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

const (
	minTokenTTL     = time.Minute
	defaultTokenTTL = 7 * 24 * time.Hour
)

// Signer exposes the process secret resume-token signatures are keyed on
type Signer interface {
	Secret() []byte
}

// Service issues and redeems resume tokens. The raw token never touches
// storage; only its SHA-256 hash is persisted, and redemption verifies
// the HMAC signature before any database access.
type Service struct {
	store      storage.Store
	dispatcher *queue.Dispatcher
	signer     Signer
	publicURL  string

	now func() time.Time
}

// NewService builds the resume token service
func NewService(store storage.Store, dispatcher *queue.Dispatcher, signer Signer, publicURL string) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		signer:     signer,
		publicURL:  publicURL,
		now:        time.Now,
	}
}

// IssueInput describes a waiting node to park
type IssueInput struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	NodeID         string
	ResumeState    map[string]any
	TTL            time.Duration

	// WaitUntil, when set, also schedules a timer so the execution
	// re-enters the queue without an external callback.
	WaitUntil *time.Time
}

// IssuedToken is handed to the external caller
type IssuedToken struct {
	TokenID     string
	Token       string
	Signature   string
	CallbackURL string
	ExpiresAt   time.Time
}

// IssueToken parks an execution node behind a single-use token
func (s *Service) IssueToken(ctx context.Context, in IssueInput) (*IssuedToken, error) {
	if in.ExecutionID == "" || in.NodeID == "" {
		return nil, errs.New(errs.KindValidation, "executionId and nodeId are required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate resume token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	ttl := in.TTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	record := &types.ResumeToken{
		ID:             uuid.NewString(),
		TokenHash:      crypto.HashSHA256([]byte(token)),
		ExecutionID:    in.ExecutionID,
		WorkflowID:     in.WorkflowID,
		OrganizationID: in.OrganizationID,
		NodeID:         in.NodeID,
		ResumeState:    in.ResumeState,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	}
	if err := s.store.CreateResumeToken(ctx, record); err != nil {
		return nil, err
	}

	if in.WaitUntil != nil {
		timer := &types.WorkflowTimer{
			ID:          uuid.NewString(),
			ExecutionID: in.ExecutionID,
			ResumeAt:    in.WaitUntil.UTC(),
			Payload:     in.ResumeState,
			Status:      types.TimerPending,
			CreatedAt:   now,
		}
		if err := s.store.CreateTimer(ctx, timer); err != nil {
			return nil, err
		}
	}

	log.WithExecutionID(in.ExecutionID).Debug().
		Str("node_id", in.NodeID).
		Time("expires_at", expiresAt).
		Msg("resume token issued")

	return &IssuedToken{
		TokenID:     record.ID,
		Token:       token,
		Signature:   s.sign(token),
		CallbackURL: fmt.Sprintf("%s/api/runs/%s/nodes/%s/resume", s.publicURL, in.ExecutionID, in.NodeID),
		ExpiresAt:   expiresAt,
	}, nil
}

// ConsumeInput identifies a redemption attempt. Zero scope fields are
// not matched against the stored token.
type ConsumeInput struct {
	Token          string
	Signature      string
	ExecutionID    string
	NodeID         string
	OrganizationID string
}

// Consume redeems a token and re-enqueues the parked execution.
// Unknown, expired, and badly-signed tokens all surface the same
// rejection so callers cannot probe for token existence; an
// already-consumed token answers 410, per the callback contract.
func (s *Service) Consume(ctx context.Context, in ConsumeInput) (*types.ResumeToken, error) {
	if !s.verifySignature(in.Token, in.Signature) {
		metrics.ResumeTokensConsumed.WithLabelValues("bad_signature").Inc()
		return nil, errTokenRejected()
	}

	record, err := s.store.ConsumeResumeToken(ctx, storage.ResumeConsume{
		TokenHash:      crypto.HashSHA256([]byte(in.Token)),
		ExecutionID:    in.ExecutionID,
		NodeID:         in.NodeID,
		OrganizationID: in.OrganizationID,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			metrics.ResumeTokensConsumed.WithLabelValues("expired").Inc()
		case errors.Is(err, storage.ErrTokenConsumed):
			metrics.ResumeTokensConsumed.WithLabelValues("consumed").Inc()
			return nil, errs.New(errs.KindGone, "resume token already consumed")
		case errors.Is(err, storage.ErrTokenUnknown):
			metrics.ResumeTokensConsumed.WithLabelValues("unknown").Inc()
		default:
			return nil, err
		}
		return nil, errTokenRejected()
	}

	if err := s.dispatcher.Resume(ctx, record.ExecutionID, record.ResumeState, 0); err != nil {
		// The execution never re-entered the queue, so hand the token
		// back rather than burning its single use.
		if reopenErr := s.store.ReopenResumeToken(ctx, record.TokenHash); reopenErr != nil {
			log.WithExecutionID(record.ExecutionID).Error().Err(reopenErr).
				Str("token_id", record.ID).
				Msg("failed to reopen resume token after enqueue failure")
		}
		return nil, err
	}
	metrics.ResumeTokensConsumed.WithLabelValues("ok").Inc()
	log.WithExecutionID(record.ExecutionID).Info().
		Str("node_id", record.NodeID).
		Msg("resume token consumed")
	return record, nil
}

// errTokenRejected is the single rejection every failed redemption gets
func errTokenRejected() error {
	return errs.New(errs.KindAuth, "invalid resume token")
}

func (s *Service) sign(token string) string {
	mac := hmac.New(sha256.New, s.signer.Secret())
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) verifySignature(token, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	expected := s.sign(token)
	return hmac.Equal([]byte(expected), []byte(signature))
}
