package triggers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/jsonval"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
	"github.com/camber-io/camber/pkg/queue"
	"github.com/camber-io/camber/pkg/storage"
	"github.com/camber-io/camber/pkg/types"
)

// maxSeenTokens bounds the in-memory dedup window per webhook; older
// tokens are evicted FIFO and fall back to the database dedup table.
const maxSeenTokens = 500

// Receiver registers webhooks and turns verified webhook requests into
// execution jobs. The in-memory trigger map is a cache rebuilt from
// storage at startup; storage stays the source of truth.
type Receiver struct {
	store      storage.Store
	dispatcher *queue.Dispatcher

	mu    sync.RWMutex
	cache map[string]*types.WebhookTrigger
	seen  map[string]*tokenWindow

	now func() time.Time
}

// tokenWindow is a bounded FIFO of recently seen dedup tokens
type tokenWindow struct {
	order  []string
	tokens map[string]struct{}
}

func (w *tokenWindow) contains(token string) bool {
	_, found := w.tokens[token]
	return found
}

func (w *tokenWindow) add(token string) {
	if w.contains(token) {
		return
	}
	w.order = append(w.order, token)
	w.tokens[token] = struct{}{}
	for len(w.order) > maxSeenTokens {
		delete(w.tokens, w.order[0])
		w.order = w.order[1:]
	}
}

// NewReceiver builds the webhook receiver
func NewReceiver(store storage.Store, dispatcher *queue.Dispatcher) *Receiver {
	return &Receiver{
		store:      store,
		dispatcher: dispatcher,
		cache:      map[string]*types.WebhookTrigger{},
		seen:       map[string]*tokenWindow{},
		now:        time.Now,
	}
}

// Load rebuilds the webhook cache from storage
func (r *Receiver) Load(ctx context.Context) error {
	triggers, err := r.store.ListWebhookTriggers(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*types.WebhookTrigger, len(triggers))
	for _, w := range triggers {
		if w.IsActive {
			r.cache[w.ID] = w
		}
	}
	log.WithComponent("webhook").Info().Int("count", len(r.cache)).Msg("webhook cache loaded")
	return nil
}

// RegisterInput describes a webhook binding to create
type RegisterInput struct {
	WorkflowID     string
	OrganizationID string
	AppID          string
	TriggerID      string
	Secret         string
	Provider       string
}

// Register persists a webhook binding. The id is stable for a given
// binding and creation instant, so re-registration yields a new endpoint.
func (r *Receiver) Register(ctx context.Context, in RegisterInput) (*types.WebhookTrigger, error) {
	if in.WorkflowID == "" || in.OrganizationID == "" || in.AppID == "" || in.TriggerID == "" {
		return nil, errs.New(errs.KindValidation, "workflowId, organizationId, appId and triggerId are required")
	}
	createdAt := r.now().UTC()
	w := &types.WebhookTrigger{
		ID:             webhookID(in.AppID, in.TriggerID, in.WorkflowID, createdAt),
		WorkflowID:     in.WorkflowID,
		OrganizationID: in.OrganizationID,
		AppID:          in.AppID,
		TriggerID:      in.TriggerID,
		Secret:         in.Secret,
		Provider:       in.Provider,
		IsActive:       true,
		CreatedAt:      createdAt,
	}
	if err := r.store.CreateWebhookTrigger(ctx, w); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[w.ID] = w
	r.mu.Unlock()
	log.WithWorkflowID(in.WorkflowID).Info().
		Str("webhook_id", w.ID).
		Str("app_id", in.AppID).
		Msg("webhook registered")
	return w, nil
}

func webhookID(appID, triggerID, workflowID string, createdAt time.Time) string {
	sum := md5.Sum([]byte(appID + "|" + triggerID + "|" + workflowID + "|" + createdAt.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:16]
}

// Request is one inbound webhook delivery
type Request struct {
	WebhookID string
	Method    string
	Host      string
	Path      string
	Header    http.Header
	Body      []byte
}

// Result reports how a delivery was handled. Duplicate deliveries are
// acknowledged without an execution.
type Result struct {
	Duplicate   bool
	ExecutionID string
}

// Handle verifies, dedupes, and dispatches one webhook delivery
func (r *Receiver) Handle(ctx context.Context, req Request) (*Result, error) {
	r.mu.RLock()
	w, found := r.cache[req.WebhookID]
	r.mu.RUnlock()
	if !found {
		// Cache miss; fall back to storage before rejecting.
		stored, err := r.store.GetWebhookTrigger(ctx, req.WebhookID)
		if err != nil || !stored.IsActive {
			metrics.WebhooksReceived.WithLabelValues("unknown").Inc()
			return nil, errs.New(errs.KindNotFound, "webhook not found")
		}
		w = stored
		r.mu.Lock()
		r.cache[w.ID] = w
		r.mu.Unlock()
	}

	if w.Secret != "" {
		ok, reason := Verify(VerifyInput{
			Provider: w.Provider,
			Secret:   w.Secret,
			Method:   req.Method,
			Host:     req.Host,
			Path:     req.Path,
			Header:   req.Header,
			Body:     req.Body,
			Now:      r.now(),
		})
		if !ok {
			r.recordVerificationFailure(ctx, w, reason)
			metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
			// Constant response shape; the reason stays server-side.
			return nil, errs.New(errs.KindAuth, "signature verification failed")
		}
	}

	source := w.Provider
	if source == "" {
		source = "generic"
	}
	token := dedupeToken(w, source, req.Body)

	if r.markSeen(w.ID, token) {
		r.recordDuplicate(ctx, w, source, token)
		metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
		return &Result{Duplicate: true}, nil
	}
	if err := r.store.InsertWebhookDedupe(ctx, &types.WebhookDedupe{
		TriggerID: w.ID,
		Token:     token,
		CreatedAt: r.now().UTC(),
	}); err != nil {
		if errors.Is(err, storage.ErrDedupeConflict) {
			r.recordDuplicate(ctx, w, source, token)
			metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
			return &Result{Duplicate: true}, nil
		}
		return nil, err
	}

	return r.dispatch(ctx, w, source, token, req)
}

func (r *Receiver) dispatch(ctx context.Context, w *types.WebhookTrigger, source, token string, req Request) (*Result, error) {
	event := &types.WebhookEvent{
		ID:          uuid.NewString(),
		WebhookID:   w.ID,
		WorkflowID:  w.WorkflowID,
		Source:      source,
		DedupeToken: token,
		ReceivedAt:  r.now().UTC(),
	}
	if err := r.store.SaveWebhookEvent(ctx, event); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		payload = string(req.Body)
	}
	headers := map[string]any{}
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	e, err := r.dispatcher.Dispatch(ctx, queue.DispatchInput{
		WorkflowID:     w.WorkflowID,
		OrganizationID: w.OrganizationID,
		Environment:    types.EnvProduction,
		TriggerType:    types.TriggerWebhook,
		TriggerData: map[string]any{
			"appId":       w.AppID,
			"triggerId":   w.TriggerID,
			"payload":     payload,
			"headers":     headers,
			"dedupeToken": token,
			"timestamp":   r.now().UTC().Format(time.RFC3339),
			"source":      source,
		},
	})
	if err != nil {
		if markErr := r.store.MarkWebhookEventProcessed(ctx, event.ID, "", err.Error()); markErr != nil {
			log.WithComponent("webhook").Error().Err(markErr).Msg("failed to mark webhook event failed")
		}
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := r.store.MarkWebhookEventProcessed(ctx, event.ID, e.ID, ""); err != nil {
		log.WithComponent("webhook").Error().Err(err).Msg("failed to mark webhook event processed")
	}
	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	return &Result{ExecutionID: e.ID}, nil
}

// markSeen reports whether token was already in the webhook's window and
// records it otherwise
func (r *Receiver) markSeen(webhookID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	window, found := r.seen[webhookID]
	if !found {
		window = &tokenWindow{tokens: map[string]struct{}{}}
		r.seen[webhookID] = window
	}
	if window.contains(token) {
		return true
	}
	window.add(token)
	return false
}

func (r *Receiver) recordDuplicate(ctx context.Context, w *types.WebhookTrigger, source, token string) {
	event := &types.WebhookEvent{
		ID:          uuid.NewString(),
		WebhookID:   w.ID,
		WorkflowID:  w.WorkflowID,
		Source:      source,
		DedupeToken: token,
		Duplicate:   true,
		ReceivedAt:  r.now().UTC(),
	}
	if err := r.store.SaveWebhookEvent(ctx, event); err != nil {
		log.WithComponent("webhook").Error().Err(err).Msg("failed to record duplicate webhook event")
	}
}

func (r *Receiver) recordVerificationFailure(ctx context.Context, w *types.WebhookTrigger, reason FailureReason) {
	log.WithComponent("webhook").Warn().
		Str("webhook_id", w.ID).
		Str("provider", w.Provider).
		Str("reason", string(reason)).
		Msg("webhook signature verification failed")
	event := &types.WebhookEvent{
		ID:         uuid.NewString(),
		WebhookID:  w.ID,
		WorkflowID: w.WorkflowID,
		Source:     w.Provider,
		Error:      "verification failed: " + string(reason),
		ReceivedAt: r.now().UTC(),
	}
	if err := r.store.SaveWebhookEvent(ctx, event); err != nil {
		log.WithComponent("webhook").Error().Err(err).Msg("failed to record verification failure")
	}
}

// dedupeToken hashes the identity of a delivery: binding, source, and
// the canonical form of the payload. Non-JSON bodies hash as raw bytes.
func dedupeToken(w *types.WebhookTrigger, source string, body []byte) string {
	canonical := canonicalPayload(body)
	sum := md5.Sum([]byte(w.WorkflowID + "|" + w.ID + "|" + w.TriggerID + "|" + source + "|" + canonical))
	return hex.EncodeToString(sum[:])
}

func canonicalPayload(body []byte) string {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	canonical, err := jsonval.Canonical(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return canonical
}
