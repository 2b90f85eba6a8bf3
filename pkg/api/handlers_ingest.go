package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/resume"
	"github.com/camber-io/camber/pkg/triggers"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB
const maxWebhookBody = 1 << 20

// handleWebhook feeds one raw delivery to the receiver. The body is
// passed through untouched so provider signatures verify against the
// exact bytes on the wire.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, errs.New(errs.KindValidation, "unreadable request body"))
		return
	}
	if len(body) > maxWebhookBody {
		writeError(w, errs.New(errs.KindValidation, "request body too large"))
		return
	}

	result, err := s.receiver.Handle(r.Context(), triggers.Request{
		WebhookID: chi.URLParam(r, "webhookID"),
		Method:    r.Method,
		Host:      r.Host,
		Path:      r.URL.Path,
		Header:    r.Header,
		Body:      body,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "executionId": result.ExecutionID})
}

// handleResume redeems a resume token from the callback URL issued when
// the execution parked. Rejections share one message by design upstream.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	record, err := s.resume.Consume(r.Context(), resume.ConsumeInput{
		Token:       r.URL.Query().Get("token"),
		Signature:   r.URL.Query().Get("signature"),
		ExecutionID: chi.URLParam(r, "executionID"),
		NodeID:      chi.URLParam(r, "nodeID"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "executionId": record.ExecutionID})
}
