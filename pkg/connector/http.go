package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/camber-io/camber/pkg/errs"
)

const invokeTimeout = 60 * time.Second

// HTTPInvoker talks to the connector gateway, the service that hosts
// the per-app integration code. Credentials travel in the request body
// over the internal network and are never logged here.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker builds an invoker against the gateway base URL
func NewHTTPInvoker(baseURL string) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: invokeTimeout},
	}
}

// wireOutcome is the gateway's response envelope for Execute
type wireOutcome struct {
	Kind     string         `json:"kind"`
	Output   map[string]any `json:"output,omitempty"`
	DelayMS  int64          `json:"delayMs,omitempty"`
	Class    string         `json:"class,omitempty"`
	Message  string         `json:"message,omitempty"`
	WaitUntil *time.Time    `json:"waitUntil,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Usage    struct {
		APICallsMade int64 `json:"apiCallsMade"`
		TokensUsed   int64 `json:"tokensUsed"`
		CostCents    int64 `json:"costCents"`
	} `json:"usage"`
}

func (h *HTTPInvoker) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	payload := map[string]any{
		"appId":       req.AppID,
		"op":          req.Op,
		"credentials": req.Credentials,
		"params":      req.Params,
		"context": map[string]any{
			"executionId":    req.ExecutionID,
			"nodeId":         req.NodeID,
			"organizationId": req.OrganizationID,
		},
	}

	var wire wireOutcome
	if err := h.post(ctx, "/v1/execute", payload, &wire); err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Kind:         OutcomeKind(wire.Kind),
		Output:       wire.Output,
		Delay:        time.Duration(wire.DelayMS) * time.Millisecond,
		Class:        FailureClass(wire.Class),
		Message:      wire.Message,
		WaitUntil:    wire.WaitUntil,
		Metadata:     wire.Metadata,
		APICallsMade: wire.Usage.APICallsMade,
		TokensUsed:   wire.Usage.TokensUsed,
		CostCents:    wire.Usage.CostCents,
	}
	switch out.Kind {
	case OutcomeOk, OutcomeRetry, OutcomeFail, OutcomeCallback:
		return out, nil
	default:
		return Outcome{}, errs.New(errs.KindTerminal, fmt.Sprintf("gateway returned unknown outcome kind %q", wire.Kind))
	}
}

func (h *HTTPInvoker) Poll(ctx context.Context, appID, op string, credentials, parameters map[string]any, cursor string) ([]PollEvent, string, error) {
	payload := map[string]any{
		"appId":       appID,
		"op":          op,
		"credentials": credentials,
		"parameters":  parameters,
		"cursor":      cursor,
	}
	var resp struct {
		Events []struct {
			Data   map[string]any `json:"data"`
			Cursor string         `json:"cursor"`
		} `json:"events"`
		Cursor string `json:"cursor"`
	}
	if err := h.post(ctx, "/v1/poll", payload, &resp); err != nil {
		return nil, "", err
	}
	events := make([]PollEvent, len(resp.Events))
	for i, e := range resp.Events {
		events[i] = PollEvent{Data: e.Data, Cursor: e.Cursor}
	}
	return events, resp.Cursor, nil
}

func (h *HTTPInvoker) TestConnection(ctx context.Context, appID string, credentials map[string]any) (TestResult, error) {
	payload := map[string]any{
		"appId":       appID,
		"credentials": credentials,
	}
	var result TestResult
	if err := h.post(ctx, "/v1/test", payload, &result); err != nil {
		return TestResult{}, err
	}
	return result, nil
}

// post sends one gateway request. Gateway 5xx and transport failures
// are retryable; 4xx means the request itself is wrong and is terminal.
func (h *HTTPInvoker) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindTerminal, "encode gateway request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindTerminal, "build gateway request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindRetryable, "connector gateway unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return errs.New(errs.KindRetryable, fmt.Sprintf("connector gateway returned %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return errs.New(errs.KindTerminal, fmt.Sprintf("connector gateway rejected request with %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindRetryable, "decode gateway response", err)
	}
	return nil
}
