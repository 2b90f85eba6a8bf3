package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/errs"
)

func gatewayStub(t *testing.T, status int, response any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
}

func TestHTTPInvokerExecuteOk(t *testing.T) {
	srv := gatewayStub(t, http.StatusOK, map[string]any{
		"kind":   "ok",
		"output": map[string]any{"rows": 3},
		"usage":  map[string]any{"apiCallsMade": 2, "costCents": 1},
	})
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	out, err := inv.Execute(context.Background(), ExecuteRequest{AppID: "http", Op: "fetch"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOk, out.Kind)
	assert.Equal(t, float64(3), out.Output["rows"])
	assert.Equal(t, int64(2), out.APICallsMade)
	assert.Equal(t, int64(1), out.CostCents)
}

func TestHTTPInvokerExecuteRetryVariant(t *testing.T) {
	srv := gatewayStub(t, http.StatusOK, map[string]any{
		"kind":    "retry",
		"delayMs": 1500,
		"message": "rate limited upstream",
	})
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	out, err := inv.Execute(context.Background(), ExecuteRequest{AppID: "http", Op: "fetch"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, 1500*time.Millisecond, out.Delay)
}

func TestHTTPInvokerExecuteUnknownKind(t *testing.T) {
	srv := gatewayStub(t, http.StatusOK, map[string]any{"kind": "exploded"})
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	_, err := inv.Execute(context.Background(), ExecuteRequest{AppID: "http", Op: "fetch"})
	require.Error(t, err)
	assert.Equal(t, errs.KindTerminal, errs.KindOf(err))
}

func TestHTTPInvokerServerErrorIsRetryable(t *testing.T) {
	srv := gatewayStub(t, http.StatusBadGateway, nil)
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	_, err := inv.Execute(context.Background(), ExecuteRequest{AppID: "http", Op: "fetch"})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestHTTPInvokerClientErrorIsTerminal(t *testing.T) {
	srv := gatewayStub(t, http.StatusUnprocessableEntity, nil)
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	_, err := inv.Execute(context.Background(), ExecuteRequest{AppID: "http", Op: "fetch"})
	require.Error(t, err)
	assert.Equal(t, errs.KindTerminal, errs.KindOf(err))
}

func TestHTTPInvokerUnreachableIsRetryable(t *testing.T) {
	inv := NewHTTPInvoker("http://127.0.0.1:1")
	_, err := inv.Execute(context.Background(), ExecuteRequest{AppID: "http", Op: "fetch"})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestHTTPInvokerPoll(t *testing.T) {
	srv := gatewayStub(t, http.StatusOK, map[string]any{
		"events": []map[string]any{
			{"data": map[string]any{"id": "m1"}, "cursor": "1"},
			{"data": map[string]any{"id": "m2"}, "cursor": "2"},
		},
		"cursor": "2",
	})
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	events, cursor, err := inv.Poll(context.Background(), "slack", "messages", nil, nil, "0")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "2", cursor)
	assert.Equal(t, "m1", events[0].Data["id"])
}

func TestHTTPInvokerTestConnection(t *testing.T) {
	srv := gatewayStub(t, http.StatusOK, map[string]any{"success": true, "message": "authorized"})
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	result, err := inv.TestConnection(context.Background(), "slack", map[string]any{"botToken": "x"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "authorized", result.Message)
}
