package connector

import (
	"context"
	"time"
)

// OutcomeKind tags the result variant of a connector invocation
type OutcomeKind string

const (
	OutcomeOk       OutcomeKind = "ok"
	OutcomeRetry    OutcomeKind = "retry"
	OutcomeFail     OutcomeKind = "fail"
	OutcomeCallback OutcomeKind = "callback"
)

// FailureClass distinguishes retryable from terminal connector failures
type FailureClass string

const (
	FailureRetryable FailureClass = "retryable"
	FailureTerminal  FailureClass = "terminal"
)

// Outcome is the result of a connector invocation. Connectors report
// failures through the variant, never by error, so the executor can
// route each class deterministically.
type Outcome struct {
	Kind OutcomeKind

	// Ok
	Output map[string]any

	// Metering reported by the connector, zero values when absent
	APICallsMade int64
	TokensUsed   int64
	CostCents    int64

	// Retry
	Delay time.Duration

	// Fail
	Class   FailureClass
	Message string

	// Callback: the execution parks until its resume token is consumed.
	// WaitUntil, when set, also schedules a timer-based re-entry.
	WaitUntil *time.Time
	Metadata  map[string]any
}

// Ok builds a success outcome
func Ok(output map[string]any) Outcome {
	return Outcome{Kind: OutcomeOk, Output: output}
}

// Retry builds a retryable outcome with a suggested redelivery delay
func Retry(delay time.Duration, message string) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay, Class: FailureRetryable, Message: message}
}

// Fail builds a terminal failure outcome
func Fail(message string) Outcome {
	return Outcome{Kind: OutcomeFail, Class: FailureTerminal, Message: message}
}

// Callback builds a parked outcome awaiting an external resume
func Callback(waitUntil *time.Time, metadata map[string]any) Outcome {
	return Outcome{Kind: OutcomeCallback, WaitUntil: waitUntil, Metadata: metadata}
}

// TestResult is the outcome of a connection probe
type TestResult struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// ExecuteRequest carries one node invocation to a connector
type ExecuteRequest struct {
	AppID       string
	Op          string
	Credentials map[string]any
	Params      map[string]any

	// Execution context for connector-side logging and callbacks
	ExecutionID    string
	NodeID         string
	OrganizationID string
}

// PollEvent is one event returned by a polling invocation
type PollEvent struct {
	Data   map[string]any
	Cursor string
}

// Invoker is the boundary to connector integration code. The platform
// never calls third-party APIs directly; everything goes through here.
type Invoker interface {
	// Execute runs one operation. Transport or programming errors come
	// back as error; connector-level failures come back in the Outcome.
	Execute(ctx context.Context, req ExecuteRequest) (Outcome, error)

	// Poll fetches events since cursor for a polling trigger
	Poll(ctx context.Context, appID, op string, credentials, parameters map[string]any, cursor string) ([]PollEvent, string, error)

	// TestConnection probes credentials for an app
	TestConnection(ctx context.Context, appID string, credentials map[string]any) (TestResult, error)
}
