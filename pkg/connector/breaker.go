package connector

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
)

// BreakerInvoker wraps an Invoker with a circuit breaker per app, so a
// misbehaving third-party API cannot stall every execution in the pool.
type BreakerInvoker struct {
	next Invoker

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerInvoker wraps next with per-app circuit breaking
func NewBreakerInvoker(next Invoker) *BreakerInvoker {
	return &BreakerInvoker{next: next, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (b *BreakerInvoker) breaker(appID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[appID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        appID,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("connector").Warn().
				Str("app", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	b.breakers[appID] = cb
	return cb
}

func (b *BreakerInvoker) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	v, err := b.breaker(req.AppID).Execute(func() (any, error) {
		return b.next.Execute(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Outcome{}, errs.Wrap(errs.KindRetryable, "connector circuit open", err)
		}
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (b *BreakerInvoker) Poll(ctx context.Context, appID, op string, credentials, parameters map[string]any, cursor string) ([]PollEvent, string, error) {
	type pollResult struct {
		events []PollEvent
		cursor string
	}
	v, err := b.breaker(appID).Execute(func() (any, error) {
		events, next, err := b.next.Poll(ctx, appID, op, credentials, parameters, cursor)
		if err != nil {
			return nil, err
		}
		return pollResult{events: events, cursor: next}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, "", errs.Wrap(errs.KindRetryable, "connector circuit open", err)
		}
		return nil, "", err
	}
	r := v.(pollResult)
	return r.events, r.cursor, nil
}

// TestConnection bypasses the breaker: probes are user-initiated and
// their failures should be reported, not short-circuited.
func (b *BreakerInvoker) TestConnection(ctx context.Context, appID string, credentials map[string]any) (TestResult, error) {
	return b.next.TestConnection(ctx, appID, credentials)
}
