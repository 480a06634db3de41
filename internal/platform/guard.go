package platform

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"pontoon.app/bridge/common/logger"
	"pontoon.app/bridge/core/config"
	"pontoon.app/bridge/internal/event"
)

// guardResult carries both send shapes through a single breaker.
type guardResult struct {
	handle  ThreadHandle
	receipt Receipt
}

// Guard wraps a Transport with a per-platform circuit breaker and a
// bounded retry policy. Retries run inside one breaker call, so the
// breaker only counts the post-retry outcome: a send that succeeds on
// its second attempt is a success, not one failure and one success.
type Guard struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker[guardResult]
	cfg       config.GuardConfig
	logger    *slog.Logger
	onOpen    func(p event.Platform)
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithOpenHook registers a callback fired each time the breaker trips
// open. Used for the circuit-open counter.
func WithOpenHook(fn func(p event.Platform)) GuardOption {
	return func(g *Guard) { g.onOpen = fn }
}

// NewGuard builds the guarded adapter for one platform.
func NewGuard(transport Transport, cfg config.GuardConfig, log *slog.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = slog.Default()
	}
	g := &Guard{
		transport: transport,
		cfg:       cfg,
		logger:    log,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.breaker = gobreaker.NewCircuitBreaker[guardResult](gobreaker.Settings{
		Name: "pontoon-" + string(transport.Platform()),
		// One trial call in HALF_OPEN; its outcome alone decides
		// whether the breaker closes again or re-opens.
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			if to == gobreaker.StateOpen && g.onOpen != nil {
				g.onOpen(transport.Platform())
			}
		},
	})
	return g
}

func (g *Guard) Platform() event.Platform {
	return g.transport.Platform()
}

// Deliver sends one formatted message. All outcomes come back as a
// DeliveryResult value; the caller never has to interpret raw errors.
func (g *Guard) Deliver(ctx context.Context, req DeliveryRequest) DeliveryResult {
	res, err := g.execute(ctx, func(ctx context.Context) (guardResult, error) {
		receipt, err := g.transport.Send(ctx, req)
		return guardResult{receipt: receipt}, err
	})
	if err != nil {
		return g.failureResult(ctx, req, err)
	}
	return Delivered(res.receipt)
}

// CreateThread starts a new destination thread rooted at the starter
// message, through the same breaker and retry policy as Deliver.
func (g *Guard) CreateThread(ctx context.Context, req ThreadRequest) (ThreadHandle, Receipt, error) {
	res, err := g.execute(ctx, func(ctx context.Context) (guardResult, error) {
		handle, receipt, err := g.transport.StartThread(ctx, req)
		return guardResult{handle: handle, receipt: receipt}, err
	})
	if err != nil {
		return "", Receipt{}, err
	}
	return res.handle, res.receipt, nil
}

func (g *Guard) execute(ctx context.Context, call func(ctx context.Context) (guardResult, error)) (guardResult, error) {
	return g.breaker.Execute(func() (guardResult, error) {
		op := func() (guardResult, error) {
			attemptCtx := ctx
			var cancel context.CancelFunc
			if g.cfg.RequestTimeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
				defer cancel()
			}
			res, err := call(attemptCtx)
			if err != nil {
				if se := AsSendError(err); !se.Retryable {
					return guardResult{}, backoff.Permanent(err)
				}
				return guardResult{}, err
			}
			return res, nil
		}

		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = g.cfg.RetryInitial
		expo.MaxInterval = g.cfg.RetryMax

		return backoff.Retry(ctx, op,
			backoff.WithBackOff(expo),
			backoff.WithMaxTries(uint(g.cfg.RetryAttempts)))
	})
}

func (g *Guard) failureResult(ctx context.Context, req DeliveryRequest, err error) DeliveryResult {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.WarnContext(ctx, "delivery rejected, circuit open",
			"platform", g.transport.Platform(),
			"event_id", req.EventID)
		return CircuitOpen()
	}

	se := AsSendError(err)
	g.logger.ErrorContext(ctx, "delivery failed",
		"platform", g.transport.Platform(),
		"event_id", req.EventID,
		"reason", se.Reason,
		"retryable", se.Retryable,
		"error", logger.Truncate(se.Error(), 500))
	return Failed(se.Reason, se.Retryable)
}
