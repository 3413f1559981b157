package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardOptions configures a guarded sender.
type GuardOptions struct {
	MaxFailures   int
	OpenTimeout   time.Duration
	RatePerMinute int
}

// Guarded wraps a Sender with a rate limiter and a circuit breaker so a
// failing channel is skipped quickly instead of stalling every escalation.
type Guarded struct {
	inner   Sender
	cb      *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
}

func NewGuarded(inner Sender, opts GuardOptions, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}

	maxFailures := uint32(opts.MaxFailures)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        inner.Channel(),
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notification channel breaker changed state",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	g := &Guarded{inner: inner, cb: cb}
	if opts.RatePerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), opts.RatePerMinute)
	}
	return g
}

func (g *Guarded) Channel() string { return g.inner.Channel() }

func (g *Guarded) Send(ctx context.Context, address string, msg Message) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.inner.Send(ctx, address, msg)
	})
	return err
}

// State reports the breaker state, e.g. "closed" or "open".
func (g *Guarded) State() string {
	return g.cb.State().String()
}
