package director

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/storyloom/internal/observe"
)

// DefaultTimeout bounds a single director call made through a [Guard].
const DefaultTimeout = 60 * time.Second

// Compile-time interface assertion.
var _ Director = (*Guard)(nil)

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.timeout = d }
}

// WithFallback replaces [FallbackResponse] as the substitute turn source.
func WithFallback(fn func() Response) GuardOption {
	return func(g *Guard) { g.fallback = fn }
}

// WithGuardMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithGuardMetrics(m *observe.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// Guard wraps a Director so that NextTurn never fails. Errors, timeouts,
// panics and invalid replies are logged and replaced by a fallback turn with
// Fallback set.
type Guard struct {
	next     Director
	timeout  time.Duration
	fallback func() Response
	metrics  *observe.Metrics
}

// NewGuard wraps next.
func NewGuard(next Director, opts ...GuardOption) *Guard {
	g := &Guard{
		next:     next,
		timeout:  DefaultTimeout,
		fallback: FallbackResponse,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// NextTurn implements [Director]. The returned error is always nil.
func (g *Guard) NextTurn(ctx context.Context, req Request) (Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.call(ctx, req)
	if err == nil {
		err = resp.Validate()
	}
	took := time.Since(start)

	if err != nil {
		observe.Logger(ctx).Warn("director failed, using fallback turn",
			"action", req.Action,
			"duration", took,
			"err", err,
		)
		g.metrics.RecordDirectorCall(ctx, took, true)
		fb := g.fallback()
		fb.Fallback = true
		return fb, nil
	}
	g.metrics.RecordDirectorCall(ctx, took, false)
	return resp, nil
}

func (g *Guard) call(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("director panicked", "panic", r)
			err = ErrMalformedResponse
		}
	}()
	return g.next.NextTurn(ctx, req)
}
