package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/model"
	"golang.org/x/time/rate"
)

// Resilient wraps an Embedder with a per-call timeout, a rate limit and
// bounded exponential backoff. Failures that survive the retries are
// reported as model.ErrCollaboratorUnavailable.
type Resilient struct {
	inner      Embedder
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries uint64
	logger     *log.Logger

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewResilient wraps inner according to cfg.
func NewResilient(inner Embedder, cfg config.EmbeddingConfig, logger *log.Logger) *Resilient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Resilient{
		inner:      inner,
		limiter:    rate.NewLimiter(limit, max(1, int(cfg.RateLimit))),
		timeout:    cfg.Timeout,
		maxRetries: uint64(max(0, cfg.MaxRetries)),
		logger:     logger.With("component", "embedder"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (r *Resilient) Model() string   { return r.inner.Model() }
func (r *Resilient) Dimensions() int { return r.inner.Dimensions() }

// Unwrap returns the wrapped embedder.
func (r *Resilient) Unwrap() Embedder { return r.inner }

// Embed calls the wrapped embedder, retrying transient failures.
func (r *Resilient) Embed(ctx context.Context, text string) ([]float64, error) {
	attempt := 0
	op := func() ([]float64, error) {
		attempt++
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		callCtx, cancel := r.callContext(ctx)
		defer cancel()
		vec, err := r.inner.Embed(callCtx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if len(vec) == 0 {
			return nil, backoff.Permanent(errors.New("empty embedding"))
		}
		return vec, nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)
	vec, err := backoff.RetryNotifyWithData(op, b, func(err error, wait time.Duration) {
		r.logger.Debug("embed failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("embed after %d attempts: %w: %w", attempt, model.ErrCollaboratorUnavailable, err)
	}
	return vec, nil
}

func (r *Resilient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
