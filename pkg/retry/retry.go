package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/lestrrat-go/backoff/v2"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	MaxRetries  int           `yaml:"max_retries"`
	Jitter      float64       `yaml:"jitter"`
}

func Default() Policy {
	return Policy{
		MinInterval: 20 * time.Millisecond,
		MaxInterval: time.Second,
		MaxRetries:  5,
		Jitter:      0.1,
	}
}

func (p Policy) norm() Policy {
	if p.MinInterval <= 0 {
		p.MinInterval = 20 * time.Millisecond
	}
	if p.MaxInterval < p.MinInterval {
		p.MaxInterval = p.MinInterval
	}
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error or the attempts run out.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return p.DoIf(ctx, op, dberrors.IsRetryable, fn)
}

// DoIf is Do with a caller supplied retry predicate.
func (p Policy) DoIf(ctx context.Context, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.norm()

	// the controller goroutine lives until its context ends
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	policy := backoff.Exponential(
		backoff.WithMinInterval(p.MinInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithJitterFactor(p.Jitter),
		backoff.WithMaxRetries(p.MaxRetries),
	)

	var (
		err     error
		attempt int
	)
	b := policy.Start(bctx)
	for backoff.Continue(b) {
		attempt++
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		slog.Debug("retrying operation", "op", op, "attempt", attempt, "error", err)
	}
	if err == nil {
		err = ctx.Err()
	}

	return err
}
