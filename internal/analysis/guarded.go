package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/lab-analyzer/backend/internal/models"
)

// ErrTimeout is returned when an analysis does not finish within the
// configured timeout.
var ErrTimeout = errors.New("analysis timed out")

// DefaultTimeout bounds a single analysis call.
const DefaultTimeout = 60 * time.Second

// Guarded wraps an Analyzer with a per-call timeout, a rate limit and
// panic recovery.
type Guarded struct {
	next    Analyzer
	timeout time.Duration
	limiter *rate.Limiter
}

// NewGuarded wraps next. perMinute <= 0 disables the rate limit.
func NewGuarded(next Analyzer, timeout time.Duration, perMinute int) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Guarded{next: next, timeout: timeout, limiter: limiter}
}

func (g *Guarded) Name() string {
	return g.next.Name()
}

func (g *Guarded) Analyze(ctx context.Context, req Request) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for analysis slot: %w", err)
	}

	type result struct {
		verdict *Verdict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("analyzer %s panicked: %v", g.next.Name(), r)}
			}
		}()
		v, err := g.next.Analyze(ctx, req)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
			}
			return nil, res.err
		}
		if res.verdict == nil {
			return nil, fmt.Errorf("%w: empty verdict", ErrMalformedResponse)
		}
		v := res.verdict
		v.Confidence = ClampConfidence(v.Confidence)
		if v.Flags == nil {
			v.Flags = []models.Flag{}
		}
		if v.Recommendations == nil {
			v.Recommendations = []string{}
		}
		return v, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
		}
		return nil, ctx.Err()
	}
}
