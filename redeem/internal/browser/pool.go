// CLAUDE:SUMMARY Fixed-size browser worker pool: claim, run once, report; automation errors are reported, never retried inline.
package browser

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// CheckFunc checks one code. A non-nil error is an automation error.
type CheckFunc func(ctx context.Context, code string) (Outcome, error)

// Task is one browser candidate.
type Task struct {
	Seq      int64
	Code     string
	Attempts int
}

// Reporter persists pool progress. A returned error stops the pool.
type Reporter interface {
	// Started claims the task for the browser. ok=false skips it.
	Started(ctx context.Context, t Task) (ok bool, err error)
	// Done records the outcome; err is the automation error, if any.
	Done(ctx context.Context, t Task, out Outcome, err error) error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers int // Default: 1.
	Logger  *slog.Logger
}

func (c *PoolConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool runs browser checks.
type Pool struct {
	cfg   PoolConfig
	check CheckFunc
}

// NewPool creates a Pool.
func NewPool(cfg PoolConfig, check CheckFunc) *Pool {
	cfg.defaults()
	return &Pool{cfg: cfg, check: check}
}

// Run processes tasks until the channel is closed, ctx is cancelled or a
// Reporter call fails.
func (p *Pool) Run(ctx context.Context, tasks <-chan Task, rep Reporter) error {
	g, ctx := errgroup.WithContext(ctx)
	for id := range p.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t, ok := <-tasks:
					if !ok {
						return nil
					}
					if err := p.process(ctx, id, t, rep); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, worker int, t Task, rep Reporter) error {
	ok, err := rep.Started(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	out, err := p.check(ctx, t.Code)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		p.cfg.Logger.Debug("browser: automation error", "worker", worker, "code", t.Code, "error", err)
	}
	return rep.Done(ctx, t, out, err)
}
