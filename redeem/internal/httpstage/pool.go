// CLAUDE:SUMMARY Fixed-size HTTP worker pool with per-worker jittered pacing and bounded retry of transport errors.
package httpstage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrRetriesExhausted is reported for a task whose stored attempts already
// reached the retry budget.
var ErrRetriesExhausted = errors.New("httpstage: retries exhausted")

// CheckFunc checks one code. A non-nil error is a transport error.
type CheckFunc func(ctx context.Context, code string) (Outcome, error)

// Task is one claimed row.
type Task struct {
	Seq      int64
	Code     string
	Attempts int // attempts already consumed
}

// Result is the final HTTP-stage outcome of a task. Err is set when the
// task ended on a transport error after its last allowed attempt.
type Result struct {
	Task     Task
	Outcome  Outcome
	Attempts int
	Err      error
}

// Reporter persists pool progress. A returned error stops the pool.
type Reporter interface {
	// Retry records a failed attempt that will be retried.
	Retry(ctx context.Context, t Task, attempts int, err error) error
	// Done records the final outcome of a task.
	Done(ctx context.Context, r Result) error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers    int           // Default: 1.
	Delay      time.Duration // minimum gap between one worker's consecutive requests
	MaxRetries int           // transport-error retries per task
	Logger     *slog.Logger
}

func (c *PoolConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool runs HTTP checks.
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
// Reporter call fails. Each task is handled by exactly one worker.
func (p *Pool) Run(ctx context.Context, tasks <-chan Task, rep Reporter) error {
	g, ctx := errgroup.WithContext(ctx)
	for id := range p.cfg.Workers {
		g.Go(func() error {
			w := &worker{id: id, pool: p}
			return w.run(ctx, tasks, rep)
		})
	}
	return g.Wait()
}

type worker struct {
	id   int
	pool *Pool
	last time.Time
}

func (w *worker) run(ctx context.Context, tasks <-chan Task, rep Reporter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-tasks:
			if !ok {
				return nil
			}
			if err := w.process(ctx, t, rep); err != nil {
				return err
			}
		}
	}
}

func (w *worker) process(ctx context.Context, t Task, rep Reporter) error {
	cfg := w.pool.cfg
	attempts := t.Attempts
	if attempts > cfg.MaxRetries {
		return rep.Done(ctx, Result{Task: t, Attempts: attempts, Err: ErrRetriesExhausted})
	}
	for {
		if err := w.pace(ctx); err != nil {
			return err
		}
		w.last = time.Now()
		out, err := w.pool.check(ctx, t.Code)
		attempts++
		if err == nil {
			return rep.Done(ctx, Result{Task: t, Outcome: out, Attempts: attempts})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts <= cfg.MaxRetries {
			cfg.Logger.Debug("httpstage: transport error, retrying",
				"worker", w.id, "code", t.Code, "attempts", attempts, "error", err)
			if err := rep.Retry(ctx, t, attempts, err); err != nil {
				return err
			}
			continue
		}
		return rep.Done(ctx, Result{Task: t, Outcome: out, Attempts: attempts, Err: err})
	}
}

// pace waits until the worker's previous request is at least the jittered
// delay in the past.
func (w *worker) pace(ctx context.Context) error {
	d := w.pool.cfg.Delay
	if d <= 0 || w.last.IsZero() {
		return nil
	}
	gap := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	wait := time.Until(w.last.Add(gap))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
