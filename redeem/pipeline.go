// CLAUDE:SUMMARY Per-job pipeline: claims pending rows into the HTTP pool, escalates undecided rows to the browser pool, persists every transition.
package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/redeemcheck/redeem/internal/browser"
	"github.com/hazyhaar/redeemcheck/redeem/internal/httpstage"
	"github.com/hazyhaar/redeemcheck/redeem/internal/match"
	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
	"github.com/hazyhaar/redeemcheck/redeem/internal/store"
)

// noRuleReason is recorded for pages no rule classified.
const noRuleReason = "no rule matched"

type pipeline struct {
	svc     *Service
	job     *store.Job
	prof    *profile.Profile
	session *profile.SessionState
	log     *slog.Logger

	escalate bool
	browserQ chan browser.Task
}

// run drives the job until no row is left for either stage, ctx is done or
// a store write fails for good.
func (p *pipeline) run(ctx context.Context) error {
	useHTTP := p.prof.UsesHTTP()
	p.escalate = p.prof.UsesBrowser() && p.job.BrowserConcurrency > 0
	if !useHTTP && !p.escalate {
		return fmt.Errorf("profile %s has neither stage enabled for this job", p.prof.Name)
	}

	if !useHTTP {
		err := p.svc.withRetry(ctx, "queue for browser", func() error {
			_, err := p.svc.store.TransitionAll(ctx, p.job.ID, store.StatusPending, store.StatusQueuedBrowser)
			return err
		})
		if err != nil {
			return err
		}
	}
	if !p.escalate {
		return p.runHTTP(ctx)
	}

	// Rows the HTTP stage finished but never handed over, e.g. after a crash.
	err := p.svc.withRetry(ctx, "queue uncertain", func() error {
		_, err := p.svc.store.QueueUncertainForBrowser(ctx, p.job.ID)
		return err
	})
	if err != nil {
		return err
	}

	p.browserQ = make(chan browser.Task, p.job.BrowserConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	var producers sync.WaitGroup
	producers.Add(1)
	g.Go(func() error {
		defer producers.Done()
		return p.feedBacklog(gctx)
	})
	if useHTTP {
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			return p.runHTTP(gctx)
		})
	}
	g.Go(func() error {
		producers.Wait()
		close(p.browserQ)
		return nil
	})
	g.Go(func() error { return p.runBrowser(gctx) })
	return g.Wait()
}

func (p *pipeline) runHTTP(ctx context.Context) error {
	checker := &httpstage.Checker{
		Profile:     p.prof,
		URLOverride: p.job.URLOverride,
		Session:     p.session,
		Transport:   p.svc.transport,
	}
	pool := httpstage.NewPool(httpstage.PoolConfig{
		Workers:    p.job.HTTPConcurrency,
		Delay:      p.job.RequestDelay(),
		MaxRetries: p.job.MaxRetries,
		Logger:     p.log,
	}, checker.Check)

	tasks := make(chan httpstage.Task)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tasks)
		for {
			var rows []*store.Row
			err := p.svc.withRetry(gctx, "claim pending", func() error {
				var err error
				rows, err = p.svc.store.ClaimPending(gctx, p.job.ID, p.job.HTTPConcurrency)
				return err
			})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			for _, r := range rows {
				select {
				case tasks <- httpstage.Task{Seq: r.Seq, Code: r.Code, Attempts: r.Attempts}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})
	g.Go(func() error { return pool.Run(gctx, tasks, httpReporter{p}) })
	return g.Wait()
}

func (p *pipeline) feedBacklog(ctx context.Context) error {
	var rows []*store.Row
	err := p.svc.withRetry(ctx, "list browser queue", func() error {
		var err error
		rows, err = p.svc.store.ListRows(ctx, store.RowFilter{JobID: p.job.ID, Status: store.StatusQueuedBrowser})
		return err
	})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := p.toBrowser(ctx, browser.Task{Seq: r.Seq, Code: r.Code, Attempts: r.Attempts}); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) toBrowser(ctx context.Context, t browser.Task) error {
	select {
	case p.browserQ <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeline) runBrowser(ctx context.Context) error {
	checker := &browser.Checker{
		Profile:     p.prof,
		URLOverride: p.job.URLOverride,
		Session:     p.session,
		Automation:  p.svc.automation,
	}
	pool := browser.NewPool(browser.PoolConfig{
		Workers: p.job.BrowserConcurrency,
		Logger:  p.log,
	}, checker.Check)
	return pool.Run(ctx, p.browserQ, browserReporter{p})
}

// write applies a transition. A row changed by another writer is skipped:
// ok is false and err nil.
func (p *pipeline) write(ctx context.Context, t store.Transition) (ok bool, err error) {
	err = p.svc.withRetry(ctx, "update row", func() error {
		return p.svc.store.UpdateRowStatus(ctx, t)
	})
	if errors.Is(err, store.ErrStaleRow) {
		p.log.Debug("redeem: row changed concurrently, skipping", "seq", t.Seq, "from", t.From, "to", t.To)
		return false, nil
	}
	return err == nil, err
}

func verdictStatus(v match.Verdict, rule string) (store.Status, string) {
	switch v {
	case match.Success:
		return store.StatusValid, rule
	case match.Failure:
		return store.StatusInvalid, rule
	case match.Blocked:
		return store.StatusBlocked, rule
	}
	return store.StatusUnknown, noRuleReason
}

type httpReporter struct{ p *pipeline }

func (r httpReporter) Retry(ctx context.Context, t httpstage.Task, attempts int, err error) error {
	_, werr := r.p.write(ctx, store.Transition{
		Seq:      t.Seq,
		From:     store.StatusRunning,
		To:       store.StatusRunning,
		Source:   store.SourceHTTP,
		Reason:   err.Error(),
		Attempts: attempts,
	})
	return werr
}

func (r httpReporter) Done(ctx context.Context, res httpstage.Result) error {
	tr := store.Transition{
		Seq:        res.Task.Seq,
		From:       store.StatusRunning,
		Source:     store.SourceHTTP,
		Attempts:   res.Attempts,
		HTTPStatus: res.Outcome.StatusCode,
		FinalURL:   res.Outcome.FinalURL,
	}
	if res.Err != nil {
		tr.To, tr.Reason = store.StatusError, res.Err.Error()
	} else {
		tr.To, tr.Reason = verdictStatus(res.Outcome.Verdict, res.Outcome.Rule)
	}
	ok, err := r.p.write(ctx, tr)
	if !ok {
		return err
	}
	r.p.log.Debug("redeem: http checked", "code", res.Task.Code, "status", tr.To, "reason", tr.Reason)

	if !tr.To.Uncertain() || !r.p.escalate {
		return nil
	}
	esc := tr
	esc.From, esc.To = tr.To, store.StatusQueuedBrowser
	if ok, err := r.p.write(ctx, esc); !ok {
		return err
	}
	return r.p.toBrowser(ctx, browser.Task{Seq: res.Task.Seq, Code: res.Task.Code, Attempts: res.Attempts})
}

type browserReporter struct{ p *pipeline }

func (r browserReporter) Started(ctx context.Context, t browser.Task) (bool, error) {
	return r.p.write(ctx, store.Transition{
		Seq:      t.Seq,
		From:     store.StatusQueuedBrowser,
		To:       store.StatusRunning,
		Source:   store.SourceBrowser,
		Attempts: t.Attempts,
	})
}

func (r browserReporter) Done(ctx context.Context, t browser.Task, out browser.Outcome, runErr error) error {
	tr := store.Transition{
		Seq:      t.Seq,
		From:     store.StatusRunning,
		Source:   store.SourceBrowser,
		Attempts: t.Attempts,
		FinalURL: out.FinalURL,
	}
	if runErr != nil {
		tr.To, tr.Reason = store.StatusError, runErr.Error()
	} else {
		tr.To, tr.Reason = verdictStatus(out.Verdict, out.Rule)
	}
	ok, err := r.p.write(ctx, tr)
	if ok {
		r.p.log.Debug("redeem: browser checked", "code", t.Code, "status", tr.To, "reason", tr.Reason)
	}
	return err
}
