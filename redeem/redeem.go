// CLAUDE:SUMMARY Main Service: job creation, background runs with per-job cancellation, rerun, progress, listings, exports and startup recovery.
// Package redeem verifies batches of redeem codes against the sites that
// issue them.
//
// A job holds one row per unique code. Rows go through a plain HTTP check
// first; rows the HTTP stage cannot decide (unknown, blocked, error) are
// queued for a real browser. Each job runs with its own HTTP and browser
// worker pools, sized from the job's parameters.
package redeem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/redeemcheck/idgen"
	"github.com/hazyhaar/redeemcheck/redeem/internal/browser"
	"github.com/hazyhaar/redeemcheck/redeem/internal/codes"
	"github.com/hazyhaar/redeemcheck/redeem/internal/export"
	"github.com/hazyhaar/redeemcheck/redeem/internal/httpstage"
	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
	"github.com/hazyhaar/redeemcheck/redeem/internal/store"
)

// Service is the redeem orchestrator.
type Service struct {
	store      *store.Store
	profiles   *profile.Registry
	transport  Transport
	automation Automation
	browsers   *browser.Manager // nil when an Automation was injected
	logger     *slog.Logger
	config     *Config
	newID      idgen.Generator

	base    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeJob
	closed bool
}

type activeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
	// reserved marks a short store mutation on an idle job, not a run.
	reserved bool
}

// Option configures a Service during creation.
type Option func(*Service)

// WithTransport replaces the net/http transport of the HTTP stage.
func WithTransport(t Transport) Option {
	return func(s *Service) { s.transport = t }
}

// WithAutomation replaces the Chrome-backed browser stage.
func WithAutomation(a Automation) Option {
	return func(s *Service) { s.automation = a }
}

// WithIDGenerator sets the job ID generator. Default: idgen.New.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Service) { s.newID = g }
}

// New creates a Service on db, applying the schema and loading profiles.
// Invalid profile files are logged and skipped.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("redeem: apply schema: %w", err)
	}

	svc := &Service{
		store:  store.NewStore(db),
		logger: logger,
		config: cfg,
		newID:  idgen.New,
		active: make(map[string]*activeJob),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.transport == nil {
		svc.transport = httpstage.NewClient(httpstage.ClientConfig{
			Timeout:   cfg.HTTP.Timeout,
			MaxBytes:  cfg.HTTP.MaxBytes,
			UserAgent: cfg.HTTP.UserAgent,
		})
	}
	if svc.automation == nil {
		svc.browsers = browser.NewManager(browser.Config{
			RemoteURL:       cfg.Browser.RemoteURL,
			Headful:         cfg.Browser.Headful,
			RecycleInterval: cfg.Browser.RecycleInterval,
			Logger:          logger,
		})
		svc.automation = browser.NewDriver(svc.browsers)
	}

	svc.profiles = profile.NewRegistry(profile.RegistryConfig{
		Dir:         cfg.ProfilesDir,
		SessionsDir: cfg.SessionsDir,
		Logger:      logger,
	})
	if err := svc.profiles.Load(); err != nil {
		logger.Warn("redeem: some profiles failed to load", "error", err)
	}

	svc.base, svc.stopAll = context.WithCancel(context.Background())
	return svc, nil
}

// --- Profiles ---

// ListProfiles returns the loaded profiles sorted by name.
func (s *Service) ListProfiles() []ProfileSummary {
	return s.profiles.Summaries()
}

// ReloadProfiles re-reads the profiles directory. Valid files are published
// even when others fail; the failures are returned joined.
func (s *Service) ReloadProfiles() error {
	return s.profiles.Load()
}

// WatchProfiles reloads profiles whenever the directory changes, until ctx
// is done.
func (s *Service) WatchProfiles(ctx context.Context, debounce time.Duration) error {
	return profile.Watch(ctx, s.profiles, debounce)
}

// SaveSessionState stores a browser session for a profile. data must be a
// storage-state JSON object.
func (s *Service) SaveSessionState(name string, data []byte) error {
	if _, err := s.profile(name); err != nil {
		return err
	}
	if _, err := profile.ParseSessionState(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.profiles.SaveSessionState(name, data)
}

func (s *Service) profile(name string) (*profile.Profile, error) {
	p, err := s.profiles.Get(name)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, err
}

// --- Jobs ---

// DefaultParams returns the configured job parameter defaults.
func (s *Service) DefaultParams() JobParams {
	return s.config.Defaults
}

// CreateJob validates req, normalizes its codes and stores the job with one
// pending row per unique code. It does not start the job.
func (s *Service) CreateJob(ctx context.Context, req JobRequest) (*CreateResult, error) {
	p, err := s.profile(req.ProfileName)
	if err != nil {
		return nil, err
	}
	override := strings.TrimSpace(req.URLOverride)
	if override != "" {
		if err := validateOverride(override); err != nil {
			return nil, err
		}
	}
	norm := codes.Normalize(req.Codes)
	if norm.Unique == 0 {
		return nil, ErrNoCodes
	}

	params := req.Params
	if params == (JobParams{}) {
		params = s.config.Defaults
	}
	params = params.Clamp()
	// Rows of a profile without an HTTP stage can only be checked in the browser.
	if !p.UsesHTTP() && params.BrowserConcurrency == 0 {
		params.BrowserConcurrency = 1
	}

	job := &store.Job{
		ID:                 s.newID(),
		ProfileName:        p.Name,
		URLOverride:        override,
		CreatedBy:          req.CreatedBy,
		HTTPConcurrency:    params.HTTPConcurrency,
		BrowserConcurrency: params.BrowserConcurrency,
		MaxRetries:         params.MaxRetries,
		RequestDelayMS:     params.RequestDelay.Milliseconds(),
	}
	err = s.withRetry(ctx, "create job", func() error {
		return s.store.CreateJob(ctx, job, norm.Codes)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("redeem: job created", "job_id", job.ID, "profile", p.Name,
		"codes", norm.Unique, "duplicates", norm.Duplicates)
	return &CreateResult{Job: job, Raw: norm.Raw, Unique: norm.Unique, Duplicates: norm.Duplicates}, nil
}

// Submit creates a job and starts it in the background.
func (s *Service) Submit(ctx context.Context, req JobRequest) (*CreateResult, error) {
	res, err := s.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.StartJob(ctx, res.Job.ID); err != nil {
		return res, err
	}
	return res, nil
}

func validateOverride(raw string) error {
	if !strings.Contains(raw, profile.Placeholder) {
		return fmt.Errorf("%w: url override must contain %s", ErrInvalidInput, profile.Placeholder)
	}
	u, err := url.Parse(strings.ReplaceAll(raw, profile.Placeholder, "x"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url override must be an absolute http(s) URL", ErrInvalidInput)
	}
	return nil
}

// StartJob runs a job in the background. It fails with ErrJobRunning when
// the job is already running.
func (s *Service) StartJob(ctx context.Context, id string) error {
	job, a, runCtx, err := s.claim(ctx, id, s.base)
	if err != nil {
		return err
	}
	go func() {
		defer s.wg.Done()
		if err := s.execute(runCtx, job, a); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("redeem: job failed", "job_id", id, "error", err)
		}
	}()
	return nil
}

// RunJob runs a job and blocks until it completes, fails or ctx is done.
// A cancelled run leaves the job pending and resumable.
func (s *Service) RunJob(ctx context.Context, id string) error {
	job, a, runCtx, err := s.claim(ctx, id, ctx)
	if err != nil {
		return err
	}
	defer s.wg.Done()
	return s.execute(runCtx, job, a)
}

// claim registers id as running. The returned context is cancelled by
// StopJob, by Close or when parent is done.
func (s *Service) claim(ctx context.Context, id string, parent context.Context) (*store.Job, *activeJob, context.Context, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, nil, ErrClosed
	}
	if _, ok := s.active[id]; ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	runCtx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.base, cancel)
	a := &activeJob{
		cancel: func() { stop(); cancel() },
		done:   make(chan struct{}),
	}
	s.active[id] = a
	s.wg.Add(1)
	return job, a, runCtx, nil
}

func (s *Service) release(id string, a *activeJob) {
	a.cancel()
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	close(a.done)
}

func (s *Service) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	return ok && !a.reserved
}

// reserve holds an idle job for a store mutation so no run can start on it
// meanwhile. The store work happens outside s.mu; call the returned func
// when done.
func (s *Service) reserve(id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	a := &activeJob{cancel: func() {}, done: make(chan struct{}), reserved: true}
	s.active[id] = a
	return func() { s.release(id, a) }, nil
}

func (s *Service) execute(ctx context.Context, job *store.Job, a *activeJob) error {
	defer s.release(job.ID, a)
	log := s.logger.With("job_id", job.ID)

	p, err := s.profile(job.ProfileName)
	if err != nil {
		return s.fail(job.ID, err)
	}
	session, err := s.profiles.SessionState(p.Name)
	if err != nil {
		log.Warn("redeem: stored session unreadable, running without it", "profile", p.Name, "error", err)
		session = nil
	}

	err = s.withRetry(ctx, "start job", func() error {
		return s.store.SetJobStatus(ctx, job.ID, store.JobRunning, "")
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(job.ID, err)
	}
	log.Info("redeem: job started", "profile", p.Name, "codes", job.TotalCodes)

	pl := &pipeline{svc: s, job: job, prof: p, session: session, log: log}
	return s.settle(ctx, job.ID, pl.run(ctx), log)
}

// settle records how a pipeline run ended. A run that returned nil settled
// every row, so it finishes even when a stop raced its return.
func (s *Service) settle(ctx context.Context, id string, runErr error, log *slog.Logger) error {
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		st, err := s.store.ReconcileJob(context.WithoutCancel(ctx), id)
		if err != nil {
			log.Error("redeem: reconcile after stop", "error", err)
		}
		log.Info("redeem: job stopped", "to_pending", st.RowsToPending, "to_browser", st.RowsToBrowser)
		return ctx.Err()
	default:
		return s.fail(id, runErr)
	}
	return s.finish(context.WithoutCancel(ctx), id, log)
}

// fail marks a job failed after an orchestration fault. Rows left running
// go back to their stage's queue.
func (s *Service) fail(id string, cause error) error {
	ctx := context.Background()
	if _, err := s.store.ReconcileJob(ctx, id); err != nil {
		s.logger.Error("redeem: reconcile failed job", "job_id", id, "error", err)
	}
	if err := s.store.SetJobStatus(ctx, id, store.JobFailed, cause.Error()); err != nil {
		s.logger.Error("redeem: mark job failed", "job_id", id, "error", err)
	}
	return fmt.Errorf("redeem: job %s: %w", id, cause)
}

func (s *Service) finish(ctx context.Context, id string, log *slog.Logger) error {
	var counts store.Counts
	err := s.withRetry(ctx, "count rows", func() error {
		var err error
		counts, err = s.store.AggregateCounts(ctx, id)
		return err
	})
	if err != nil {
		return s.fail(id, err)
	}
	status, note := store.JobCompleted, ""
	if counts.Open > 0 {
		status, note = store.JobPending, fmt.Sprintf("%d rows still open", counts.Open)
	}
	err = s.withRetry(ctx, "finish job", func() error {
		return s.store.SetJobStatus(ctx, id, status, note)
	})
	if err != nil {
		return s.fail(id, err)
	}
	log.Info("redeem: job finished", "status", status,
		"valid", counts.ByStatus[store.StatusValid], "invalid", counts.ByStatus[store.StatusInvalid],
		"uncertain", counts.ByStatus[store.StatusUnknown]+counts.ByStatus[store.StatusBlocked]+counts.ByStatus[store.StatusError])
	return nil
}

// StopJob cancels a running job and waits for its workers to exit. The job
// returns to pending with in-flight rows requeued. Stopping an idle job is
// a no-op.
func (s *Service) StopJob(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		_, err := s.getJob(ctx, id)
		return err
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RerunUncertain returns every unknown, blocked and error row of an idle
// job to pending with zero attempts and reports how many were reset. The
// job is not started. With nothing to reset the job keeps its status.
func (s *Service) RerunUncertain(ctx context.Context, id string) (int64, error) {
	if _, err := s.getJob(ctx, id); err != nil {
		return 0, err
	}
	done, err := s.reserve(id)
	if err != nil {
		return 0, err
	}
	defer done()
	var n int64
	err = s.withRetry(ctx, "reset uncertain", func() error {
		var err error
		n, err = s.store.ResetUncertain(ctx, id)
		return err
	})
	if err != nil || n == 0 {
		return n, err
	}
	err = s.withRetry(ctx, "requeue job", func() error {
		return s.store.SetJobStatus(ctx, id, store.JobPending, "")
	})
	if err != nil {
		return n, err
	}
	s.logger.Info("redeem: uncertain rows reset", "job_id", id, "rows", n)
	return n, nil
}

// AddCodes appends codes to an idle job and returns how many new rows were
// created. Codes the job already holds are ignored. A finished job that
// gains rows goes back to pending; it is not started.
func (s *Service) AddCodes(ctx context.Context, id string, raw []string) (int, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return 0, err
	}
	norm := codes.Normalize(raw)
	if norm.Unique == 0 {
		return 0, ErrNoCodes
	}
	done, err := s.reserve(id)
	if err != nil {
		return 0, err
	}
	defer done()
	var added int
	err = s.withRetry(ctx, "add codes", func() error {
		var err error
		added, err = s.store.BulkInsertRows(ctx, id, norm.Codes)
		return err
	})
	if err != nil || added == 0 {
		return added, err
	}
	if job.Status != store.JobPending {
		err = s.withRetry(ctx, "requeue job", func() error {
			return s.store.SetJobStatus(ctx, id, store.JobPending, "")
		})
		if err != nil {
			return added, err
		}
	}
	s.logger.Info("redeem: codes added", "job_id", id, "rows", added)
	return added, nil
}

// Progress returns a job with its live counts.
func (s *Service) Progress(ctx context.Context, id string) (*JobProgress, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.AggregateCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobProgress{Job: job, Counts: counts, Progress: counts.Progress(), Running: s.isActive(id)}, nil
}

// ListJobs returns the most recent jobs, newest first. limit <= 0 means 50.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListJobs(ctx, store.JobFilter{Limit: limit})
}

// ListRows returns a page of a job's rows in insertion order.
func (s *Service) ListRows(ctx context.Context, q RowQuery) ([]*Row, error) {
	f := store.RowFilter{JobID: q.JobID, Limit: q.Limit, Offset: max(q.Offset, 0)}
	if q.Status != "" {
		st, ok := store.ParseStatus(q.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, q.Status)
		}
		f.Status = st
	}
	switch {
	case f.Limit <= 0:
		f.Limit = 100
	case f.Limit > 1000:
		f.Limit = 1000
	}
	if _, err := s.getJob(ctx, q.JobID); err != nil {
		return nil, err
	}
	return s.store.ListRows(ctx, f)
}

// ExportCSV writes every row of a job as CSV.
func (s *Service) ExportCSV(ctx context.Context, id string, w io.Writer) error {
	if _, err := s.getJob(ctx, id); err != nil {
		return err
	}
	return export.WriteCSV(w, s.rowSource(ctx, id))
}

// ExportXLSX writes every row of a job as an XLSX workbook.
func (s *Service) ExportXLSX(ctx context.Context, id string, w io.Writer) error {
	if _, err := s.getJob(ctx, id); err != nil {
		return err
	}
	return export.WriteXLSX(w, s.rowSource(ctx, id))
}

func (s *Service) rowSource(ctx context.Context, id string) export.Source {
	return func(fn func(*store.Row) error) error {
		return s.store.ExportRows(ctx, id, fn)
	}
}

// DeleteJob stops a job if it runs and removes it with its rows.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	if err := s.StopJob(ctx, id); err != nil {
		return err
	}
	err := s.store.DeleteJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err == nil {
		s.logger.Info("redeem: job deleted", "job_id", id)
	}
	return err
}

// Resume repairs state left by a previous process and restarts every job
// that had been started but not finished. It returns how many jobs were
// restarted.
func (s *Service) Resume(ctx context.Context) (int, error) {
	st, err := s.store.Reconcile(ctx)
	if err != nil {
		return 0, err
	}
	if st.RowsToPending+st.RowsToBrowser+st.JobsReset > 0 {
		s.logger.Info("redeem: recovered interrupted work",
			"to_pending", st.RowsToPending, "to_browser", st.RowsToBrowser, "jobs", st.JobsReset)
	}
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{Statuses: []store.JobStatus{store.JobPending}, Oldest: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.StartedAt == 0 {
			continue
		}
		if err := s.StartJob(ctx, j.ID); err != nil {
			s.logger.Warn("redeem: resume job", "job_id", j.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Close stops every running job, waits for them and shuts the browser down.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll()
	s.wg.Wait()
	if s.browsers != nil {
		return s.browsers.Close()
	}
	return nil
}

func (s *Service) getJob(ctx context.Context, id string) (*store.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, err
}
