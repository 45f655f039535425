package redeem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/redeemcheck/dbopen"
	"github.com/hazyhaar/redeemcheck/idgen"
	"github.com/hazyhaar/redeemcheck/redeem/internal/browser"
	"github.com/hazyhaar/redeemcheck/redeem/internal/httpstage"
	"github.com/hazyhaar/redeemcheck/redeem/internal/profile"
	"github.com/hazyhaar/redeemcheck/redeem/internal/store"

	_ "modernc.org/sqlite"
)

const shopProfile = `
name: shop
mode: url_template
url_template: https://shop.test/redeem?c={code}
http:
  success:
    body_contains_any: ["code redeemed"]
  failure:
    body_contains_any: ["invalid code"]
browser:
  failure_text_any: ["already used"]
`

const formShopProfile = `
name: formshop
mode: form
form:
  url: https://shop.test/form
  code_selector: "#code"
  submit_selector: "#go"
browser:
  success_text_any: ["code redeemed"]
`

type transportFunc func(ctx context.Context, url string, headers map[string]string) (*httpstage.Response, error)

func (f transportFunc) Get(ctx context.Context, url string, headers map[string]string) (*httpstage.Response, error) {
	return f(ctx, url, headers)
}

type automationFunc func(ctx context.Context, spec browser.Spec) (*browser.Page, error)

func (f automationFunc) Run(ctx context.Context, spec browser.Spec, _ *profile.SessionState) (*browser.Page, error) {
	return f(ctx, spec)
}

// body answers every request with a 200 carrying text.
func body(text string) transportFunc {
	return func(_ context.Context, url string, _ map[string]string) (*httpstage.Response, error) {
		return &httpstage.Response{StatusCode: 200, Body: []byte("<html><body><p>" + text + "</p></body></html>"), URL: url}, nil
	}
}

var noBrowser = automationFunc(func(context.Context, browser.Spec) (*browser.Page, error) {
	return nil, errors.New("browser not available in tests")
})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	dir := t.TempDir()
	profilesDir := filepath.Join(dir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{"shop.yaml": shopProfile, "formshop.yaml": formShopProfile, "broken.yaml": "mode: [unclosed\n"}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(profilesDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	db := dbopen.OpenMemory(t)
	cfg := &Config{ProfilesDir: profilesDir, StoreBackoff: time.Millisecond}
	svc, err := New(db, cfg, quietLogger(), append([]Option{WithAutomation(noBrowser)}, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func httpOnly(retries int) JobParams {
	return JobParams{HTTPConcurrency: 4, BrowserConcurrency: 0, MaxRetries: retries}
}

func createJob(t *testing.T, svc *Service, profileName string, params JobParams, codes ...string) string {
	t.Helper()
	res, err := svc.CreateJob(context.Background(), JobRequest{ProfileName: profileName, Codes: codes, Params: params})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return res.Job.ID
}

func rowsByCode(t *testing.T, svc *Service, jobID string) map[string]*Row {
	t.Helper()
	rows, err := svc.ListRows(context.Background(), RowQuery{JobID: jobID, Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*Row, len(rows))
	for _, r := range rows {
		out[r.Code] = r
	}
	return out
}

func waitJob(t *testing.T, svc *Service, id string, want JobStatus) *JobProgress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := svc.Progress(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if p.Job.Status == want && !p.Running {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s (running=%v), want %s", id, p.Job.Status, p.Running, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunJob_HTTPSuccess(t *testing.T) {
	// WHAT: A page containing the success text marks the row valid over HTTP and completes the job.
	svc := setupService(t, WithTransport(body("Your code redeemed successfully")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(2), "AAA-111")

	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	r := rowsByCode(t, svc, id)["AAA-111"]
	if r.Status != store.StatusValid || r.Source != store.SourceHTTP || r.Attempts != 1 {
		t.Fatalf("row = %+v", r)
	}
	if r.Reason != "contains:code redeemed" || r.CheckedAt == 0 {
		t.Fatalf("row = %+v", r)
	}
	p, _ := svc.Progress(ctx, id)
	if p.Job.Status != store.JobCompleted || p.Progress != 100 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunJob_BlockedBeatsSuccess(t *testing.T) {
	// WHAT: A captcha page that also shows the success text is recorded as blocked.
	// WHY: A challenge page must never be counted as a redeemed code.
	svc := setupService(t, WithTransport(body("Please solve the captcha. code redeemed")))
	id := createJob(t, svc, "shop", httpOnly(0), "X1")
	if err := svc.RunJob(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	r := rowsByCode(t, svc, id)["X1"]
	if r.Status != store.StatusBlocked || r.Reason != "contains:captcha" {
		t.Fatalf("row = %+v", r)
	}
}

func TestRunJob_RetryThenSuccess(t *testing.T) {
	// WHAT: Two transport errors then a success with max_retries=2 ends valid with attempts=3.
	var calls atomic.Int32
	tr := transportFunc(func(ctx context.Context, url string, h map[string]string) (*httpstage.Response, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("connection reset")
		}
		return body("code redeemed")(ctx, url, h)
	})
	svc := setupService(t, WithTransport(tr))
	id := createJob(t, svc, "shop", JobParams{HTTPConcurrency: 1, MaxRetries: 2}, "R1")
	if err := svc.RunJob(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	r := rowsByCode(t, svc, id)["R1"]
	if r.Status != store.StatusValid || r.Attempts != 3 {
		t.Fatalf("row = %+v", r)
	}
}

func TestRunJob_RetriesExhausted(t *testing.T) {
	// WHAT: Persistent transport errors end in error with attempts = max_retries + 1.
	tr := transportFunc(func(context.Context, string, map[string]string) (*httpstage.Response, error) {
		return nil, errors.New("dial tcp: timeout")
	})
	svc := setupService(t, WithTransport(tr))
	id := createJob(t, svc, "shop", JobParams{HTTPConcurrency: 2, MaxRetries: 1}, "E1", "E2")
	if err := svc.RunJob(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	for code, r := range rowsByCode(t, svc, id) {
		if r.Status != store.StatusError || r.Attempts != 2 || !strings.Contains(r.Reason, "timeout") {
			t.Fatalf("%s = %+v", code, r)
		}
	}
}

func TestRunJob_UnknownEscalatesToBrowser(t *testing.T) {
	// WHAT: An undecided HTTP page is retried in the browser, whose failure text marks it invalid.
	var specs []browser.Spec
	var mu sync.Mutex
	auto := automationFunc(func(_ context.Context, spec browser.Spec) (*browser.Page, error) {
		mu.Lock()
		specs = append(specs, spec)
		mu.Unlock()
		return &browser.Page{Text: "This code was already used.", URL: spec.URL}, nil
	})
	svc := setupService(t, WithTransport(body("Loading...")), WithAutomation(auto))
	id := createJob(t, svc, "shop", JobParams{HTTPConcurrency: 2, BrowserConcurrency: 1, MaxRetries: 0}, "U1")
	if err := svc.RunJob(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	r := rowsByCode(t, svc, id)["U1"]
	if r.Status != store.StatusInvalid || r.Source != store.SourceBrowser {
		t.Fatalf("row = %+v", r)
	}
	if r.Reason != "contains:already used" || r.Attempts != 1 {
		t.Fatalf("row = %+v", r)
	}
	if len(specs) != 1 || specs[0].URL != "https://shop.test/redeem?c=U1" {
		t.Fatalf("specs = %+v", specs)
	}
	p, _ := svc.Progress(context.Background(), id)
	if p.Job.Status != store.JobCompleted {
		t.Fatalf("job = %s", p.Job.Status)
	}
}

func TestRunJob_FormModeUsesBrowserOnly(t *testing.T) {
	// WHAT: Form-mode rows skip HTTP; automation errors become error rows without retry.
	var httpCalls atomic.Int32
	tr := transportFunc(func(context.Context, string, map[string]string) (*httpstage.Response, error) {
		httpCalls.Add(1)
		return nil, errors.New("unexpected")
	})
	auto := automationFunc(func(_ context.Context, spec browser.Spec) (*browser.Page, error) {
		if spec.Form == nil {
			return nil, errors.New("no form steps")
		}
		if spec.Form.Code == "BAD" {
			return nil, errors.New("navigation timeout")
		}
		return &browser.Page{Text: "Code redeemed", URL: spec.URL}, nil
	})
	svc := setupService(t, WithTransport(tr), WithAutomation(auto))
	res, err := svc.CreateJob(context.Background(), JobRequest{
		ProfileName: "formshop",
		Codes:       []string{"GOOD", "BAD"},
		Params:      JobParams{HTTPConcurrency: 3, BrowserConcurrency: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Job.BrowserConcurrency != 1 {
		t.Fatalf("browser concurrency = %d, want 1", res.Job.BrowserConcurrency)
	}
	if err := svc.RunJob(context.Background(), res.Job.ID); err != nil {
		t.Fatal(err)
	}
	rows := rowsByCode(t, svc, res.Job.ID)
	if rows["GOOD"].Status != store.StatusValid || rows["GOOD"].Source != store.SourceBrowser {
		t.Fatalf("GOOD = %+v", rows["GOOD"])
	}
	if rows["BAD"].Status != store.StatusError || !strings.Contains(rows["BAD"].Reason, "navigation timeout") {
		t.Fatalf("BAD = %+v", rows["BAD"])
	}
	if httpCalls.Load() != 0 {
		t.Fatalf("http calls = %d", httpCalls.Load())
	}
}

func TestRerunUncertain(t *testing.T) {
	// WHAT: Rerun resets exactly the uncertain rows, which then complete on the next run.
	var decide atomic.Bool
	tr := transportFunc(func(ctx context.Context, url string, h map[string]string) (*httpstage.Response, error) {
		if decide.Load() || strings.HasSuffix(url, "=OK") {
			return body("code redeemed")(ctx, url, h)
		}
		return body("try again later")(ctx, url, h)
	})
	svc := setupService(t, WithTransport(tr))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "OK", "U1", "U2")
	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	p, _ := svc.Progress(ctx, id)
	if p.Counts.ByStatus[store.StatusUnknown] != 2 || p.Job.Status != store.JobCompleted {
		t.Fatalf("first run = %+v", p)
	}

	n, err := svc.RerunUncertain(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("reset = %d, want 2", n)
	}
	if p, _ := svc.Progress(ctx, id); p.Job.Status != store.JobPending {
		t.Fatalf("job after rerun = %s", p.Job.Status)
	}

	decide.Store(true)
	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	for code, r := range rowsByCode(t, svc, id) {
		if r.Status != store.StatusValid || r.Attempts != 1 {
			t.Fatalf("%s = %+v", code, r)
		}
	}

	n, err = svc.RerunUncertain(ctx, id)
	if err != nil || n != 0 {
		t.Fatalf("second rerun = %d, %v", n, err)
	}
	if p, _ := svc.Progress(ctx, id); p.Job.Status != store.JobCompleted {
		t.Fatalf("job after empty rerun = %s", p.Job.Status)
	}
}

func TestStopJob_RequeuesAndResumes(t *testing.T) {
	// WHAT: Stopping a running job returns it and its in-flight rows to pending; a later run finishes it.
	// WHY: Operators stop jobs to change sessions; no row may be lost or double-counted.
	var release atomic.Bool
	started := make(chan struct{}, 16)
	tr := transportFunc(func(ctx context.Context, url string, h map[string]string) (*httpstage.Response, error) {
		if release.Load() {
			return body("invalid code")(ctx, url, h)
		}
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc := setupService(t, WithTransport(tr))
	ctx := context.Background()
	id := createJob(t, svc, "shop", JobParams{HTTPConcurrency: 1, MaxRetries: 3}, "S1", "S2", "S3")

	if err := svc.StartJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never called")
	}
	if err := svc.StartJob(ctx, id); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second start: %v", err)
	}
	if _, err := svc.RerunUncertain(ctx, id); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("rerun while running: %v", err)
	}
	if err := svc.StopJob(ctx, id); err != nil {
		t.Fatal(err)
	}

	p := waitJob(t, svc, id, store.JobPending)
	if p.Counts.ByStatus[store.StatusPending] != 3 {
		t.Fatalf("counts after stop = %+v", p.Counts)
	}
	for code, r := range rowsByCode(t, svc, id) {
		if r.Attempts != 0 {
			t.Fatalf("%s attempts = %d after cancel", code, r.Attempts)
		}
	}

	release.Store(true)
	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	p, _ = svc.Progress(ctx, id)
	if p.Counts.ByStatus[store.StatusInvalid] != 3 || p.Job.Status != store.JobCompleted {
		t.Fatalf("after resume = %+v", p)
	}
}

func TestResume_RestartsInterruptedJob(t *testing.T) {
	// WHAT: A job left running by a dead process is reconciled and restarted.
	svc := setupService(t, WithTransport(body("code redeemed")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "A", "B")

	if err := svc.store.SetJobStatus(ctx, id, store.JobRunning, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.store.ClaimPending(ctx, id, 1); err != nil {
		t.Fatal(err)
	}
	n, err := svc.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("resumed = %d", n)
	}
	p := waitJob(t, svc, id, store.JobCompleted)
	if p.Counts.ByStatus[store.StatusValid] != 2 {
		t.Fatalf("counts = %+v", p.Counts)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	svc := setupService(t, WithTransport(body("")))
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, JobRequest{ProfileName: "nope", Codes: []string{"A"}})
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("unknown profile: %v", err)
	}

	_, err = svc.CreateJob(ctx, JobRequest{ProfileName: "broken", Codes: []string{"A"}})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("broken profile: %v", err)
	}

	_, err = svc.CreateJob(ctx, JobRequest{ProfileName: "shop", Codes: []string{" ", ""}})
	if !errors.Is(err, ErrNoCodes) {
		t.Fatalf("no codes: %v", err)
	}

	for _, o := range []string{"https://x.test/redeem", "ftp://x.test/{code}", "/relative/{code}"} {
		_, err = svc.CreateJob(ctx, JobRequest{ProfileName: "shop", Codes: []string{"A"}, URLOverride: o})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("override %q: %v", o, err)
		}
	}

	jobs, _ := svc.ListJobs(ctx, 0)
	if len(jobs) != 0 {
		t.Fatalf("failed creations left %d jobs", len(jobs))
	}
}

func TestCreateJob_NormalizesAndClamps(t *testing.T) {
	// WHAT: Codes are trimmed and deduplicated; parameters are clamped; zero parameters take the defaults.
	svc := setupService(t, WithTransport(body("")))
	ctx := context.Background()
	res, err := svc.CreateJob(ctx, JobRequest{
		ProfileName: "shop",
		Codes:       []string{" A ", "B", "A", "", "b"},
		Params:      JobParams{HTTPConcurrency: 999, BrowserConcurrency: -3, MaxRetries: 40, RequestDelay: time.Minute},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Unique != 3 || res.Duplicates != 1 || res.Job.TotalCodes != 3 {
		t.Fatalf("result = %+v", res)
	}
	j := res.Job
	if j.HTTPConcurrency != 200 || j.BrowserConcurrency != 0 || j.MaxRetries != 10 || j.RequestDelayMS != 5000 {
		t.Fatalf("job = %+v", j)
	}

	res, err = svc.CreateJob(ctx, JobRequest{ProfileName: "shop", Codes: []string{"Z"}})
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultJobParams()
	if res.Job.HTTPConcurrency != def.HTTPConcurrency || res.Job.RequestDelayMS != def.RequestDelay.Milliseconds() {
		t.Fatalf("defaults not applied: %+v", res.Job)
	}
}

func TestURLOverride_UsedForRequests(t *testing.T) {
	var seen atomic.Value
	tr := transportFunc(func(ctx context.Context, url string, h map[string]string) (*httpstage.Response, error) {
		seen.Store(url)
		return body("code redeemed")(ctx, url, h)
	})
	svc := setupService(t, WithTransport(tr))
	ctx := context.Background()
	res, err := svc.CreateJob(ctx, JobRequest{
		ProfileName: "shop",
		Codes:       []string{"A B"},
		URLOverride: "https://staging.shop.test/check/{code}",
		Params:      httpOnly(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.RunJob(ctx, res.Job.ID); err != nil {
		t.Fatal(err)
	}
	if got := seen.Load(); got != "https://staging.shop.test/check/A%20B" {
		t.Fatalf("url = %v", got)
	}
}

func TestListRows_And_Export(t *testing.T) {
	svc := setupService(t, WithTransport(body("invalid code")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "C1", "C2")
	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ListRows(ctx, RowQuery{JobID: id, Status: "weird"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := svc.ListRows(ctx, RowQuery{JobID: "missing"}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job: %v", err)
	}
	rows, err := svc.ListRows(ctx, RowQuery{JobID: id, Status: "invalid", Limit: 1})
	if err != nil || len(rows) != 1 || rows[0].Code != "C1" {
		t.Fatalf("rows = %+v, %v", rows, err)
	}

	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, id, &buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "C1,invalid,http,contains:invalid code,1,") {
		t.Fatalf("csv = %q", buf.String())
	}

	buf.Reset()
	if err := svc.ExportXLSX(ctx, id, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("empty xlsx")
	}
}

func TestDeleteJob(t *testing.T) {
	svc := setupService(t, WithTransport(body("")), WithIDGenerator(idgen.Sequence("job-")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "D1")
	if id != "job-1" {
		t.Fatalf("id = %q", id)
	}
	if err := svc.DeleteJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Progress(ctx, id); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	if err := svc.DeleteJob(ctx, id); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSaveSessionState(t *testing.T) {
	svc := setupService(t, WithTransport(body("")))
	if err := svc.SaveSessionState("shop", []byte(`[1,2]`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("array state: %v", err)
	}
	if err := svc.SaveSessionState("nope", []byte(`{}`)); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("unknown profile: %v", err)
	}
	if err := svc.SaveSessionState("shop", []byte(`{"cookies":[{"name":"sid","value":"1","domain":"shop.test"}]}`)); err != nil {
		t.Fatal(err)
	}
	for _, s := range svc.ListProfiles() {
		if s.Name == "shop" && !s.HasSessionState {
			t.Fatal("session state not reported")
		}
	}
}

func TestWithRetry(t *testing.T) {
	// WHAT: Transient store failures are retried; stale compare-and-set results are not.
	svc := setupService(t, WithTransport(body("")))
	ctx := context.Background()

	calls := 0
	err := svc.withRetry(ctx, "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = svc.withRetry(ctx, "op", func() error {
		calls++
		return fmt.Errorf("wrapped: %w", store.ErrStaleRow)
	})
	if !errors.Is(err, store.ErrStaleRow) || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = svc.withRetry(ctx, "op", func() error {
		calls++
		return errors.New("disk I/O error")
	})
	if err == nil || calls != svc.config.StoreRetries+1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

var testMCPImpl = &mcp.Implementation{Name: "redeem-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(testMCPImpl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		cancel()
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		session.Close()
		cancel()
	})
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %s", name, tc.Text)
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("unmarshal %s: %v", name, err)
	}
}

func TestMCP_CreateJobAndStatus(t *testing.T) {
	// WHAT: A job created over MCP runs in the background and its results are listed.
	svc := setupService(t, WithTransport(body("code redeemed")))
	session := mcpSession(t, svc)

	var profiles struct {
		Profiles []ProfileSummary `json:"profiles"`
	}
	mcpCallTool(t, session, "redeem_list_profiles", map[string]any{}, &profiles)
	if len(profiles.Profiles) != 2 {
		t.Fatalf("profiles = %+v", profiles.Profiles)
	}

	var created CreateResult
	mcpCallTool(t, session, "redeem_create_job", map[string]any{
		"profile":             "shop",
		"text":                "M1, M2; M1",
		"browser_concurrency": 0,
		"request_delay_ms":    0,
	}, &created)
	if created.Unique != 2 || created.Duplicates != 1 {
		t.Fatalf("created = %+v", created)
	}

	id := created.Job.ID
	waitJob(t, svc, id, store.JobCompleted)

	var status JobProgress
	mcpCallTool(t, session, "redeem_job_status", map[string]any{"job_id": id}, &status)
	if status.Progress != 100 || status.Counts.ByStatus[store.StatusValid] != 2 {
		t.Fatalf("status = %+v", status)
	}

	var results struct {
		Rows []*Row `json:"rows"`
	}
	mcpCallTool(t, session, "redeem_list_results", map[string]any{"job_id": id, "status": "valid"}, &results)
	if len(results.Rows) != 2 || results.Rows[0].Code != "M1" {
		t.Fatalf("rows = %+v", results.Rows)
	}

	var rerun struct {
		Reset int64 `json:"reset"`
	}
	mcpCallTool(t, session, "redeem_rerun_uncertain", map[string]any{"job_id": id}, &rerun)
	if rerun.Reset != 0 {
		t.Fatalf("rerun = %+v", rerun)
	}

	var stopped struct {
		Stopped bool `json:"stopped"`
	}
	mcpCallTool(t, session, "redeem_stop_job", map[string]any{"job_id": id}, &stopped)
	if !stopped.Stopped {
		t.Fatal("stop not acknowledged")
	}
}

func TestAddCodes(t *testing.T) {
	// WHAT: Codes added to a finished job are checked on the next run; known codes are ignored.
	svc := setupService(t, WithTransport(body("code redeemed")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "A1")
	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}

	n, err := svc.AddCodes(ctx, id, []string{"A1", " A2 ", "A3", "A2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("added = %d, want 2", n)
	}
	p, _ := svc.Progress(ctx, id)
	if p.Job.Status != store.JobPending || p.Job.TotalCodes != 3 {
		t.Fatalf("job = %+v", p.Job)
	}
	if _, err := svc.AddCodes(ctx, id, []string{" "}); !errors.Is(err, ErrNoCodes) {
		t.Fatalf("empty add: %v", err)
	}

	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	p, _ = svc.Progress(ctx, id)
	if p.Counts.ByStatus[store.StatusValid] != 3 || p.Job.Status != store.JobCompleted {
		t.Fatalf("after run = %+v", p)
	}
}

func TestRunJob_MissingProfileFailsJob(t *testing.T) {
	// WHAT: A job whose profile disappeared fails with a note and keeps its rows pending.
	// WHY: An unreadable profile is an orchestration fault, not a verdict on any code.
	svc := setupService(t, WithTransport(body("code redeemed")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "M1", "M2")

	if err := os.Remove(filepath.Join(svc.config.ProfilesDir, "shop.yaml")); err != nil {
		t.Fatal(err)
	}
	_ = svc.ReloadProfiles() // broken.yaml still fails to parse
	err := svc.RunJob(ctx, id)
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("run err = %v, want ErrProfileNotFound", err)
	}
	p, _ := svc.Progress(ctx, id)
	if p.Job.Status != store.JobFailed || !strings.Contains(p.Job.Note, "profile not found") {
		t.Fatalf("job = %+v", p.Job)
	}
	if p.Running || p.Counts.ByStatus[store.StatusPending] != 2 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunJob_StoreFaultFailsJob(t *testing.T) {
	// WHAT: A verdict write that keeps failing fails the job and returns claimed rows to their queue.
	// WHY: No row may be lost or left running when the store stays down.
	tests := []struct {
		name     string
		params   JobParams
		page     string
		trigger  string
		wantLeft map[store.Status]bool
	}{
		{
			name:     "http",
			params:   JobParams{HTTPConcurrency: 2, MaxRetries: 0},
			page:     "code redeemed",
			trigger:  `NEW.status IN ('valid','invalid','unknown','blocked','error')`,
			wantLeft: map[store.Status]bool{store.StatusPending: true},
		},
		{
			name:     "browser",
			params:   JobParams{HTTPConcurrency: 2, BrowserConcurrency: 1, MaxRetries: 0},
			page:     "try again later",
			trigger:  `NEW.source = 'browser' AND NEW.status IN ('valid','invalid','unknown','blocked','error')`,
			// An HTTP verdict not yet handed over stays unknown; the next run queues it.
			wantLeft: map[store.Status]bool{store.StatusPending: true, store.StatusQueuedBrowser: true, store.StatusUnknown: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := setupService(t, WithTransport(body(tt.page)))
			ctx := context.Background()
			id := createJob(t, svc, "shop", tt.params, "F1", "F2", "F3")

			_, err := svc.store.DB.ExecContext(ctx, `CREATE TRIGGER reject_verdicts
				BEFORE UPDATE OF status ON code_rows WHEN `+tt.trigger+`
				BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
			if err != nil {
				t.Fatal(err)
			}

			err = svc.RunJob(ctx, id)
			if err == nil || errors.Is(err, context.Canceled) {
				t.Fatalf("run err = %v, want store fault", err)
			}
			p, _ := svc.Progress(ctx, id)
			if p.Job.Status != store.JobFailed || !strings.Contains(p.Job.Note, "disk full") {
				t.Fatalf("job = %+v", p.Job)
			}
			rows := rowsByCode(t, svc, id)
			if len(rows) != 3 {
				t.Fatalf("rows = %d, want 3", len(rows))
			}
			for code, r := range rows {
				if !tt.wantLeft[r.Status] || r.Source == store.SourceBrowser && r.Status != store.StatusQueuedBrowser {
					t.Fatalf("%s left in %s (source %s)", code, r.Status, r.Source)
				}
			}
		})
	}
}

func TestSettle_FinishesWhenRunReturnedNil(t *testing.T) {
	// WHAT: A run that settled every row completes even if its context was cancelled on return.
	// WHY: A stop landing after the last write must not leave a finished job pending.
	svc := setupService(t, WithTransport(body("code redeemed")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "N1")
	if err := svc.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := svc.store.SetJobStatus(ctx, id, store.JobRunning, ""); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := svc.settle(cancelled, id, nil, quietLogger()); err != nil {
		t.Fatal(err)
	}
	if p, _ := svc.Progress(ctx, id); p.Job.Status != store.JobCompleted {
		t.Fatalf("job = %s, want completed", p.Job.Status)
	}

	if err := svc.store.SetJobStatus(ctx, id, store.JobRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.settle(cancelled, id, context.Canceled, quietLogger()); !errors.Is(err, context.Canceled) {
		t.Fatalf("stopped settle = %v", err)
	}
	if p, _ := svc.Progress(ctx, id); p.Job.Status != store.JobPending {
		t.Fatalf("job = %s, want pending", p.Job.Status)
	}
}

func TestAddCodes_StoreRetryDoesNotHoldLock(t *testing.T) {
	// WHAT: While AddCodes backs off on a failing store, the job is reserved but the service lock is free.
	// WHY: Store retries on one job must not stall start, stop or progress of the others.
	svc := setupService(t, WithTransport(body("code redeemed")))
	ctx := context.Background()
	id := createJob(t, svc, "shop", httpOnly(0), "L1")
	other := createJob(t, svc, "shop", httpOnly(0), "L2")
	svc.config.StoreBackoff = time.Hour

	_, err := svc.store.DB.ExecContext(ctx, `CREATE TRIGGER reject_inserts
		BEFORE INSERT ON code_rows BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	if err != nil {
		t.Fatal(err)
	}

	addCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := svc.AddCodes(addCtx, id, []string{"L3"})
		errc <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.mu.Lock()
		a, ok := svc.active[id]
		svc.mu.Unlock()
		if ok && a.reserved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reserved")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !svc.mu.TryLock() {
		t.Fatal("service lock held during store backoff")
	}
	svc.mu.Unlock()
	if err := svc.StartJob(ctx, id); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("start reserved job: %v", err)
	}
	if p, _ := svc.Progress(ctx, id); p.Running {
		t.Fatal("reserved job reported as running")
	}
	if err := svc.RunJob(ctx, other); err != nil {
		t.Fatalf("other job: %v", err)
	}

	cancel()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("AddCodes succeeded on a failing store")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AddCodes did not return after cancel")
	}
	svc.mu.Lock()
	_, held := svc.active[id]
	svc.mu.Unlock()
	if held {
		t.Fatal("reservation not released")
	}
}
