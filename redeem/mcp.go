package redeem

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/redeemcheck/kit"
)

// RegisterMCP registers all redeem tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerListProfiles(srv)
	svc.registerCreateJob(srv)
	svc.registerJobStatus(srv)
	svc.registerListResults(srv)
	svc.registerRerunUncertain(srv)
	svc.registerStopJob(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// register wraps endpoint with logging and decodes arguments into a fresh T.
func register[T any](svc *Service, srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint) {
	kit.RegisterMCPTool(srv, tool, kit.Chain(kit.Logging(svc.logger, tool.Name))(endpoint), kit.DecodeJSON[T]())
}

type jobIDReq struct {
	JobID string `json:"job_id"`
}

var jobIDSchema = inputSchema(map[string]any{
	"job_id": map[string]any{"type": "string", "description": "Job ID"},
}, []string{"job_id"})

func (svc *Service) registerListProfiles(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "redeem_list_profiles",
		Description: "List the verification profiles available for new jobs",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	register[req](svc, srv, tool, func(ctx context.Context, _ any) (any, error) {
		return map[string]any{"profiles": svc.ListProfiles()}, nil
	})
}

func (svc *Service) registerCreateJob(srv *mcp.Server) {
	type req struct {
		Profile            string   `json:"profile"`
		Codes              []string `json:"codes"`
		Text               string   `json:"text"`
		URLOverride        string   `json:"redeem_url_override"`
		HTTPConcurrency    *int     `json:"http_concurrency"`
		BrowserConcurrency *int     `json:"browser_concurrency"`
		MaxRetries         *int     `json:"max_retries"`
		RequestDelayMS     *int     `json:"request_delay_ms"`
	}
	tool := &mcp.Tool{
		Name:        "redeem_create_job",
		Description: "Create and start a verification job for a list of codes",
		InputSchema: inputSchema(map[string]any{
			"profile":             map[string]any{"type": "string", "description": "Profile name"},
			"codes":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Codes to check"},
			"text":                map[string]any{"type": "string", "description": "Codes as free text, separated by whitespace, commas or semicolons"},
			"redeem_url_override": map[string]any{"type": "string", "description": "URL template replacing the profile's, must contain {code}"},
			"http_concurrency":    map[string]any{"type": "integer", "description": "HTTP workers (1-200)"},
			"browser_concurrency": map[string]any{"type": "integer", "description": "Browser workers (0-20)"},
			"max_retries":         map[string]any{"type": "integer", "description": "Transport-error retries per code (0-10)"},
			"request_delay_ms":    map[string]any{"type": "integer", "description": "Pause between one worker's requests (0-5000)"},
		}, []string{"profile"}),
	}
	register[req](svc, srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		params := svc.DefaultParams()
		if p.HTTPConcurrency != nil {
			params.HTTPConcurrency = *p.HTTPConcurrency
		}
		if p.BrowserConcurrency != nil {
			params.BrowserConcurrency = *p.BrowserConcurrency
		}
		if p.MaxRetries != nil {
			params.MaxRetries = *p.MaxRetries
		}
		if p.RequestDelayMS != nil {
			params.RequestDelay = time.Duration(*p.RequestDelayMS) * time.Millisecond
		}
		all := append(append([]string{}, p.Codes...), ParseCodes(p.Text)...)
		return svc.Submit(ctx, JobRequest{
			ProfileName: p.Profile,
			Codes:       all,
			URLOverride: p.URLOverride,
			CreatedBy:   kit.GetUserID(ctx),
			Params:      params,
		})
	})
}

func (svc *Service) registerJobStatus(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "redeem_job_status",
		Description: "Get a job with its per-status counts and progress",
		InputSchema: jobIDSchema,
	}
	register[jobIDReq](svc, srv, tool, func(ctx context.Context, r any) (any, error) {
		return svc.Progress(ctx, r.(*jobIDReq).JobID)
	})
}

func (svc *Service) registerListResults(srv *mcp.Server) {
	type req struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	tool := &mcp.Tool{
		Name:        "redeem_list_results",
		Description: "List the code rows of a job, optionally filtered by status",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job ID"},
			"status": map[string]any{"type": "string", "description": "pending, running, queued_browser, valid, invalid, unknown, blocked or error"},
			"limit":  map[string]any{"type": "integer", "description": "Page size (default 100, max 1000)"},
			"offset": map[string]any{"type": "integer", "description": "Rows to skip"},
		}, []string{"job_id"}),
	}
	register[req](svc, srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		rows, err := svc.ListRows(ctx, RowQuery{JobID: p.JobID, Status: p.Status, Limit: p.Limit, Offset: p.Offset})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows}, nil
	})
}

func (svc *Service) registerRerunUncertain(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "redeem_rerun_uncertain",
		Description: "Reset unknown, blocked and error rows of a finished job and run them again",
		InputSchema: jobIDSchema,
	}
	register[jobIDReq](svc, srv, tool, func(ctx context.Context, r any) (any, error) {
		id := r.(*jobIDReq).JobID
		n, err := svc.RerunUncertain(ctx, id)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if err := svc.StartJob(ctx, id); err != nil {
				return nil, err
			}
		}
		return map[string]any{"job_id": id, "reset": n}, nil
	})
}

func (svc *Service) registerStopJob(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "redeem_stop_job",
		Description: "Stop a running job; it can be resumed later",
		InputSchema: jobIDSchema,
	}
	register[jobIDReq](svc, srv, tool, func(ctx context.Context, r any) (any, error) {
		id := r.(*jobIDReq).JobID
		if err := svc.StopJob(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"job_id": id, "stopped": true}, nil
	})
}
