package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/redeemcheck/kit"
	"github.com/hazyhaar/redeemcheck/redeem"
	"github.com/hazyhaar/redeemcheck/shield"
)

// multipartMemory is how much of an upload is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

func newRouter(svc *redeem.Service, creds shield.Credentials, mcpHandler http.Handler, maxBody int64) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	for _, mw := range shield.DefaultStack(maxBody) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(shield.BasicAuth(creds))

		if mcpHandler != nil {
			r.Handle("/mcp", mcpHandler)
		}

		r.Get("/api/profiles", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]any{"profiles": svc.ListProfiles()})
		})

		r.Post("/api/profiles/reload", func(w http.ResponseWriter, _ *http.Request) {
			resp := map[string]any{}
			if err := svc.ReloadProfiles(); err != nil {
				resp["error"] = err.Error()
			}
			resp["profiles"] = svc.ListProfiles()
			writeJSON(w, 200, resp)
		})

		r.Post("/api/profiles/{name}/session-state", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			data, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.SaveSessionState(name, data); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]string{"profile": name, "status": "saved"})
		})

		r.Post("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
			req, err := parseJobRequest(r, svc.DefaultParams())
			if err != nil {
				writeError(w, 400, err)
				return
			}
			res, err := svc.Submit(r.Context(), req)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 201, res)
		})

		r.Get("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
			jobs, err := svc.ListJobs(r.Context(), queryInt(r, "limit", 50))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]any{"jobs": jobs})
		})

		r.Route("/api/jobs/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				p, err := svc.Progress(r.Context(), chi.URLParam(r, "id"))
				if err != nil {
					writeServiceError(w, r, err)
					return
				}
				writeJSON(w, 200, p)
			})

			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				if err := svc.DeleteJob(r.Context(), id); err != nil {
					writeServiceError(w, r, err)
					return
				}
				writeJSON(w, 200, map[string]string{"job_id": id, "status": "deleted"})
			})

			r.Get("/results", func(w http.ResponseWriter, r *http.Request) {
				rows, err := svc.ListRows(r.Context(), redeem.RowQuery{
					JobID:  chi.URLParam(r, "id"),
					Status: r.URL.Query().Get("status"),
					Limit:  queryInt(r, "limit", 100),
					Offset: queryInt(r, "offset", 0),
				})
				if err != nil {
					writeServiceError(w, r, err)
					return
				}
				writeJSON(w, 200, map[string]any{"rows": rows})
			})

			r.Get("/export.csv", exportHandler(svc, "text/csv; charset=utf-8", "csv", svc.ExportCSV))
			r.Get("/export.xlsx", exportHandler(svc,
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx", svc.ExportXLSX))

			r.Post("/rerun-uncertain", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				n, err := svc.RerunUncertain(r.Context(), id)
				if err != nil {
					writeServiceError(w, r, err)
					return
				}
				if n > 0 {
					if err := svc.StartJob(r.Context(), id); err != nil {
						writeServiceError(w, r, err)
						return
					}
				}
				writeJSON(w, 200, map[string]any{"job_id": id, "reset": n})
			})

			r.Post("/codes", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				req, err := parseJobRequest(r, redeem.JobParams{})
				if err != nil {
					writeError(w, 400, err)
					return
				}
				n, err := svc.AddCodes(r.Context(), id, req.Codes)
				if err != nil {
					writeServiceError(w, r, err)
					return
				}
				if n > 0 {
					if err := svc.StartJob(r.Context(), id); err != nil {
						writeServiceError(w, r, err)
						return
					}
				}
				writeJSON(w, 200, map[string]any{"job_id": id, "added": n})
			})

			r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				if err := svc.StopJob(r.Context(), id); err != nil {
					writeServiceError(w, r, err)
					return
				}
				writeJSON(w, 200, map[string]any{"job_id": id, "stopped": true})
			})
		})
	})
	return r
}

type exportFunc func(ctx context.Context, id string, w io.Writer) error

// exportHandler streams a job's rows as a download. The job is looked up
// first so a missing job still gets a JSON 404.
func exportHandler(svc *redeem.Service, contentType, ext string, export exportFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := svc.Progress(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%s.%s"`, id, ext))
		if err := export(r.Context(), id, w); err != nil {
			shield.GetLogger(r.Context()).Error("export failed", "job_id", id, "format", ext, "error", err)
		}
	}
}

// parseJobRequest reads a job submission from a multipart or url-encoded
// form: profile, codes (free text), file (optional .txt, .csv or .xlsx),
// redeem_url_override and the optional job parameters.
func parseJobRequest(r *http.Request, params redeem.JobParams) (redeem.JobRequest, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return redeem.JobRequest{}, fmt.Errorf("parse form: %w", err)
	}
	codes := redeem.ParseCodes(r.FormValue("codes"))
	if r.MultipartForm != nil && len(r.MultipartForm.File["file"]) > 0 {
		fh := r.MultipartForm.File["file"][0]
		f, err := fh.Open()
		if err != nil {
			return redeem.JobRequest{}, fmt.Errorf("open upload: %w", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return redeem.JobRequest{}, fmt.Errorf("read upload: %w", err)
		}
		fromFile, err := redeem.ParseCodeFile(fh.Filename, data)
		if err != nil {
			return redeem.JobRequest{}, err
		}
		codes = append(codes, fromFile...)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"http_concurrency", &params.HTTPConcurrency},
		{"browser_concurrency", &params.BrowserConcurrency},
		{"max_retries", &params.MaxRetries},
	}
	for _, f := range ints {
		if v := r.FormValue(f.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return redeem.JobRequest{}, fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = n
		}
	}
	if v := r.FormValue("request_delay_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return redeem.JobRequest{}, fmt.Errorf("request_delay_ms: %w", err)
		}
		params.RequestDelay = time.Duration(ms) * time.Millisecond
	}

	return redeem.JobRequest{
		ProfileName: r.FormValue("profile"),
		Codes:       codes,
		URLOverride: r.FormValue("redeem_url_override"),
		CreatedBy:   kit.GetUserID(r.Context()),
		Params:      params,
	}, nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var cfgErr *redeem.ConfigError
	switch {
	case errors.Is(err, redeem.ErrJobNotFound), errors.Is(err, redeem.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, redeem.ErrInvalidInput), errors.Is(err, redeem.ErrNoCodes), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, redeem.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, redeem.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		shield.GetLogger(r.Context()).Error("request failed", "error", err)
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
