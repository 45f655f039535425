// CLAUDE:SUMMARY Entry point for the redeem code checker: SQLite store, profile watcher, chi JSON API behind Basic Auth, optional MCP over HTTP.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/redeemcheck/dbopen"
	"github.com/hazyhaar/redeemcheck/redeem"
	"github.com/hazyhaar/redeemcheck/shield"

	_ "modernc.org/sqlite"
)

func main() {
	port := env("PORT", "8080")
	dbPath := env("DATABASE_PATH", "data/redeem.db")
	profilesDir := env("PROFILES_DIR", "profiles")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	creds, err := shield.NewCredentials(
		env("ADMIN_USERNAME", "admin"),
		os.Getenv("ADMIN_PASSWORD"),
		os.Getenv("ADMIN_PASSWORD_HASH"),
	)
	if err != nil {
		slog.Error("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll(), dbopen.WithBusyTimeout(10000))
	if err != nil {
		slog.Error("open db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	defaults := redeem.DefaultJobParams()
	cfg := &redeem.Config{
		ProfilesDir: profilesDir,
		SessionsDir: env("SESSIONS_DIR", filepath.Join(filepath.Dir(profilesDir), "sessions")),
		HTTP: redeem.HTTPConfig{
			Timeout:   time.Duration(envInt("HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
			UserAgent: os.Getenv("HTTP_USER_AGENT"),
		},
		Browser: redeem.BrowserConfig{
			RemoteURL: os.Getenv("BROWSER_REMOTE_URL"),
			Headful:   !envBool("BROWSER_HEADLESS", true),
		},
		Defaults: redeem.JobParams{
			HTTPConcurrency:    envInt("DEFAULT_HTTP_CONCURRENCY", defaults.HTTPConcurrency),
			BrowserConcurrency: envInt("DEFAULT_BROWSER_CONCURRENCY", defaults.BrowserConcurrency),
			MaxRetries:         envInt("DEFAULT_MAX_RETRIES", defaults.MaxRetries),
			RequestDelay:       time.Duration(envInt("DEFAULT_REQUEST_DELAY_MS", int(defaults.RequestDelay.Milliseconds()))) * time.Millisecond,
		},
	}

	svc, err := redeem.New(db, cfg, logger)
	if err != nil {
		slog.Error("redeem service", "error", err)
		os.Exit(1)
	}

	n, err := svc.Resume(ctx)
	if err != nil {
		slog.Error("resume jobs", "error", err)
		os.Exit(1)
	}
	if n > 0 {
		slog.Info("resumed unfinished jobs", "jobs", n)
	}

	go func() {
		if err := svc.WatchProfiles(ctx, 500*time.Millisecond); err != nil && ctx.Err() == nil {
			slog.Warn("profile watcher stopped", "error", err)
		}
	}()

	// Optional MCP over streamable HTTP.
	var mcpHandler http.Handler
	if envBool("MCP_HTTP", false) {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "redeemcheck",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
		slog.Info("MCP enabled", "path", "/mcp")
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(svc, creds, mcpHandler, int64(envInt("MAX_UPLOAD_MB", 32))<<20),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	// Jobs stop before the deferred db.Close.
	if err := svc.Close(); err != nil {
		slog.Error("close service", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
