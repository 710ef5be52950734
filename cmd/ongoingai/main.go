package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/console/internal/api"
	"github.com/ongoingai/console/internal/auth"
	"github.com/ongoingai/console/internal/config"
	"github.com/ongoingai/console/internal/correlation"
	"github.com/ongoingai/console/internal/observability"
	"github.com/ongoingai/console/internal/version"
)

const defaultConfigPath = "ongoingai.yaml"

const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverWriteTimeout = 60 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil, os.Stdout, os.Stderr)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:], os.Stdout, os.Stderr)
	case "migrate":
		return runMigrate(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "audit":
		return runAudit(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	envFile := flagSet.String("env-file", "", "Path to a .env file loaded before the config")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, stage, err := loadAndValidateConfig(*envFile, *configPath)
	if err != nil {
		printConfigError(errOut, stage, err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// runMigrate opens every store, which applies pending schema migrations,
// and exits.
func runMigrate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	envFile := flagSet.String("env-file", "", "Path to a .env file loaded before the config")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "migrate does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*envFile, *configPath)
	if err != nil {
		printConfigError(errOut, stage, err)
		return 1
	}

	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to migrate %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	if err := stores.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close storage: %v\n", err)
	}

	fmt.Fprintf(out, "migrations applied: %s\n", cfg.Storage.Driver)
	return 0
}

func runServe(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	envFile := flagSet.String("env-file", "", "Path to a .env file loaded before the config")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*envFile, *configPath)
	if err != nil {
		printConfigError(errOut, stage, err)
		return 1
	}

	logger := observability.NewLogger(out, slog.LevelInfo)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize %s storage: %v\n", cfg.Storage.Driver, err)
		return 1
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	syncCtx, cancelSync := context.WithTimeout(context.Background(), 30*time.Second)
	err = stores.directory.SyncDirectory(syncCtx, directoryFromConfig(cfg))
	cancelSync()
	if err != nil {
		fmt.Fprintf(errOut, "failed to sync user directory: %v\n", err)
		return 1
	}

	authorizer, err := auth.NewAuthorizer(auth.Options{
		Enabled:  cfg.Auth.Enabled,
		Header:   cfg.Auth.Header,
		Sessions: authSessionsFromConfig(cfg.Auth.Sessions),
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize auth config: %v\n", err)
		return 1
	}

	authAuditRecorder := newAuthAuditRecorder(logger)
	routerOptions := api.RouterOptions{
		AppVersion:         version.String(),
		StorageDriver:      cfg.Storage.Driver,
		StoragePath:        cfg.Storage.Path,
		TraceStore:         stores.traces,
		ScoreStore:         stores.scores,
		Logger:             logger,
		AuthHeader:         cfg.Auth.Header,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		DefaultPageSize:    cfg.API.DefaultPageSize,
		MaxPageSize:        cfg.API.MaxPageSize,
		AuthAuditRecorder:  authAuditRecorder,
		ScoreAuditRecorder: newScoreAuditRecorder(logger),
	}
	if otelRuntime.Enabled() {
		routerOptions.Metrics = otelRuntime
	}
	apiHandler := api.NewRouter(routerOptions)

	protectedHandler := auth.Middleware(authorizer, auth.MiddlewareOptions{
		AuditRecorder: authAuditRecorder,
	}, otelRuntime.SpanEnrichmentMiddleware(apiHandler))
	server := newConsoleServer(cfg, logger, otelRuntime.WrapHTTPHandler(protectedHandler))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
		"auth_enabled", cfg.Auth.Enabled,
		"session_count", len(cfg.Auth.Sessions),
		"otel_enabled", otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("console stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("console failed", "error", err)
			return 1
		}
		return 0
	}
}

func newConsoleServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           observability.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func newAuthAuditRecorder(logger *slog.Logger) auth.AuditRecorder {
	if logger == nil {
		return nil
	}
	return func(req *http.Request, event auth.AuditEvent) {
		logger.Warn(
			"audit auth deny",
			"correlation_id", requestCorrelationID(req),
			"audit_action", strings.TrimSpace(event.Action),
			"audit_outcome", strings.TrimSpace(event.Outcome),
			"audit_reason", strings.TrimSpace(event.Reason),
			"status_code", event.StatusCode,
			"path", strings.TrimSpace(event.Path),
			"procedure", strings.TrimSpace(event.Procedure),
			"audit_scope", string(event.Scope),
			"project_id", strings.TrimSpace(event.ProjectID),
			"session_id", strings.TrimSpace(event.SessionID),
			"user_id", strings.TrimSpace(event.UserID),
			"org_id", strings.TrimSpace(event.OrgID),
		)
	}
}

func newScoreAuditRecorder(logger *slog.Logger) api.ScoreAuditRecorder {
	if logger == nil {
		return nil
	}
	return func(req *http.Request, event api.ScoreAuditEvent) {
		logger.Info(
			"audit score mutation",
			"correlation_id", requestCorrelationID(req),
			"audit_action", strings.TrimSpace(event.Action),
			"audit_outcome", strings.TrimSpace(event.Outcome),
			"audit_reason", strings.TrimSpace(event.Reason),
			"status_code", event.StatusCode,
			"procedure", strings.TrimSpace(event.Procedure),
			"project_id", strings.TrimSpace(event.ProjectID),
			"score_id", strings.TrimSpace(event.ScoreID),
			"audit_id", strings.TrimSpace(event.AuditID),
			"user_id", strings.TrimSpace(event.UserID),
			"org_id", strings.TrimSpace(event.OrgID),
		)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func requestCorrelationID(req *http.Request) string {
	if req == nil {
		return ""
	}
	if id, ok := correlation.FromContext(req.Context()); ok {
		return id
	}
	return correlation.FromHeaders(req.Header)
}

func printConfigError(out io.Writer, stage string, err error) {
	switch stage {
	case configStageEnv:
		fmt.Fprintf(out, "failed to load env file: %v\n", err)
	case configStageLoad:
		fmt.Fprintf(out, "failed to load config: %v\n", err)
	default:
		fmt.Fprintf(out, "config is invalid: %v\n", err)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  ongoingai serve [--config path/to/ongoingai.yaml] [--env-file path/to/.env]")
	fmt.Fprintln(out, "  ongoingai migrate [--config path/to/ongoingai.yaml] [--env-file path/to/.env]")
	fmt.Fprintln(out, "  ongoingai version")
	fmt.Fprintln(out, "  ongoingai config validate [--config path/to/ongoingai.yaml] [--env-file path/to/.env]")
	fmt.Fprintln(out, "  ongoingai audit [--config path/to/ongoingai.yaml] --project ID [--resource-type TYPE] [--resource-id ID] [--limit N] [--format text|json]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  ongoingai config validate [--config path/to/ongoingai.yaml]")
}
