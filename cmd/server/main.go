package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/adapter"
	"github.com/thearchitectit/guardrail-mcp/internal/audit"
	"github.com/thearchitectit/guardrail-mcp/internal/cache"
	"github.com/thearchitectit/guardrail-mcp/internal/circuitbreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/config"
	"github.com/thearchitectit/guardrail-mcp/internal/database"
	mcpServer "github.com/thearchitectit/guardrail-mcp/internal/mcp"
	"github.com/thearchitectit/guardrail-mcp/internal/opsweb"
	"github.com/thearchitectit/guardrail-mcp/internal/quota"
	"github.com/thearchitectit/guardrail-mcp/internal/registry"
	"github.com/thearchitectit/guardrail-mcp/internal/session"
	"github.com/thearchitectit/guardrail-mcp/internal/sqlguard"
	"github.com/thearchitectit/guardrail-mcp/internal/tools"
)

// Version information - set by ldflags during build
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// CLI flags
	var (
		showVersion   = flag.Bool("version", false, "Show version information")
		showHealth    = flag.Bool("health-check", false, "Run health check and exit")
		healthTimeout = flag.Duration("health-timeout", 5*time.Second, "Health check timeout")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("Guardrail MCP Server\n")
		fmt.Printf("  Version:   %s\n", version)
		fmt.Printf("  Build Time: %s\n", buildTime)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		os.Exit(0)
	}

	// Health check mode for container health checks
	if *showHealth {
		if err := runHealthCheck(*healthTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Health check passed")
		os.Exit(0)
	}

	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	setLogLevel(cfg.LogLevel)

	slog.Info("Starting guardrail-mcp server",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"config_schema", cfg.SchemaVersion,
	)

	// Bind the process's single session.Context. Identity, tenant, and
	// capabilities are loaded once from the environment at bootstrap and
	// never accepted from a client at request time.
	sess, err := bindSession(cfg)
	if err != nil {
		slog.Error("Failed to bind session context", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(cfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dbMetricsCollector := database.NewMetricsCollector(db, 15*time.Second)
	dbMetricsCollector.Start()
	defer dbMetricsCollector.Stop()

	// Connect to Redis
	redisClient, err := cache.New(cfg)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Audit sink: fails closed if its buffer fills, so a request whose
	// terminal audit event cannot be emitted is denied rather than lost.
	auditSink := audit.NewSink(cfg.AuditBufferSize)
	defer auditSink.Close()
	fingerprinter := audit.NewFingerprinter(cfg.AuditSecret)

	// Quota engine: per-tenant distributed rate limiting plus local
	// concurrency admission.
	quotaEngine, err := buildQuotaEngine(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to configure quota engine", "error", err)
		os.Exit(1)
	}

	validator := sqlguard.New(cfg.SQLValidatorRegexTimeout)

	breakerManager := circuitbreaker.NewManager(cfg)
	pgAdapter := adapter.NewPostgresAdapter(db, breakerManager)

	reg := registry.New(quotaEngine, validator, auditSink)
	for _, d := range tools.Descriptors(pgAdapter, validator, fingerprinter, cfg.QueryReadAllowedOrderByColumnsSet(), cfg.QuotaMaxResultBytes, cfg.QuotaMaxDuration) {
		reg.Register(d)
	}

	mcpSrv := mcpServer.NewServer(cfg, sess, reg)
	opsSrv := opsweb.NewServer(cfg, db, redisClient, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Ops server goroutine panicked", "panic", r)
				cancel()
			}
		}()
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.OpsPort)
		slog.Info("Starting ops server", "addr", addr)
		if err := opsSrv.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Ops server error", "error", err)
			cancel()
		}
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("MCP server goroutine panicked", "panic", r)
				cancel()
			}
		}()
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.MCPPort)
		slog.Info("Starting MCP server", "addr", addr)
		if err := mcpSrv.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}

	slog.Info("Initiating graceful shutdown", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Ops server shutdown error", "error", err)
	}
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("MCP server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("Database close error", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		slog.Error("Redis close error", "error", err)
	}

	slog.Info("Server stopped gracefully")
}

// bindSession constructs the process's one session.Context from bootstrap
// configuration. MCP_CAPABILITIES is a raw JSON array of {action, target}
// grants issued by whatever authority provisioned this process; it is
// never accepted from an inbound MCP request.
func bindSession(cfg *config.Config) (*session.Context, error) {
	sess := session.New()
	if err := sess.Bind(cfg.MCPSessionIdentity, cfg.MCPSessionTenant, newSessionID()); err != nil {
		return nil, fmt.Errorf("bind session: %w", err)
	}

	var grants []session.Grant
	if err := json.Unmarshal([]byte(cfg.MCPCapabilities), &grants); err != nil {
		return nil, fmt.Errorf("parse MCP_CAPABILITIES: %w", err)
	}

	capSet := &session.CapabilitySet{
		ID:        cfg.MCPSessionIdentity + "/" + cfg.MCPSessionTenant,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
		Issuer:    "bootstrap",
		Grants:    grants,
	}
	if err := sess.AttachCapabilities(capSet); err != nil {
		return nil, fmt.Errorf("attach capabilities: %w", err)
	}

	return sess, nil
}

func newSessionID() string {
	return fmt.Sprintf("proc-%d", time.Now().UnixNano())
}

// buildQuotaEngine loads the default policy from cfg and any per-tenant
// overrides from QUOTA_TENANT_OVERRIDES, a JSON object of tenant name to
// partial policy fields.
func buildQuotaEngine(cfg *config.Config, redisClient *cache.Client) (*quota.Engine, error) {
	defaultPolicy := quota.Policy{
		Window:         cfg.QuotaWindow,
		MaxRequests:    cfg.QuotaMaxRequests,
		MaxConcurrent:  cfg.QuotaMaxConcurrent,
		MaxResultBytes: cfg.QuotaMaxResultBytes,
		MaxDuration:    cfg.QuotaMaxDuration,
	}

	var rawOverrides map[string]struct {
		MaxRequests    *int    `json:"maxRequests"`
		MaxConcurrent  *int    `json:"maxConcurrent"`
		MaxResultBytes *int64  `json:"maxResultBytes"`
		MaxDuration    *string `json:"maxDuration"`
	}
	if err := json.Unmarshal([]byte(cfg.QuotaTenantOverrides), &rawOverrides); err != nil {
		return nil, fmt.Errorf("parse QUOTA_TENANT_OVERRIDES: %w", err)
	}

	tenantPolicies := make(map[string]quota.Policy, len(rawOverrides))
	for tenant, o := range rawOverrides {
		policy := defaultPolicy
		if o.MaxRequests != nil {
			policy.MaxRequests = *o.MaxRequests
		}
		if o.MaxConcurrent != nil {
			policy.MaxConcurrent = *o.MaxConcurrent
		}
		if o.MaxResultBytes != nil {
			policy.MaxResultBytes = *o.MaxResultBytes
		}
		if o.MaxDuration != nil {
			d, err := time.ParseDuration(*o.MaxDuration)
			if err != nil {
				return nil, fmt.Errorf("tenant %s maxDuration: %w", tenant, err)
			}
			policy.MaxDuration = d
		}
		tenantPolicies[tenant] = policy
	}

	limiter := redisClient.NewDistributedLimiter(cfg.QuotaWindow)
	return quota.NewEngine(limiter, defaultPolicy, tenantPolicies), nil
}

// runHealthCheck performs a health check against the local server
func runHealthCheck(timeout time.Duration) error {
	client := &http.Client{
		Timeout: timeout,
	}

	opsPort := os.Getenv("OPS_PORT")
	if opsPort == "" {
		opsPort = "8081"
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health/live", opsPort))
	if err != nil {
		return fmt.Errorf("liveness check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liveness check returned status %d", resp.StatusCode)
	}

	return nil
}

func setLogLevel(level string) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)
}
