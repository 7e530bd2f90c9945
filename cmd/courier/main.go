// Command courier is the storage server binary: it serves the cache API
// described in §6.1 (CAS blob storage plus the cargo save/restore/reset
// index operations) to every hurry client, backed by Postgres for the unit
// index, auth, and audit stores and a sharded on-disk directory for CAS
// blobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hurrycache/hurry/internal/api"
	"github.com/hurrycache/hurry/internal/audit"
	"github.com/hurrycache/hurry/internal/auth"
	"github.com/hurrycache/hurry/internal/config"
	"github.com/hurrycache/hurry/internal/metrics"
	"github.com/hurrycache/hurry/internal/ratelimit"
	"github.com/hurrycache/hurry/internal/storage/cas"
	"github.com/hurrycache/hurry/internal/storage/index"
	adminapi "github.com/hurrycache/hurry/pkg/api"
	"github.com/hurrycache/hurry/pkg/health"
	"github.com/hurrycache/hurry/pkg/status"
	"github.com/hurrycache/hurry/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgFile string
	flag.StringVar(&cfgFile, "config", "", "path to server config YAML")
	flag.Parse()

	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := utils.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = utils.INFO
	}
	format := utils.FormatJSON
	if !cfg.Logging.Structured {
		format = utils.FormatText
	}
	logBase, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stderr,
		Format:        format,
		IncludeCaller: false,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := logBase.WithComponent("courier")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	indexStore, err := index.Open(ctx, cfg.Database.IndexDSN)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer indexStore.Close()

	authDSN := cfg.Database.AuthDSN
	if authDSN == "" {
		authDSN = cfg.Database.IndexDSN
	}
	authStore, err := auth.Open(ctx, authDSN)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}

	auditDSN := cfg.Database.AuditDSN
	if auditDSN == "" {
		auditDSN = cfg.Database.IndexDSN
	}
	auditLog, err := audit.Open(ctx, auditDSN)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	casStore, err := cas.New(cfg.CAS.Directory)
	if err != nil {
		return fmt.Errorf("open CAS store: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      portFromAddress(cfg.Metrics.Address),
		Path:      "/metrics",
		Namespace: "hurry",
		Subsystem: "courier",
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.RegisterComponent("index")
	statusTracker := status.NewTracker(status.DefaultTrackerConfig())

	deps := api.Deps{
		Index:   indexStore,
		CAS:     casStore,
		Auth:    authStore,
		KeySets: auth.NewKeySets(authStore),
		Audit:   auditLog,
		Limiter: ratelimit.New(),
		Health:  healthTracker,
		Metrics: collector,
		Status:  statusTracker,
	}
	handler := api.New(deps)

	server := &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Network.Timeouts.Connect,
		ReadTimeout:       cfg.Network.Timeouts.Read,
		WriteTimeout:      api.RequestTimeout,
		IdleTimeout:       120 * time.Second,
	}

	admin := adminapi.NewServer(adminapi.ServerConfig{
		Address:       cfg.Admin.Address,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    false,
		EnableMetrics: false,
	}, statusTracker, healthTracker)
	admin.StartBackground()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("courier listening", map[string]interface{}{"address": cfg.Listen.Address, "admin": cfg.Admin.Address})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	return server.Shutdown(shutdownCtx)
}

// portFromAddress pulls the port out of a host:port address string,
// defaulting to 9090 (courier's metrics default) if it can't parse.
func portFromAddress(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 9090
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9090
	}
	return port
}
