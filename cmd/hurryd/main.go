// Command hurryd is the upload daemon as a standalone binary: the same
// process cmd/hurry spawns via self re-exec (`hurry daemon serve`), but
// runnable directly under a process supervisor (systemd, a container
// entrypoint) for operators who would rather manage its lifecycle
// themselves than let the client spawn and forget it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hurrycache/hurry/internal/config"
	"github.com/hurrycache/hurry/internal/daemon"
	"github.com/hurrycache/hurry/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hurryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgFile string
	flag.StringVar(&cfgFile, "config", "", "path to client config YAML")
	flag.Parse()

	cfg, err := config.LoadClientConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pidFile := cfg.Daemon.PidFile
	socketFile := cfg.Daemon.SocketFile
	if flag.NArg() >= 2 {
		pidFile, socketFile = flag.Arg(0), flag.Arg(1)
	}

	d, err := daemon.Open(cfg.Daemon.StatusDBFile)
	if err != nil {
		return fmt.Errorf("open daemon status store: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      portFromAddress(cfg.Metrics.Address),
		Path:      "/metrics",
		Namespace: "hurry",
		Subsystem: "daemon",
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	d.SetMetrics(collector)

	server := daemon.NewServer(d)
	return server.Serve(ctx, pidFile, socketFile)
}

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
