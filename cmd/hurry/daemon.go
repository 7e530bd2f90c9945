package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	hurryd "github.com/hurrycache/hurry/internal/daemon"
	"github.com/hurrycache/hurry/internal/metrics"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background upload daemon",
}

// daemonServeCmd is the self-re-exec target the daemon package's spawn invokes:
// "hurry daemon serve <pid-file> <socket-file>". It is not meant to be run
// directly by an operator.
var daemonServeCmd = &cobra.Command{
	Use:    "serve <pid-file> <socket-file>",
	Short:  "Run the upload daemon in the foreground (internal; invoked by self re-exec)",
	Args:   cobra.ExactArgs(2),
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := hurryd.Open(cfg.Daemon.StatusDBFile)
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
			return fmt.Errorf("init daemon metrics: %w", err)
		}
		if err := collector.Start(ctx); err != nil {
			return fmt.Errorf("start daemon metrics server: %w", err)
		}
		d.SetMetrics(collector)

		server := hurryd.NewServer(d)
		return server.Serve(ctx, args[0], args[1])
	},
}

// portFromAddress pulls the port out of a host:port address string,
// defaulting to 9090 (this daemon's metrics default) if it can't parse.
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

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running upload daemon to exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ok := hurryd.DialIfRunning(cfg.Daemon.PidFile, cfg.Daemon.SocketFile)
		if !ok {
			fmt.Println("daemon is not running")
			return nil
		}
		if err := client.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("stop daemon: %w", err)
		}
		fmt.Println("daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonServeCmd)
	daemonCmd.AddCommand(daemonStopCmd)
}
