package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurrycache/hurry/internal/casclient"
	"github.com/hurrycache/hurry/internal/ci"
	"github.com/hurrycache/hurry/internal/daemon"
	"github.com/hurrycache/hurry/internal/unitplan"
)

// doctorCmd is a debug aid: check that the pieces the cache engine depends
// on (server reachability, daemon liveness, host glibc detection) are what
// the operator expects before trusting a build's cache behavior.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the storage server and the local daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("server:     %s\n", cfg.Server.URL)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		backend := casclient.NewHTTPBackend(cfg.Server.URL, cfg.Server.Token)
		if _, err := backend.CargoRestore(ctx, nil, nil); err != nil {
			fmt.Printf("reachable:  no (%v)\n", err)
		} else {
			fmt.Println("reachable:  yes")
			if stats, err := backend.CacheStats(ctx); err == nil {
				fmt.Printf("cas hits:   %d (hit rate %.1f%%)\n", stats.CAS.Hits, stats.CAS.HitRate*100)
				fmt.Printf("keyset hits: %d (hit rate %.1f%%)\n", stats.KeySets.Hits, stats.KeySets.HitRate*100)
			}
		}

		if _, ok := daemon.DialIfRunning(cfg.Daemon.PidFile, cfg.Daemon.SocketFile); ok {
			fmt.Println("daemon:     running")
		} else {
			fmt.Println("daemon:     not running")
		}

		if v, ok, err := unitplan.HostGlibcVersion(); err != nil {
			fmt.Printf("glibc:      error (%v)\n", err)
		} else if ok {
			fmt.Printf("glibc:      %d.%d.%d\n", v.Major, v.Minor, v.Patch)
		} else {
			fmt.Println("glibc:      not detected (non-glibc host)")
		}

		fmt.Printf("ci:         %t\n", ci.IsCI())

		if dir, ok := unitplan.InvocationLogDir(); ok {
			fmt.Printf("invocation log dir: %s\n", dir)
		}

		return nil
	},
}
