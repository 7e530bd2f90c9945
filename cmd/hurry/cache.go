package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hurrycache/hurry/internal/casclient"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or reset the remote cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the server this client is configured to use",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("server: %s\n", cfg.Server.URL)
		if cfg.Server.Token == "" {
			fmt.Println("token:  (none configured)")
		} else {
			fmt.Println("token:  configured")
		}
		return nil
	},
}

var cacheResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete this organization's cached unit metadata (CAS bytes are retained)",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := casclient.NewHTTPBackend(cfg.Server.URL, cfg.Server.Token)
		if err := backend.CargoReset(context.Background()); err != nil {
			return fmt.Errorf("reset cache: %w", err)
		}
		fmt.Println("cache metadata reset")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheResetCmd)
}
