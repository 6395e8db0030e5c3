package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon, and the sync server on a master",
	Long: `serve runs synchronisation cycles until interrupted. On a master it
also serves the sync API replicas use to register, download updates
and upload their changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "sync server listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("serve")
	if err != nil {
		return err
	}
	if serveAddr != "" {
		a.Config().HTTP.Addr = serveAddr
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Printf("mywdb %s started", version)

	waitErr := a.WaitForShutdown(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Printf("[WARN] shutdown: %v", err)
	}
	return waitErr
}
