package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/AccessGate/internal/pkg/cache"
	"github.com/ManuelReschke/AccessGate/internal/pkg/config"
	"github.com/ManuelReschke/AccessGate/internal/pkg/database"
	"github.com/ManuelReschke/AccessGate/internal/pkg/engine"
	"github.com/ManuelReschke/AccessGate/internal/pkg/env"
)

// Version is set at build time with -ldflags
var Version = "dev"

var actorName string

var rootCmd = &cobra.Command{
	Use:           "accessctl",
	Short:         "Operator tool for the AccessGate reconciliation engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", defaultActor(), "operator name written to the audit log")

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(eventsCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}

// openEngine connects to the configured database and Redis. Workers are
// never started by the CLI.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := database.SetupDatabase(cfg, false)
	if err != nil {
		return nil, err
	}
	client := cache.SetupCache(cfg)
	if err := cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return engine.New(ctx, cfg, db, client)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
