package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-data-cache/internal/config"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
	"github.com/couchcryptid/storm-data-cache/internal/service"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	cacheDir string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "cachectl",
		Short: "Inspect and maintain the storm event cache",
		Long: `cachectl works directly on the cache directory used by the server.
Configuration is read from the environment (and .env) exactly as the server
reads it; --cache-dir overrides CACHE_DIR.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "", "cache directory (overrides CACHE_DIR)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		newKeysCmd(opts),
		newAgeCmd(opts),
		newEvictCmd(opts),
		newResolveCmd(opts),
		newWarmupCmd(opts),
	)
	return root
}

// open loads configuration and wires the engine. Logs go to stderr so that
// command output stays parseable.
func (o *rootOptions) open(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	logger := observability.NewLogger(cmd.ErrOrStderr(), o.logLevel, "text")
	return service.Build(cfg, nil, logger, observability.NewUnregisteredMetrics())
}

// parseDay parses a YYYY-MM-DD flag value as a UTC day.
func parseDay(flag, value string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: expected YYYY-MM-DD, got %q", flag, value)
	}
	return t, nil
}
