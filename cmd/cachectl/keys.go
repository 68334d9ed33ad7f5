package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	var sourceName string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List cached segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind := domain.SourceUnknown
			if sourceName != "" {
				k, err := domain.ParseSourceKind(sourceName)
				if err != nil {
					return err
				}
				kind = k
			}

			svc, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			keys := svc.Store.ListKeys(kind)
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cached segments.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tQUALITY\tRECORDS\tFETCHED\tLAST USED")
			for _, key := range keys {
				info, ok := svc.Store.Stat(key)
				if !ok {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", key, info.Quality, info.RecordCount,
					info.FetchedAt.UTC().Format(time.RFC3339), info.LastUsed.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sourceName, "source", "", "only list one source: authoritative, preliminary, live_alert")
	return cmd
}

func newAgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "age <key>",
		Short: "Show how old a cached segment is and whether it is due for refresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := domain.CacheKey(args[0])
			kind, period, err := key.Parse()
			if err != nil {
				return err
			}

			svc, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			age, ok := svc.Store.Age(key)
			if !ok {
				return fmt.Errorf("%s is not cached", key)
			}
			ttl := svc.Policy.WindowTTL(kind, period, time.Now().UTC())
			fmt.Fprintf(cmd.OutOrStdout(), "%s age=%s ttl=%s stale=%t\n", key, age.Round(time.Second), ttl, age > ttl)
			return nil
		},
	}
}

func newEvictCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove segments unused for longer than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			threshold := olderThan
			if threshold <= 0 {
				threshold = svc.Config.EvictionThreshold
			}
			n, err := svc.Store.EvictOlderThan(threshold)
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d segment(s) unused for more than %s.\n", n, threshold)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "eviction threshold (defaults to EVICTION_THRESHOLD_DAYS)")
	return cmd
}
