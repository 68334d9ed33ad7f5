package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-data-cache/internal/coverage"
	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/pipeline"
	"github.com/couchcryptid/storm-data-cache/internal/reconcile"
	"github.com/couchcryptid/storm-data-cache/internal/scheduler"
)

// resolveOutput is the --json form of a resolve.
type resolveOutput struct {
	RequestID   string                     `json:"request_id"`
	Period      domain.CoveragePeriod      `json:"period"`
	Verdict     domain.FreshnessVerdict    `json:"verdict"`
	Description coverage.PeriodDescription `json:"description"`
	Segments    []string                   `json:"segments"`
	Events      []domain.WeatherEvent      `json:"events,omitempty"`
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var (
		start, end, asOf string
		timeout          time.Duration
		asJSON, events   bool
	)

	cmd := &cobra.Command{
		Use:   "resolve --start YYYY-MM-DD --end YYYY-MM-DD",
		Short: "Resolve a date range through the cache and print its freshness verdict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseDay("start", start)
			if err != nil {
				return err
			}
			through, err := parseDay("end", end)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if asOf != "" {
				if at, err = parseDay("as-of", asOf); err != nil {
					return err
				}
			}
			period := domain.Period(from, through.AddDate(0, 0, 1))

			svc, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			poolCtx, stop := context.WithCancel(cmd.Context())
			defer stop()
			go func() { _ = svc.Pool.Run(poolCtx) }()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := svc.Pool.Submit(ctx, pipeline.Request{Period: period, AsOf: at})
			if err != nil {
				return err
			}

			if asJSON {
				return writeResolveJSON(cmd.OutOrStdout(), period, res, events)
			}
			writeResolveText(cmd.OutOrStdout(), period, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day of the range")
	cmd.Flags().StringVar(&end, "end", "", "last day of the range, inclusive")
	cmd.Flags().StringVar(&asOf, "as-of", "", "resolve as if today were this day")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "serve best-effort data after this long (defaults to RESOLVE_TIMEOUT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&events, "events", false, "include events in --json output")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func writeResolveText(w io.Writer, period domain.CoveragePeriod, res reconcile.Result) {
	desc := coverage.DescribePeriod(period, res.Verdict)
	perSource := make(map[domain.SourceKind]int)
	for _, e := range res.Events {
		perSource[e.Source]++
	}

	fmt.Fprintf(w, "Requested period: %s\n", desc.RequestedPeriod)
	fmt.Fprintf(w, "Data coverage:    %s\n", desc.DataCoverage)
	fmt.Fprintf(w, "Served:           %.1f%% of %d days\n", res.Verdict.ServedPercent, res.Verdict.TotalDays)
	fmt.Fprintf(w, "Events:           %d", len(res.Events))
	for _, kind := range domain.SourceKinds {
		if n := perSource[kind]; n > 0 {
			fmt.Fprintf(w, " %s=%d", kind, n)
		}
	}
	fmt.Fprintln(w)
	if desc.WarningMessage != "" {
		fmt.Fprintf(w, "Warning:          %s\n", desc.WarningMessage)
	}
	fmt.Fprintf(w, "\n%s\n", desc.FreshnessNote)
}

func writeResolveJSON(w io.Writer, period domain.CoveragePeriod, res reconcile.Result, withEvents bool) error {
	out := resolveOutput{
		RequestID:   res.RequestID,
		Period:      period,
		Verdict:     res.Verdict,
		Description: coverage.DescribePeriod(period, res.Verdict),
		Segments:    make([]string, 0, len(res.Segments)),
	}
	for _, seg := range res.Segments {
		out.Segments = append(out.Segments, string(seg.Key()))
	}
	if withEvents {
		out.Events = res.Events
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newWarmupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup [year...]",
		Short: "Fetch and cache whole years ahead of report requests",
		Long:  "Warms the given calendar years, or SCHEDULER_WARMUP_YEARS when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			years := make([]int, 0, len(args))
			for _, a := range args {
				y, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("invalid year %q", a)
				}
				years = append(years, y)
			}

			svc, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			if len(years) == 0 {
				years = svc.Config.WarmupYears
			}
			if len(years) == 0 {
				return errors.New("no years to warm")
			}

			sched, err := scheduler.New(scheduler.Options{
				Refresher:         svc.Engine,
				Evictor:           svc.Store,
				Policy:            svc.Policy,
				Interval:          svc.Config.SchedulerInterval,
				EvictionInterval:  svc.Config.EvictionInterval,
				EvictionThreshold: svc.Config.EvictionThreshold,
				Logger:            svc.Logger,
			})
			if err != nil {
				return err
			}

			report, err := sched.WarmupYears(cmd.Context(), years)
			fmt.Fprintf(cmd.OutOrStdout(), "Warmed %d window(s): %d refreshed, %d failed.\n",
				report.Windows, report.Refreshed, report.Failed)
			return err
		},
	}
}
