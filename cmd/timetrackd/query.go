package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/timetrack/internal/config"
	"github.com/goodtune/timetrack/internal/status"
	"github.com/goodtune/timetrack/internal/storage"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var statsDays int

var statusCmd = &cobra.Command{
	Use:   "status DOMAIN",
	Short: "Show a domain's usage and limit",
	Long: `Show the persisted usage of a domain against its limit. Time still
buffered by a running daemon is not included.`,
	Example: `  timetrackd status example.com`,
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show time per domain for recent days",
	Example: `  timetrackd stats --days 7`,
	Args:    cobra.NoArgs,
	RunE:    runStats,
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage per-domain limits",
}

var limitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all limits",
	Args:  cobra.NoArgs,
	RunE:  runLimitsList,
}

var limitsSetCmd = &cobra.Command{
	Use:   "set DOMAIN LIMIT [PERIOD]",
	Short: "Set a domain's limit",
	Long: `Set a domain's limit. LIMIT is a duration such as 30m or 1h30m and
PERIOD is one of day, week or month (default day).`,
	Example: `  timetrackd limits set example.com 30m
  timetrackd limits set video.example.net 5h week`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runLimitsSet,
}

var limitsRemoveCmd = &cobra.Command{
	Use:   "remove DOMAIN",
	Short: "Remove a domain's limit",
	Args:  cobra.ExactArgs(1),
	RunE:  runLimitsRemove,
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days to show, ending today")

	limitsCmd.AddCommand(limitsListCmd)
	limitsCmd.AddCommand(limitsSetCmd)
	limitsCmd.AddCommand(limitsRemoveCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(limitsCmd)
}

// noLive reports no in-flight time; the CLI sees persisted time only.
type noLive struct{}

func (noLive) LiveTime(string) int64 { return 0 }

func (noLive) LiveSnapshot() storage.DailyRecord { return storage.DailyRecord{} }

// withGateway opens storage with a quiet logger and runs fn against it.
func withGateway(fn func(ctx context.Context, cfg *config.Config, gateway *storage.Gateway, logger zerolog.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for CLI mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	return fn(context.Background(), cfg, storage.NewGateway(store, logger), logger)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, cfg *config.Config, gateway *storage.Gateway, logger zerolog.Logger) error {
		service := status.NewService(gateway, noLive{}, quartz.NewReal(), cfg.Tracking.RetentionDays, logger)
		st, err := service.DomainStatus(ctx, args[0])
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, cfg *config.Config, gateway *storage.Gateway, logger zerolog.Logger) error {
		service := status.NewService(gateway, noLive{}, quartz.NewReal(), cfg.Tracking.RetentionDays, logger)
		stats, err := service.Stats(ctx, statsDays)
		if err != nil {
			return err
		}
		printStats(stats)
		return nil
	})
}

func runLimitsList(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, _ *config.Config, gateway *storage.Gateway, _ zerolog.Logger) error {
		limits, err := gateway.GetLimits(ctx)
		if err != nil {
			return err
		}
		printLimits(limits)
		return nil
	})
}

func runLimitsSet(cmd *cobra.Command, args []string) error {
	limit, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid limit %q: %w", args[1], err)
	}

	periodArg := string(storage.PeriodDay)
	if len(args) == 3 {
		periodArg = args[2]
	}
	period, err := storage.ParsePeriod(periodArg)
	if err != nil {
		return err
	}

	return withGateway(func(ctx context.Context, _ *config.Config, gateway *storage.Gateway, _ zerolog.Logger) error {
		if err := gateway.SetLimit(ctx, args[0], storage.LimitConfig{Limit: limit.Milliseconds(), Period: period}); err != nil {
			return err
		}
		_, _ = color.New(color.FgGreen).Printf("✅ Limit set: %s %s per %s\n", args[0], formatMs(limit.Milliseconds()), period)
		return nil
	})
}

func runLimitsRemove(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, _ *config.Config, gateway *storage.Gateway, _ zerolog.Logger) error {
		if err := gateway.RemoveLimit(ctx, args[0]); err != nil {
			return err
		}
		_, _ = color.New(color.FgGreen).Printf("✅ Limit removed: %s\n", args[0])
		return nil
	})
}

// printStatus prints a domain status with colors
func printStatus(st status.DomainStatus) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println(rule)
	_, _ = cyan.Println("DOMAIN STATUS")
	_, _ = cyan.Println(rule)
	fmt.Println()

	fmt.Printf("Domain:     %s\n", st.Domain)
	fmt.Printf("Today:      %s\n", formatMs(st.TotalTime))

	if !st.HasLimit {
		fmt.Println("Limit:      (none)")
	} else {
		fmt.Printf("Limit:      %s per %s\n", formatMs(deref(st.Limit)), st.Period)
		fmt.Printf("Used:       %s this %s\n", formatMs(deref(st.PeriodTime)), st.Period)
		fmt.Println()
		fmt.Print("Result:     ")
		if st.LimitExceeded {
			_, _ = red.Printf("EXCEEDED by %s\n", formatMs(deref(st.ExceededBy)))
		} else {
			_, _ = green.Printf("%s remaining\n", formatMs(deref(st.RemainingTime)))
		}
	}

	fmt.Println()
	_, _ = cyan.Println(rule)
	fmt.Println()
}

// printStats prints per-day totals, oldest day first
func printStats(stats status.Stats) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	days := make([]string, 0, len(stats.DailyData))
	for day := range stats.DailyData {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		record := stats.DailyData[day]
		_, _ = cyan.Printf("\n[%s]\n", day)
		if len(record) == 0 {
			fmt.Println("  (no activity)")
			continue
		}

		domains := make([]string, 0, len(record))
		for domain := range record {
			domains = append(domains, domain)
		}
		sort.Slice(domains, func(i, j int) bool {
			if record[domains[i]] != record[domains[j]] {
				return record[domains[i]] > record[domains[j]]
			}
			return domains[i] < domains[j]
		})

		for _, domain := range domains {
			line := fmt.Sprintf("  %-40s %s", domain, formatMs(record[domain]))
			if _, limited := stats.Limits[domain]; limited {
				_, _ = yellow.Println(line)
			} else {
				fmt.Println(line)
			}
		}
	}
	fmt.Println()
}

// printLimits prints the limits table
func printLimits(limits storage.Limits) {
	if len(limits) == 0 {
		fmt.Println("No limits configured")
		return
	}

	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Printf("%-40s %-12s %s\n", "DOMAIN", "LIMIT", "PERIOD")
	for _, domain := range limits.Domains() {
		cfg := limits[domain]
		fmt.Printf("%-40s %-12s %s\n", domain, formatMs(cfg.Limit), cfg.Period)
	}
}

// formatMs renders milliseconds as a duration rounded to the second.
func formatMs(ms int64) string {
	d := (time.Duration(ms) * time.Millisecond).Round(time.Second)
	if d == 0 {
		return "0s"
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
