package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/spf13/cobra"
)

var (
	statsHistory bool
	statsDays    int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blocked counts and restricted time",
	Long:  `Show today's statistics and, with --history, the archived days.`,
	Example: `  kbudget stats
  kbudget stats --history --days 7`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsHistory, "history", false, "Include archived days")
	statsCmd.Flags().IntVar(&statsDays, "days", 0, "Limit history to the most recent N days (0 for all)")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	c, err := newCore(cfg, calendar.RealClock{}, quietLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	daily, err := c.store.Statistics().GetDaily(ctx)
	if err != nil {
		return fmt.Errorf("failed to read statistics: %w", err)
	}

	fmt.Println()
	cyan.Printf("Today (%s)\n", daily.Day)
	if daily.Day != c.aggregator.Today() {
		yellow.Println("  Recorded on an earlier day; archived on the next rollover")
	}
	printStatsTable(daily.BlockedPerDay, daily.RestrictedTimePerDay)

	if !statsHistory {
		return nil
	}

	history, err := c.store.Statistics().GetHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to read statistics history: %w", err)
	}

	days := history.Days()
	if statsDays > 0 && len(days) > statsDays {
		days = days[len(days)-statsDays:]
	}
	if len(days) == 0 {
		fmt.Println("\nNo archived days")
		return nil
	}

	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		fmt.Println()
		cyan.Println(day)
		printStatsTable(history.HistoricalBlockedPerDay[day], history.HistoricalRestrictedTimePerDay[day])
	}

	return nil
}

// printStatsTable prints one row per key found in either map
func printStatsTable(blocked, restricted map[string]int64) {
	keys := make(map[string]struct{})
	for k := range blocked {
		keys[k] = struct{}{}
	}
	for k := range restricted {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		fmt.Println("  (no activity)")
		return
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SITE\tBLOCKED\tRESTRICTED TIME")
	for _, k := range sorted {
		fmt.Fprintf(w, "  %s\t%d\t%s\n", k, blocked[k], formatSeconds(restricted[k]))
	}
	_ = w.Flush()
}
