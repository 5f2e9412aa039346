package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/spf13/cobra"
)

var (
	checkIncognito bool
	checkDay       string
	checkTime      string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check the budget decision for a URL",
	Long: `Check what kbudget would do with a tab showing URL. Nothing is written:
stale counters are treated as reset without being stored.`,
	Example: `  kbudget check https://www.youtube.com/watch?v=abc
  kbudget check --incognito --day saturday --time 21:30 https://reddit.com/r/golang`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkIncognito, "incognito", false, "Evaluate as an incognito tab")
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rawURL := args[0]

	// Parse time (if provided)
	var checkDateTime time.Time
	var err error
	if checkDay != "" || checkTime != "" {
		checkDateTime, err = parseCheckTime(checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid --day or --time: %w", err)
		}
	} else {
		checkDateTime = time.Now()
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	c, err := newCore(cfg, calendar.NewTestClock(checkDateTime), quietLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	t, err := c.engine.Resolve(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	snap, err := c.engine.Load(context.Background(), t.Site)
	if err != nil {
		return err
	}
	snap = rollSnapshot(snap, calendar.DayKey(checkDateTime))

	decision := policy.Evaluate(snap, t, checkIncognito, checkDateTime, c.engine.Options())

	printCheckResult(t, snap, checkDateTime, decision)

	return nil
}

// rollSnapshot zeroes counters that belong to a day other than today,
// leaving storage untouched.
func rollSnapshot(snap policy.Snapshot, today string) policy.Snapshot {
	if snap.Site != nil && snap.Site.Stale(today) {
		site := *snap.Site
		site.Usage = storage.Usage{LastAccessedDate: today}
		snap.Site = &site
	}
	if snap.Global != nil && snap.Global.Stale(today) {
		global := *snap.Global
		global.Usage = storage.Usage{LastAccessedDate: today}
		snap.Global = &global
	}
	return snap
}

// printCheckResult prints the check result with colors
func printCheckResult(t target.Target, snap policy.Snapshot, checkTime time.Time, decision policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("BUDGET CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("URL:        %s\n", t.URL)
	fmt.Printf("Site:       %s\n", t.Site)
	fmt.Printf("Path:       %s\n", t.Path)
	fmt.Printf("Incognito:  %t\n", checkIncognito)
	fmt.Printf("Check Time: %s (%s)\n", checkTime.Format("2006-01-02 15:04"), checkTime.Weekday())
	fmt.Println()

	weekday := calendar.WeekdayIndex(checkTime)
	if snap.Site != nil {
		fmt.Printf("Site Budget:   %s used of %s\n",
			formatSeconds(snap.Site.TotalTime), formatAllowance(snap.Site.TimeAllowed.For(weekday)))
	} else {
		fmt.Printf("Site Budget:   (none)\n")
	}
	if snap.Global.Has(t.Site) {
		fmt.Printf("Global Budget: %s used of %s\n",
			formatSeconds(snap.Global.TotalTime), formatAllowance(snap.Global.TimeAllowed.For(weekday)))
	} else {
		fmt.Printf("Global Budget: (not a member)\n")
	}
	fmt.Println()

	cyan.Print("Decision:   ")
	switch decision.Action {
	case policy.ActionAllow:
		green.Println("ALLOW")
		fmt.Println("            → No budget applies, time is not counted")
	case policy.ActionTrack:
		yellow.Println("TRACK")
		scopes := make([]string, len(decision.Scopes))
		for i, s := range decision.Scopes {
			scopes[i] = string(s)
		}
		fmt.Printf("            → Time counts against: %s\n", strings.Join(scopes, ", "))
		if decision.Remaining >= 0 {
			fmt.Printf("            → Remaining: %s (badge %q)\n",
				formatSeconds(decision.Remaining), calendar.FormatBadge(decision.Remaining))
		}
	case policy.ActionBlock:
		red.Println("BLOCK")
		fmt.Printf("            → %s\n", decision.Message)
	default:
		fmt.Printf("%s\n", decision.Action)
	}

	if decision.Reason != "" {
		fmt.Printf("Reason:     %s (%s budget)\n", decision.Reason, decision.Scope)
	}
	if decision.RedirectURL != "" {
		fmt.Printf("Redirect:   %s\n", decision.RedirectURL)
	}
	if decision.StatKey != "" {
		fmt.Printf("Stat Key:   %s\n", decision.StatKey)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func formatSeconds(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}

func formatAllowance(seconds int64) string {
	if seconds == storage.Unrestricted {
		return "unrestricted"
	}
	return formatSeconds(seconds)
}

// parseCheckTime parses day and time flags into a time.Time
func parseCheckTime(dayStr, timeStr string) (time.Time, error) {
	return parseCheckTimeAt(time.Now(), dayStr, timeStr)
}

func parseCheckTimeAt(now time.Time, dayStr, timeStr string) (time.Time, error) {
	// Parse time (HH:MM)
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		parts := strings.Split(timeStr, ":")
		if len(parts) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}

		_, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}

		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	// Parse day of week
	targetDay := now.Weekday()
	if dayStr != "" {
		switch strings.ToLower(dayStr) {
		case "sunday", "sun":
			targetDay = time.Sunday
		case "monday", "mon":
			targetDay = time.Monday
		case "tuesday", "tue":
			targetDay = time.Tuesday
		case "wednesday", "wed":
			targetDay = time.Wednesday
		case "thursday", "thu":
			targetDay = time.Thursday
		case "friday", "fri":
			targetDay = time.Friday
		case "saturday", "sat":
			targetDay = time.Saturday
		default:
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
	}

	// Calculate target date
	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	targetDate := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), hour, minute, 0, 0, now.Location()), nil
}
