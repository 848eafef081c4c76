package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/kamusis/nix-query/internal/cachestore"
	"github.com/kamusis/nix-query/internal/evaluator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List channel caches and whether their channel moved on",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := newStoreApp(cmd)
	if err != nil {
		return err
	}
	entries, err := a.store.List()
	if err != nil {
		return err
	}

	printSection("Caches")
	fmt.Printf("  %s\n", a.store.Dir())
	if len(entries) == 0 {
		fmt.Println()
		printMiss("", "no channel has been cached yet")
		return nil
	}

	var current, stale, broken int
	now := time.Now()
	fmt.Println()
	for _, e := range entries {
		switch cacheState(e, evaluator.Fingerprint) {
		case stateBroken:
			broken++
			printErr(filepath.Base(e.Path), fmt.Sprintf("unreadable, will be rebuilt on next use: %v", e.Err))
		case stateStale:
			stale++
			printWarn(e.Channel.Name, describeEntry(e, now)+"  may be stale")
		default:
			current++
			printOK(e.Channel.Name, describeEntry(e, now))
		}
	}

	fmt.Printf("\n  %d current / %d may be stale / %d unreadable\n", current, stale, broken)
	if stale > 0 {
		fmt.Println("  Refresh with: nix-query --refresh --channel <name>")
	}
	return nil
}

type entryState int

const (
	stateCurrent entryState = iota
	stateStale
	stateBroken
)

// cacheState compares the fingerprint stored with a cache against what the
// channel root resolves to now.
func cacheState(e cachestore.Entry, fingerprint func(root string) digest.Digest) entryState {
	switch {
	case e.Err != nil:
		return stateBroken
	case e.Channel.Root != "" && fingerprint(e.Channel.Root) != e.Fingerprint:
		return stateStale
	default:
		return stateCurrent
	}
}

func describeEntry(e cachestore.Entry, now time.Time) string {
	return fmt.Sprintf("%d packages, evaluated %s, %s", e.Records, formatAge(now.Sub(e.CreatedAt)), formatSize(e.Size))
}

// formatAge renders d as "just now" or a whole number of units, such as
// "3 days ago".
func formatAge(d time.Duration) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s ago", unit)
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 48*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
