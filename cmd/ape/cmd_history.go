package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"ape/internal/config"
	"ape/internal/journal"

	"github.com/spf13/cobra"
)

var (
	historyFunction string
	historyLimit    int
	historyEntry    string
)

// historyCmd lists recorded repair attempts
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded repair attempts",
	Long: `Lists the repair journal, newest first.

Examples:
  ape history
  ape history --function fetchData --limit 5
  ape history --entry 3f2a...        # full record, including the candidate`,
	RunE: showHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFunction, "function", "", "Only show attempts for this function")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum entries to show (0 = all)")
	historyCmd.Flags().StringVar(&historyEntry, "entry", "", "Show one entry in full")
}

// journalLocation resolves the journal path and driver from flags and config.
func journalLocation(cfg *config.Config) (string, string) {
	path, driver := cfg.Journal.Path, cfg.Journal.Driver
	if journalPath != "" {
		path = journalPath
	}
	if journalDriver != "" {
		driver = journalDriver
	}
	return path, driver
}

// openJournal opens an existing journal. It never creates one.
func openJournal(cfg *config.Config) (*journal.Store, error) {
	path, driver := journalLocation(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no repair journal at %s: %w", path, err)
	}
	return journal.Open(path, driver)
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if historyEntry != "" {
		e, err := store.Get(ctx, historyEntry)
		if err != nil {
			return err
		}
		printEntry(out, e)
		return nil
	}

	var entries []journal.Entry
	if historyFunction != "" {
		entries, err = store.ForFunction(ctx, historyFunction, historyLimit)
	} else {
		entries, err = store.Recent(ctx, historyLimit)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No repairs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tID\tFUNCTION\tATTEMPT\tMODE\tOUTCOME\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), shortID(e.ID), e.Function, e.Attempt,
			e.Mode, e.Outcome, firstLine(e.Reason))
	}
	return tw.Flush()
}

func printEntry(w io.Writer, e *journal.Entry) {
	fmt.Fprintf(w, "ID:        %s\n", e.ID)
	fmt.Fprintf(w, "Time:      %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Function:  %s (attempt %d, %s mode)\n", e.Function, e.Attempt, e.Mode)
	fmt.Fprintf(w, "Outcome:   %s\n", e.Outcome)
	fmt.Fprintf(w, "Duration:  %s\n", e.Duration)
	if e.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", e.Error)
	}
	if e.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", e.Reason)
	}
	if e.File != "" {
		fmt.Fprintf(w, "File:      %s\n", e.File)
	}
	if e.Backup != "" {
		fmt.Fprintf(w, "Backup:    %s\n", e.Backup)
	}
	if e.Candidate != "" {
		fmt.Fprintf(w, "\n%s\n", e.Candidate)
	}
	if d := e.Details["diff"]; d != "" {
		fmt.Fprintf(w, "\n%s", d)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
