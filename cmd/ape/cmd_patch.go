package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"ape/internal/patcher"
	"ape/internal/source"

	"github.com/spf13/cobra"
)

var (
	patchEntry       string
	patchName        string
	patchFile        string
	patchReplacement string
	patchDryRun      bool
	restoreFile      string
)

// patchCmd applies a replacement to a source file
var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Replace a function declaration in a source file",
	Long: `Replaces one function declaration in a Go source file, keeping the
previous content in <file>.backup.

Apply a supervised-mode suggestion from the journal:
  ape patch --entry 3f2a...

Or apply a replacement you saved yourself:
  ape patch --name fetchData --file main.go --replacement fix.go

Add --dry-run to see the diff first.`,
	RunE: runPatch,
}

// restoreCmd reverts a patch
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a source file from its backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreFile == "" {
			return errors.New("--file is required")
		}
		if err := patcher.Restore(restoreFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", restoreFile, patcher.BackupPath(restoreFile))
		return nil
	},
}

// locateCmd prints a declaration
var locateCmd = &cobra.Command{
	Use:   "locate [name] [file]",
	Short: "Print a function declaration and its line span",
	Long: `Finds the declaration of a function or method ("Type.Method") in a Go
source file, the same way a repair does.`,
	Args: cobra.ExactArgs(2),
	RunE: runLocate,
}

func init() {
	patchCmd.Flags().StringVar(&patchEntry, "entry", "", "Journal entry whose candidate to apply")
	patchCmd.Flags().StringVar(&patchName, "name", "", "Function to replace")
	patchCmd.Flags().StringVar(&patchFile, "file", "", "Source file holding the function")
	patchCmd.Flags().StringVar(&patchReplacement, "replacement", "", "File containing the replacement declaration")
	patchCmd.Flags().BoolVar(&patchDryRun, "dry-run", false, "Print the diff without writing")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Patched source file (required)")
}

func runPatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	name, file, replacement, err := patchInputs(ctx)
	if err != nil {
		return err
	}

	if patchDryRun {
		d, err := patcher.Preview(ctx, name, replacement, file)
		if err != nil {
			return err
		}
		if d.Empty() {
			fmt.Fprintln(cmd.OutOrStdout(), "No changes.")
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), d.Unified())
		return nil
	}

	res, err := patcher.Patch(ctx, name, replacement, file)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Patched %s in %s (lines %d-%d, %d lines written)\nBackup: %s\n",
		name, res.File, res.Span.StartLine+1, res.Span.EndLine, res.Lines, res.Backup)
	return nil
}

// patchInputs resolves the function, file and replacement from either a
// journal entry or the explicit flags. Explicit flags override the entry.
func patchInputs(ctx context.Context) (name, file, replacement string, err error) {
	if patchEntry != "" {
		cfg, err := loadConfig()
		if err != nil {
			return "", "", "", err
		}
		store, err := openJournal(cfg)
		if err != nil {
			return "", "", "", err
		}
		defer store.Close()
		e, err := store.Get(ctx, patchEntry)
		if err != nil {
			return "", "", "", err
		}
		if e.Candidate == "" {
			return "", "", "", fmt.Errorf("entry %s has no candidate (outcome %s)", e.ID, e.Outcome)
		}
		name, file, replacement = e.Function, e.File, e.Candidate
	}

	if patchName != "" {
		name = patchName
	}
	if patchFile != "" {
		file = patchFile
	}
	if patchReplacement != "" {
		data, err := os.ReadFile(patchReplacement)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to read replacement: %w", err)
		}
		replacement = string(data)
	}

	switch {
	case name == "":
		return "", "", "", errors.New("--name or --entry is required")
	case file == "":
		return "", "", "", errors.New("--file is required (the entry does not name one)")
	case replacement == "":
		return "", "", "", errors.New("--replacement or --entry is required")
	}
	return name, file, replacement, nil
}

func runLocate(cmd *cobra.Command, args []string) error {
	name, file := args[0], args[1]
	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	span, err := source.Locate(context.Background(), content, name)
	if err != nil {
		return fmt.Errorf("%s in %s: %w", name, file, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s:%d-%d\n", file, span.StartLine+1, span.EndLine)
	fmt.Fprintln(out, source.SpanText(content, span))
	return nil
}
