package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ape/internal/generator"

	"github.com/spf13/cobra"
)

var (
	promptInit  bool
	promptForce bool
)

// promptCmd shows or installs the prompt template
var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Show the prompt template, or write the built-in one for editing",
	Long: `Prints the prompt template repairs will use: the file at prompt_path
when it parses, otherwise the built-in default.

  ape prompt --init    # write the built-in template to prompt_path`,
	RunE: runPrompt,
}

func init() {
	promptCmd.Flags().BoolVar(&promptInit, "init", false, "Write the built-in template to prompt_path")
	promptCmd.Flags().BoolVar(&promptForce, "force", false, "Overwrite an existing template with --init")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Repair.PromptPath
	out := cmd.OutOrStdout()

	if promptInit {
		if path == "" {
			return errors.New("prompt_path is not configured")
		}
		if _, err := os.Stat(path); err == nil && !promptForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
		if err := os.WriteFile(path, []byte(generator.DefaultTemplateText()), 0644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", path)
		return nil
	}

	if _, fallback := generator.NewTemplateSource(path).Template(); fallback {
		fmt.Fprintln(out, generator.DefaultTemplateText())
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}
