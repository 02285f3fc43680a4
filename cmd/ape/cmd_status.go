package main

import (
	"context"
	"fmt"
	"os"

	"ape/internal/generator"

	"github.com/spf13/cobra"
)

// statusCmd shows the effective configuration
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration and journal summary",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	mode, modeErr := cfg.ResolveMode()
	fmt.Fprintln(out, "# ape status")
	fmt.Fprintf(out, "Endpoint:     %s\n", orUnset(cfg.LLM.Endpoint))
	fmt.Fprintf(out, "API key:      %s\n", maskKey(cfg.LLM.APIKey))
	fmt.Fprintf(out, "Model:        %s\n", cfg.LLM.Model)
	fmt.Fprintf(out, "Timeout:      %s\n", cfg.GetLLMTimeout())
	fmt.Fprintf(out, "Mode:         %s\n", mode)
	if modeErr != nil {
		fmt.Fprintf(out, "              (%v)\n", modeErr)
	}
	fmt.Fprintf(out, "Max retries:  %d\n", cfg.Repair.MaxRetries)
	fmt.Fprintf(out, "Persist:      %v\n", cfg.Repair.PersistFallback)

	_, fallback := generator.NewTemplateSource(cfg.Repair.PromptPath).Template()
	if fallback {
		fmt.Fprintf(out, "Prompt:       built-in (%s not usable)\n", cfg.Repair.PromptPath)
	} else {
		fmt.Fprintf(out, "Prompt:       %s\n", cfg.Repair.PromptPath)
	}

	path, _ := journalLocation(cfg)
	if _, statErr := os.Stat(path); statErr == nil {
		store, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := store.Count(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Journal:      %s (%d entries)\n", path, n)
	} else {
		fmt.Fprintf(out, "Journal:      %s (none yet)\n", path)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "\nNot ready: %v\n", err)
	} else {
		fmt.Fprintln(out, "\nReady.")
	}
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 8:
		return "****"
	default:
		return key[:4] + "****" + key[len(key)-4:]
	}
}
