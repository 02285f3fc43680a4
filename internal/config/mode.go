package config

import (
	"fmt"
	"strings"
)

// Mode selects what the orchestrator does with a generated replacement.
type Mode int

const (
	// ModeAutomatic hot-swaps the replacement, falling back to patching the
	// defining source file.
	ModeAutomatic Mode = iota
	// ModeSupervised only prints the replacement; nothing is mutated.
	ModeSupervised
)

func (m Mode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeSupervised:
		return "supervised"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "automatic", "auto":
		return ModeAutomatic, nil
	case "supervised", "manual":
		return ModeSupervised, nil
	default:
		return ModeAutomatic, fmt.Errorf("invalid mode %q (valid: automatic, supervised)", s)
	}
}
