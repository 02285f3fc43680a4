// Package fault turns a failure into the diagnostic context sent to the
// patch service: the traceback, the functions on the call path, and their
// current source text.
package fault

import (
	"sort"
	"strconv"
	"strings"

	"ape/internal/source"
)

// Frame is one function entry of a goroutine trace.
type Frame struct {
	Function  string // qualified runtime name, e.g. "main.(*Store).Get"
	Name      string // short lookup name, e.g. "Store.Get"
	File      string
	Line      int
	CreatedBy bool // came from a "created by" line
}

// DefaultIgnore lists qualified-name prefixes whose frames never contribute a
// context function.
var DefaultIgnore = []string{
	"runtime.",
	"runtime/",
	"reflect.",
	"testing.",
	"golang.org/x/sync/",
	"ape/internal/",
	"ape/pkg/ape.",
}

// ParseFrames parses a Go goroutine trace. A frame line is a non-indented
// "pkg.Func(args)" line; the tab-indented "file:line +0x.." line after it
// only contributes File and Line. Unrecognized lines are skipped, so
// truncated or garbage input yields whatever could be parsed.
func ParseFrames(traceback string) []Frame {
	var frames []Frame
	// Index of the frame still waiting for its location line, or -1.
	pending := -1

	for _, raw := range strings.Split(traceback, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			pending = -1
			continue
		}

		if line[0] == '\t' || line[0] == ' ' {
			if pending >= 0 {
				file, lineNo, ok := parseLocation(strings.TrimSpace(line))
				if ok {
					frames[pending].File = file
					frames[pending].Line = lineNo
				}
			}
			pending = -1
			continue
		}

		if rest, ok := strings.CutPrefix(line, "created by "); ok {
			if idx := strings.Index(rest, " in goroutine "); idx >= 0 {
				rest = rest[:idx]
			}
			rest = strings.TrimSpace(rest)
			if isFunctionName(rest) {
				frames = append(frames, Frame{Function: rest, Name: source.ShortName(rest), CreatedBy: true})
				pending = len(frames) - 1
				continue
			}
			pending = -1
			continue
		}

		fn, ok := parseFrameLine(line)
		if !ok {
			pending = -1
			continue
		}
		frames = append(frames, Frame{Function: fn, Name: source.ShortName(fn)})
		pending = len(frames) - 1
	}
	return frames
}

// parseFrameLine extracts the qualified function name from "pkg.Func(args)".
func parseFrameLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, " ...")
	if !strings.HasSuffix(line, ")") {
		return "", false
	}
	depth := 0
	open := -1
	for i := len(line) - 1; i >= 0; i-- {
		switch line[i] {
		case ')':
			depth++
		case '(':
			depth--
		}
		if depth == 0 {
			open = i
			break
		}
	}
	if open <= 0 {
		return "", false
	}
	name := line[:open]
	if !isFunctionName(name) {
		return "", false
	}
	return name, true
}

// isFunctionName accepts runtime function names such as "main.f",
// "a/b.(*T).M" or "pkg.F[...].func1", and the bare "panic" builtin frame.
func isFunctionName(name string) bool {
	if name == "panic" {
		return true
	}
	if name == "" || strings.ContainsAny(name, " \t:") {
		return false
	}
	last := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		last = name[idx+1:]
	}
	return strings.Contains(last, ".") && !strings.HasPrefix(last, ".")
}

// parseLocation parses "/path/file.go:42 +0x1d".
func parseLocation(loc string) (string, int, bool) {
	if idx := strings.Index(loc, " +0x"); idx >= 0 {
		loc = loc[:idx]
	}
	colon := strings.LastIndex(loc, ":")
	if colon <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(loc[colon+1:])
	if err != nil {
		return "", 0, false
	}
	return loc[:colon], n, true
}

// Ignored reports whether a qualified function name matches an ignore prefix.
func Ignored(function string, ignore []string) bool {
	if function == "panic" {
		return true
	}
	for _, prefix := range ignore {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}

// ExtractFunctionNames returns the sorted set of short function names on the
// call path, skipping DefaultIgnore frames.
func ExtractFunctionNames(traceback string) []string {
	return extractNames(ParseFrames(traceback), DefaultIgnore)
}

func extractNames(frames []Frame, ignore []string) []string {
	seen := make(map[string]struct{})
	for _, f := range frames {
		if f.Name == "" || Ignored(f.Function, ignore) {
			continue
		}
		seen[f.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
