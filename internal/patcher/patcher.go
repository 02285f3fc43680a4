// Package patcher persists a replacement function into its defining source
// file. The file is backed up to <file>.backup before it is touched, and
// every write goes through a temp file and rename.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"ape/internal/diff"
	"ape/internal/logging"
	"ape/internal/source"
)

// BackupSuffix is appended to a patched file's path to name its backup.
const BackupSuffix = ".backup"

// ErrFunctionNotFound means the file has no declaration with the requested
// name. The file is left untouched.
var ErrFunctionNotFound = errors.New("function not found in file")

// Result describes a successful patch.
type Result struct {
	File   string
	Backup string
	Span   source.Span // span of the replaced declaration in the original
	Lines  int         // number of lines written in its place
}

// BackupPath returns the backup location for file.
func BackupPath(file string) string {
	return file + BackupSuffix
}

// Patch replaces the declaration of name in file with replacement. Methods are
// named "Type.Method". All lines outside the declaration's span are kept
// byte-for-byte.
func Patch(ctx context.Context, name, replacement, file string) (*Result, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", file, err)
	}
	original, span, err := locate(ctx, name, file)
	if err != nil {
		return nil, err
	}
	span = replacedSpan(span, replacement)

	backup := BackupPath(file)
	if err := writeFileAtomic(backup, original, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to write backup %s: %w", backup, err)
	}
	logging.PatcherDebug("backed up %s to %s", file, backup)

	patched, written := splice(string(original), span, replacement)
	if err := writeFileAtomic(file, []byte(patched), info.Mode().Perm()); err != nil {
		logging.PatcherError("failed to write %s (backup intact at %s): %v", file, backup, err)
		return nil, fmt.Errorf("failed to write %s: %w", file, err)
	}

	logging.Patcher("patched %s in %s (lines %d-%d replaced by %d)", name, file, span.StartLine+1, span.EndLine, written)
	return &Result{File: file, Backup: backup, Span: span, Lines: written}, nil
}

// Preview computes the change Patch would make without writing anything.
func Preview(ctx context.Context, name, replacement, file string) (*diff.FileDiff, error) {
	original, span, err := locate(ctx, name, file)
	if err != nil {
		return nil, err
	}
	patched, _ := splice(string(original), replacedSpan(span, replacement), replacement)
	return diff.Compute(file, file, string(original), patched), nil
}

func locate(ctx context.Context, name, file string) ([]byte, source.Span, error) {
	original, err := os.ReadFile(file)
	if err != nil {
		return nil, source.Span{}, fmt.Errorf("failed to read %s: %w", file, err)
	}
	span, err := source.Locate(ctx, original, name)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return nil, source.Span{}, fmt.Errorf("%w: %s in %s", ErrFunctionNotFound, name, file)
		}
		return nil, source.Span{}, fmt.Errorf("failed to locate %s in %s: %w", name, file, err)
	}
	return original, span, nil
}

// replacedSpan widens span over the declaration's doc comment when the
// replacement brings its own, so the old comment is not left behind.
func replacedSpan(span source.Span, replacement string) source.Span {
	if hasLeadingComment(replacement) && span.DocStartLine < span.StartLine {
		span.StartLine = span.DocStartLine
	}
	return span
}

func hasLeadingComment(code string) bool {
	code = strings.TrimLeft(code, " \t\r\n")
	return strings.HasPrefix(code, "//") || strings.HasPrefix(code, "/*")
}

// splice replaces lines [span.StartLine, span.EndLine) of content with
// replacement and returns the new content and the number of lines inserted.
func splice(content string, span source.Span, replacement string) (string, int) {
	lines := source.SplitLines(content)
	start, end := span.StartLine, span.EndLine
	if start > len(lines) {
		start = len(lines)
	}
	if end > len(lines) {
		end = len(lines)
	}

	// Keep the line structure: the replacement ends with a newline unless it
	// replaces a final line that had none.
	spanHadNewline := end > start && strings.HasSuffix(lines[end-1], "\n")
	if replacement != "" && !strings.HasSuffix(replacement, "\n") && (spanHadNewline || end < len(lines)) {
		replacement += "\n"
	}

	var b strings.Builder
	b.Grow(len(content) + len(replacement))
	for _, l := range lines[:start] {
		b.WriteString(l)
	}
	b.WriteString(replacement)
	for _, l := range lines[end:] {
		b.WriteString(l)
	}
	return b.String(), len(source.SplitLines(replacement))
}

// Restore copies <file>.backup back over file.
func Restore(file string) error {
	backup := BackupPath(file)
	info, err := os.Stat(backup)
	if err != nil {
		return fmt.Errorf("no backup for %s: %w", file, err)
	}
	content, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", backup, err)
	}
	if err := writeFileAtomic(file, content, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to restore %s: %w", file, err)
	}
	logging.Patcher("restored %s from %s", file, backup)
	return nil
}
