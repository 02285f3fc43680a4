// Package diff computes line diffs between two versions of a source file,
// used to preview a patch before it is written.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContextLines is the number of unchanged lines kept around each change.
const ContextLines = 3

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged context line
	LineAdded                   // Added line
	LineRemoved                 // Removed line
)

// Line is a single line of a hunk. LineNum is the old line number for
// context and removed lines and the new line number for added lines.
type Line struct {
	LineNum int
	Content string
	Type    LineType
}

// Hunk is a group of nearby changes with their context. Starts are 1-based.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff represents changes to a single file
type FileDiff struct {
	OldPath  string
	NewPath  string
	Hunks    []Hunk
	IsNew    bool
	IsDelete bool
}

// operation is one line of the full diff. For added lines oldPos is the
// old-side position the line is inserted at; removed lines mirror that.
type operation struct {
	typ     LineType
	oldPos  int
	newPos  int
	content string
}

// Compute diffs oldContent against newContent line by line.
func Compute(oldPath, newPath, oldContent, newContent string) *FileDiff {
	fd := &FileDiff{
		OldPath:  oldPath,
		NewPath:  newPath,
		IsNew:    oldContent == "",
		IsDelete: newContent == "",
	}
	if oldContent == newContent {
		return fd
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	fd.Hunks = group(toOperations(diffs), ContextLines)
	return fd
}

func toOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldPos, newPos := 0, 0
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			op := operation{oldPos: oldPos, newPos: newPos, content: line}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				op.typ = LineContext
				oldPos++
				newPos++
			case diffmatchpatch.DiffDelete:
				op.typ = LineRemoved
				oldPos++
			case diffmatchpatch.DiffInsert:
				op.typ = LineAdded
				newPos++
			}
			ops = append(ops, op)
		}
	}
	return ops
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\n")
	}
	return lines
}

// group splits ops into hunks. Changes separated by at most 2*n unchanged
// lines share a hunk.
func group(ops []operation, n int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(ops) {
		if ops[i].typ == LineContext {
			i++
			continue
		}
		start := max(0, i-n)
		last := i
		j := i
		for j < len(ops) {
			if ops[j].typ != LineContext {
				last = j
				j++
				continue
			}
			k := j
			for k < len(ops) && ops[k].typ == LineContext {
				k++
			}
			if k < len(ops) && k-j <= 2*n {
				j = k
				continue
			}
			break
		}
		stop := min(len(ops), last+1+n)
		hunks = append(hunks, newHunk(ops[start:stop]))
		i = stop
	}
	return hunks
}

func newHunk(ops []operation) Hunk {
	h := Hunk{OldStart: ops[0].oldPos + 1, NewStart: ops[0].newPos + 1}
	for _, op := range ops {
		line := Line{Content: op.content, Type: op.typ, LineNum: op.oldPos + 1}
		switch op.typ {
		case LineContext:
			h.OldCount++
			h.NewCount++
		case LineRemoved:
			h.OldCount++
		case LineAdded:
			h.NewCount++
			line.LineNum = op.newPos + 1
		}
		h.Lines = append(h.Lines, line)
	}
	// An empty side points at the line before the change.
	if h.OldCount == 0 {
		h.OldStart--
	}
	if h.NewCount == 0 {
		h.NewStart--
	}
	return h
}

// Stats returns the number of added and removed lines.
func (fd *FileDiff) Stats() (added, removed int) {
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				added++
			case LineRemoved:
				removed++
			}
		}
	}
	return added, removed
}

// Empty reports whether the two versions are identical.
func (fd *FileDiff) Empty() bool {
	return len(fd.Hunks) == 0
}

// Unified renders the diff in unified format. Identical inputs render as "".
func (fd *FileDiff) Unified() string {
	if fd.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", fd.OldPath, fd.NewPath)
	for _, h := range fd.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteByte('+')
			case LineRemoved:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
