package fault

import (
	"fmt"
	"runtime"
	"strings"

	"ape/internal/source"
)

const maxStackDepth = 64

// CaptureStack formats the caller's stack the way the runtime prints a
// goroutine trace. skip=0 starts at the caller of CaptureStack.
func CaptureStack(skip int) string {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		if f.Function != "" {
			fmt.Fprintf(&b, "%s(...)\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// PanicTraceback renders a recovered panic value with the stack captured at
// recovery time (runtime/debug.Stack).
func PanicTraceback(value any, stack []byte) string {
	return fmt.Sprintf("panic: %v\n\n%s", value, stack)
}

// ErrorTraceback renders a returned error as a trace. Go errors carry no
// stack, so the managed function's own frame is synthesized from its
// registered location and followed by the caller's stack.
func ErrorTraceback(err error, loc source.Location, stack string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "error: %v\n\ngoroutine 1 [returned error]:\n", err)
	if loc.QualifiedName != "" {
		fmt.Fprintf(&b, "%s(...)\n", loc.QualifiedName)
		if !loc.IsZero() {
			fmt.Fprintf(&b, "\t%s:%d\n", loc.File, loc.Line)
		}
	}
	b.WriteString(stack)
	return b.String()
}
