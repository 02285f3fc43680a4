package ape

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"ape/internal/fault"
	"ape/internal/journal"
	"ape/internal/logging"
	"ape/internal/patcher"

	"github.com/google/uuid"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// failure is one failed invocation of a managed function.
type failure struct {
	panicked  bool
	value     any             // panic value
	results   []reflect.Value // results of an error return
	err       error
	message   string
	traceback string
}

// raise hands the failure back to the caller unchanged: the original results
// for an error return, a re-panic with the original value otherwise.
func (f *failure) raise() []reflect.Value {
	if f.panicked {
		panic(f.value)
	}
	return f.results
}

func (f *failure) asError() error {
	if f.err != nil {
		return f.err
	}
	if err, ok := f.value.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", f.value)
}

// invoke runs the repair loop for one call. Attempt 0 always calls original;
// each retry calls whatever is bound to name at that moment. At most
// maxRetries repairs are attempted and, when none succeeds, the failure of
// attempt 0 is raised.
func (m *Manager) invoke(name string, original reflect.Value, args []reflect.Value) []reflect.Value {
	ctx := contextFrom(args)
	impl := original
	var first *failure

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if current, ok := m.scope.Lookup(name); ok {
				impl = current
			}
		}

		m.report(Event{State: StateInvoking, Function: name, Attempt: attempt})
		out, f := m.call(name, impl, args)
		if f == nil {
			m.report(Event{State: StateSucceeded, Function: name, Attempt: attempt})
			return out
		}
		if first == nil {
			first = f
		}
		m.report(Event{State: StateFailed, Function: name, Attempt: attempt, Err: f.asError()})

		if attempt >= m.maxRetries {
			m.halt(name, attempt, fmt.Sprintf("retry limit (%d) reached", m.maxRetries))
			return first.raise()
		}

		outcome := m.repair(ctx, name, attempt+1, f)
		if !outcome.Retry() {
			m.halt(name, attempt, haltReason(outcome))
			return first.raise()
		}
	}
}

func haltReason(o Outcome) string {
	switch o.Kind {
	case KindSourcePatched:
		return "source patched; restart to use the fix"
	case KindSuggested:
		return "supervised mode; suggestion shown"
	default:
		return o.Reason
	}
}

func (m *Manager) halt(name string, attempt int, reason string) {
	logging.RepairWarn("halting %s after attempt %d: %s", name, attempt+1, reason)
	m.report(Event{State: StateHalted, Function: name, Attempt: attempt, Reason: reason})
}

// call invokes impl, turning a panic or a non-nil trailing error into a
// failure.
func (m *Manager) call(name string, impl reflect.Value, args []reflect.Value) (out []reflect.Value, f *failure) {
	defer func() {
		if r := recover(); r != nil {
			f = &failure{
				panicked:  true,
				value:     r,
				message:   fmt.Sprint(r),
				traceback: fault.PanicTraceback(r, debug.Stack()),
			}
		}
	}()

	if impl.Type().IsVariadic() {
		out = impl.CallSlice(args)
	} else {
		out = impl.Call(args)
	}

	if err := trailingError(impl.Type(), out); err != nil {
		rec, _ := m.registry.Lookup(name)
		return out, &failure{
			results:   out,
			err:       err,
			message:   err.Error(),
			traceback: fault.ErrorTraceback(err, rec.Location, fault.CaptureStack(2)),
		}
	}
	return out, nil
}

func trailingError(t reflect.Type, out []reflect.Value) error {
	n := t.NumOut()
	if n == 0 || t.Out(n-1) != errorType {
		return nil
	}
	last := out[n-1]
	if last.IsNil() {
		return nil
	}
	return last.Interface().(error)
}

func contextFrom(args []reflect.Value) context.Context {
	if len(args) > 0 && args[0].Type() == contextType && !args[0].IsNil() {
		return args[0].Interface().(context.Context)
	}
	return context.Background()
}

// repair runs one diagnose, request and apply sequence. Concurrent failures
// of the same function share a single sequence.
func (m *Manager) repair(ctx context.Context, name string, attempt int, f *failure) Outcome {
	v, _, _ := m.repairs.Do(name, func() (any, error) {
		return m.diagnoseAndApply(ctx, name, attempt, f), nil
	})
	return v.(Outcome)
}

func (m *Manager) diagnoseAndApply(ctx context.Context, name string, attempt int, f *failure) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	outcome := Outcome{Function: name, Attempt: attempt, ID: uuid.NewString()}
	log := logging.Get(logging.CategoryRepair).With("repair_id", outcome.ID, "function", name)

	m.report(Event{State: StateDiagnosing, Function: name, Attempt: attempt})
	fc := m.collector.Collect(ctx, name, f.message, f.traceback)
	log.Debug("collected %d stack functions", len(fc.StackFunctions))

	m.report(Event{State: StatePatchRequested, Function: name, Attempt: attempt})
	candidate, err := m.generator.RequestFix(ctx, fc)
	if err != nil {
		outcome.Kind = KindFailed
		outcome.Reason = fmt.Sprintf("patch request declined: %v", err)
		log.Warn("%s", outcome.Reason)
		return m.finish(ctx, outcome, f, start, err)
	}
	outcome.Candidate = candidate

	rec, _ := m.registry.Lookup(name)
	if m.mode == Supervised {
		outcome.Kind = KindSuggested
		outcome.File = rec.Location.File
		if outcome.File != "" {
			if d, err := patcher.Preview(ctx, name, candidate, outcome.File); err == nil {
				outcome.Diff = d.Unified()
			} else {
				log.Debug("no preview: %v", err)
			}
		}
		log.Info("supervised mode: suggestion produced, nothing changed")
		return m.finish(ctx, outcome, f, start, nil)
	}

	impl, swapErr := m.engine.Apply(name, candidate, m.scope)
	if swapErr == nil {
		outcome.Kind = KindHotSwapped
		outcome.Implementation = impl
		log.Info("hot-swapped")
		return m.finish(ctx, outcome, f, start, nil)
	}
	log.Warn("hot-swap failed: %v", swapErr)

	if !m.cfg.Repair.PersistFallback {
		outcome.Kind = KindFailed
		outcome.Reason = fmt.Sprintf("hot-swap failed: %v", swapErr)
		return m.finish(ctx, outcome, f, start, swapErr)
	}

	var patchErr error
	if rec.Location.File == "" {
		patchErr = errors.New("defining file is unknown")
	} else {
		res, err := patcher.Patch(ctx, name, candidate, rec.Location.File)
		if err == nil {
			outcome.Kind = KindSourcePatched
			outcome.File = res.File
			outcome.Backup = res.Backup
			log.Info("source patched: %s", res.File)
			return m.finish(ctx, outcome, f, start, nil)
		}
		patchErr = err
	}

	outcome.Kind = KindFailed
	outcome.Reason = fmt.Sprintf("hot-swap failed: %v; source patch failed: %v", swapErr, patchErr)
	log.Error("%s", outcome.Reason)
	return m.finish(ctx, outcome, f, start, errors.Join(swapErr, patchErr))
}

// finish journals the outcome and reports PatchApplied or PatchUnavailable.
func (m *Manager) finish(ctx context.Context, o Outcome, f *failure, start time.Time, cause error) Outcome {
	if m.journal != nil {
		entry := &journal.Entry{
			ID:        o.ID,
			Function:  o.Function,
			Attempt:   o.Attempt,
			Mode:      m.mode.String(),
			Outcome:   o.Kind.String(),
			Reason:    o.Reason,
			Error:     f.message,
			File:      o.File,
			Backup:    o.Backup,
			Candidate: o.Candidate,
			Duration:  time.Since(start),
		}
		if o.Diff != "" {
			entry.Details = map[string]string{"diff": o.Diff}
		}
		// The repair context may already be spent on a slow request.
		if err := m.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
			logging.JournalWarn("failed to journal repair %s: %v", o.ID, err)
		} else {
			o.Journaled = true
		}
	}

	state := StatePatchApplied
	if o.Kind == KindFailed {
		state = StatePatchUnavailable
	}
	m.report(Event{State: state, Function: o.Function, Attempt: o.Attempt, Err: cause, Outcome: &o})
	return o
}

func (m *Manager) report(e Event) {
	e.Time = time.Now()
	logging.RepairDebug("%s: %s (attempt %d)", e.Function, e.State, e.Attempt)
	m.reporter.Report(e)
}
