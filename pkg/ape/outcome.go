package ape

import "reflect"

// Kind tags a repair outcome.
type Kind int

const (
	// KindFailed means no replacement took effect.
	KindFailed Kind = iota
	// KindHotSwapped means the running process now calls the replacement.
	KindHotSwapped
	// KindSourcePatched means the defining file was rewritten; the running
	// process is unchanged until restart.
	KindSourcePatched
	// KindSuggested means supervised mode showed the candidate and changed
	// nothing.
	KindSuggested
)

func (k Kind) String() string {
	switch k {
	case KindHotSwapped:
		return "hot-swapped"
	case KindSourcePatched:
		return "source-patched"
	case KindSuggested:
		return "suggested"
	default:
		return "failed"
	}
}

// Outcome is the result of one repair attempt.
type Outcome struct {
	Kind           Kind
	Function       string
	Attempt        int
	ID             string        // log correlation ID, also the journal entry ID
	Journaled      bool          // recorded in the repair journal
	Implementation reflect.Value // set for KindHotSwapped
	File           string        // set for KindSourcePatched and KindSuggested
	Backup         string        // set for KindSourcePatched
	Candidate      string        // replacement source, when one was produced
	Diff           string        // unified diff against File, for KindSuggested
	Reason         string        // why the attempt failed, for KindFailed
}

// Retry reports whether the orchestrator should call the function again.
func (o Outcome) Retry() bool {
	return o.Kind == KindHotSwapped
}
