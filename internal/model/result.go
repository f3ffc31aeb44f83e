package model

import "time"

// Outcome is the classifier's verdict on the page state after a submit.
type Outcome string

const (
	// OutcomeAlreadyReserved means the site reports a reservation already
	// exists for today. Benign: counts as success for dedupe, but keeps a
	// distinguishing message in history.
	OutcomeAlreadyReserved Outcome = "already_reserved"

	// OutcomeSuccess means the reservation went through.
	OutcomeSuccess Outcome = "success"

	// OutcomeNoCapacity means the chosen option is full. The only outcome
	// that triggers the fallback controller.
	OutcomeNoCapacity Outcome = "no_capacity"

	// OutcomeFailure covers error pages and generic failure text.
	OutcomeFailure Outcome = "failure"

	// OutcomeUnknown means no pattern matched yet; keep polling.
	OutcomeUnknown Outcome = "unknown"

	// OutcomeTimedOut means the classifier never reached a decision within
	// its window. Terminal, treated as failure with its own message.
	OutcomeTimedOut Outcome = "timed_out"
)

// Terminal reports whether the outcome ends the polling loop.
func (o Outcome) Terminal() bool {
	return o != OutcomeUnknown
}

// RunSource records what triggered a run.
type RunSource string

const (
	SourceAuto   RunSource = "auto"
	SourceManual RunSource = "manual"
	SourceTest   RunSource = "test"
)

// Label is the prefix stitched onto result messages so history shows what
// kicked the run off.
func (s RunSource) Label() string {
	switch s {
	case SourceAuto:
		return "[auto]"
	case SourceTest:
		return "[test]"
	default:
		return "[manual]"
	}
}

// RunResult is produced exactly once per completed run, including runs that
// exhausted their retries. Stored as lastResult and pushed onto the history
// ring.
type RunResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SameDay reports whether the result was produced on the same calendar day
// as t, in t's location. Drives the run-once-per-day dedupe.
func (r RunResult) SameDay(t time.Time) bool {
	y1, m1, d1 := r.Timestamp.In(t.Location()).Date()
	y2, m2, d2 := t.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
