// CLAUDE:SUMMARY Row state machine: the only legal status transitions for code rows.
package store

// transitions lists, for each status, the statuses a row may move to.
//
//	pending        -> running (http claim), queued_browser (http stage skipped)
//	running        -> any terminal, queued_browser, running (retry bookkeeping), pending (recovery)
//	queued_browser -> running (browser claim), pending (browser stage unavailable)
//	unknown|blocked|error -> queued_browser (escalation), pending (rerun)
//	valid|invalid  -> nothing
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusQueuedBrowser},
	StatusRunning: {
		StatusValid, StatusInvalid, StatusUnknown, StatusBlocked, StatusError,
		StatusQueuedBrowser, StatusRunning, StatusPending,
	},
	StatusQueuedBrowser: {StatusRunning, StatusPending},
	StatusUnknown:       {StatusQueuedBrowser, StatusPending},
	StatusBlocked:       {StatusQueuedBrowser, StatusPending},
	StatusError:         {StatusQueuedBrowser, StatusPending},
}

// CanTransition reports whether a row may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a row's pass through the pipeline.
func (s Status) Terminal() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusUnknown, StatusBlocked, StatusError:
		return true
	}
	return false
}

// Uncertain reports whether s is eligible for browser escalation and rerun.
func (s Status) Uncertain() bool {
	switch s {
	case StatusUnknown, StatusBlocked, StatusError:
		return true
	}
	return false
}

// Open reports whether a row in s keeps its job from completing.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusRunning, StatusQueuedBrowser:
		return true
	}
	return false
}
