package calls

import "context"

// TerminalObserver is told when a write moved a call into a terminal status.
// The dialer frees the call's slot; the reconciler schedules follow-up syncs.
type TerminalObserver interface {
	CallTerminated(ctx context.Context, c Call)
}

// TerminalObservers fans out to every observer in order.
type TerminalObservers []TerminalObserver

func (o TerminalObservers) CallTerminated(ctx context.Context, c Call) {
	for _, obs := range o {
		if obs != nil {
			obs.CallTerminated(ctx, c)
		}
	}
}

// EnteredTerminal reports whether a patch result just made the call terminal.
func EnteredTerminal(c Call, changed []string) bool {
	if !c.Status.IsTerminal() {
		return false
	}
	for _, f := range changed {
		if f == FieldStatus {
			return true
		}
	}
	return false
}
