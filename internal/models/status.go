package models

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusPlanning     Status = "planning"
	StatusApplying     Status = "applying"
	StatusCleaning     Status = "cleaning"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// ActiveStatuses are the states a running pipeline moves between.
var ActiveStatuses = []Status{StatusInitializing, StatusPlanning, StatusApplying, StatusCleaning}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// IsActive reports whether a pipeline is (or should be) working on the deployment.
func (s Status) IsActive() bool {
	switch s {
	case StatusInitializing, StatusPlanning, StatusApplying, StatusCleaning:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending:
		return true
	}
	return s.IsActive() || s.IsTerminal()
}

// CanTransition reports whether from -> to is allowed. Terminal states are
// final; any active state may re-enter any other active state so a retry can
// restart from initializing after cleaning.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	switch from {
	case StatusDraft:
		return to != StatusDraft
	case StatusPending:
		return to != StatusDraft && to != StatusPending
	}
	// from is active
	return to.IsActive() || to.IsTerminal()
}
