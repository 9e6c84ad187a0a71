package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for any status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid job status transition")

// validTransitions is the complete job lifecycle. Terminal states have no entry.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error wrapping ErrInvalidTransition and naming
// both states when the move is not allowed.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
