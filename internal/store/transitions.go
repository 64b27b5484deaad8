package store

import (
	"fmt"

	"qms/checkin-service/internal/models"
)

// Action is an operation that moves a ticket out of the queue.
type Action string

const (
	ActionLeave    Action = "leave"
	ActionComplete Action = "complete"
	ActionAbandon  Action = "abandon"
)

// Transition returns the status a ticket in from ends in after action.
func Transition(action Action, from models.Status) (models.Status, error) {
	if !from.InQueue() {
		return "", ErrInvalidState
	}
	switch action {
	case ActionLeave:
		return models.StatusLeftManually, nil
	case ActionComplete:
		return models.StatusCompleted, nil
	case ActionAbandon:
		return models.StatusAbandoned, nil
	default:
		return "", fmt.Errorf("unknown action %q: %w", action, ErrInvalidState)
	}
}

// SetsCheckout reports whether the action is a graceful exit that records a
// checkout time.
func (a Action) SetsCheckout() bool {
	return a == ActionLeave || a == ActionComplete
}
