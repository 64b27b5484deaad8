package models

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a ticket. "active" is accepted on input
// as a synonym of waiting and never produced.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusCompleted    Status = "completed"
	StatusAbandoned    Status = "abandoned"
	StatusLeftManually Status = "left_manually"
)

const legacyStatusActive = "active"

func ParseStatus(raw string) (Status, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case string(StatusWaiting), legacyStatusActive:
		return StatusWaiting, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusAbandoned):
		return StatusAbandoned, nil
	case string(StatusLeftManually):
		return StatusLeftManually, nil
	default:
		return "", fmt.Errorf("unknown ticket status %q", raw)
	}
}

func (s Status) InQueue() bool {
	return s == StatusWaiting
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusLeftManually:
		return true
	default:
		return false
	}
}

// EndReason records why a ticket left the queue involuntarily. It drives the
// distinct "left area", "timed out" and "removed by staff" client states.
type EndReason string

const (
	ReasonNone     EndReason = ""
	ReasonGeofence EndReason = "geofence"
	ReasonTimeout  EndReason = "timeout"
	ReasonRescan   EndReason = "rescan"
	ReasonAdmin    EndReason = "admin"
)

func ParseEndReason(raw string) (EndReason, error) {
	switch EndReason(strings.TrimSpace(strings.ToLower(raw))) {
	case ReasonNone:
		return ReasonNone, nil
	case ReasonGeofence:
		return ReasonGeofence, nil
	case ReasonTimeout:
		return ReasonTimeout, nil
	case ReasonRescan:
		return ReasonRescan, nil
	case ReasonAdmin:
		return ReasonAdmin, nil
	default:
		return "", fmt.Errorf("unknown end reason %q", raw)
	}
}

// VisitorState is what a visitor's screen shows for a ticket.
type VisitorState string

const (
	StateInQueue    VisitorState = "in_queue"
	StateServed     VisitorState = "served"
	StateLeft       VisitorState = "left"
	StateLeftArea   VisitorState = "left_area"
	StateTimedOut   VisitorState = "timed_out"
	StateRemoved    VisitorState = "removed_by_staff"
	StateSuperseded VisitorState = "superseded"
)

func (t Ticket) VisitorState() VisitorState {
	switch t.Status {
	case StatusWaiting:
		return StateInQueue
	case StatusCompleted:
		return StateServed
	case StatusLeftManually:
		return StateLeft
	case StatusAbandoned:
		switch t.EndReason {
		case ReasonGeofence:
			return StateLeftArea
		case ReasonAdmin:
			return StateRemoved
		case ReasonRescan:
			return StateSuperseded
		default:
			return StateTimedOut
		}
	default:
		return StateTimedOut
	}
}
