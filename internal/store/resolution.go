package store

import (
	"sort"
	"time"

	"qms/checkin-service/internal/models"
)

type Outcome string

const (
	OutcomeIssued            Outcome = "issued"
	OutcomeResumed           Outcome = "resumed"
	OutcomeReissuedAfterIdle Outcome = "reissued_after_timeout"
	OutcomeReissuedRescan    Outcome = "reissued_after_rescan"
)

type DuplicatePolicy struct {
	// HardAbandon is the inactivity gap after which an existing ticket is
	// considered vanished.
	HardAbandon time.Duration
	// RescanPenalty is the ticket age under which presenting a different
	// token resets the visitor's place.
	RescanPenalty time.Duration
}

// Decision is the outcome of duplicate resolution for one check-in attempt.
// Resume is nil when a new ticket must be issued.
type Decision struct {
	Resume  *models.Ticket
	Abandon []models.Ticket
	Reason  models.EndReason
	Outcome Outcome
}

// ResolveDuplicates decides between resuming an existing in-queue ticket of
// the same visitor and issuing a new one. existing must only hold in-queue
// tickets of the same location and day.
func ResolveDuplicates(existing []models.Ticket, token string, now time.Time, policy DuplicatePolicy) Decision {
	open := make([]models.Ticket, 0, len(existing))
	for _, ticket := range existing {
		if ticket.InQueue() {
			open = append(open, ticket)
		}
	}
	if len(open) == 0 {
		return Decision{Outcome: OutcomeIssued}
	}

	sort.SliceStable(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.After(open[j].CreatedAt)
		}
		return open[i].QueueNumber > open[j].QueueNumber
	})
	latest := open[0]
	age := now.Sub(latest.CreatedAt)
	idle := now.Sub(latest.LastActive)

	if policy.HardAbandon > 0 && idle > policy.HardAbandon {
		return Decision{Abandon: open, Reason: models.ReasonTimeout, Outcome: OutcomeReissuedAfterIdle}
	}
	if token != latest.TokenUsed && age < policy.RescanPenalty {
		return Decision{Abandon: open, Reason: models.ReasonRescan, Outcome: OutcomeReissuedRescan}
	}

	resumed := latest
	resumed.LastActive = now
	resumed.TokenUsed = token
	decision := Decision{Resume: &resumed, Outcome: OutcomeResumed}
	if len(open) > 1 {
		decision.Abandon = open[1:]
		decision.Reason = models.ReasonRescan
	}
	return decision
}
