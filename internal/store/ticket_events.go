package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/checkin-service/internal/models"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID    string     `json:"ticket_id"`
	LocationID  string     `json:"location_id"`
	QueueNumber int        `json:"queue_number"`
	Day         string     `json:"day"`
	Identity    string     `json:"identity"`
	DeviceID    string     `json:"device_id"`
	Status      string     `json:"status"`
	EndReason   string     `json:"end_reason"`
	TokenUsed   string     `json:"token_used"`
	CreatedAt   *time.Time `json:"created_at"`
	LastActive  *time.Time `json:"last_active"`
	EndedAt     *time.Time `json:"ended_at"`
	Checkout    *time.Time `json:"checkout_time"`
}

// EventPayload renders the outbox/history payload for a ticket.
func EventPayload(ticket models.Ticket) ([]byte, error) {
	createdAt := ticket.CreatedAt
	lastActive := ticket.LastActive
	return json.Marshal(eventPayload{
		TicketID:    ticket.TicketID,
		LocationID:  ticket.LocationID,
		QueueNumber: ticket.QueueNumber,
		Day:         string(ticket.Day),
		Identity:    ticket.Identity,
		DeviceID:    ticket.DeviceID,
		Status:      string(ticket.Status),
		EndReason:   string(ticket.EndReason),
		TokenUsed:   ticket.TokenUsed,
		CreatedAt:   &createdAt,
		LastActive:  &lastActive,
		EndedAt:     ticket.EndedAt,
		Checkout:    ticket.CheckoutTime,
	})
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows prev (nil for the first one).
func NextTicketEvent(prev *TicketEvent, ticketID, eventType string, payload []byte, createdAt time.Time) TicketEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticketID, eventType, payload, createdAt, seq),
	}
}

// VerifyChain checks sequence numbers and hash links of a ticket's history.
func VerifyChain(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TicketSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket folds a ticket's history back into its latest state.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.LocationID != "" {
			ticket.LocationID = payload.LocationID
		}
		if payload.QueueNumber != 0 {
			ticket.QueueNumber = payload.QueueNumber
		}
		if payload.Day != "" {
			ticket.Day = models.Day(payload.Day)
		}
		if payload.Identity != "" {
			ticket.Identity = payload.Identity
		}
		if payload.DeviceID != "" {
			ticket.DeviceID = payload.DeviceID
		}
		if payload.Status != "" {
			status, err := models.ParseStatus(payload.Status)
			if err != nil {
				return models.Ticket{}, err
			}
			ticket.Status = status
		}
		ticket.EndReason = models.EndReason(payload.EndReason)
		if payload.TokenUsed != "" {
			ticket.TokenUsed = payload.TokenUsed
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.LastActive != nil {
			ticket.LastActive = *payload.LastActive
		}
		if payload.EndedAt != nil {
			ticket.EndedAt = payload.EndedAt
		}
		if payload.Checkout != nil {
			ticket.CheckoutTime = payload.Checkout
		}
	}
	return ticket, nil
}
