package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/checkin-service/internal/models"
)

type CheckInInput struct {
	LocationID string
	Day        models.Day
	Token      string
	DeviceID   string
	Identity   string
	Position   models.Position
	Now        time.Time
	Policy     DuplicatePolicy
}

type CheckInResult struct {
	Ticket    models.Ticket `json:"ticket"`
	Outcome   Outcome       `json:"outcome"`
	Abandoned []string      `json:"abandoned,omitempty"`
}

type EndTicketInput struct {
	TicketID string
	Action   Action
	Reason   models.EndReason
	At       time.Time
}

type TicketStore interface {
	// CheckIn resolves duplicates and, when needed, issues the next queue
	// number for (LocationID, Day) in a single serializable transaction.
	CheckIn(ctx context.Context, input CheckInInput) (CheckInResult, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, locationID string, day models.Day) ([]models.Ticket, error)
	ListDayTickets(ctx context.Context, day models.Day) ([]models.Ticket, error)
	// Touch refreshes lastActive (and the observed position) of an in-queue
	// ticket. Tickets in a terminal state are returned unchanged.
	Touch(ctx context.Context, ticketID string, at time.Time, position *models.Position) (models.Ticket, error)
	EndTicket(ctx context.Context, input EndTicketInput) (models.Ticket, bool, error)
	// SweepInactive abandons in-queue tickets last active strictly before
	// cutoff, stamping them ended at at.
	SweepInactive(ctx context.Context, cutoff, at time.Time, batchSize int) (int, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
}

type BadgeStore interface {
	GetBadge(ctx context.Context, badgeID string) (models.Badge, error)
	FindBadgeByEmail(ctx context.Context, email string) (models.Badge, bool, error)
	CreateBadge(ctx context.Context, badge models.Badge) (models.Badge, error)
}

type SystemStore interface {
	GetSystemCommand(ctx context.Context) (models.SystemCommand, error)
	// RequestRefresh moves the force-refresh timestamp forward to at. It never
	// moves it backwards.
	RequestRefresh(ctx context.Context, at time.Time) (models.SystemCommand, error)
}

// RelayStore keeps the realtime relay's position in the outbox so a restart
// resumes where the previous process stopped.
type RelayStore interface {
	GetRelayOffset(ctx context.Context) (int64, error)
	UpdateRelayOffset(ctx context.Context, seq int64) error
	// CleanupOutbox deletes events up to and including throughSeq that were
	// created before before, returning how many were removed.
	CleanupOutbox(ctx context.Context, throughSeq int64, before time.Time) (int64, error)
}

type Store interface {
	TicketStore
	BadgeStore
	SystemStore
	RelayStore
	Close()
}

type OutboxEvent struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	LocationID string          `json:"location_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

const (
	EventTicketIssued  = "ticket.issued"
	EventTicketResumed = "ticket.resumed"
	EventTicketEnded   = "ticket.ended"
	EventSystemRefresh = "system.refresh"
)
