// Package ledger owns every mutation of tickets and counters. It validates
// check-in requests, runs the store's issuance transaction under a bounded
// retry policy and exposes the narrow write surface used by presence
// monitors and staff.
package ledger

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"time"

	"qms/checkin-service/internal/identity"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/retry"
	"qms/checkin-service/internal/store"
	"qms/checkin-service/internal/token"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrLocationRequired = errors.New("location required")
	ErrUnknownLocation  = errors.New("unknown location")
	ErrInvalidToken     = errors.New("invalid or expired token")
	ErrIdentityRequired = errors.New("device or identity required")
	ErrPositionRequired = errors.New("position required")
	ErrInvalidPosition  = errors.New("invalid position")
	ErrInvalidReason    = errors.New("invalid end reason")
	ErrUnknownBadge     = errors.New("unknown badge")
	ErrBusy             = errors.New("system busy, try again")
)

var (
	checkinsTotal  = expvar.NewInt("checkins_total")
	conflictsTotal = expvar.NewInt("checkin_conflicts_total")
	busyTotal      = expvar.NewInt("checkin_busy_total")
	evictionsTotal = expvar.NewMap("ticket_endings_total")
)

var tracer = otel.Tracer("qms/checkin-service/ledger")

type Options struct {
	Locations     []models.Location
	Zone          *time.Location
	TokenWindow   time.Duration
	PastWindows   int
	FutureWindows int
	HardAbandon   time.Duration
	RescanPenalty time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Now           func() time.Time
	// Badges, when set, binds every ticket to a resolved badge: device_id
	// must name a known badge and the ticket identity is the badge email.
	Badges store.BadgeStore
}

type CheckInRequest struct {
	LocationID string           `json:"location_id"`
	Token      string           `json:"token"`
	DeviceID   string           `json:"device_id"`
	Identity   string           `json:"identity"`
	Position   *models.Position `json:"position"`
}

type Result struct {
	Ticket    models.Ticket `json:"ticket"`
	Outcome   store.Outcome `json:"outcome"`
	Abandoned []string      `json:"abandoned,omitempty"`
	Attempts  int           `json:"attempts"`
}

type Ledger struct {
	store     store.TicketStore
	locations map[string]*time.Location
	options   Options
	policy    store.DuplicatePolicy
	now       func() time.Time
}

func New(tickets store.TicketStore, options Options) (*Ledger, error) {
	if options.TokenWindow <= 0 {
		return nil, fmt.Errorf("token window must be positive")
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = 20
	}
	if options.BackoffBase <= 0 {
		options.BackoffBase = 20 * time.Millisecond
	}
	if options.BackoffMax <= 0 {
		options.BackoffMax = time.Second
	}
	if options.Zone == nil {
		options.Zone = time.UTC
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	locations := make(map[string]*time.Location, len(options.Locations))
	for _, location := range options.Locations {
		zone := options.Zone
		if location.Zone != "" {
			loaded, err := time.LoadLocation(location.Zone)
			if err != nil {
				return nil, fmt.Errorf("location %s: %w", location.LocationID, err)
			}
			zone = loaded
		}
		locations[location.LocationID] = zone
	}

	return &Ledger{
		store:     tickets,
		locations: locations,
		options:   options,
		policy:    store.DuplicatePolicy{HardAbandon: options.HardAbandon, RescanPenalty: options.RescanPenalty},
		now:       now,
	}, nil
}

// Day returns the current numbering day of a location.
func (l *Ledger) Day(locationID string) (models.Day, error) {
	zone, ok := l.locations[locationID]
	if !ok {
		return "", ErrUnknownLocation
	}
	return models.DayOf(l.now(), zone), nil
}

func (l *Ledger) validate(req CheckInRequest) error {
	if req.LocationID == "" {
		return ErrLocationRequired
	}
	if _, ok := l.locations[req.LocationID]; !ok {
		return ErrUnknownLocation
	}
	if req.DeviceID == "" && req.Identity == "" {
		return ErrIdentityRequired
	}
	if !l.tokenValid(req.Token) {
		return ErrInvalidToken
	}
	if req.Position == nil {
		return ErrPositionRequired
	}
	if !req.Position.Valid() {
		return ErrInvalidPosition
	}
	return nil
}

// bindBadge replaces the request's identity with the email of the badge
// named by its device id.
func (l *Ledger) bindBadge(ctx context.Context, req CheckInRequest) (CheckInRequest, error) {
	if l.options.Badges == nil {
		return req, nil
	}
	if req.DeviceID == "" {
		return req, ErrIdentityRequired
	}
	badge, err := l.options.Badges.GetBadge(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrBadgeNotFound) {
			return req, ErrUnknownBadge
		}
		return req, fmt.Errorf("%w: %v", identity.ErrIdentityUnavailable, err)
	}
	req.DeviceID = badge.BadgeID
	req.Identity = badge.Email
	return req, nil
}

func (l *Ledger) tokenValid(value string) bool {
	return token.IsValid(value, l.now(), l.options.TokenWindow, l.options.PastWindows, l.options.FutureWindows)
}

// CheckIn resumes the visitor's ticket at the location or issues the next
// queue number. Invalid requests are rejected before the store is touched.
func (l *Ledger) CheckIn(ctx context.Context, req CheckInRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.CheckIn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("location_id", req.LocationID)))
	defer span.End()

	if err := l.validate(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	req, err := l.bindBadge(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	attempts := 0
	policy := retry.Policy{
		MaxAttempts: l.options.MaxAttempts,
		Backoff:     retry.ExponentialJitter(l.options.BackoffBase, l.options.BackoffMax),
		Retryable:   func(err error) bool { return errors.Is(err, store.ErrConflict) },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			conflictsTotal.Add(1)
			log.Printf("checkin conflict location=%s attempt=%d wait=%s", req.LocationID, attempt, wait)
		},
	}
	result, err := retry.Do(ctx, policy, func(ctx context.Context) (store.CheckInResult, error) {
		attempts++
		now := l.now()
		// The token may have rotated out while we were backing off.
		if !l.tokenValid(req.Token) {
			return store.CheckInResult{}, ErrInvalidToken
		}
		return l.store.CheckIn(ctx, store.CheckInInput{
			LocationID: req.LocationID,
			Day:        models.DayOf(now, l.locations[req.LocationID]),
			Token:      req.Token,
			DeviceID:   req.DeviceID,
			Identity:   req.Identity,
			Position:   withTime(*req.Position, now),
			Now:        now,
			Policy:     l.policy,
		})
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			busyTotal.Add(1)
			log.Printf("checkin busy location=%s attempts=%d", req.LocationID, attempts)
			err = fmt.Errorf("%w: %v", ErrBusy, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	checkinsTotal.Add(1)
	span.SetAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.Int("queue_number", result.Ticket.QueueNumber),
	)
	log.Printf("checkin location=%s ticket_id=%s number=%d outcome=%s attempts=%d",
		req.LocationID, result.Ticket.TicketID, result.Ticket.QueueNumber, result.Outcome, attempts)
	return Result{
		Ticket:    result.Ticket,
		Outcome:   result.Outcome,
		Abandoned: result.Abandoned,
		Attempts:  attempts,
	}, nil
}

// Heartbeat records that the ticket holder is still present. The returned
// ticket carries the current status so the caller can notice an eviction.
func (l *Ledger) Heartbeat(ctx context.Context, ticketID string, position *models.Position) (models.Ticket, error) {
	now := l.now()
	if position != nil {
		if !position.Valid() {
			return models.Ticket{}, ErrInvalidPosition
		}
		fix := withTime(*position, now)
		position = &fix
	}
	return l.store.Touch(ctx, ticketID, now, position)
}

// Abandon is the presence monitor's eviction: only geofence and timeout
// reasons are accepted here.
func (l *Ledger) Abandon(ctx context.Context, ticketID string, reason models.EndReason) (models.Ticket, error) {
	if reason != models.ReasonGeofence && reason != models.ReasonTimeout {
		return models.Ticket{}, ErrInvalidReason
	}
	return l.end(ctx, ticketID, store.ActionAbandon, reason)
}

func (l *Ledger) Leave(ctx context.Context, ticketID string) (models.Ticket, error) {
	return l.end(ctx, ticketID, store.ActionLeave, models.ReasonNone)
}

func (l *Ledger) Complete(ctx context.Context, ticketID string) (models.Ticket, error) {
	return l.end(ctx, ticketID, store.ActionComplete, models.ReasonNone)
}

// Evict removes a ticket on behalf of staff.
func (l *Ledger) Evict(ctx context.Context, ticketID string) (models.Ticket, error) {
	return l.end(ctx, ticketID, store.ActionAbandon, models.ReasonAdmin)
}

func (l *Ledger) end(ctx context.Context, ticketID string, action store.Action, reason models.EndReason) (models.Ticket, error) {
	ticket, changed, err := l.store.EndTicket(ctx, store.EndTicketInput{
		TicketID: ticketID,
		Action:   action,
		Reason:   reason,
		At:       l.now(),
	})
	if err != nil {
		return ticket, err
	}
	if changed {
		evictionsTotal.Add(string(action), 1)
		log.Printf("ticket ended ticket_id=%s action=%s reason=%s status=%s", ticketID, action, reason, ticket.Status)
	}
	return ticket, nil
}

// SweepInactive abandons in-queue tickets whose last heartbeat is older
// than the hard abandonment threshold.
func (l *Ledger) SweepInactive(ctx context.Context, batchSize int) (int, error) {
	if l.options.HardAbandon <= 0 {
		return 0, nil
	}
	now := l.now()
	return l.store.SweepInactive(ctx, now.Add(-l.options.HardAbandon), now, batchSize)
}

func withTime(position models.Position, now time.Time) models.Position {
	if position.At.IsZero() {
		position.At = now
	}
	return position
}
