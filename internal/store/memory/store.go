// Package memory is an in-process store with the same transactional
// semantics as the postgres store: every operation runs under one lock, so
// check-ins are serialised exactly as a serializable transaction would be.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/store"

	"github.com/google/uuid"
)

type Options struct {
	// Conflict, when set, is consulted once per check-in transaction; true
	// aborts it with store.ErrConflict before any write.
	Conflict func() bool
}

type Store struct {
	mu       sync.Mutex
	conflict func() bool
	tickets  map[string]*models.Ticket
	order    []string
	counters map[string]models.Counter
	badges   map[string]models.Badge
	emails   map[string]string
	system   models.SystemCommand
	history  map[string][]store.TicketEvent
	outbox   []store.OutboxEvent
	seq      int64
	relayed  int64
}

func NewStore(options Options) *Store {
	return &Store{
		conflict: options.Conflict,
		tickets:  make(map[string]*models.Ticket),
		counters: make(map[string]models.Counter),
		badges:   make(map[string]models.Badge),
		emails:   make(map[string]string),
		history:  make(map[string][]store.TicketEvent),
	}
}

func (s *Store) Close() {}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (store.CheckInResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CheckInResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []models.Ticket
	for _, id := range s.order {
		ticket := s.tickets[id]
		if ticket.LocationID != input.LocationID || ticket.Day != input.Day || !ticket.InQueue() {
			continue
		}
		if sameVisitor(*ticket, input.DeviceID, input.Identity) {
			existing = append(existing, copyTicket(*ticket))
		}
	}
	decision := store.ResolveDuplicates(existing, input.Token, input.Now, input.Policy)

	if s.conflict != nil && s.conflict() {
		return store.CheckInResult{}, store.ErrConflict
	}

	result := store.CheckInResult{Outcome: decision.Outcome}
	for _, victim := range decision.Abandon {
		ticket := s.tickets[victim.TicketID]
		ended := input.Now
		ticket.Status = models.StatusAbandoned
		ticket.EndReason = decision.Reason
		ticket.EndedAt = &ended
		s.record(*ticket, store.EventTicketEnded, input.Now)
		result.Abandoned = append(result.Abandoned, ticket.TicketID)
	}

	if decision.Resume != nil {
		ticket := s.tickets[decision.Resume.TicketID]
		ticket.LastActive = input.Now
		ticket.TokenUsed = input.Token
		s.record(*ticket, store.EventTicketResumed, input.Now)
		result.Ticket = copyTicket(*ticket)
		return result, nil
	}

	next := 1
	if counter, ok := s.counters[input.LocationID]; ok && counter.Day == input.Day {
		next = counter.Count + 1
	}
	s.counters[input.LocationID] = models.Counter{LocationID: input.LocationID, Day: input.Day, Count: next}

	position := input.Position
	ticket := &models.Ticket{
		TicketID:    uuid.NewString(),
		LocationID:  input.LocationID,
		QueueNumber: next,
		Day:         input.Day,
		Identity:    input.Identity,
		DeviceID:    input.DeviceID,
		Status:      models.StatusWaiting,
		CreatedAt:   input.Now,
		LastActive:  input.Now,
		TokenUsed:   input.Token,
		Position:    &position,
	}
	s.tickets[ticket.TicketID] = ticket
	s.order = append(s.order, ticket.TicketID)
	s.record(*ticket, store.EventTicketIssued, input.Now)
	result.Ticket = copyTicket(*ticket)
	return result, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return copyTicket(*ticket), nil
}

func (s *Store) ListTickets(ctx context.Context, locationID string, day models.Day) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, id := range s.order {
		ticket := s.tickets[id]
		if ticket.LocationID == locationID && ticket.Day == day {
			tickets = append(tickets, copyTicket(*ticket))
		}
	}
	return tickets, nil
}

func (s *Store) ListDayTickets(ctx context.Context, day models.Day) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, id := range s.order {
		ticket := s.tickets[id]
		if ticket.Day == day {
			tickets = append(tickets, copyTicket(*ticket))
		}
	}
	return tickets, nil
}

func (s *Store) Touch(ctx context.Context, ticketID string, at time.Time, position *models.Position) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !ticket.InQueue() {
		return copyTicket(*ticket), nil
	}
	if at.After(ticket.LastActive) {
		ticket.LastActive = at
	}
	if position != nil {
		pos := *position
		ticket.Position = &pos
	}
	return copyTicket(*ticket), nil
}

func (s *Store) EndTicket(ctx context.Context, input store.EndTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	to, err := store.Transition(input.Action, ticket.Status)
	if err != nil {
		if input.Action == store.ActionAbandon && ticket.Status == models.StatusAbandoned {
			return copyTicket(*ticket), false, nil
		}
		return copyTicket(*ticket), false, err
	}
	at := input.At
	ticket.Status = to
	ticket.EndReason = input.Reason
	ticket.EndedAt = &at
	if input.Action.SetsCheckout() {
		ticket.CheckoutTime = &at
	}
	s.record(*ticket, store.EventTicketEnded, at)
	return copyTicket(*ticket), true, nil
}

func (s *Store) SweepInactive(ctx context.Context, cutoff, at time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.Ticket
	for _, id := range s.order {
		ticket := s.tickets[id]
		if ticket.InQueue() && ticket.LastActive.Before(cutoff) {
			stale = append(stale, ticket)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].LastActive.Before(stale[j].LastActive)
	})
	if len(stale) > batchSize {
		stale = stale[:batchSize]
	}
	for _, ticket := range stale {
		ended := at
		ticket.Status = models.StatusAbandoned
		ticket.EndReason = models.ReasonTimeout
		ticket.EndedAt = &ended
		s.record(*ticket, store.EventTicketEnded, at)
	}
	return len(stale), nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	events := make([]store.TicketEvent, len(s.history[ticketID]))
	copy(events, s.history[ticketID])
	return events, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) GetRelayOffset(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayed, nil
}

func (s *Store) UpdateRelayOffset(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.relayed {
		s.relayed = seq
	}
	return nil
}

func (s *Store) CleanupOutbox(ctx context.Context, throughSeq int64, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	var removed int64
	for _, event := range s.outbox {
		if event.Seq <= throughSeq && event.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	s.outbox = kept
	return removed, nil
}

func (s *Store) GetBadge(ctx context.Context, badgeID string) (models.Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	badge, ok := s.badges[badgeID]
	if !ok {
		return models.Badge{}, store.ErrBadgeNotFound
	}
	return badge, nil
}

func (s *Store) FindBadgeByEmail(ctx context.Context, email string) (models.Badge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[email]
	if !ok {
		return models.Badge{}, false, nil
	}
	return s.badges[id], true, nil
}

func (s *Store) CreateBadge(ctx context.Context, badge models.Badge) (models.Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.emails[badge.Email]; ok {
		return s.badges[id], store.ErrDuplicateEmail
	}
	s.badges[badge.BadgeID] = badge
	s.emails[badge.Email] = badge.BadgeID
	return badge, nil
}

func (s *Store) GetSystemCommand(ctx context.Context) (models.SystemCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system, nil
}

func (s *Store) RequestRefresh(ctx context.Context, at time.Time) (models.SystemCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.system.ForceRefreshAt) {
		s.system.ForceRefreshAt = at
	}
	s.system.UpdatedAt = at
	payload, _ := json.Marshal(s.system)
	s.appendOutbox("", store.EventSystemRefresh, payload, at)
	return s.system, nil
}

// record appends to the ticket's hash chain and the outbox. Callers hold mu.
func (s *Store) record(ticket models.Ticket, eventType string, at time.Time) {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return
	}
	var prev *store.TicketEvent
	if chain := s.history[ticket.TicketID]; len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	event := store.NextTicketEvent(prev, ticket.TicketID, eventType, payload, at)
	s.history[ticket.TicketID] = append(s.history[ticket.TicketID], event)
	s.appendOutbox(ticket.LocationID, eventType, payload, at)
}

func (s *Store) appendOutbox(locationID, eventType string, payload []byte, at time.Time) {
	s.seq++
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:        s.seq,
		EventID:    uuid.NewString(),
		LocationID: locationID,
		Type:       eventType,
		Payload:    payload,
		CreatedAt:  at,
	})
}

func sameVisitor(ticket models.Ticket, deviceID, identity string) bool {
	if deviceID != "" && ticket.DeviceID == deviceID {
		return true
	}
	return identity != "" && ticket.Identity == identity
}

func copyTicket(ticket models.Ticket) models.Ticket {
	if ticket.Position != nil {
		pos := *ticket.Position
		ticket.Position = &pos
	}
	if ticket.CheckoutTime != nil {
		at := *ticket.CheckoutTime
		ticket.CheckoutTime = &at
	}
	if ticket.EndedAt != nil {
		at := *ticket.EndedAt
		ticket.EndedAt = &at
	}
	return ticket
}
