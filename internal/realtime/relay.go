// Package realtime turns the store's outbox into live feeds: each new event
// is relayed to hub subscribers and, when configured, to NATS, and the
// affected location's queue projection is recomputed and pushed.
package realtime

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"qms/checkin-service/internal/hub"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/projection"
	"qms/checkin-service/internal/store"
)

const TypeSnapshot = "queue.snapshot"

var (
	relayedTotal = expvar.NewInt("realtime_events_relayed_total")
	prunedTotal  = expvar.NewInt("realtime_outbox_pruned_total")
)

type Source interface {
	store.RelayStore
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error)
	ListTickets(ctx context.Context, locationID string, day models.Day) ([]models.Ticket, error)
}

type Broadcaster interface {
	Broadcast(payload []byte, meta hub.Meta) int
	Locations() (locations []string, all bool)
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Options struct {
	PollInterval time.Duration
	// RefreshInterval re-pushes subscribed locations so liveness changes
	// without new events still reach kiosks.
	RefreshInterval time.Duration
	BatchSize       int
	// Relayed events older than OutboxRetention are pruned at most once per
	// CleanupInterval. A zero interval keeps the outbox forever.
	CleanupInterval time.Duration
	OutboxRetention time.Duration
	Projection      projection.Options
	Locations       []string
	Day             func(locationID string) (models.Day, error)
	Publisher       Publisher
	SubjectPrefix   string
	Now             func() time.Time
}

type Envelope struct {
	Type       string          `json:"type"`
	LocationID string          `json:"location_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Relay struct {
	source  Source
	out     Broadcaster
	options Options
	offset  int64
	running int32

	lastCleanup time.Time
}

func NewRelay(source Source, out Broadcaster, options Options) *Relay {
	if options.PollInterval <= 0 {
		options.PollInterval = time.Second
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 200
	}
	if options.SubjectPrefix == "" {
		options.SubjectPrefix = "checkin.events"
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Relay{source: source, out: out, options: options}
}

func (r *Relay) Offset() int64 {
	return atomic.LoadInt64(&r.offset)
}

// Resume loads the offset persisted by an earlier relay.
func (r *Relay) Resume(ctx context.Context) error {
	seq, err := r.source.GetRelayOffset(ctx)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&r.offset, seq)
	return nil
}

// Run resumes from the persisted offset and polls until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	resumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := r.Resume(resumeCtx); err != nil {
		log.Printf("realtime load offset error, replaying outbox: %v", err)
	}
	cancel()
	log.Printf("realtime relay started offset=%d", r.Offset())

	poll := time.NewTicker(r.options.PollInterval)
	defer poll.Stop()
	var refresh <-chan time.Time
	if r.options.RefreshInterval > 0 {
		ticker := time.NewTicker(r.options.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
				continue
			}
			pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := r.Poll(pollCtx); err != nil {
				log.Printf("realtime poll error: %v", err)
			}
			cancel()
			atomic.StoreInt32(&r.running, 0)
		case <-refresh:
			refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.Refresh(refreshCtx); err != nil {
				log.Printf("realtime refresh error: %v", err)
			}
			cancel()
		}
	}
}

// Poll relays one batch of outbox events and returns how many were read.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	events, err := r.source.ListOutboxEvents(ctx, r.Offset(), r.options.BatchSize)
	if err != nil {
		return 0, err
	}
	affected := make(map[string]bool)
	for _, event := range events {
		r.publish(event)
		payload, _ := json.Marshal(Envelope{
			Type:       event.Type,
			LocationID: event.LocationID,
			Payload:    event.Payload,
			CreatedAt:  event.CreatedAt,
		})
		meta := hub.Meta{LocationID: event.LocationID, System: event.LocationID == ""}
		r.out.Broadcast(payload, meta)
		if event.LocationID != "" {
			affected[event.LocationID] = true
		}
		atomic.StoreInt64(&r.offset, event.Seq)
		relayedTotal.Add(1)
	}
	if len(events) > 0 {
		if err := r.source.UpdateRelayOffset(ctx, r.Offset()); err != nil {
			log.Printf("realtime update offset error: %v", err)
		}
	}
	r.cleanup(ctx)

	locations := make([]string, 0, len(affected))
	for id := range affected {
		locations = append(locations, id)
	}
	sort.Strings(locations)
	for _, id := range locations {
		if err := r.Push(ctx, id); err != nil {
			return len(events), err
		}
	}
	return len(events), nil
}

// Refresh recomputes every location someone is watching.
func (r *Relay) Refresh(ctx context.Context) error {
	locations, all := r.out.Locations()
	if all {
		locations = r.options.Locations
	}
	for _, id := range locations {
		if err := r.Push(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Push recomputes one location and broadcasts its snapshot.
func (r *Relay) Push(ctx context.Context, locationID string) error {
	if r.options.Day == nil {
		return nil
	}
	day, err := r.options.Day(locationID)
	if err != nil {
		// Events for locations no longer configured are not projected.
		return nil
	}
	tickets, err := r.source.ListTickets(ctx, locationID, day)
	if err != nil {
		return err
	}
	now := r.options.Now()
	snapshot := projection.Compute(locationID, day, tickets, now, r.options.Projection)
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{Type: TypeSnapshot, LocationID: locationID, Payload: body, CreatedAt: now})
	if err != nil {
		return err
	}
	r.out.Broadcast(payload, hub.Meta{LocationID: locationID})
	return nil
}

// cleanup prunes relayed events once they are older than the retention.
func (r *Relay) cleanup(ctx context.Context) {
	if r.options.CleanupInterval <= 0 {
		return
	}
	now := r.options.Now()
	if !r.lastCleanup.IsZero() && now.Sub(r.lastCleanup) < r.options.CleanupInterval {
		return
	}
	r.lastCleanup = now
	removed, err := r.source.CleanupOutbox(ctx, r.Offset(), now.Add(-r.options.OutboxRetention))
	if err != nil {
		log.Printf("realtime cleanup outbox error: %v", err)
		return
	}
	if removed > 0 {
		prunedTotal.Add(removed)
		log.Printf("realtime pruned outbox events=%d through_seq=%d", removed, r.Offset())
	}
}

func (r *Relay) publish(event store.OutboxEvent) {
	if r.options.Publisher == nil {
		return
	}
	subject := r.options.SubjectPrefix + ".system"
	if event.LocationID != "" {
		subject = r.options.SubjectPrefix + "." + event.LocationID
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := r.options.Publisher.Publish(subject, data); err != nil {
		log.Printf("nats publish error subject=%s seq=%d: %v", subject, event.Seq, err)
	}
}
