// Package presence keeps a ticket honest while its holder waits: it sends
// heartbeats, watches the holder's position against the location's
// geofence and abandons the ticket when presence can no longer be shown.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"qms/checkin-service/internal/geo"
	"qms/checkin-service/internal/models"

	"github.com/jonboulle/clockwork"
)

var (
	ErrFixTimeout = errors.New("position fix timed out")
	// ErrTicketGone is returned by a TicketWriter when the ticket no longer
	// exists; the monitor stops on it.
	ErrTicketGone = errors.New("ticket no longer exists")
)

// TicketWriter is the only write access a monitor has to the ledger.
type TicketWriter interface {
	Heartbeat(ctx context.Context, ticketID string, position *models.Position) (models.Ticket, error)
	Abandon(ctx context.Context, ticketID string, reason models.EndReason) (models.Ticket, error)
}

// Locator provides geolocation fixes for the ticket holder's device.
type Locator interface {
	Current(ctx context.Context) (models.Position, error)
	// Watch streams fixes until ctx ends. The channel is closed when the
	// subscription ends.
	Watch(ctx context.Context) (<-chan models.Position, error)
}

// Prompter asks the holder whether they are still there. Confirm returns
// true only if the holder answered before ctx ended.
type Prompter interface {
	Confirm(ctx context.Context) bool
}

type Config struct {
	HeartbeatInterval time.Duration
	// GracePeriod starting at GraceFrom suppresses geofence evictions.
	GracePeriod time.Duration
	GraceFrom   time.Time
	// Fence is nil for locations without reference coordinates.
	Fence      *geo.Fence
	FixTimeout time.Duration
	// InactivityPrompt is how long the holder may go without interacting
	// before being asked to confirm. Zero disables the challenge.
	InactivityPrompt time.Duration
	PromptTimeout    time.Duration
	Prompter         Prompter
	// Clock drives the heartbeat, grace and inactivity timers. Nil means
	// the wall clock.
	Clock clockwork.Clock
}

type Cause string

const (
	CauseGeofence   Cause = "geofence"
	CauseInactivity Cause = "inactivity"
	CauseEnded      Cause = "ended"
	CauseStopped    Cause = "stopped"
)

type Outcome struct {
	Cause    Cause
	Ticket   models.Ticket
	Distance float64
}

type Monitor struct {
	ticketID string
	writer   TicketWriter
	locator  Locator
	cfg      Config

	wake     chan struct{}
	interact chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	// deferred is an outside fix seen during the grace period.
	deferred *models.Position
	// observed is the latest usable fix, sent with the next heartbeat.
	observed *models.Position
}

func NewMonitor(ticketID string, writer TicketWriter, locator Locator, cfg Config) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 10 * time.Second
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Monitor{
		ticketID: ticketID,
		writer:   writer,
		locator:  locator,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		interact: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (m *Monitor) TicketID() string {
	return m.ticketID
}

// Wake forces an immediate position check and heartbeat, as when the app
// returns to the foreground.
func (m *Monitor) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Interact records holder activity and restarts the inactivity countdown.
func (m *Monitor) Interact() {
	select {
	case m.interact <- struct{}{}:
	default:
	}
}

// Stop ends Run without touching the ticket.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Run supervises the ticket until it ends, the monitor is stopped or ctx is
// cancelled. Every timer and subscription is released before Run returns.
func (m *Monitor) Run(ctx context.Context) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var positions <-chan models.Position
	if m.cfg.Fence != nil && m.locator != nil {
		watched, err := m.locator.Watch(ctx)
		if err != nil {
			log.Printf("presence watch failed ticket_id=%s error=%v", m.ticketID, err)
		} else {
			positions = watched
		}
	}

	clock := m.cfg.Clock
	ticker := clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var inactivity <-chan time.Time
	var idleTimer clockwork.Timer
	if m.cfg.InactivityPrompt > 0 && m.cfg.Prompter != nil {
		idleTimer = clock.NewTimer(m.cfg.InactivityPrompt)
		defer idleTimer.Stop()
		inactivity = idleTimer.Chan()
	}
	var promptDone chan bool
	var promptExpired <-chan time.Time
	var promptTimer clockwork.Timer
	var promptCancel context.CancelFunc = func() {}
	defer func() {
		promptCancel()
		if promptTimer != nil {
			promptTimer.Stop()
		}
	}()

	if out, done := m.heartbeat(ctx); done {
		return out, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{Cause: CauseStopped}, ctx.Err()

		case <-m.stop:
			return Outcome{Cause: CauseStopped}, nil

		case <-ticker.Chan():
			if out, done := m.heartbeat(ctx); done {
				return out, nil
			}
			if m.deferred != nil && !m.inGrace() {
				fix := *m.deferred
				m.deferred = nil
				if out, done := m.evaluate(ctx, fix); done {
					return out, nil
				}
			}

		case fix, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			if out, done := m.evaluate(ctx, fix); done {
				return out, nil
			}

		case <-m.wake:
			if m.cfg.Fence != nil && m.locator != nil {
				fix, err := CurrentFix(ctx, m.locator, m.cfg.FixTimeout)
				if err != nil {
					log.Printf("presence wake fix failed ticket_id=%s error=%v", m.ticketID, err)
				} else if out, done := m.evaluate(ctx, fix); done {
					return out, nil
				}
			}
			if out, done := m.heartbeat(ctx); done {
				return out, nil
			}

		case <-m.interact:
			if idleTimer != nil && promptDone == nil {
				idleTimer.Reset(m.cfg.InactivityPrompt)
			}

		case <-inactivity:
			promptDone = make(chan bool, 1)
			var promptCtx context.Context
			promptCtx, promptCancel = context.WithCancel(ctx)
			promptTimer = clock.NewTimer(m.cfg.PromptTimeout)
			promptExpired = promptTimer.Chan()
			go func(done chan<- bool) {
				done <- m.cfg.Prompter.Confirm(promptCtx)
			}(promptDone)

		case <-promptExpired:
			// Confirm sees its context end and reports false.
			promptExpired = nil
			promptCancel()

		case confirmed := <-promptDone:
			promptCancel()
			promptDone = nil
			promptExpired = nil
			promptTimer.Stop()
			if confirmed {
				idleTimer.Reset(m.cfg.InactivityPrompt)
				if out, done := m.heartbeat(ctx); done {
					return out, nil
				}
				continue
			}
			ticket, err := m.writer.Abandon(ctx, m.ticketID, models.ReasonTimeout)
			if err != nil {
				log.Printf("presence abandon failed ticket_id=%s reason=timeout error=%v", m.ticketID, err)
				idleTimer.Reset(m.cfg.PromptTimeout)
				continue
			}
			log.Printf("presence abandoned ticket_id=%s reason=timeout", m.ticketID)
			return Outcome{Cause: CauseInactivity, Ticket: ticket}, nil
		}
	}
}

func (m *Monitor) inGrace() bool {
	if m.cfg.GracePeriod <= 0 || m.cfg.GraceFrom.IsZero() {
		return false
	}
	return m.cfg.Clock.Now().Before(m.cfg.GraceFrom.Add(m.cfg.GracePeriod))
}

// heartbeat reports done when the ticket has left the queue.
func (m *Monitor) heartbeat(ctx context.Context) (Outcome, bool) {
	ticket, err := m.writer.Heartbeat(ctx, m.ticketID, m.observed)
	if err != nil {
		if errors.Is(err, ErrTicketGone) {
			return Outcome{Cause: CauseEnded}, true
		}
		if ctx.Err() == nil {
			log.Printf("presence heartbeat failed ticket_id=%s error=%v", m.ticketID, err)
		}
		return Outcome{}, false
	}
	m.observed = nil
	if !ticket.InQueue() {
		log.Printf("presence ticket ended ticket_id=%s status=%s reason=%s", m.ticketID, ticket.Status, ticket.EndReason)
		return Outcome{Cause: CauseEnded, Ticket: ticket}, true
	}
	return Outcome{}, false
}

// evaluate applies the geofence to a fix and abandons the ticket when the
// holder is confidently outside.
func (m *Monitor) evaluate(ctx context.Context, fix models.Position) (Outcome, bool) {
	if m.cfg.Fence == nil {
		return Outcome{}, false
	}
	verdict, distance := m.cfg.Fence.Evaluate(fix)
	switch verdict {
	case geo.Unusable:
		return Outcome{}, false
	case geo.Inside:
		m.deferred = nil
		m.observed = &fix
		return Outcome{}, false
	}

	m.observed = &fix
	if m.inGrace() {
		m.deferred = &fix
		return Outcome{}, false
	}
	ticket, err := m.writer.Abandon(ctx, m.ticketID, models.ReasonGeofence)
	if err != nil {
		log.Printf("presence abandon failed ticket_id=%s reason=geofence error=%v", m.ticketID, err)
		return Outcome{}, false
	}
	log.Printf("presence abandoned ticket_id=%s reason=geofence distance=%.0f accuracy=%.0f", m.ticketID, distance, fix.Accuracy)
	return Outcome{Cause: CauseGeofence, Ticket: ticket, Distance: distance}, true
}

// CurrentFix fetches one position, giving up after timeout with
// ErrFixTimeout. A zero timeout waits ten seconds.
func CurrentFix(ctx context.Context, locator Locator, timeout time.Duration) (models.Position, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fix, err := locator.Current(fixCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return models.Position{}, ErrFixTimeout
		}
		return models.Position{}, err
	}
	return fix, nil
}
