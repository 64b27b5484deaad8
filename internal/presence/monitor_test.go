package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/checkin-service/internal/geo"
	"qms/checkin-service/internal/models"

	"github.com/jonboulle/clockwork"
)

const metersPerDegree = 111194.93

var (
	center    = models.Geofence{Lat: 1.3, Lon: 103.8, RadiusMeters: 100}
	clockBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func blockUntil(t *testing.T, clock *clockwork.FakeClock, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, waiters); err != nil {
		t.Fatalf("waiting for %d timers: %v", waiters, err)
	}
}

func north(meters, accuracy float64) models.Position {
	return models.Position{Lat: center.Lat + meters/metersPerDegree, Lon: center.Lon, Accuracy: accuracy}
}

type fakeWriter struct {
	mu          sync.Mutex
	heartbeats  int
	abandons    []models.EndReason
	positions   []*models.Position
	heartbeatFn func(n int) (models.Ticket, error)
	abandonErr  error
	beat        chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{beat: make(chan struct{}, 64)}
}

func (w *fakeWriter) Heartbeat(ctx context.Context, ticketID string, position *models.Position) (models.Ticket, error) {
	w.mu.Lock()
	w.heartbeats++
	n := w.heartbeats
	w.positions = append(w.positions, position)
	fn := w.heartbeatFn
	w.mu.Unlock()
	select {
	case w.beat <- struct{}{}:
	default:
	}
	if fn != nil {
		return fn(n)
	}
	return models.Ticket{TicketID: ticketID, Status: models.StatusWaiting}, nil
}

func (w *fakeWriter) Abandon(ctx context.Context, ticketID string, reason models.EndReason) (models.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandonErr != nil {
		return models.Ticket{}, w.abandonErr
	}
	w.abandons = append(w.abandons, reason)
	return models.Ticket{TicketID: ticketID, Status: models.StatusAbandoned, EndReason: reason}, nil
}

func (w *fakeWriter) abandonCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.abandons)
}

func (w *fakeWriter) waitBeats(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-w.beat:
		case <-deadline:
			t.Fatalf("timed out waiting for heartbeat %d", i+1)
		}
	}
}

type fakeLocator struct {
	positions chan models.Position
	current   func(ctx context.Context) (models.Position, error)
	watchDone chan struct{}
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{positions: make(chan models.Position), watchDone: make(chan struct{})}
}

func (l *fakeLocator) Current(ctx context.Context) (models.Position, error) {
	if l.current == nil {
		<-ctx.Done()
		return models.Position{}, ctx.Err()
	}
	return l.current(ctx)
}

func (l *fakeLocator) Watch(ctx context.Context) (<-chan models.Position, error) {
	out := make(chan models.Position)
	go func() {
		defer close(l.watchDone)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-l.positions:
				select {
				case out <- fix:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type runResult struct {
	out Outcome
	err error
}

func start(ctx context.Context, m *Monitor) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		out, err := m.Run(ctx)
		done <- runResult{out: out, err: err}
	}()
	return done
}

func await(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case result := <-done:
		return result
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not return")
		return runResult{}
	}
}

func fence() *geo.Fence {
	f := geo.NewFence(center, 500)
	return &f
}

func TestGeofenceEvictionUsesAccuracy(t *testing.T) {
	writer := newFakeWriter()
	locator := newFakeLocator()
	m := NewMonitor("t1", writer, locator, Config{HeartbeatInterval: time.Hour, Fence: fence()})
	done := start(context.Background(), m)
	writer.waitBeats(t, 1)

	// 105m away with 20m accuracy: not confidently outside.
	locator.positions <- north(105, 20)
	// Far away but the fix is useless.
	locator.positions <- north(5000, 600)
	if n := writer.abandonCount(); n != 0 {
		t.Fatalf("expected no eviction yet, got %d", n)
	}

	locator.positions <- north(125, 20)
	result := await(t, done)
	if result.err != nil || result.out.Cause != CauseGeofence {
		t.Fatalf("expected geofence eviction, got %+v %v", result.out, result.err)
	}
	if result.out.Distance < 120 {
		t.Fatalf("unexpected distance %.1f", result.out.Distance)
	}
	if writer.abandons[0] != models.ReasonGeofence {
		t.Fatalf("expected geofence reason, got %s", writer.abandons[0])
	}
	<-locator.watchDone
}

func TestGracePeriodDefersEviction(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockBase)
	writer := newFakeWriter()
	locator := newFakeLocator()
	m := NewMonitor("t1", writer, locator, Config{
		HeartbeatInterval: 30 * time.Second,
		GracePeriod:       2 * time.Minute,
		GraceFrom:         clockBase,
		Fence:             fence(),
		Clock:             clock,
	})
	done := start(context.Background(), m)
	writer.waitBeats(t, 1)

	// The second send only completes once the first fix reached the monitor.
	locator.positions <- north(1000, 10)
	locator.positions <- north(1000, 10)
	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
		writer.waitBeats(t, 1)
	}
	if n := writer.abandonCount(); n != 0 {
		t.Fatalf("expected immunity during grace, got %d evictions", n)
	}

	clock.Advance(time.Minute)
	result := await(t, done)
	if result.out.Cause != CauseGeofence {
		t.Fatalf("expected deferred geofence eviction, got %+v", result.out)
	}
}

func TestHeartbeatObservesExternalEnd(t *testing.T) {
	writer := newFakeWriter()
	writer.heartbeatFn = func(n int) (models.Ticket, error) {
		switch {
		case n == 2:
			return models.Ticket{}, errors.New("network down")
		case n >= 4:
			return models.Ticket{TicketID: "t1", Status: models.StatusAbandoned, EndReason: models.ReasonAdmin}, nil
		}
		return models.Ticket{TicketID: "t1", Status: models.StatusWaiting}, nil
	}
	clock := clockwork.NewFakeClockAt(clockBase)
	m := NewMonitor("t1", writer, nil, Config{HeartbeatInterval: 30 * time.Second, Clock: clock})
	done := start(context.Background(), m)
	writer.waitBeats(t, 1)
	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Second)
		writer.waitBeats(t, 1)
	}

	result := await(t, done)
	if result.err != nil || result.out.Cause != CauseEnded {
		t.Fatalf("expected ended outcome, got %+v %v", result.out, result.err)
	}
	if result.out.Ticket.EndReason != models.ReasonAdmin {
		t.Fatalf("expected admin reason, got %s", result.out.Ticket.EndReason)
	}
	if writer.heartbeats != 4 {
		t.Fatalf("expected 4 heartbeats, got %d", writer.heartbeats)
	}
}

func TestHeartbeatStopsWhenTicketGone(t *testing.T) {
	writer := newFakeWriter()
	writer.heartbeatFn = func(int) (models.Ticket, error) { return models.Ticket{}, ErrTicketGone }
	m := NewMonitor("t1", writer, nil, Config{HeartbeatInterval: time.Hour})
	result := await(t, start(context.Background(), m))
	if result.out.Cause != CauseEnded {
		t.Fatalf("expected ended outcome, got %+v", result.out)
	}
}

func TestWakeForcesFixAndHeartbeat(t *testing.T) {
	writer := newFakeWriter()
	locator := newFakeLocator()
	var fixes int32
	locator.current = func(ctx context.Context) (models.Position, error) {
		if atomic.AddInt32(&fixes, 1) == 1 {
			return north(10, 5), nil
		}
		return north(800, 5), nil
	}
	m := NewMonitor("t1", writer, locator, Config{HeartbeatInterval: time.Hour, Fence: fence()})
	done := start(context.Background(), m)
	writer.waitBeats(t, 1)

	m.Wake()
	writer.waitBeats(t, 1)
	writer.mu.Lock()
	sent := writer.positions[len(writer.positions)-1]
	writer.mu.Unlock()
	if sent == nil {
		t.Fatalf("expected wake heartbeat to carry the fresh fix")
	}

	m.Wake()
	result := await(t, done)
	if result.out.Cause != CauseGeofence {
		t.Fatalf("expected eviction after second wake, got %+v", result.out)
	}
}

func TestAbandonFailureIsSwallowed(t *testing.T) {
	writer := newFakeWriter()
	writer.abandonErr = errors.New("write failed")
	locator := newFakeLocator()
	m := NewMonitor("t1", writer, locator, Config{HeartbeatInterval: time.Hour, Fence: fence()})
	done := start(context.Background(), m)

	locator.positions <- north(2000, 5)
	m.Stop()
	result := await(t, done)
	if result.out.Cause != CauseStopped {
		t.Fatalf("expected monitor to keep running until stopped, got %+v", result.out)
	}
}

type fakePrompter struct {
	answers chan bool
	asked   chan struct{}
}

func (p *fakePrompter) Confirm(ctx context.Context) bool {
	p.asked <- struct{}{}
	select {
	case answer := <-p.answers:
		return answer
	case <-ctx.Done():
		return false
	}
}

func TestInactivityPrompt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockBase)
	writer := newFakeWriter()
	prompter := &fakePrompter{answers: make(chan bool, 1), asked: make(chan struct{}, 2)}
	prompter.answers <- true
	m := NewMonitor("t1", writer, nil, Config{
		HeartbeatInterval: time.Hour,
		InactivityPrompt:  5 * time.Minute,
		PromptTimeout:     10 * time.Second,
		Prompter:          prompter,
		Clock:             clock,
	})
	done := start(context.Background(), m)
	writer.waitBeats(t, 1)
	// Heartbeat ticker and inactivity timer.
	blockUntil(t, clock, 2)

	clock.Advance(5 * time.Minute)
	<-prompter.asked
	// A confirmed prompt counts as presence and sends a heartbeat.
	writer.waitBeats(t, 1)
	if n := writer.abandonCount(); n != 0 {
		t.Fatalf("expected confirmed prompt to keep the ticket, got %d abandons", n)
	}

	clock.Advance(5 * time.Minute)
	<-prompter.asked
	clock.Advance(10 * time.Second)

	result := await(t, done)
	if result.out.Cause != CauseInactivity {
		t.Fatalf("expected inactivity outcome, got %+v", result.out)
	}
	if writer.abandons[0] != models.ReasonTimeout {
		t.Fatalf("expected timeout reason, got %s", writer.abandons[0])
	}
}

func TestCancelTearsDown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clockBase)
	writer := newFakeWriter()
	locator := newFakeLocator()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMonitor("t1", writer, locator, Config{HeartbeatInterval: 30 * time.Second, Fence: fence(), Clock: clock})
	done := start(ctx, m)
	writer.waitBeats(t, 1)
	clock.Advance(30 * time.Second)
	writer.waitBeats(t, 1)
	cancel()

	result := await(t, done)
	if !errors.Is(result.err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", result.err)
	}
	select {
	case <-locator.watchDone:
	case <-time.After(time.Second):
		t.Fatalf("position watch still running")
	}
	clock.Advance(5 * time.Minute)
	writer.mu.Lock()
	defer writer.mu.Unlock()
	if writer.heartbeats != 2 {
		t.Fatalf("heartbeats continued after return: %d", writer.heartbeats)
	}
}

func TestCurrentFixTimeout(t *testing.T) {
	_, err := CurrentFix(context.Background(), newFakeLocator(), 10*time.Millisecond)
	if !errors.Is(err, ErrFixTimeout) {
		t.Fatalf("expected fix timeout, got %v", err)
	}
}

type countingLocator struct {
	watches int32
}

func (l *countingLocator) Current(ctx context.Context) (models.Position, error) {
	return north(0, 5), nil
}

func (l *countingLocator) Watch(ctx context.Context) (<-chan models.Position, error) {
	atomic.AddInt32(&l.watches, 1)
	return make(chan models.Position), nil
}

func TestLocationWithoutFenceIsNeverWatched(t *testing.T) {
	rules := Rules{MaxAccuracy: 500, Grace: 2 * time.Minute, Heartbeat: 30 * time.Second}
	settings := rules.SettingsFor(models.Location{LocationID: "QCA7"})
	cfg := settings.Config(clockBase)
	if cfg.Fence != nil || cfg.HeartbeatInterval != 30*time.Second || cfg.GracePeriod != 2*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}

	clock := clockwork.NewFakeClockAt(clockBase)
	cfg.Clock = clock
	writer := newFakeWriter()
	locator := &countingLocator{}
	m := NewMonitor("t1", writer, locator, cfg)
	done := start(context.Background(), m)
	writer.waitBeats(t, 1)
	m.Wake()
	writer.waitBeats(t, 1)
	m.Stop()
	await(t, done)

	if n := atomic.LoadInt32(&locator.watches); n != 0 {
		t.Fatalf("expected no position watch without a fence, got %d", n)
	}
}

func TestSettingsWithFenceBuildEvaluator(t *testing.T) {
	rules := Rules{MaxAccuracy: 250}
	cfg := rules.SettingsFor(models.Location{LocationID: "QCA1", Fence: &center}).Config(clockBase)
	if cfg.Fence == nil || cfg.Fence.Radius != 100 || cfg.Fence.MaxAccuracy != 250 {
		t.Fatalf("unexpected fence %+v", cfg.Fence)
	}
	if verdict, _ := cfg.Fence.Evaluate(north(300, 300)); verdict != geo.Unusable {
		t.Fatalf("expected accuracy ceiling from settings, got %s", verdict)
	}
}
