package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"qms/checkin-service/internal/hub"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/projection"
	"qms/checkin-service/internal/store"
	"qms/checkin-service/internal/store/memory"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *memory.Store, location, device string) store.CheckInResult {
	t.Helper()
	result, err := st.CheckIn(context.Background(), store.CheckInInput{
		LocationID: location,
		Day:        models.DayOf(testNow, time.UTC),
		Token:      "secure-1",
		DeviceID:   device,
		Now:        testNow,
		Policy:     store.DuplicatePolicy{HardAbandon: time.Hour, RescanPenalty: time.Minute},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return result
}

func drain(client *hub.Client) []Envelope {
	var envelopes []Envelope
	for {
		select {
		case raw := <-client.Send:
			var env Envelope
			_ = json.Unmarshal(raw, &env)
			envelopes = append(envelopes, env)
		default:
			return envelopes
		}
	}
}

func newRelay(st *memory.Store, h *hub.Hub, pub Publisher) *Relay {
	return NewRelay(st, h, Options{
		BatchSize:  10,
		Projection: projection.Options{Liveness: 3 * time.Minute},
		Locations:  []string{"QCA1", "QCA2"},
		Day: func(string) (models.Day, error) {
			return models.DayOf(testNow, time.UTC), nil
		},
		Publisher: pub,
		Now:       func() time.Time { return testNow.Add(time.Second) },
	})
}

func TestPollBroadcastsOnlyToAffectedLocation(t *testing.T) {
	st := memory.NewStore(memory.Options{})
	h := hub.New()
	kiosk1 := &hub.Client{ID: "k1", Send: make(chan []byte, 16), Subscription: hub.Subscription{LocationID: "QCA1"}}
	kiosk2 := &hub.Client{ID: "k2", Send: make(chan []byte, 16), Subscription: hub.Subscription{LocationID: "QCA2"}}
	h.Register(kiosk1)
	h.Register(kiosk2)
	pub := &fakePublisher{}
	relay := newRelay(st, h, pub)

	seed(t, st, "QCA1", "a")
	seed(t, st, "QCA1", "b")

	n, err := relay.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 2 || relay.Offset() != 2 {
		t.Fatalf("expected 2 events at offset 2, got %d at %d", n, relay.Offset())
	}
	got := drain(kiosk1)
	if len(got) != 3 {
		t.Fatalf("expected 2 events and 1 snapshot, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.Type != TypeSnapshot {
		t.Fatalf("expected snapshot last, got %s", last.Type)
	}
	var snapshot projection.Snapshot
	if err := json.Unmarshal(last.Payload, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Counts.Waiting != 2 || snapshot.NowServing == nil || snapshot.NowServing.QueueNumber != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(drain(kiosk2)) != 0 {
		t.Fatalf("QCA2 kiosk received QCA1 traffic")
	}
	if len(pub.subjects) != 2 || pub.subjects[0] != "checkin.events.QCA1" {
		t.Fatalf("unexpected subjects: %v", pub.subjects)
	}

	if n, _ := relay.Poll(context.Background()); n != 0 {
		t.Fatalf("expected nothing new, got %d", n)
	}
}

func TestRestartedRelayResumesFromStoredOffset(t *testing.T) {
	st := memory.NewStore(memory.Options{})
	h := hub.New()
	seed(t, st, "QCA1", "a")
	seed(t, st, "QCA1", "b")
	if _, err := newRelay(st, h, nil).Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	kiosk := &hub.Client{ID: "k1", Send: make(chan []byte, 16), Subscription: hub.Subscription{LocationID: "QCA1"}}
	h.Register(kiosk)
	restarted := newRelay(st, h, nil)
	if err := restarted.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if restarted.Offset() != 2 {
		t.Fatalf("expected offset 2 after restart, got %d", restarted.Offset())
	}
	if n, _ := restarted.Poll(context.Background()); n != 0 {
		t.Fatalf("expected no replay, got %d events", n)
	}
	if got := drain(kiosk); len(got) != 0 {
		t.Fatalf("restarted relay re-broadcast %d envelopes", len(got))
	}

	seed(t, st, "QCA1", "c")
	if n, _ := restarted.Poll(context.Background()); n != 1 {
		t.Fatalf("expected only the new event, got %d", n)
	}
}

func TestPollPrunesRelayedEvents(t *testing.T) {
	st := memory.NewStore(memory.Options{})
	h := hub.New()
	relay := NewRelay(st, h, Options{
		CleanupInterval: time.Minute,
		OutboxRetention: time.Hour,
		Now:             func() time.Time { return testNow.Add(2 * time.Hour) },
	})
	seed(t, st, "QCA1", "a")
	if _, err := relay.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := st.RequestRefresh(context.Background(), testNow.Add(2*time.Hour)); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	events, err := st.ListOutboxEvents(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	// The relayed check-in is gone; the unrelayed refresh stays.
	if len(events) != 1 || events[0].Type != store.EventSystemRefresh {
		t.Fatalf("unexpected outbox after cleanup %+v", events)
	}
}

func TestSystemRefreshReachesEveryone(t *testing.T) {
	st := memory.NewStore(memory.Options{})
	h := hub.New()
	kiosk := &hub.Client{ID: "k", Send: make(chan []byte, 4), Subscription: hub.Subscription{LocationID: "QCA2"}}
	h.Register(kiosk)
	pub := &fakePublisher{}
	relay := newRelay(st, h, pub)

	if _, err := st.RequestRefresh(context.Background(), testNow); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := relay.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := drain(kiosk)
	if len(got) != 1 || got[0].Type != store.EventSystemRefresh {
		t.Fatalf("expected refresh envelope, got %+v", got)
	}
	if pub.subjects[0] != "checkin.events.system" {
		t.Fatalf("unexpected subject %s", pub.subjects[0])
	}
}

func TestRefreshPushesSubscribedLocations(t *testing.T) {
	st := memory.NewStore(memory.Options{})
	h := hub.New()
	admin := &hub.Client{ID: "admin", Send: make(chan []byte, 8), Subscription: hub.Subscription{All: true}}
	h.Register(admin)
	relay := newRelay(st, h, nil)

	seed(t, st, "QCA2", "a")
	if err := relay.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got := drain(admin)
	if len(got) != 2 || got[0].LocationID != "QCA1" || got[1].LocationID != "QCA2" {
		t.Fatalf("expected a snapshot per configured location, got %+v", got)
	}
}
