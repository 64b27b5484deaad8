package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
)

func TestSupervisorRunsAndStopsMonitors(t *testing.T) {
	var mu sync.Mutex
	finished := make(map[string]Cause)
	s := NewSupervisor(func(ticketID string, out Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		finished[ticketID] = out.Cause
	})

	clock := clockwork.NewFakeClockAt(clockBase)
	writer := newFakeWriter()
	for i := 0; i < 5; i++ {
		m := NewMonitor(fmt.Sprintf("t%d", i), writer, nil, Config{Clock: clock})
		if err := s.Start(context.Background(), m); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	dup := NewMonitor("t0", writer, nil, Config{})
	if err := s.Start(context.Background(), dup); !errors.Is(err, ErrAlreadySupervised) {
		t.Fatalf("expected already supervised, got %v", err)
	}
	writer.waitBeats(t, 5)

	if !s.Stop("t3") {
		t.Fatalf("expected t3 to be supervised")
	}
	if s.Wake("missing") {
		t.Fatalf("unexpected wake of unknown ticket")
	}
	s.WakeAll()
	s.Close()

	if s.Len() != 0 {
		t.Fatalf("expected no monitors left, got %d", s.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 5 {
		t.Fatalf("expected 5 finished monitors, got %d", len(finished))
	}
	for id, cause := range finished {
		if cause != CauseStopped {
			t.Fatalf("%s: expected stopped, got %s", id, cause)
		}
	}
}
