package presence

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadySupervised = errors.New("ticket already supervised")

// Supervisor runs many monitors, one goroutine each, as a simulation or
// kiosk-side process supervising several visitors does.
type Supervisor struct {
	mu       sync.Mutex
	monitors map[string]*Monitor
	wg       sync.WaitGroup
	onDone   func(ticketID string, out Outcome, err error)
}

// NewSupervisor calls onDone (if non-nil) from the monitor's goroutine once
// its Run returns.
func NewSupervisor(onDone func(ticketID string, out Outcome, err error)) *Supervisor {
	return &Supervisor{
		monitors: make(map[string]*Monitor),
		onDone:   onDone,
	}
}

func (s *Supervisor) Start(ctx context.Context, monitor *Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[monitor.TicketID()]; ok {
		return ErrAlreadySupervised
	}
	s.monitors[monitor.TicketID()] = monitor
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, err := monitor.Run(ctx)
		s.mu.Lock()
		if s.monitors[monitor.TicketID()] == monitor {
			delete(s.monitors, monitor.TicketID())
		}
		s.mu.Unlock()
		if s.onDone != nil {
			s.onDone(monitor.TicketID(), out, err)
		}
	}()
	return nil
}

func (s *Supervisor) lookup(ticketID string) (*Monitor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	monitor, ok := s.monitors[ticketID]
	return monitor, ok
}

func (s *Supervisor) Wake(ticketID string) bool {
	monitor, ok := s.lookup(ticketID)
	if ok {
		monitor.Wake()
	}
	return ok
}

func (s *Supervisor) WakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, monitor := range s.monitors {
		monitor.Wake()
	}
}

func (s *Supervisor) Interact(ticketID string) bool {
	monitor, ok := s.lookup(ticketID)
	if ok {
		monitor.Interact()
	}
	return ok
}

func (s *Supervisor) Stop(ticketID string) bool {
	monitor, ok := s.lookup(ticketID)
	if ok {
		monitor.Stop()
	}
	return ok
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Wait blocks until every started monitor has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close stops all monitors and waits for them.
func (s *Supervisor) Close() {
	s.mu.Lock()
	for _, monitor := range s.monitors {
		monitor.Stop()
	}
	s.mu.Unlock()
	s.Wait()
}
