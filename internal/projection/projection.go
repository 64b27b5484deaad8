// Package projection derives the read-only queue view of a location from
// its ticket set. Nothing here touches storage.
package projection

import (
	"sort"
	"time"

	"qms/checkin-service/internal/models"
)

type Options struct {
	// Liveness is how recent a heartbeat must be for an in-queue ticket to
	// take part in ranking. Zero treats every in-queue ticket as live.
	Liveness time.Duration
	// SeparateManualLeave reports left_manually in Left instead of folding
	// it into Abandoned.
	SeparateManualLeave bool
}

type Entry struct {
	TicketID    string    `json:"ticket_id"`
	QueueNumber int       `json:"queue_number"`
	LastActive  time.Time `json:"last_active"`
}

type Counts struct {
	Waiting        int `json:"waiting"`
	Away           int `json:"away"`
	UniqueVisitors int `json:"unique_visitors"`
	Completed      int `json:"completed"`
	Abandoned      int `json:"abandoned"`
	Left           int `json:"left"`
}

func (c Counts) add(other Counts) Counts {
	return Counts{
		Waiting:        c.Waiting + other.Waiting,
		Away:           c.Away + other.Away,
		UniqueVisitors: c.UniqueVisitors + other.UniqueVisitors,
		Completed:      c.Completed + other.Completed,
		Abandoned:      c.Abandoned + other.Abandoned,
		Left:           c.Left + other.Left,
	}
}

type Snapshot struct {
	LocationID string     `json:"location_id"`
	Day        models.Day `json:"day"`
	ComputedAt time.Time  `json:"computed_at"`
	Live       []Entry    `json:"live"`
	Away       []Entry    `json:"away"`
	NowServing *Entry     `json:"now_serving"`
	Counts     Counts     `json:"counts"`
}

// Compute builds the snapshot of one location. Tickets of other locations
// or days are ignored.
func Compute(locationID string, day models.Day, tickets []models.Ticket, now time.Time, opts Options) Snapshot {
	snapshot := Snapshot{
		LocationID: locationID,
		Day:        day,
		ComputedAt: now,
		Live:       []Entry{},
		Away:       []Entry{},
	}

	latest := make(map[string]models.Ticket)
	for _, ticket := range tickets {
		if ticket.LocationID != locationID || ticket.Day != day {
			continue
		}
		key := visitorKey(ticket)
		if prev, ok := latest[key]; !ok || newer(ticket, prev) {
			latest[key] = ticket
		}
		if !ticket.InQueue() {
			continue
		}
		entry := Entry{TicketID: ticket.TicketID, QueueNumber: ticket.QueueNumber, LastActive: ticket.LastActive}
		if IsLive(ticket, now, opts.Liveness) {
			snapshot.Live = append(snapshot.Live, entry)
		} else {
			snapshot.Away = append(snapshot.Away, entry)
		}
	}

	byNumber := func(entries []Entry) {
		sort.Slice(entries, func(i, j int) bool { return entries[i].QueueNumber < entries[j].QueueNumber })
	}
	byNumber(snapshot.Live)
	byNumber(snapshot.Away)
	if len(snapshot.Live) > 0 {
		first := snapshot.Live[0]
		snapshot.NowServing = &first
	}

	snapshot.Counts.Waiting = len(snapshot.Live)
	snapshot.Counts.Away = len(snapshot.Away)
	snapshot.Counts.UniqueVisitors = len(latest)
	for _, ticket := range latest {
		switch ticket.Status {
		case models.StatusCompleted:
			snapshot.Counts.Completed++
		case models.StatusAbandoned:
			snapshot.Counts.Abandoned++
		case models.StatusLeftManually:
			if opts.SeparateManualLeave {
				snapshot.Counts.Left++
			} else {
				snapshot.Counts.Abandoned++
			}
		}
	}
	return snapshot
}

// IsLive reports whether an in-queue ticket's heartbeat is recent enough.
func IsLive(ticket models.Ticket, now time.Time, liveness time.Duration) bool {
	if !ticket.InQueue() {
		return false
	}
	if liveness <= 0 {
		return true
	}
	return now.Sub(ticket.LastActive) < liveness
}

// Rank returns the number of live tickets ahead of ticketID. ok is false
// when the ticket is not live.
func (s Snapshot) Rank(ticketID string) (rank int, ok bool) {
	for i, entry := range s.Live {
		if entry.TicketID == ticketID {
			return i, true
		}
	}
	return -1, false
}

type TicketView struct {
	Ticket     models.Ticket       `json:"ticket"`
	State      models.VisitorState `json:"state"`
	Live       bool                `json:"live"`
	Away       bool                `json:"away"`
	Rank       int                 `json:"rank"`
	YourTurn   bool                `json:"your_turn"`
	NowServing *Entry              `json:"now_serving"`
	Waiting    int                 `json:"waiting"`
}

// View is what the visitor holding ticket sees.
func (s Snapshot) View(ticket models.Ticket) TicketView {
	view := TicketView{
		Ticket:     ticket,
		State:      ticket.VisitorState(),
		Rank:       -1,
		NowServing: s.NowServing,
		Waiting:    s.Counts.Waiting,
	}
	if rank, ok := s.Rank(ticket.TicketID); ok {
		view.Live = true
		view.Rank = rank
		view.YourTurn = rank == 0
	} else if ticket.InQueue() {
		view.Away = true
	}
	return view
}

type Overview struct {
	Day        models.Day `json:"day"`
	ComputedAt time.Time  `json:"computed_at"`
	Locations  []Snapshot `json:"locations"`
	// Totals sums the per-location counts.
	Totals Counts `json:"totals"`
}

// ComputeOverview computes every listed location from one day's tickets.
func ComputeOverview(locationIDs []string, day models.Day, tickets []models.Ticket, now time.Time, opts Options) Overview {
	grouped := make(map[string][]models.Ticket, len(locationIDs))
	for _, ticket := range tickets {
		grouped[ticket.LocationID] = append(grouped[ticket.LocationID], ticket)
	}
	overview := Overview{Day: day, ComputedAt: now, Locations: make([]Snapshot, 0, len(locationIDs))}
	for _, id := range locationIDs {
		snapshot := Compute(id, day, grouped[id], now, opts)
		overview.Locations = append(overview.Locations, snapshot)
		overview.Totals = overview.Totals.add(snapshot.Counts)
	}
	return overview
}

func visitorKey(ticket models.Ticket) string {
	switch {
	case ticket.Identity != "":
		return "identity:" + ticket.Identity
	case ticket.DeviceID != "":
		return "device:" + ticket.DeviceID
	default:
		return "ticket:" + ticket.TicketID
	}
}

func newer(a, b models.Ticket) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.QueueNumber > b.QueueNumber
}
