package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	LocationID   string     `json:"location_id"`
	QueueNumber  int        `json:"queue_number"`
	Day          Day        `json:"day"`
	Identity     string     `json:"identity"`
	DeviceID     string     `json:"device_id"`
	Status       Status     `json:"status"`
	EndReason    EndReason  `json:"end_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActive   time.Time  `json:"last_active"`
	CheckoutTime *time.Time `json:"checkout_time,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	TokenUsed    string     `json:"token_used"`
	Position     *Position  `json:"position,omitempty"`
}

// InQueue reports whether the ticket still holds a place in its queue.
func (t Ticket) InQueue() bool {
	return t.Status.InQueue()
}

// Position is a single geolocation fix as reported by the visitor's device.
type Position struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Accuracy float64   `json:"accuracy"`
	At       time.Time `json:"at,omitempty"`
}

func (p Position) Valid() bool {
	if p.Lat < -90 || p.Lat > 90 {
		return false
	}
	if p.Lon < -180 || p.Lon > 180 {
		return false
	}
	return p.Accuracy >= 0
}

type Counter struct {
	LocationID string `json:"location_id"`
	Day        Day    `json:"day"`
	Count      int    `json:"count"`
}
