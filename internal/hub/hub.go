package hub

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
)

// Subscription selects which location feeds a client receives. All is the
// admin dashboard's view of every location.
type Subscription struct {
	LocationID string
	All        bool
}

// Meta describes a broadcast. System messages reach every client.
type Meta struct {
	LocationID string
	System     bool
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	LocationID string `json:"location_id"`
	Scope      string `json:"scope"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast delivers payload to every matching client without blocking; a
// client whose buffer is full misses the message.
func (h *Hub) Broadcast(payload []byte, meta Meta) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
	return delivered
}

// Locations lists the locations with at least one direct subscriber, plus
// whether any client follows all locations.
func (h *Hub) Locations() (locations []string, all bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	for _, client := range h.clients {
		if client.Subscription.All {
			all = true
		}
		if id := client.Subscription.LocationID; id != "" && !seen[id] {
			seen[id] = true
			locations = append(locations, id)
		}
	}
	sort.Strings(locations)
	return locations, all
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, meta Meta) bool {
	if meta.System || sub.All {
		return true
	}
	return sub.LocationID != "" && sub.LocationID == meta.LocationID
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.Action == "subscribe" && msg.LocationID == "" && msg.Scope != "all" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
