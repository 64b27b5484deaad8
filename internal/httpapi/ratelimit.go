package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
	// Check-ins and badge resolution, keyed by the visitor's badge.
	DevicePerMinute int
	DeviceBurst     int
	// Heartbeats and other actions on one ticket, keyed by ticket id.
	TicketPerMinute int
	TicketBurst     int
}

// RateLimiter throttles per client IP and then per traffic class. A venue
// puts many visitors behind one IP, so the IP bucket is loose; check-ins
// are held to a strict per-badge budget while a ticket's heartbeat loop
// draws from its own bucket and never eats into the next check-in.
type RateLimiter struct {
	ip      *bucketSet
	checkIn *bucketSet
	ticket  *bucketSet
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ip:      newBucketSet(cfg.IPPerMinute, cfg.IPBurst),
		checkIn: newBucketSet(cfg.DevicePerMinute, cfg.DeviceBurst),
		ticket:  newBucketSet(cfg.TicketPerMinute, cfg.TicketBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/realtime/") || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if ip := clientIP(r); ip != "" {
			if ok, wait := l.ip.take(ip); !ok {
				rejectRateLimited(w, requestID, wait)
				return
			}
		}

		var buckets *bucketSet
		var key string
		switch {
		case r.Method == http.MethodPost && (r.URL.Path == "/api/checkins" || r.URL.Path == "/api/badges/resolve"):
			buckets, key = l.checkIn, visitorKey(r)
		case strings.HasPrefix(r.URL.Path, "/api/checkins/"):
			buckets, key = l.ticket, ticketKey(r.URL.Path)
		}
		if key != "" {
			if ok, wait := buckets.take(key); !ok {
				rejectRateLimited(w, requestID, wait)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func rejectRateLimited(w http.ResponseWriter, requestID string, wait time.Duration) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// bucketSet is a token bucket per key. Buckets that have refilled
// completely are dropped, so idle visitors cost nothing.
type bucketSet struct {
	mu        sync.Mutex
	perSecond float64
	burst     float64
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newBucketSet(perMinute, burst int) *bucketSet {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &bucketSet{
		perSecond: float64(perMinute) / 60,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

// take spends one token for key. When none is left it reports how long
// until the next one.
func (s *bucketSet) take(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) > time.Minute {
		s.prune(now)
	}
	b, ok := s.buckets[key]
	if !ok {
		s.buckets[key] = &bucket{tokens: s.burst - 1, last: now}
		return true, 0
	}
	b.tokens = s.level(b, now)
	b.last = now
	if b.tokens < 1 {
		missing := 1 - b.tokens
		return false, time.Duration(missing / s.perSecond * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

func (s *bucketSet) level(b *bucket, now time.Time) float64 {
	return min(s.burst, b.tokens+now.Sub(b.last).Seconds()*s.perSecond)
}

func (s *bucketSet) prune(now time.Time) {
	for key, b := range s.buckets {
		if s.level(b, now) >= s.burst {
			delete(s.buckets, key)
		}
	}
	s.lastPrune = now
}

func (s *bucketSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ticketKey is the ticket id of /api/checkins/{id}/...
func ticketKey(path string) string {
	id, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/checkins/"), "/")
	return id
}

// visitorKey names the badge behind a check-in or badge resolution: the
// X-Device-ID header, else device_id or badge_id from the JSON body. The
// body is restored for the handler.
func visitorKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Device-ID")); id != "" {
		return id
	}
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := readBody(r)
	if err != nil {
		return ""
	}
	var payload struct {
		DeviceID string `json:"device_id"`
		BadgeID  string `json:"badge_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if id := strings.TrimSpace(payload.DeviceID); id != "" {
		return id
	}
	return strings.TrimSpace(payload.BadgeID)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
