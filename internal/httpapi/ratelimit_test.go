package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBucketSetRefillsAndPrunes(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	buckets := newBucketSet(60, 2)
	buckets.now = func() time.Time { return now }

	if ok, _ := buckets.take("a"); !ok {
		t.Fatalf("expected first token")
	}
	if ok, _ := buckets.take("a"); !ok {
		t.Fatalf("expected burst of 2")
	}
	ok, wait := buckets.take("a")
	if ok || wait != time.Second {
		t.Fatalf("expected limit with 1s wait, got %v %s", ok, wait)
	}
	if ok, _ := buckets.take("b"); !ok {
		t.Fatalf("keys must not share buckets")
	}
	now = now.Add(time.Second)
	if ok, _ := buckets.take("a"); !ok {
		t.Fatalf("expected a token after one second")
	}

	now = now.Add(2 * time.Minute)
	buckets.take("c")
	if n := buckets.size(); n != 1 {
		t.Fatalf("expected refilled buckets to be dropped, %d left", n)
	}
}

func TestHeartbeatsDoNotSpendCheckInBudget(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		IPPerMinute: 600, IPBurst: 100,
		DevicePerMinute: 1, DeviceBurst: 1,
		TicketPerMinute: 1, TicketBurst: 2,
	})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Device-ID", "phone-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send(http.MethodPost, "/api/checkins/t1/heartbeat"); rec.Code != http.StatusOK {
			t.Fatalf("heartbeat %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := send(http.MethodPost, "/api/checkins/t1/heartbeat")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected limited heartbeat with Retry-After, got %d", rec.Code)
	}
	if rec := send(http.MethodPost, "/api/checkins/t2/heartbeat"); rec.Code != http.StatusOK {
		t.Fatalf("another ticket must have its own bucket, got %d", rec.Code)
	}

	if rec := send(http.MethodPost, "/api/checkins"); rec.Code != http.StatusOK {
		t.Fatalf("check-in after heartbeats: expected 200, got %d", rec.Code)
	}
	if rec := send(http.MethodPost, "/api/checkins"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second check-in to be limited, got %d", rec.Code)
	}
	if rec := send(http.MethodGet, "/api/locations/QCA1/queue"); rec.Code != http.StatusOK {
		t.Fatalf("queue reads are only IP limited, got %d", rec.Code)
	}
}

func TestCheckInKeyFromBody(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, DevicePerMinute: 1, DeviceBurst: 1})
	var seen []string
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = append(seen, buf.String())
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("/api/checkins", `{"device_id":"badge_1"}`); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send("/api/badges/resolve", `{"badge_id":"badge_1"}`); code != http.StatusTooManyRequests {
		t.Fatalf("badge resolution shares the check-in budget, got %d", code)
	}
	if code := send("/api/checkins", `{"device_id":"badge_2"}`); code != http.StatusOK {
		t.Fatalf("expected 200 for another badge, got %d", code)
	}
	if len(seen) != 2 || seen[0] != `{"device_id":"badge_1"}` {
		t.Fatalf("body must reach the handler intact, got %v", seen)
	}
}
