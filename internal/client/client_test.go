package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"qms/checkin-service/internal/httpapi"
	"qms/checkin-service/internal/identity"
	"qms/checkin-service/internal/ledger"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/presence"
	"qms/checkin-service/internal/projection"
	"qms/checkin-service/internal/store/memory"
)

var lobby = models.Geofence{Lat: 1.3000, Lon: 103.8000, RadiusMeters: 100}

type staticLocator struct {
	fix       models.Position
	positions chan models.Position
}

func (l *staticLocator) Current(ctx context.Context) (models.Position, error) {
	return l.fix, nil
}

func (l *staticLocator) Watch(ctx context.Context) (<-chan models.Position, error) {
	out := make(chan models.Position)
	go func() {
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

func newService(t *testing.T) *httptest.Server {
	t.Helper()
	st := memory.NewStore(memory.Options{})
	locations := []models.Location{{LocationID: "QCA1", Fence: &lobby}, {LocationID: "QCA2"}}
	l, err := ledger.New(st, ledger.Options{
		Locations:     locations,
		TokenWindow:   30 * time.Second,
		PastWindows:   8,
		FutureWindows: 2,
		HardAbandon:   40 * time.Minute,
		RescanPenalty: 15 * time.Minute,
		Badges:        st,
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	admin, err := httpapi.NewAdminAuth("", "")
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	handler := httpapi.NewHandler(st, l, identity.NewResolver(st, nil), admin, httpapi.Options{
		Locations:   locations,
		TokenWindow: 30 * time.Second,
		Projection:  projection.Options{Liveness: 3 * time.Minute},
		Presence:    presence.Rules{MaxAccuracy: 500, Heartbeat: time.Hour, FixTimeout: time.Second},
	})
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return server
}

func newVisitor(server *httptest.Server, device string, keeper BadgeKeeper) *Visitor {
	return &Visitor{
		Client:     New(Options{BaseURL: server.URL, DeviceID: device}),
		Keeper:     keeper,
		Locator:    &staticLocator{fix: models.Position{Lat: lobby.Lat, Lon: lobby.Lon, Accuracy: 10}},
		Email:      "ana@example.com",
		FixTimeout: time.Second,
	}
}

func TestVisitorCheckInRemembersBadge(t *testing.T) {
	server := newService(t)
	keeper := &MemoryKeeper{}
	visitor := newVisitor(server, "phone-1", keeper)
	ctx := context.Background()

	kiosk, err := visitor.Client.KioskToken(ctx, "QCA1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	first, err := visitor.CheckIn(ctx, "QCA1", kiosk.Token)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if first.Ticket.QueueNumber != 1 || !first.View.YourTurn {
		t.Fatalf("unexpected first check-in %+v", first)
	}
	badgeID, ok := keeper.Load()
	if !ok || badgeID != first.Ticket.DeviceID {
		t.Fatalf("expected badge %s to be kept, got %q", first.Ticket.DeviceID, badgeID)
	}
	if first.Ticket.Identity != "ana@example.com" {
		t.Fatalf("expected ticket identity to be the badge email, got %q", first.Ticket.Identity)
	}

	who, err := visitor.Identify(ctx)
	if err != nil || who.Source != identity.SourceKnown {
		t.Fatalf("expected known badge, got %+v %v", who, err)
	}

	again, err := visitor.CheckIn(ctx, "QCA1", kiosk.Token)
	if err != nil {
		t.Fatalf("second check in: %v", err)
	}
	if again.Ticket.TicketID != first.Ticket.TicketID {
		t.Fatalf("expected resume of %s, got %s", first.Ticket.TicketID, again.Ticket.TicketID)
	}

	view, err := visitor.Client.Leave(ctx, first.Ticket.TicketID)
	if err != nil || view.State != models.StateLeft {
		t.Fatalf("expected left, got %+v %v", view, err)
	}
}

func TestInvalidTokenIsAPIError(t *testing.T) {
	server := newService(t)
	visitor := newVisitor(server, "phone-1", &MemoryKeeper{})

	_, err := visitor.CheckIn(context.Background(), "QCA1", "secure-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "invalid_token" || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected invalid_token, got %v", err)
	}
}

func TestHeartbeatMissingTicket(t *testing.T) {
	server := newService(t)
	c := New(Options{BaseURL: server.URL, DeviceID: "phone-1"})

	_, err := c.Heartbeat(context.Background(), "5f0f4c9e-2f4b-4d3c-9d55-2b1b8f1b7a10", nil)
	if !errors.Is(err, presence.ErrTicketGone) {
		t.Fatalf("expected ErrTicketGone, got %v", err)
	}
}

func TestMonitorEvictsOverHTTP(t *testing.T) {
	server := newService(t)
	locator := &staticLocator{
		fix:       models.Position{Lat: lobby.Lat, Lon: lobby.Lon, Accuracy: 10},
		positions: make(chan models.Position),
	}
	visitor := newVisitor(server, "phone-1", &MemoryKeeper{})
	visitor.Locator = locator
	ctx := context.Background()

	kiosk, err := visitor.Client.KioskToken(ctx, "QCA1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp, err := visitor.CheckIn(ctx, "QCA1", kiosk.Token)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}

	if resp.Presence.Fence == nil || resp.Presence.HeartbeatSeconds != 3600 {
		t.Fatalf("expected lobby presence settings, got %+v", resp.Presence)
	}
	monitor := visitor.Monitor(resp, nil)
	done := make(chan presence.Outcome, 1)
	go func() {
		out, _ := monitor.Run(ctx)
		done <- out
	}()

	// Roughly 1.1 km north of the lobby.
	locator.positions <- models.Position{Lat: lobby.Lat + 0.01, Lon: lobby.Lon, Accuracy: 20}

	select {
	case out := <-done:
		if out.Cause != presence.CauseGeofence || out.Ticket.EndReason != models.ReasonGeofence {
			t.Fatalf("unexpected outcome %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not finish")
	}

	view, err := visitor.Client.Ticket(ctx, resp.Ticket.TicketID)
	if err != nil || view.State != models.StateLeftArea {
		t.Fatalf("expected left_area, got %+v %v", view, err)
	}
}

func TestPresenceSettingsFollowLocation(t *testing.T) {
	server := newService(t)
	c := New(Options{BaseURL: server.URL, DeviceID: "phone-1"})
	ctx := context.Background()

	lobbySettings, err := c.Presence(ctx, "QCA1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	cfg := lobbySettings.Config(time.Now())
	if cfg.Fence == nil || cfg.Fence.Radius != lobby.RadiusMeters || cfg.Fence.MaxAccuracy != 500 {
		t.Fatalf("expected lobby fence, got %+v", cfg.Fence)
	}

	open, err := c.Presence(ctx, "QCA2")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if open.Fence != nil || open.Config(time.Now()).Fence != nil {
		t.Fatalf("expected no fence for QCA2, got %+v", open)
	}
	if open.HeartbeatSeconds != 3600 || open.FixTimeoutSeconds != 1 {
		t.Fatalf("expected deployment timings, got %+v", open)
	}

	_, err = c.Presence(ctx, "QCA9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown location, got %v", err)
	}
}

func TestCheckInRetriesBusy(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/badges/resolve", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"badge":{"badge_id":"badge_1","email":"ana@example.com"},"source":"created"}`))
	})
	mux.HandleFunc("/api/checkins", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"code":"busy","message":"system busy, try again"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ticket":{"ticket_id":"t1","queue_number":7},"outcome":"issued","attempts":1}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	visitor := newVisitor(server, "phone-1", &MemoryKeeper{})
	visitor.BusyAttempts = 3
	resp, err := visitor.CheckIn(context.Background(), "QCA1", "secure-1")
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if resp.Ticket.QueueNumber != 7 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected success on third call, got %+v after %d calls", resp, calls)
	}

	atomic.StoreInt32(&calls, -10)
	visitor.BusyAttempts = 2
	_, err = visitor.CheckIn(context.Background(), "QCA1", "secure-1")
	if !IsBusy(err) {
		t.Fatalf("expected busy after exhausting attempts, got %v", err)
	}
}

func TestFileKeeper(t *testing.T) {
	keeper := FileKeeper{Path: filepath.Join(t.TempDir(), "device", "badge")}
	if _, ok := keeper.Load(); ok {
		t.Fatalf("expected empty keeper")
	}
	if err := keeper.Save("badge_42"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, ok := keeper.Load(); !ok || got != "badge_42" {
		t.Fatalf("expected badge_42, got %q", got)
	}
}
