package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/checkin-service/internal/identity"
	"qms/checkin-service/internal/ledger"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/presence"
	"qms/checkin-service/internal/projection"
	"qms/checkin-service/internal/store"
	"qms/checkin-service/internal/token"

	"github.com/google/uuid"
)

type Handler struct {
	store     store.Store
	ledger    *ledger.Ledger
	resolver  *identity.Resolver
	admin     *AdminAuth
	options   Options
	locations []string
	known     map[string]bool
	settings  map[string]presence.Settings
}

type Options struct {
	Locations     []models.Location
	Zone          *time.Location
	TokenWindow   time.Duration
	PublicBaseURL string
	Projection    projection.Options
	Presence      presence.Rules
	Now           func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type kioskTokenResponse struct {
	LocationID       string `json:"location_id"`
	Token            string `json:"token"`
	URL              string `json:"url"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	WindowSeconds    int    `json:"window_seconds"`
}

type systemCommandResponse struct {
	models.SystemCommand
	RefreshRequired *bool `json:"refresh_required,omitempty"`
}

type checkInResponse struct {
	ledger.Result
	View     projection.TicketView `json:"view"`
	Presence presence.Settings     `json:"presence"`
}

type heartbeatRequest struct {
	Position *models.Position `json:"position"`
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

type ticketHistoryResponse struct {
	TicketID   string              `json:"ticket_id"`
	Events     []store.TicketEvent `json:"events"`
	ChainValid bool                `json:"chain_valid"`
}

func NewHandler(st store.Store, l *ledger.Ledger, resolver *identity.Resolver, admin *AdminAuth, options Options) *Handler {
	if options.Zone == nil {
		options.Zone = time.UTC
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &Handler{
		store:    st,
		ledger:   l,
		resolver: resolver,
		admin:    admin,
		options:  options,
		known:    make(map[string]bool, len(options.Locations)),
		settings: make(map[string]presence.Settings, len(options.Locations)),
	}
	for _, location := range options.Locations {
		h.locations = append(h.locations, location.LocationID)
		h.known[location.LocationID] = true
		h.settings[location.LocationID] = options.Presence.SettingsFor(location)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/kiosk/token", h.handleKioskToken)
	mux.HandleFunc("/api/system/commands", h.handleSystemCommands)
	mux.HandleFunc("/api/badges/resolve", h.handleResolveBadge)
	mux.HandleFunc("/api/checkins", h.handleCheckIn)
	mux.HandleFunc("/api/checkins/", h.handleCheckInActions)
	mux.HandleFunc("/api/locations/", h.handleLocation)
	mux.Handle("/api/admin/overview", h.admin.Middleware(http.HandlerFunc(h.handleOverview)))
	mux.Handle("/api/admin/refresh", h.admin.Middleware(http.HandlerFunc(h.handleForceRefresh)))
	mux.Handle("/api/admin/tickets", h.admin.Middleware(http.HandlerFunc(h.handleListTickets)))
	mux.Handle("/api/admin/tickets/", h.admin.Middleware(http.HandlerFunc(h.handleAdminTicketActions)))
	return mux
}

// KnownLocation reports whether id is a configured location.
func (h *Handler) KnownLocation(id string) bool {
	return h.known[id]
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleKioskToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	if locationID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "location_required", "location_id is required")
		return
	}
	if !h.known[locationID] {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "unknown_location", "unknown location")
		return
	}

	now := h.options.Now()
	current := token.Current(now, h.options.TokenWindow)
	expires := token.ExpiresIn(now, h.options.TokenWindow)
	writeJSON(w, http.StatusOK, kioskTokenResponse{
		LocationID:       locationID,
		Token:            current,
		URL:              token.CheckInURL(h.options.PublicBaseURL, current, locationID),
		ExpiresInSeconds: int((expires + time.Second - 1) / time.Second),
		WindowSeconds:    int(h.options.TokenWindow / time.Second),
	})
}

func (h *Handler) handleSystemCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	command, err := h.store.GetSystemCommand(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	resp := systemCommandResponse{SystemCommand: command}
	if sinceRaw := strings.TrimSpace(r.URL.Query().Get("since")); sinceRaw != "" {
		since, err := time.Parse(time.RFC3339Nano, sinceRaw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "since must be RFC3339 timestamp")
			return
		}
		refresh := command.RefreshSince(since)
		resp.RefreshRequired = &refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResolveBadge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req identity.Request
	if !decodeRequest(w, r, &req) {
		return
	}
	req.BadgeID = strings.TrimSpace(req.BadgeID)
	req.Email = strings.TrimSpace(req.Email)
	req.Fingerprint = strings.TrimSpace(req.Fingerprint)

	resolved, err := h.resolver.Resolve(r.Context(), req)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ledger.CheckInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.LocationID = strings.TrimSpace(req.LocationID)
	req.Token = strings.TrimSpace(req.Token)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.Identity = strings.TrimSpace(req.Identity)

	result, err := h.ledger.CheckIn(r.Context(), req)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	view, err := h.view(r.Context(), result.Ticket)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, checkInResponse{Result: result, View: view, Presence: h.settings[result.Ticket.LocationID]})
}

func (h *Handler) handleCheckInActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/checkins/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || len(parts) > 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetTicket(w, r, ticketID)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch parts[1] {
	case "heartbeat":
		h.handleHeartbeat(w, r, ticketID)
	case "abandon":
		h.handleAbandon(w, r, ticketID)
	case "leave":
		h.handleLeave(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	h.writeView(w, r, ticket)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req heartbeatRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	ticket, err := h.ledger.Heartbeat(r.Context(), ticketID, req.Position)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	h.writeView(w, r, ticket)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req abandonRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	reason, err := models.ParseEndReason(req.Reason)
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_reason", "reason must be geofence or timeout")
		return
	}
	ticket, err := h.ledger.Abandon(r.Context(), ticketID, reason)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	h.writeView(w, r, ticket)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, err := h.ledger.Leave(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	h.writeView(w, r, ticket)
}

func (h *Handler) handleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/locations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	locationID := parts[0]
	if !h.known[locationID] {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "unknown_location", "unknown location")
		return
	}
	switch parts[1] {
	case "queue":
		h.handleLocationQueue(w, r, locationID)
	case "presence":
		writeJSON(w, http.StatusOK, h.settings[locationID])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleLocationQueue(w http.ResponseWriter, r *http.Request, locationID string) {
	day, ok := h.dayParam(w, r, locationID)
	if !ok {
		return
	}
	tickets, err := h.store.ListTickets(r.Context(), locationID, day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, projection.Compute(locationID, day, tickets, h.options.Now(), h.options.Projection))
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	day, ok := h.dayParam(w, r, "")
	if !ok {
		return
	}
	tickets, err := h.store.ListDayTickets(r.Context(), day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, projection.ComputeOverview(h.locations, day, tickets, h.options.Now(), h.options.Projection))
}

func (h *Handler) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	command, err := h.store.RequestRefresh(r.Context(), h.options.Now())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, command)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	if locationID != "" && !h.known[locationID] {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "unknown_location", "unknown location")
		return
	}
	day, ok := h.dayParam(w, r, locationID)
	if !ok {
		return
	}

	var (
		tickets []models.Ticket
		err     error
	)
	if locationID != "" {
		tickets, err = h.store.ListTickets(r.Context(), locationID, day)
	} else {
		tickets, err = h.store.ListDayTickets(r.Context(), day)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	if statusRaw := strings.TrimSpace(r.URL.Query().Get("status")); statusRaw != "" {
		wanted, err := models.ParseStatus(statusRaw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "unknown status")
			return
		}
		filtered := tickets[:0]
		for _, ticket := range tickets {
			if ticket.Status == wanted {
				filtered = append(filtered, ticket)
			}
		}
		tickets = filtered
	}

	limit := 500
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if len(tickets) > limit {
		tickets = tickets[:limit]
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleAdminTicketActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ticketID := parts[0]
	action := parts[1]
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	switch action {
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTicketHistory(w, r, ticketID)
	case "evict", "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var (
			ticket models.Ticket
			err    error
		)
		if action == "evict" {
			ticket, err = h.ledger.Evict(r.Context(), ticketID)
		} else {
			ticket, err = h.ledger.Complete(r.Context(), ticketID)
		}
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTicketHistory(w http.ResponseWriter, r *http.Request, ticketID string) {
	if _, err := h.store.GetTicket(r.Context(), ticketID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if events == nil {
		events = []store.TicketEvent{}
	}
	writeJSON(w, http.StatusOK, ticketHistoryResponse{
		TicketID:   ticketID,
		Events:     events,
		ChainValid: store.VerifyChain(events) == nil,
	})
}

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, ticket models.Ticket) {
	view, err := h.view(r.Context(), ticket)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// view ranks ticket against the rest of its location's day.
func (h *Handler) view(ctx context.Context, ticket models.Ticket) (projection.TicketView, error) {
	tickets, err := h.store.ListTickets(ctx, ticket.LocationID, ticket.Day)
	if err != nil {
		return projection.TicketView{}, err
	}
	snapshot := projection.Compute(ticket.LocationID, ticket.Day, tickets, h.options.Now(), h.options.Projection)
	return snapshot.View(ticket), nil
}

// dayParam reads ?day= or falls back to the current day of locationID (or
// of the deployment zone when locationID is empty).
func (h *Handler) dayParam(w http.ResponseWriter, r *http.Request, locationID string) (models.Day, bool) {
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		day, err := models.ParseDay(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "day must be YYYY-MM-DD")
			return "", false
		}
		return day, true
	}
	if locationID == "" {
		return models.DayOf(h.options.Now(), h.options.Zone), true
	}
	day, err := h.ledger.Day(locationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return "", false
	}
	return day, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrLocationRequired):
		return http.StatusBadRequest, "location_required", "location_id is required"
	case errors.Is(err, ledger.ErrUnknownLocation):
		return http.StatusNotFound, "unknown_location", "unknown location"
	case errors.Is(err, ledger.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_token", "invalid or expired token"
	case errors.Is(err, ledger.ErrIdentityRequired):
		return http.StatusBadRequest, "identity_required", "device_id or identity is required"
	case errors.Is(err, ledger.ErrUnknownBadge):
		return http.StatusBadRequest, "unknown_badge", "badge is not registered, resolve it first"
	case errors.Is(err, ledger.ErrPositionRequired):
		return http.StatusBadRequest, "position_required", "a location fix is required"
	case errors.Is(err, ledger.ErrInvalidPosition):
		return http.StatusBadRequest, "invalid_position", "position is out of range"
	case errors.Is(err, ledger.ErrInvalidReason):
		return http.StatusBadRequest, "invalid_reason", "reason must be geofence or timeout"
	case errors.Is(err, ledger.ErrBusy):
		return http.StatusServiceUnavailable, "busy", "system busy, try again"
	case errors.Is(err, identity.ErrEmailRequired):
		return http.StatusBadRequest, "email_required", "email is required"
	case errors.Is(err, identity.ErrDomainNotAllowed):
		return http.StatusBadRequest, "domain_not_allowed", "email domain is not allowed"
	case errors.Is(err, identity.ErrInvalidEmail):
		return http.StatusBadRequest, "invalid_email", "invalid email"
	case errors.Is(err, identity.ErrIdentityUnavailable):
		return http.StatusServiceUnavailable, "identity_unavailable", "identity service unavailable"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable, "busy", "system busy, try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
