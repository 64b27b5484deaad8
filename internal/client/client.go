// Package client talks to the check-in service on behalf of one visitor
// device. It satisfies presence.TicketWriter so a monitor can run against a
// remote ledger.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qms/checkin-service/internal/identity"
	"qms/checkin-service/internal/ledger"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/presence"
	"qms/checkin-service/internal/projection"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx response decoded from the service's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type KioskToken struct {
	LocationID       string `json:"location_id"`
	Token            string `json:"token"`
	URL              string `json:"url"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	WindowSeconds    int    `json:"window_seconds"`
}

type CheckInResponse struct {
	ledger.Result
	View     projection.TicketView `json:"view"`
	Presence presence.Settings     `json:"presence"`
}

type Options struct {
	BaseURL  string
	DeviceID string
	Timeout  time.Duration
	// HTTPClient overrides the traced default client.
	HTTPClient *http.Client
}

type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
}

var _ presence.TicketWriter = (*Client)(nil)

func New(options Options) *Client {
	httpClient := options.HTTPClient
	if httpClient == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:  strings.TrimRight(options.BaseURL, "/"),
		deviceID: options.DeviceID,
		http:     httpClient,
	}
}

func (c *Client) DeviceID() string {
	return c.deviceID
}

func (c *Client) KioskToken(ctx context.Context, locationID string) (KioskToken, error) {
	var out KioskToken
	err := c.do(ctx, http.MethodGet, "/api/kiosk/token?location_id="+url.QueryEscape(locationID), nil, &out)
	return out, err
}

// Presence fetches a location's presence rules.
func (c *Client) Presence(ctx context.Context, locationID string) (presence.Settings, error) {
	var out presence.Settings
	err := c.do(ctx, http.MethodGet, "/api/locations/"+url.PathEscape(locationID)+"/presence", nil, &out)
	return out, err
}

func (c *Client) ResolveBadge(ctx context.Context, req identity.Request) (identity.Identity, error) {
	var out identity.Identity
	err := c.do(ctx, http.MethodPost, "/api/badges/resolve", req, &out)
	return out, err
}

func (c *Client) CheckIn(ctx context.Context, req ledger.CheckInRequest) (CheckInResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.deviceID
	}
	var out CheckInResponse
	err := c.do(ctx, http.MethodPost, "/api/checkins", req, &out)
	return out, err
}

func (c *Client) Ticket(ctx context.Context, ticketID string) (projection.TicketView, error) {
	var out projection.TicketView
	err := c.do(ctx, http.MethodGet, "/api/checkins/"+url.PathEscape(ticketID), nil, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, ticketID string, position *models.Position) (models.Ticket, error) {
	var out projection.TicketView
	body := struct {
		Position *models.Position `json:"position,omitempty"`
	}{Position: position}
	if err := c.do(ctx, http.MethodPost, "/api/checkins/"+url.PathEscape(ticketID)+"/heartbeat", body, &out); err != nil {
		return models.Ticket{}, ticketError(err)
	}
	return out.Ticket, nil
}

func (c *Client) Abandon(ctx context.Context, ticketID string, reason models.EndReason) (models.Ticket, error) {
	var out projection.TicketView
	body := struct {
		Reason models.EndReason `json:"reason"`
	}{Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/api/checkins/"+url.PathEscape(ticketID)+"/abandon", body, &out); err != nil {
		return models.Ticket{}, ticketError(err)
	}
	return out.Ticket, nil
}

func (c *Client) Leave(ctx context.Context, ticketID string) (projection.TicketView, error) {
	var out projection.TicketView
	err := c.do(ctx, http.MethodPost, "/api/checkins/"+url.PathEscape(ticketID)+"/leave", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope)
		return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ticketError turns a missing ticket into presence.ErrTicketGone so a
// monitor stops instead of heartbeating forever.
func ticketError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "ticket_not_found" {
		return fmt.Errorf("%w: %v", presence.ErrTicketGone, err)
	}
	return err
}

// IsBusy reports whether err is the service's "try again" answer.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && apiErr.Code == "busy"
}
