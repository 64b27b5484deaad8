package client

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"qms/checkin-service/internal/identity"
	"qms/checkin-service/internal/ledger"
	"qms/checkin-service/internal/presence"
	"qms/checkin-service/internal/retry"
)

// BadgeKeeper persists the visitor's badge id on the device so later visits
// skip the email step.
type BadgeKeeper interface {
	Load() (string, bool)
	Save(badgeID string) error
}

type MemoryKeeper struct {
	mu      sync.Mutex
	badgeID string
}

func (k *MemoryKeeper) Load() (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.badgeID, k.badgeID != ""
}

func (k *MemoryKeeper) Save(badgeID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.badgeID = badgeID
	return nil
}

// FileKeeper stores the badge id in a single file.
type FileKeeper struct {
	Path string
}

func (k FileKeeper) Load() (string, bool) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		return "", false
	}
	badgeID := strings.TrimSpace(string(data))
	return badgeID, badgeID != ""
}

func (k FileKeeper) Save(badgeID string) error {
	if err := os.MkdirAll(filepath.Dir(k.Path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(k.Path, []byte(badgeID+"\n"), 0o600)
}

// Visitor is the device-side check-in flow: identify, take a position fix,
// then ask the ledger for a ticket.
type Visitor struct {
	Client      *Client
	Keeper      BadgeKeeper
	Locator     presence.Locator
	Email       string
	Fingerprint string
	FixTimeout  time.Duration
	// BusyAttempts bounds how often a "system busy" answer is retried.
	BusyAttempts int
	BusyBackoff  time.Duration
}

// Identify returns the visitor's badge, remembering it through Keeper. A
// remembered badge the service no longer knows falls back to the email.
func (v *Visitor) Identify(ctx context.Context) (identity.Identity, error) {
	req := identity.Request{Email: v.Email, Fingerprint: v.Fingerprint}
	if v.Keeper != nil {
		if badgeID, ok := v.Keeper.Load(); ok {
			req.BadgeID = badgeID
		}
	}
	resolved, err := v.Client.ResolveBadge(ctx, req)
	if err != nil {
		return identity.Identity{}, err
	}
	if v.Keeper != nil && resolved.Source != identity.SourceKnown {
		if err := v.Keeper.Save(resolved.Badge.BadgeID); err != nil {
			log.Printf("badge save error badge_id=%s: %v", resolved.Badge.BadgeID, err)
		}
	}
	return resolved, nil
}

// Monitor builds the presence monitor for a check-in from the rules the
// service published with it. The grace period runs from now.
func (v *Visitor) Monitor(resp CheckInResponse, prompter presence.Prompter) *presence.Monitor {
	cfg := resp.Presence.Config(time.Now())
	cfg.Prompter = prompter
	return presence.NewMonitor(resp.Ticket.TicketID, v.Client, v.Locator, cfg)
}

func (v *Visitor) CheckIn(ctx context.Context, locationID, token string) (CheckInResponse, error) {
	who, err := v.Identify(ctx)
	if err != nil {
		return CheckInResponse{}, err
	}
	fix, err := presence.CurrentFix(ctx, v.Locator, v.FixTimeout)
	if err != nil {
		return CheckInResponse{}, err
	}

	attempts := v.BusyAttempts
	if attempts <= 0 {
		attempts = 3
	}
	policy := retry.Policy{
		MaxAttempts: attempts,
		Backoff:     retry.ExponentialJitter(v.BusyBackoff, 8*v.BusyBackoff),
		Retryable:   IsBusy,
	}
	resp, err := retry.Do(ctx, policy, func(ctx context.Context) (CheckInResponse, error) {
		return v.Client.CheckIn(ctx, ledger.CheckInRequest{
			LocationID: locationID,
			Token:      token,
			DeviceID:   who.Badge.BadgeID,
			Identity:   who.Badge.Email,
			Position:   &fix,
		})
	})
	if errors.Is(err, retry.ErrExhausted) {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return CheckInResponse{}, apiErr
		}
	}
	return resp, err
}
