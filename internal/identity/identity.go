// Package identity binds a visitor to a stable badge: a locally remembered
// badge id is trusted as-is, otherwise the visitor's email recovers an
// existing badge or registers a new one.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/store"

	"github.com/google/uuid"
)

var (
	ErrEmailRequired       = errors.New("email required")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrDomainNotAllowed    = fmt.Errorf("%w: domain not allowed", ErrInvalidEmail)
	ErrIdentityUnavailable = errors.New("identity service unavailable")
)

type Source string

const (
	SourceKnown     Source = "known"
	SourceRecovered Source = "recovered"
	SourceCreated   Source = "created"
)

type Request struct {
	BadgeID     string `json:"badge_id"`
	Email       string `json:"email"`
	Fingerprint string `json:"fingerprint"`
}

type Identity struct {
	Badge  models.Badge `json:"badge"`
	Source Source       `json:"source"`
}

type Resolver struct {
	store   store.BadgeStore
	domains map[string]bool
	now     func() time.Time
}

func NewResolver(badges store.BadgeStore, allowedDomains []string) *Resolver {
	domains := make(map[string]bool, len(allowedDomains))
	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
		if domain != "" {
			domains[domain] = true
		}
	}
	return &Resolver{
		store:   badges,
		domains: domains,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ValidateEmail applies the local checks that run before any lookup.
func (r *Resolver) ValidateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ErrInvalidEmail
	}
	if len(r.domains) > 0 && !r.domains[strings.ToLower(email[at+1:])] {
		return ErrDomainNotAllowed
	}
	return nil
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (Identity, error) {
	if req.BadgeID != "" {
		badge, err := r.store.GetBadge(ctx, req.BadgeID)
		switch {
		case err == nil:
			return Identity{Badge: badge, Source: SourceKnown}, nil
		case !errors.Is(err, store.ErrBadgeNotFound):
			return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
		}
	}

	if err := r.ValidateEmail(req.Email); err != nil {
		return Identity{}, err
	}

	existing, found, err := r.store.FindBadgeByEmail(ctx, req.Email)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if found {
		log.Printf("badge recovered badge_id=%s", existing.BadgeID)
		return Identity{Badge: existing, Source: SourceRecovered}, nil
	}

	badge := models.Badge{
		BadgeID:     "badge_" + uuid.NewString(),
		Email:       req.Email,
		Fingerprint: req.Fingerprint,
		FirstSeen:   r.now(),
	}
	created, err := r.store.CreateBadge(ctx, badge)
	if err != nil {
		// Another device registered the same email first.
		if errors.Is(err, store.ErrDuplicateEmail) {
			return Identity{Badge: created, Source: SourceRecovered}, nil
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return Identity{Badge: created, Source: SourceCreated}, nil
}
