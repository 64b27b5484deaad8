package models

import "time"

type Badge struct {
	BadgeID     string    `json:"badge_id"`
	Email       string    `json:"email"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
}
