package presence

import (
	"time"

	"qms/checkin-service/internal/geo"
	"qms/checkin-service/internal/models"
)

// Settings are a location's presence rules as published to devices. A
// location without a fence is never geofenced; heartbeats and the
// inactivity challenge still apply.
type Settings struct {
	LocationID              string           `json:"location_id"`
	Fence                   *models.Geofence `json:"fence,omitempty"`
	MaxAccuracyMeters       float64          `json:"max_accuracy_meters"`
	GraceSeconds            int              `json:"grace_seconds"`
	HeartbeatSeconds        int              `json:"heartbeat_seconds"`
	FixTimeoutSeconds       int              `json:"fix_timeout_seconds"`
	InactivityPromptSeconds int              `json:"inactivity_prompt_seconds"`
	PromptTimeoutSeconds    int              `json:"prompt_timeout_seconds"`
}

// Rules holds the deployment-wide presence timings.
type Rules struct {
	MaxAccuracy      float64
	Grace            time.Duration
	Heartbeat        time.Duration
	FixTimeout       time.Duration
	InactivityPrompt time.Duration
	PromptTimeout    time.Duration
}

// SettingsFor combines the deployment rules with one location's fence.
func (r Rules) SettingsFor(location models.Location) Settings {
	return Settings{
		LocationID:              location.LocationID,
		Fence:                   location.Fence,
		MaxAccuracyMeters:       r.MaxAccuracy,
		GraceSeconds:            int(r.Grace / time.Second),
		HeartbeatSeconds:        int(r.Heartbeat / time.Second),
		FixTimeoutSeconds:       int(r.FixTimeout / time.Second),
		InactivityPromptSeconds: int(r.InactivityPrompt / time.Second),
		PromptTimeoutSeconds:    int(r.PromptTimeout / time.Second),
	}
}

// Config turns published settings into a monitor configuration whose grace
// period starts at checkedIn. The caller adds a Prompter and Clock.
func (s Settings) Config(checkedIn time.Time) Config {
	cfg := Config{
		HeartbeatInterval: seconds(s.HeartbeatSeconds),
		GracePeriod:       seconds(s.GraceSeconds),
		GraceFrom:         checkedIn,
		FixTimeout:        seconds(s.FixTimeoutSeconds),
		InactivityPrompt:  seconds(s.InactivityPromptSeconds),
		PromptTimeout:     seconds(s.PromptTimeoutSeconds),
	}
	if s.Fence != nil {
		fence := geo.NewFence(*s.Fence, s.MaxAccuracyMeters)
		cfg.Fence = &fence
	}
	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
