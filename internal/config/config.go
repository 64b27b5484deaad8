package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"qms/checkin-service/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultLocationCount = 30

type Config struct {
	Port           string
	DatabaseURL    string
	StoreKind      string
	MigrateOnStart bool
	Zone           *time.Location
	Locations      []models.Location

	GeofenceRadius      float64
	GeofenceMaxAccuracy float64

	TokenWindow        time.Duration
	TokenPastWindows   int
	TokenFutureWindows int

	Liveness      time.Duration
	HardAbandon   time.Duration
	RescanPenalty time.Duration
	GracePeriod   time.Duration
	Heartbeat     time.Duration
	FixTimeout    time.Duration

	InactivityPrompt time.Duration
	PromptTimeout    time.Duration

	CheckInMaxAttempts  int
	AllowedEmailDomains []string

	AdminPassword     string
	AdminPasswordHash string
	PublicBaseURL     string

	ReportManualLeaveSeparately bool

	SweepInterval  time.Duration
	SweepBatchSize int

	RealtimePollInterval time.Duration
	RealtimeBatchSize    int
	OutboxRetention      time.Duration
	OutboxCleanup        time.Duration
	NATSURL              string

	RateLimitPerMinute       int
	RateLimitBurst           int
	DeviceRateLimitPerMinute int
	DeviceRateLimitBurst     int
	TicketRateLimitPerMinute int
	TicketRateLimitBurst     int
}

type locationsFile struct {
	Timezone  string            `yaml:"timezone"`
	Locations []models.Location `yaml:"locations"`
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set in the environment win.
func Load() (Config, error) {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	storeKind := strings.ToLower(os.Getenv("STORE"))
	if storeKind == "" {
		storeKind = "postgres"
	}

	cfg := Config{
		Port:                        port,
		DatabaseURL:                 os.Getenv("DB_DSN"),
		StoreKind:                   storeKind,
		MigrateOnStart:              readBool("MIGRATE_ON_START", true),
		GeofenceRadius:              readFloat("GEOFENCE_RADIUS_METERS", 100),
		GeofenceMaxAccuracy:         readFloat("GEOFENCE_MAX_ACCURACY_METERS", 500),
		TokenWindow:                 readDurationSeconds("TOKEN_WINDOW_SECONDS", 30),
		TokenPastWindows:            readInt("TOKEN_PAST_WINDOWS", 8),
		TokenFutureWindows:          readInt("TOKEN_FUTURE_WINDOWS", 2),
		Liveness:                    readDurationSeconds("LIVENESS_SECONDS", 180),
		HardAbandon:                 readDurationSeconds("HARD_ABANDON_SECONDS", 2400),
		RescanPenalty:               readDurationSeconds("RESCAN_PENALTY_SECONDS", 900),
		GracePeriod:                 readDurationSeconds("GRACE_PERIOD_SECONDS", 120),
		Heartbeat:                   readDurationSeconds("HEARTBEAT_SECONDS", 30),
		FixTimeout:                  readDurationSeconds("FIX_TIMEOUT_SECONDS", 10),
		InactivityPrompt:            readDurationSeconds("INACTIVITY_PROMPT_SECONDS", 300),
		PromptTimeout:               readDurationSeconds("PROMPT_TIMEOUT_SECONDS", 10),
		CheckInMaxAttempts:          readInt("CHECKIN_MAX_ATTEMPTS", 20),
		AllowedEmailDomains:         readList("ALLOWED_EMAIL_DOMAINS"),
		AdminPassword:               os.Getenv("ADMIN_PASSWORD"),
		AdminPasswordHash:           os.Getenv("ADMIN_PASSWORD_HASH"),
		PublicBaseURL:               strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		ReportManualLeaveSeparately: readBool("REPORT_MANUAL_LEAVE_SEPARATELY", true),
		SweepInterval:               readDurationSeconds("SWEEP_INTERVAL_SECONDS", 30),
		SweepBatchSize:              readInt("SWEEP_BATCH_SIZE", 100),
		RealtimePollInterval:        readDurationSeconds("REALTIME_POLL_SECONDS", 1),
		RealtimeBatchSize:           readInt("REALTIME_BATCH_SIZE", 200),
		OutboxRetention:             readDurationSeconds("OUTBOX_RETENTION_SECONDS", 3600),
		OutboxCleanup:               readDurationSeconds("OUTBOX_CLEANUP_SECONDS", 60),
		NATSURL:                     os.Getenv("NATS_URL"),
		RateLimitPerMinute:          readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:              readInt("RATE_LIMIT_BURST", 30),
		DeviceRateLimitPerMinute:    readInt("DEVICE_RATE_LIMIT_PER_MIN", 20),
		DeviceRateLimitBurst:        readInt("DEVICE_RATE_LIMIT_BURST", 5),
		TicketRateLimitPerMinute:    readInt("TICKET_RATE_LIMIT_PER_MIN", 12),
		TicketRateLimitBurst:        readInt("TICKET_RATE_LIMIT_BURST", 6),
	}
	if cfg.TokenWindow <= 0 {
		return Config{}, fmt.Errorf("TOKEN_WINDOW_SECONDS must be positive")
	}

	zone, err := loadZone(os.Getenv("TIMEZONE"))
	if err != nil {
		return Config{}, err
	}
	cfg.Zone = zone

	if path := os.Getenv("LOCATIONS_FILE"); path != "" {
		if err := cfg.loadLocationsFile(path); err != nil {
			return Config{}, err
		}
	}
	if len(cfg.Locations) == 0 {
		cfg.Locations = locationsFromList(readList("LOCATIONS"))
	}
	for i := range cfg.Locations {
		if fence := cfg.Locations[i].Fence; fence != nil && fence.RadiusMeters <= 0 {
			fence.RadiusMeters = cfg.GeofenceRadius
		}
	}
	return cfg, nil
}

func (c *Config) loadLocationsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read locations file: %w", err)
	}
	var file locationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse locations file: %w", err)
	}
	if file.Timezone != "" {
		zone, err := loadZone(file.Timezone)
		if err != nil {
			return err
		}
		c.Zone = zone
	}
	seen := make(map[string]bool, len(file.Locations))
	for _, location := range file.Locations {
		if location.LocationID == "" {
			return fmt.Errorf("locations file: location without id")
		}
		if seen[location.LocationID] {
			return fmt.Errorf("locations file: duplicate location %q", location.LocationID)
		}
		if location.Zone != "" {
			if _, err := loadZone(location.Zone); err != nil {
				return err
			}
		}
		seen[location.LocationID] = true
	}
	c.Locations = file.Locations
	return nil
}

func locationsFromList(ids []string) []models.Location {
	if len(ids) == 0 {
		for i := 1; i <= defaultLocationCount; i++ {
			ids = append(ids, fmt.Sprintf("QCA%d", i))
		}
	}
	locations := make([]models.Location, 0, len(ids))
	for _, id := range ids {
		locations = append(locations, models.Location{LocationID: id})
	}
	return locations
}

func loadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	zone, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", name, err)
	}
	return zone, nil
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
