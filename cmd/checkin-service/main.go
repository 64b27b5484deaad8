package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/checkin-service/internal/config"
	"qms/checkin-service/internal/hub"
	"qms/checkin-service/internal/httpapi"
	"qms/checkin-service/internal/identity"
	"qms/checkin-service/internal/ledger"
	"qms/checkin-service/internal/presence"
	"qms/checkin-service/internal/projection"
	"qms/checkin-service/internal/realtime"
	"qms/checkin-service/internal/store"
	"qms/checkin-service/internal/store/memory"
	"qms/checkin-service/internal/store/postgres"
	"qms/checkin-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	shutdownTelemetry := telemetry.Setup("checkin-service", version)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	l, err := ledger.New(st, ledger.Options{
		Locations:     cfg.Locations,
		Zone:          cfg.Zone,
		TokenWindow:   cfg.TokenWindow,
		PastWindows:   cfg.TokenPastWindows,
		FutureWindows: cfg.TokenFutureWindows,
		HardAbandon:   cfg.HardAbandon,
		RescanPenalty: cfg.RescanPenalty,
		MaxAttempts:   cfg.CheckInMaxAttempts,
		Badges:        st,
	})
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	admin, err := httpapi.NewAdminAuth(cfg.AdminPassword, cfg.AdminPasswordHash)
	if err != nil {
		log.Fatalf("admin secret: %v", err)
	}
	if !admin.Enabled() {
		log.Printf("admin secret not configured, admin endpoints disabled")
	}

	projectionOptions := projection.Options{
		Liveness:            cfg.Liveness,
		SeparateManualLeave: cfg.ReportManualLeaveSeparately,
	}
	handler := httpapi.NewHandler(st, l, identity.NewResolver(st, cfg.AllowedEmailDomains), admin, httpapi.Options{
		Locations:     cfg.Locations,
		Zone:          cfg.Zone,
		TokenWindow:   cfg.TokenWindow,
		PublicBaseURL: cfg.PublicBaseURL,
		Projection:    projectionOptions,
		Presence: presence.Rules{
			MaxAccuracy:      cfg.GeofenceMaxAccuracy,
			Grace:            cfg.GracePeriod,
			Heartbeat:        cfg.Heartbeat,
			FixTimeout:       cfg.FixTimeout,
			InactivityPrompt: cfg.InactivityPrompt,
			PromptTimeout:    cfg.PromptTimeout,
		},
	})

	locationIDs := make([]string, 0, len(cfg.Locations))
	for _, location := range cfg.Locations {
		locationIDs = append(locationIDs, location.LocationID)
	}
	relayOptions := realtime.Options{
		PollInterval:    cfg.RealtimePollInterval,
		RefreshInterval: cfg.Liveness / 3,
		BatchSize:       cfg.RealtimeBatchSize,
		CleanupInterval: cfg.OutboxCleanup,
		OutboxRetention: cfg.OutboxRetention,
		Projection:      projectionOptions,
		Locations:       locationIDs,
		Day:             l.Day,
	}
	if cfg.NATSURL != "" {
		nc, err := realtime.ConnectNATS(cfg.NATSURL, "checkin-service")
		if err != nil {
			log.Printf("nats connect error, events stay local: %v", err)
		} else {
			defer nc.Drain()
			relayOptions.Publisher = nc
		}
	}
	h := hub.New()
	relay := realtime.NewRelay(st, h, relayOptions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	realtimeHandler := httpapi.NewRealtimeHandler(httpapi.RealtimeOptions{
		Hub:           h,
		Admin:         admin,
		KnownLocation: handler.KnownLocation,
		OnSubscribe: func(sub hub.Subscription) {
			pushCtx, pushCancel := context.WithTimeout(ctx, 5*time.Second)
			defer pushCancel()
			var err error
			if sub.All {
				err = relay.Refresh(pushCtx)
			} else {
				err = relay.Push(pushCtx, sub.LocationID)
			}
			if err != nil {
				log.Printf("realtime initial snapshot error: %v", err)
			}
		},
	})

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		DevicePerMinute: cfg.DeviceRateLimitPerMinute,
		DeviceBurst:     cfg.DeviceRateLimitBurst,
		TicketPerMinute: cfg.TicketRateLimitPerMinute,
		TicketBurst:     cfg.TicketRateLimitBurst,
	})
	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", realtimeHandler)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "checkin-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("checkin-service listening on %s store=%s locations=%d", server.Addr, cfg.StoreKind, len(cfg.Locations))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go relay.Run(ctx)

	go func() {
		if cfg.HardAbandon <= 0 || cfg.SweepInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sweepCtx, sweepCancel := context.WithTimeout(ctx, 10*time.Second)
			count, err := l.SweepInactive(sweepCtx, cfg.SweepBatchSize)
			sweepCancel()
			if err != nil {
				log.Printf("inactive sweep error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("inactive sweep abandoned %d tickets", count)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case "memory":
		log.Printf("using in-memory store, data is lost on restart")
		return memory.NewStore(memory.Options{}), nil
	case "postgres":
	default:
		log.Fatalf("unknown STORE %q", cfg.StoreKind)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return postgres.NewStore(pool), nil
}
