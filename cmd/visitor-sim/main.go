// visitor-sim drives a running check-in service with simulated visitors.
// Each visitor scans the kiosk token, checks in and then keeps a presence
// monitor running until it is served, wanders off or the run ends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"qms/checkin-service/internal/client"
	"qms/checkin-service/internal/models"
	"qms/checkin-service/internal/presence"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

type options struct {
	server      string
	location    string
	visitors    int
	duration    time.Duration
	fixInterval time.Duration
	wander      float64
	confirm     float64
	lat         float64
	lon         float64
	badgeDir    string
	domain      string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("visitor-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:8080", "check-in service base URL")
	flagSet.StringVarP(&opts.location, "location", "l", "QCA1", "location to check in at")
	flagSet.IntVarP(&opts.visitors, "visitors", "n", 10, "number of simulated visitors")
	flagSet.DurationVarP(&opts.duration, "duration", "d", 5*time.Minute, "how long to run")
	flagSet.DurationVar(&opts.fixInterval, "fix-interval", 5*time.Second, "how often simulated devices report a position")
	flagSet.Float64Var(&opts.wander, "wander", 0.2, "fraction of visitors that walk out of the geofence")
	flagSet.Float64Var(&opts.confirm, "confirm", 0.9, "probability a visitor answers the inactivity prompt")
	flagSet.Float64Var(&opts.lat, "lat", 1.3000, "where simulated devices stand when no fence is published")
	flagSet.Float64Var(&opts.lon, "lon", 103.8000, "where simulated devices stand when no fence is published")
	flagSet.StringVar(&opts.badgeDir, "badge-dir", "", "persist each visitor's badge id under this directory")
	flagSet.StringVar(&opts.domain, "email-domain", "example.com", "domain of generated visitor emails")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.visitors <= 0 {
		return fmt.Errorf("--visitors must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	settings, err := client.New(client.Options{BaseURL: opts.server}).Presence(ctx, opts.location)
	if err != nil {
		return fmt.Errorf("presence settings: %w", err)
	}
	center := models.Geofence{Lat: opts.lat, Lon: opts.lon}
	if settings.Fence != nil {
		center = *settings.Fence
	}
	log.Printf("presence settings location=%s fenced=%t heartbeat=%ds grace=%ds inactivity_prompt=%ds",
		settings.LocationID, settings.Fence != nil, settings.HeartbeatSeconds, settings.GraceSeconds, settings.InactivityPromptSeconds)

	var (
		mu       sync.Mutex
		outcomes = make(map[presence.Cause]int)
	)
	supervisor := presence.NewSupervisor(func(ticketID string, out presence.Outcome, err error) {
		mu.Lock()
		outcomes[out.Cause]++
		mu.Unlock()
		log.Printf("monitor done ticket_id=%s cause=%s status=%s distance=%.0f err=%v", ticketID, out.Cause, out.Ticket.Status, out.Distance, err)
	})

	checkedIn := 0
	for i := 0; i < opts.visitors; i++ {
		device := fmt.Sprintf("sim-device-%03d", i)
		var keeper client.BadgeKeeper = &client.MemoryKeeper{}
		if opts.badgeDir != "" {
			keeper = client.FileKeeper{Path: filepath.Join(opts.badgeDir, device)}
		}
		locator := newSimLocator(center, opts.fixInterval, rand.Float64() < opts.wander)
		api := client.New(client.Options{BaseURL: opts.server, DeviceID: device})
		visitor := &client.Visitor{
			Client:       api,
			Keeper:       keeper,
			Locator:      locator,
			Email:        fmt.Sprintf("visitor-%03d@%s", i, opts.domain),
			Fingerprint:  uuid.NewString(),
			FixTimeout:   time.Duration(settings.FixTimeoutSeconds) * time.Second,
			BusyAttempts: 5,
			BusyBackoff:  200 * time.Millisecond,
		}

		kiosk, err := api.KioskToken(ctx, opts.location)
		if err != nil {
			return fmt.Errorf("kiosk token: %w", err)
		}
		resp, err := visitor.CheckIn(ctx, opts.location, kiosk.Token)
		if err != nil {
			log.Printf("check-in failed device=%s: %v", device, err)
			continue
		}
		checkedIn++
		log.Printf("checked in device=%s ticket_id=%s number=%d outcome=%s rank=%d", device, resp.Ticket.TicketID, resp.Ticket.QueueNumber, resp.Outcome, resp.View.Rank)

		monitor := visitor.Monitor(resp, simPrompter{confirm: opts.confirm})
		if err := supervisor.Start(ctx, monitor); err != nil {
			log.Printf("monitor start failed ticket_id=%s: %v", resp.Ticket.TicketID, err)
		}
	}

	log.Printf("simulation running visitors=%d checked_in=%d", opts.visitors, checkedIn)
	<-ctx.Done()
	supervisor.Close()
	supervisor.Wait()

	mu.Lock()
	defer mu.Unlock()
	log.Printf("simulation finished geofence=%d inactivity=%d ended=%d stopped=%d",
		outcomes[presence.CauseGeofence], outcomes[presence.CauseInactivity], outcomes[presence.CauseEnded], outcomes[presence.CauseStopped])
	return nil
}

// simLocator reports fixes jittered around the fence centre. A wandering
// device starts walking north after a random delay.
type simLocator struct {
	center   models.Geofence
	interval time.Duration
	start    time.Time
	leaveAt  time.Duration
}

func newSimLocator(center models.Geofence, interval time.Duration, wanders bool) *simLocator {
	l := &simLocator{center: center, interval: interval, start: time.Now()}
	if wanders {
		l.leaveAt = time.Duration(30+rand.IntN(150)) * time.Second
	}
	return l
}

func (l *simLocator) position() models.Position {
	fix := models.Position{
		Lat:      l.center.Lat + (rand.Float64()-0.5)*0.0006,
		Lon:      l.center.Lon + (rand.Float64()-0.5)*0.0006,
		Accuracy: 5 + rand.Float64()*25,
		At:       time.Now().UTC(),
	}
	if l.leaveAt > 0 {
		if away := time.Since(l.start) - l.leaveAt; away > 0 {
			// Roughly 1.4 m/s walking pace.
			fix.Lat += away.Seconds() * 1.4 / 111_320
		}
	}
	return fix
}

func (l *simLocator) Current(ctx context.Context) (models.Position, error) {
	return l.position(), nil
}

func (l *simLocator) Watch(ctx context.Context) (<-chan models.Position, error) {
	out := make(chan models.Position)
	go func() {
		defer close(out)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- l.position():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type simPrompter struct {
	confirm float64
}

func (p simPrompter) Confirm(ctx context.Context) bool {
	return rand.Float64() < p.confirm
}
