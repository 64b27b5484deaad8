package httpapi

import (
	"net/http"
	"strings"

	"qms/checkin-service/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

type RealtimeOptions struct {
	Hub           *hub.Hub
	Admin         *AdminAuth
	KnownLocation func(string) bool
	// OnSubscribe is called after a client's subscription changes so the
	// caller can push a fresh snapshot instead of waiting for the next event.
	OnSubscribe func(hub.Subscription)
}

// NewRealtimeHandler serves the SockJS feed under /realtime. Kiosks and
// visitors subscribe to one location; the "all" scope is reserved for
// clients that present the admin secret.
func NewRealtimeHandler(options RealtimeOptions) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		admin := false
		if secret := realtimeSecret(session.Request()); secret != "" {
			if err := options.Admin.Check(secret); err != nil {
				_ = session.Close(4001, "invalid admin secret")
				return
			}
			admin = true
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 32)}
		options.Hub.Register(client)
		defer options.Hub.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			sub, code, reason := subscriptionFor(parsed, admin, options.KnownLocation)
			if code != 0 {
				_ = session.Close(code, reason)
				return
			}
			options.Hub.UpdateSubscription(client, sub)
			if options.OnSubscribe != nil && (sub.All || sub.LocationID != "") {
				options.OnSubscribe(sub)
			}
		}
	})
}

// subscriptionFor turns a client message into a hub subscription. A non-zero
// code is the SockJS close code to reject the client with.
func subscriptionFor(msg hub.SubscribeMessage, admin bool, known func(string) bool) (hub.Subscription, uint32, string) {
	if msg.Action == "unsubscribe" {
		return hub.Subscription{}, 0, ""
	}
	if msg.Scope == "all" {
		if !admin {
			return hub.Subscription{}, 4003, "admin secret required"
		}
		return hub.Subscription{All: true}, 0, ""
	}
	if known != nil && !known(msg.LocationID) {
		return hub.Subscription{}, 4004, "unknown location"
	}
	return hub.Subscription{LocationID: msg.LocationID}, 0, ""
}

// realtimeSecret reads the admin secret from headers or, for browsers that
// cannot set headers on SockJS transports, the secret query parameter.
func realtimeSecret(r *http.Request) string {
	if r == nil {
		return ""
	}
	if secret := adminSecretFromRequest(r); secret != "" {
		return secret
	}
	return strings.TrimSpace(r.URL.Query().Get("secret"))
}
