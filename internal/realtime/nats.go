package realtime

import (
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectNATS dials the event bus used to fan ticket events out to other
// services. Reconnects are unlimited; the relay keeps running while the
// connection is down and publishes are buffered by the client.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected url=%s", nc.ConnectedUrl())
		}),
	)
}
