package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/aridsondez/leaseq/internal/log"
)

// Listener relays Postgres NOTIFY payloads (queue names) into a Hub, so
// enqueues made by other processes wake local receivers.
type Listener struct {
	l       *pq.Listener
	channel string
	hub     *Hub
}

// NewListener starts listening on channel. connString takes the URL or
// keyword/value form.
func NewListener(connString, channel string, hub *Hub) (*Listener, error) {
	l := pq.NewListener(connString, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Warnf("notify listener disconnected: %v", err)
		case pq.ListenerEventReconnected:
			log.Infof("notify listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warnf("notify listener connection attempt failed: %v", err)
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &Listener{l: l, channel: channel, hub: hub}, nil
}

// Run relays notifications until ctx is done.
func (n *Listener) Run(ctx context.Context) {
	log.Infof("notify listener started, channel: %s", n.channel)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("notify listener stopped")
			return
		case ev, ok := <-n.l.Notify:
			if !ok {
				return
			}
			if ev == nil {
				// Sent after a reconnect; anything published meanwhile is lost.
				n.hub.PublishAll()
				continue
			}
			n.hub.Publish(ev.Extra)
		case <-ping.C:
			go func() {
				if err := n.l.Ping(); err != nil {
					log.Warnf("notify listener ping: %v", err)
				}
			}()
		}
	}
}

func (n *Listener) Close() error {
	return n.l.Close()
}
