package statebus

import (
	"context"
	"log"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/stream"
)

type publisher interface {
	Publish(ctx context.Context, ev stream.Event) error
}

// Bridge forwards hub events to a publisher until ctx is cancelled or
// the hub closes the subscription. Publish failures are logged and
// skipped; the bus is a best-effort mirror of the registry, the
// registry itself stays the source of truth.
func Bridge(ctx context.Context, hub *stream.Hub, pub publisher) {
	sub := hub.Subscribe(64)
	defer hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := pub.Publish(ctx, ev); err != nil {
				log.Printf("statebus: publish %s: %v", ev.Type, err)
			}
		}
	}
}
