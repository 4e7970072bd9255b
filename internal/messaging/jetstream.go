package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const eventsStream = "LEMS_EVENTS"

// EnsureStreams creates (or validates) the durable event stream the
// relay publishes to and the data sink consumes from:
// - lems.event.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(eventsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      eventsStream,
				Subjects:  []string{"lems.event.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
