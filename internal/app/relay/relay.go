package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/platform/metrics"
	"github.com/lems-live/project/internal/sharding"
)

// PublishFunc publishes one event payload to the durable stream. msgID
// is the engine event id; the broker deduplicates on it, so republishes
// after a resync are harmless.
type PublishFunc func(subject, msgID string, payload []byte) error

// Relay tails every division's firehose and forwards the events to the
// durable broker stream. It is just another subscriber to the engine:
// if it falls behind it is cut off like anyone else and resumes from
// its cursor, so a slow broker never stalls command processing.
type Relay struct {
	Engine  *engine.Engine
	Publish PublishFunc

	// RetryDelay paces publish retries when the broker is down.
	RetryDelay time.Duration
}

func New(eng *engine.Engine, publish PublishFunc) *Relay {
	return &Relay{
		Engine:     eng,
		Publish:    publish,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Run forwards events for all registered divisions until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, divisionID := range r.Engine.Divisions() {
		wg.Add(1)
		go func(divisionID string) {
			defer wg.Done()
			r.runDivision(ctx, divisionID)
		}(divisionID)
	}
	wg.Wait()
}

func (r *Relay) runDivision(ctx context.Context, divisionID string) {
	subject := sharding.EventSubject(divisionID)
	var cursor uint64

	for ctx.Err() == nil {
		sub, err := r.Engine.Subscribe(ctx, engine.Topic{DivisionID: divisionID}, cursor)
		if err != nil {
			log.Printf("relay: subscribe %s: %v", divisionID, err)
			return
		}

		for ev := range sub.C {
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("relay: marshal event %s: %v", ev.EventID, err)
				continue
			}
			if !r.publishWithRetry(ctx, subject, ev.EventID, payload) {
				sub.Close()
				return
			}
			cursor = ev.Seq
			metrics.RelayPublished.Inc()
		}
		if ctx.Err() != nil {
			return
		}
		// Cut off for falling behind; resubscribe from the last
		// published seq and let replay fill the hole.
		metrics.RelayResyncs.Inc()
	}
}

func (r *Relay) publishWithRetry(ctx context.Context, subject, msgID string, payload []byte) bool {
	for {
		err := r.Publish(subject, msgID, payload)
		if err == nil {
			return true
		}
		log.Printf("relay: publish %s: %v", subject, err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.RetryDelay):
		}
	}
}
