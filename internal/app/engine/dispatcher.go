package engine

import (
	"context"
	"sync"

	"github.com/lems-live/project/internal/contracts"
	"github.com/lems-live/project/internal/platform/metrics"
)

// Topic addresses a slice of the event stream.
//
//   - narrow:   Kind + AggregateID, replayed by aggregate version
//     (one deliberation, one scoresheet)
//   - broad:    DivisionID + Kind, replayed by division seq
//     (all match events in a division)
//   - firehose: DivisionID only, replayed by division seq
//     (everything in a division; the relay and status board use this)
type Topic struct {
	DivisionID  string
	Kind        contracts.Kind
	AggregateID string
}

func (t Topic) narrow() bool { return t.AggregateID != "" }

// cursor is the replay coordinate of an event on this topic.
func (t Topic) cursor(ev contracts.Event) uint64 {
	if t.narrow() {
		return ev.Version
	}
	return ev.Seq
}

// Subscription is an open-ended event sequence. C is closed either on
// teardown or when the subscriber falls too far behind; in the latter
// case the client resubscribes from its last seen cursor and replay
// covers the hole.
type Subscription struct {
	Topic Topic
	C     <-chan contracts.Event

	d      *Dispatcher
	id     uint64
	ch     chan contracts.Event
	cursor uint64
	closed bool
}

// Close tears the subscription down and releases its queue. Safe to call
// more than once; pending mutations are never owned by a subscription,
// so closing never aborts in-flight writes.
func (s *Subscription) Close() {
	s.d.unsubscribe(s)
}

// Dispatcher fans appended events out to subscribed channels and serves
// catch-up replay from the log. Delivery never blocks a writer: each
// subscriber has a bounded queue and is cut off (drop-and-resync) when
// the queue fills.
type Dispatcher struct {
	log       *Log
	queueSize int

	mu     sync.Mutex
	nextID uint64
	topics map[Topic]map[uint64]*Subscription
}

const defaultQueueSize = 64

func NewDispatcher(log *Log, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		log:       log,
		queueSize: queueSize,
		topics:    map[Topic]map[uint64]*Subscription{},
	}
}

// Subscribe drains replay for events past `from`, then switches to live
// forwarding with no gap: the replayed events are preloaded into the
// channel and a cursor watermark filters out any event that raced in
// during the handover. Cancelling ctx tears the subscription down.
func (d *Dispatcher) Subscribe(ctx context.Context, topic Topic, from uint64) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	replay, err := d.replayLocked(topic, from)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		Topic:  topic,
		d:      d,
		ch:     make(chan contracts.Event, len(replay)+d.queueSize),
		cursor: from,
	}
	sub.C = sub.ch
	for _, ev := range replay {
		sub.ch <- ev
		sub.cursor = topic.cursor(ev)
	}
	metrics.StreamReplayEvents.Add(float64(len(replay)))

	d.nextID++
	sub.id = d.nextID
	subs, ok := d.topics[topic]
	if !ok {
		subs = map[uint64]*Subscription{}
		d.topics[topic] = subs
	}
	subs[sub.id] = sub
	metrics.StreamSubscribers.Inc()

	if ctx != nil {
		go func() {
			<-ctx.Done()
			d.unsubscribe(sub)
		}()
	}
	return sub, nil
}

func (d *Dispatcher) replayLocked(topic Topic, from uint64) ([]contracts.Event, error) {
	if topic.narrow() {
		return d.log.Replay(topic.Kind, topic.AggregateID, from)
	}
	return d.log.ReplayDivision(topic.DivisionID, topic.Kind, from)
}

// Publish forwards one appended event to every matching topic. Callers
// (the engine append path) invoke it synchronously and in division
// order. A full queue disconnects the subscriber instead of stalling the
// writer or buffering without bound.
func (d *Dispatcher) Publish(ev contracts.Event) {
	targets := []Topic{
		{Kind: ev.AggregateKind, AggregateID: ev.AggregateID},
		{DivisionID: ev.DivisionID, Kind: ev.AggregateKind},
		{DivisionID: ev.DivisionID},
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, topic := range targets {
		for _, sub := range d.topics[topic] {
			cursor := topic.cursor(ev)
			if cursor <= sub.cursor {
				// Already delivered during replay handover.
				continue
			}
			select {
			case sub.ch <- ev:
				sub.cursor = cursor
			default:
				d.dropLocked(sub)
				metrics.StreamDropped.Inc()
			}
		}
	}
}

func (d *Dispatcher) dropLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(d.topics[sub.Topic], sub.id)
	if len(d.topics[sub.Topic]) == 0 {
		delete(d.topics, sub.Topic)
	}
	close(sub.ch)
	metrics.StreamSubscribers.Dec()
}

func (d *Dispatcher) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(sub)
}
