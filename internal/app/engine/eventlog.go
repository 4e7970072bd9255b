package engine

import (
	"sync"

	"github.com/lems-live/project/internal/contracts"
)

type aggKey struct {
	Kind contracts.Kind
	ID   string
}

// divisionLog holds the ordered event history of one division: the
// per-aggregate slices enforce the gapless version sequence, while the
// stream slice provides the division-wide order broad subscribers and
// projection rebuilds replay by.
type divisionLog struct {
	mu         sync.Mutex
	stream     []contracts.Event
	aggregates map[aggKey][]contracts.Event
}

// Log is the append-only source of truth for a running event. The full
// history is retained in memory for the lifetime of the event so any
// client can replay from an arbitrary last-seen version; durable copies
// are the data-sink's concern.
type Log struct {
	mu        sync.RWMutex
	divisions map[string]*divisionLog
	index     map[aggKey]string

	// onAppend is invoked synchronously after every successful append,
	// in division order as long as callers serialize appends per
	// division (the engine does).
	onAppend func(contracts.Event)
}

func NewLog() *Log {
	return &Log{
		divisions: map[string]*divisionLog{},
		index:     map[aggKey]string{},
	}
}

// OnAppend installs the append hook. Must be set before the first append.
func (l *Log) OnAppend(fn func(contracts.Event)) {
	l.onAppend = fn
}

// Register creates the empty history for an aggregate at version 0.
func (l *Log) Register(divisionID string, kind contracts.Kind, id string) {
	key := aggKey{Kind: kind, ID: id}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.divisions[divisionID]
	if !ok {
		d = &divisionLog{aggregates: map[aggKey][]contracts.Event{}}
		l.divisions[divisionID] = d
	}
	if _, ok := d.aggregates[key]; !ok {
		d.aggregates[key] = nil
	}
	l.index[key] = divisionID
}

func (l *Log) division(divisionID string) (*divisionLog, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.divisions[divisionID]
	return d, ok
}

// Append applies the optimistic-concurrency check: the event's version
// must be exactly one past the aggregate's current version, otherwise
// the caller lost a race and gets ErrConflict. On success the event is
// stamped with the next division seq and the append hook fires before
// Append returns, so subscribers never observe a gap between "append
// succeeded" and "event delivered".
func (l *Log) Append(ev contracts.Event) (contracts.Event, error) {
	d, ok := l.division(ev.DivisionID)
	if !ok {
		return contracts.Event{}, ErrNotFound
	}
	key := aggKey{Kind: ev.AggregateKind, ID: ev.AggregateID}

	d.mu.Lock()
	history, ok := d.aggregates[key]
	if !ok {
		d.mu.Unlock()
		return contracts.Event{}, ErrNotFound
	}
	if ev.Version != uint64(len(history))+1 {
		d.mu.Unlock()
		return contracts.Event{}, ErrConflict
	}
	ev.Seq = uint64(len(d.stream)) + 1
	d.aggregates[key] = append(history, ev)
	d.stream = append(d.stream, ev)
	d.mu.Unlock()

	if l.onAppend != nil {
		l.onAppend(ev)
	}
	return ev, nil
}

// DivisionOf reports which division an aggregate is registered in.
func (l *Log) DivisionOf(kind contracts.Kind, id string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	divisionID, ok := l.index[aggKey{Kind: kind, ID: id}]
	if !ok {
		return "", ErrNotFound
	}
	return divisionID, nil
}

// CurrentVersion reports the version of the last appended event, 0 when
// the aggregate has no events yet.
func (l *Log) CurrentVersion(kind contracts.Kind, id string) (uint64, error) {
	key := aggKey{Kind: kind, ID: id}

	l.mu.RLock()
	divisionID, ok := l.index[key]
	l.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	d, ok := l.division(divisionID)
	if !ok {
		return 0, ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.aggregates[key])), nil
}

// Replay returns the aggregate's events with version > fromVersion, in
// version order.
func (l *Log) Replay(kind contracts.Kind, id string, fromVersion uint64) ([]contracts.Event, error) {
	key := aggKey{Kind: kind, ID: id}

	l.mu.RLock()
	divisionID, ok := l.index[key]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := l.division(divisionID)
	if !ok {
		return nil, ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	history := d.aggregates[key]
	if fromVersion >= uint64(len(history)) {
		return nil, nil
	}
	out := make([]contracts.Event, len(history)-int(fromVersion))
	copy(out, history[fromVersion:])
	return out, nil
}

// ReplayDivision returns the division's events with seq > fromSeq in
// stream order, optionally filtered to one aggregate kind. An empty kind
// replays the whole division stream.
func (l *Log) ReplayDivision(divisionID string, kind contracts.Kind, fromSeq uint64) ([]contracts.Event, error) {
	d, ok := l.division(divisionID)
	if !ok {
		return nil, ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if fromSeq >= uint64(len(d.stream)) {
		return nil, nil
	}
	out := make([]contracts.Event, 0, len(d.stream)-int(fromSeq))
	for _, ev := range d.stream[fromSeq:] {
		if kind != "" && ev.AggregateKind != kind {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// LastSeq reports the seq of the division's most recent event.
func (l *Log) LastSeq(divisionID string) (uint64, error) {
	d, ok := l.division(divisionID)
	if !ok {
		return 0, ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.stream)), nil
}
