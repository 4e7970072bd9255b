package engine

import (
	"context"
	"testing"

	"github.com/lems-live/project/internal/contracts"
)

// drain reads everything currently buffered on the subscription without
// blocking. Dispatch happens synchronously inside the command path, so
// anything published before the call is already in the channel.
func drain(sub *Subscription) []contracts.Event {
	var out []contracts.Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// A client that saw versions 1..5, dropped, and resubscribes from 5 gets
// 6..9 replayed and then the live feed, with no duplicate and no gap.
func TestSubscribe_ReplayThenLive(t *testing.T) {
	e := newTestEngine(t)

	targets := []string{
		contracts.ScoresheetStatusInProgress,
		contracts.ScoresheetStatusCompleted,
		contracts.ScoresheetStatusWaitingForGP,
		contracts.ScoresheetStatusReady,
	}
	advance := func() {
		t.Helper()
		for _, target := range targets {
			if _, err := e.UpdateScoresheetStatus("div-1", "ss1", target, 0); err != nil {
				t.Fatalf("step %s: %v", target, err)
			}
		}
		if _, err := e.ResetScoresheet("div-1", "ss1", 0); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}

	advance() // versions 1..5

	sub, err := e.Subscribe(context.Background(), Topic{Kind: contracts.KindScoresheet, AggregateID: "ss1"}, 5)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	advance() // versions 6..10, live

	got := drain(sub)
	if len(got) != 5 {
		t.Fatalf("expected versions 6..10, got %d events", len(got))
	}
	for i, ev := range got {
		if want := uint64(6 + i); ev.Version != want {
			t.Fatalf("event %d: version %d, want %d", i, ev.Version, want)
		}
	}
}

// Subscribing from zero before any event is equivalent to replaying the
// whole history afterwards.
func TestSubscribe_LiveEqualsReplay(t *testing.T) {
	e := newTestEngine(t)
	topic := Topic{DivisionID: "div-1"}

	live, err := e.Subscribe(context.Background(), topic, 0)
	if err != nil {
		t.Fatalf("Subscribe live: %v", err)
	}
	defer live.Close()

	driveDivision(t, e)

	catchup, err := e.Subscribe(context.Background(), topic, 0)
	if err != nil {
		t.Fatalf("Subscribe catch-up: %v", err)
	}
	defer catchup.Close()

	liveEvents, replayEvents := drain(live), drain(catchup)
	if len(liveEvents) == 0 || len(liveEvents) != len(replayEvents) {
		t.Fatalf("stream lengths differ: live %d, replay %d", len(liveEvents), len(replayEvents))
	}
	for i := range liveEvents {
		if liveEvents[i].EventID != replayEvents[i].EventID || liveEvents[i].Seq != replayEvents[i].Seq {
			t.Fatalf("streams diverge at %d: live %+v, replay %+v", i, liveEvents[i], replayEvents[i])
		}
	}
	for i := 1; i < len(liveEvents); i++ {
		if liveEvents[i].Seq != liveEvents[i-1].Seq+1 {
			t.Fatalf("seq gap between %d and %d", liveEvents[i-1].Seq, liveEvents[i].Seq)
		}
	}
}

func TestSubscribe_BroadTopicFiltersKind(t *testing.T) {
	e := newTestEngine(t)

	sub, err := e.Subscribe(context.Background(), Topic{DivisionID: "div-1", Kind: contracts.KindMatch}, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	driveDivision(t, e)

	for _, ev := range drain(sub) {
		if ev.AggregateKind != contracts.KindMatch {
			t.Fatalf("non-match event on match topic: %+v", ev)
		}
	}
}

// A subscriber that stops reading is disconnected, never buffered without
// bound; resubscribing from its last cursor covers the hole.
func TestSubscribe_DropAndResync(t *testing.T) {
	e := newTestEngine(t)
	e.dispatcher.queueSize = 2

	sub, err := e.Subscribe(context.Background(), Topic{DivisionID: "div-1"}, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	driveDivision(t, e) // more events than the queue holds

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected the 2 queued events before the cut, got %d", len(got))
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after the drop")
	}

	lastSeen := got[len(got)-1].Seq
	resync, err := e.Subscribe(context.Background(), Topic{DivisionID: "div-1"}, lastSeen)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer resync.Close()

	head, err := e.log.LastSeq("div-1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	events := drain(resync)
	if len(events) == 0 || events[0].Seq != lastSeen+1 || events[len(events)-1].Seq != head {
		t.Fatalf("resync did not cover the hole: %d events after seq %d, head %d", len(events), lastSeen, head)
	}
}

func TestSubscribe_ContextTeardown(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := e.Subscribe(ctx, Topic{DivisionID: "div-1"}, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cancel()
	for range sub.C {
	}
	// Channel closed; publishing afterwards must not panic.
	if _, err := e.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load after teardown: %v", err)
	}
}

func TestSubscribe_UnknownTopic(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Subscribe(context.Background(), Topic{Kind: contracts.KindMatch, AggregateID: "m9"}, 0); err == nil {
		t.Fatal("expected error for unknown aggregate")
	}
	if _, err := e.Subscribe(context.Background(), Topic{DivisionID: "div-9"}, 0); err == nil {
		t.Fatal("expected error for unknown division")
	}
}
