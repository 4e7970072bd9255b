package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/contracts"
	"github.com/lems-live/project/internal/sharding"
)

type capturingPublisher struct {
	mu       sync.Mutex
	messages []publishedMsg
	failures int
	notify   chan struct{}
}

type publishedMsg struct {
	Subject string
	MsgID   string
	Payload []byte
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{notify: make(chan struct{}, 64)}
}

func (p *capturingPublisher) publish(subject, msgID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, publishedMsg{Subject: subject, MsgID: msgID, Payload: payload})
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *capturingPublisher) snapshot() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.messages...)
}

func (p *capturingPublisher) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		have := len(p.messages)
		p.mu.Unlock()
		if have >= n {
			return
		}
		select {
		case <-p.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d published messages, have %d", n, have)
		}
	}
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng := engine.New(8)
	err := eng.RegisterDivision(engine.DivisionSetup{
		DivisionID: "div-1",
		Matches: []contracts.Match{
			{ID: "m1", TableID: "table-1", TeamID: "team-1", Stage: contracts.StageRanking},
		},
	})
	if err != nil {
		t.Fatalf("RegisterDivision: %v", err)
	}
	return eng
}

func TestRelay_ForwardsInDivisionOrder(t *testing.T) {
	eng := newTestEngine(t)
	pub := newCapturingPublisher()

	r := New(eng, pub.publish)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	if _, err := eng.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := eng.ActivateMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := eng.CompleteMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	pub.waitFor(t, 3)
	cancel()
	<-done

	wantSubject := sharding.EventSubject("div-1")
	msgs := pub.snapshot()
	for i, msg := range msgs[:3] {
		if msg.Subject != wantSubject {
			t.Fatalf("message %d on subject %q, want %q", i, msg.Subject, wantSubject)
		}
		if msg.MsgID == "" {
			t.Fatalf("message %d missing dedupe id", i)
		}
	}
}

func TestRelay_RetriesBrokerFailures(t *testing.T) {
	eng := newTestEngine(t)
	pub := newCapturingPublisher()
	pub.failures = 2

	r := New(eng, pub.publish)
	r.RetryDelay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if _, err := eng.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load: %v", err)
	}

	pub.waitFor(t, 1)
	msgs := pub.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected the event to land exactly once, got %d", len(msgs))
	}
}
