package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/contracts"
	platformauth "github.com/lems-live/project/internal/platform/auth"
)

// Handler serves the division event stream over SSE. A client names a
// topic (division, optionally narrowed by kind or by kind+aggregate)
// and a cursor; it gets replay from the cursor and then live events on
// one connection. When the server cuts a slow consumer off, the client
// reconnects with its last seen id and the replay covers the hole.
type Handler struct {
	Engine       *engine.Engine
	TokenManager platformauth.Manager

	// HeartbeatInterval keeps proxies from idling the connection out.
	HeartbeatInterval time.Duration

	streams *volunteerStreamRegistry
}

func NewHandler(eng *engine.Engine, tokenManager platformauth.Manager) *Handler {
	return &Handler{
		Engine:            eng,
		TokenManager:      tokenManager,
		HeartbeatInterval: 25 * time.Second,
		streams:           newVolunteerStreamRegistry(),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/events", h.handleEvents)
	mux.HandleFunc("/events/disconnect", h.handleDisconnect)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	claims, ok := h.claimsFromRequest(w, r)
	if !ok {
		return
	}

	topic, from, err := topicFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Narrow topics name no division, so resolve the aggregate's
	// before the claims check: the topic shape must not widen access.
	authDivision := topic.DivisionID
	if topic.AggregateID != "" {
		authDivision, err = h.Engine.DivisionOf(topic.Kind, topic.AggregateID)
		if err != nil {
			http.Error(w, "unknown aggregate", http.StatusNotFound)
			return
		}
	}
	if !claims.InDivision(authDivision) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	streamCtx, cancelStream := context.WithCancel(r.Context())
	streamID := fmt.Sprintf("%d", time.Now().UnixNano())
	if cancelPrev := h.streams.Replace(claims.Subject, streamID, cancelStream); cancelPrev != nil {
		cancelPrev()
	}
	defer h.streams.Release(claims.Subject, streamID)
	defer cancelStream()

	sub, err := h.Engine.Subscribe(streamCtx, topic, from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-streamCtx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				// Fell behind and was cut off. Tell the client to come
				// back with its last seen id.
				fmt.Fprint(w, "event: resync\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeEvent(w, sub.Topic, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := h.claimsFromRequest(w, r)
	if !ok {
		return
	}
	h.streams.Cancel(claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

// claimsFromRequest accepts the token in the Authorization header or,
// for EventSource clients that cannot set headers, a query parameter.
func (h *Handler) claimsFromRequest(w http.ResponseWriter, r *http.Request) (platformauth.Claims, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	claims, err := h.TokenManager.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	return claims, true
}

func topicFromQuery(r *http.Request) (engine.Topic, uint64, error) {
	q := r.URL.Query()
	topic := engine.Topic{
		DivisionID:  strings.TrimSpace(q.Get("division_id")),
		Kind:        contracts.Kind(strings.TrimSpace(q.Get("kind"))),
		AggregateID: strings.TrimSpace(q.Get("aggregate_id")),
	}
	if topic.AggregateID != "" {
		if topic.Kind == "" {
			return engine.Topic{}, 0, fmt.Errorf("kind is required with aggregate_id")
		}
		// Narrow subscriptions replay by aggregate version; the
		// division is implied by the aggregate.
		topic.DivisionID = ""
	} else if topic.DivisionID == "" {
		return engine.Topic{}, 0, fmt.Errorf("division_id is required")
	}

	var from uint64
	// Last-Event-ID wins over the query parameter on reconnect.
	rawFrom := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if rawFrom == "" {
		rawFrom = strings.TrimSpace(q.Get("from"))
	}
	if rawFrom != "" {
		parsed, err := strconv.ParseUint(rawFrom, 10, 64)
		if err != nil {
			return engine.Topic{}, 0, fmt.Errorf("invalid cursor %q", rawFrom)
		}
		from = parsed
	}
	return topic, from, nil
}

func writeEvent(w http.ResponseWriter, topic engine.Topic, ev contracts.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cursor := ev.Seq
	if topic.AggregateID != "" {
		cursor = ev.Version
	}
	_, err = fmt.Fprintf(w, "event: division-event\nid: %d\ndata: %s\n\n", cursor, payload)
	return err
}

// volunteerStreamRegistry enforces one live stream per volunteer: a new
// connection replaces the previous one instead of stacking up behind a
// tab the user forgot about.
type volunteerStreamLease struct {
	id     string
	cancel context.CancelFunc
}

type volunteerStreamRegistry struct {
	mu          sync.Mutex
	byVolunteer map[string]volunteerStreamLease
}

func newVolunteerStreamRegistry() *volunteerStreamRegistry {
	return &volunteerStreamRegistry{byVolunteer: make(map[string]volunteerStreamLease)}
}

func (r *volunteerStreamRegistry) Replace(volunteerID, streamID string, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prevCancel context.CancelFunc
	if current, ok := r.byVolunteer[volunteerID]; ok {
		prevCancel = current.cancel
	}
	r.byVolunteer[volunteerID] = volunteerStreamLease{id: streamID, cancel: cancel}
	return prevCancel
}

func (r *volunteerStreamRegistry) Release(volunteerID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byVolunteer[volunteerID]
	if !ok {
		return
	}
	if current.id != streamID {
		return
	}
	delete(r.byVolunteer, volunteerID)
}

func (r *volunteerStreamRegistry) Cancel(volunteerID string) {
	r.mu.Lock()
	lease, ok := r.byVolunteer[volunteerID]
	if ok {
		delete(r.byVolunteer, volunteerID)
	}
	r.mu.Unlock()

	if ok && lease.cancel != nil {
		lease.cancel()
	}
}
