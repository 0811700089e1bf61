package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/go-chi/chi/v5"
)

// streamMessage is one server-sent event for a plan.
type streamMessage struct {
	Type    domain.EventType
	Payload string
	// Final marks the last event of a plan run; the stream closes after it.
	Final bool
}

// StreamManager fans plan lifecycle events out to SSE subscribers.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan streamMessage]struct{} // PlanID -> set of channels
}

// NewStreamManager creates an empty manager.
func NewStreamManager() *StreamManager {
	return &StreamManager{
		subscribers: make(map[string]map[chan streamMessage]struct{}),
	}
}

// Subscribe registers a subscriber for one plan. The returned func removes it.
func (sm *StreamManager) Subscribe(planID string) (<-chan streamMessage, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan streamMessage, 16)
	if _, ok := sm.subscribers[planID]; !ok {
		sm.subscribers[planID] = make(map[chan streamMessage]struct{})
	}
	sm.subscribers[planID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[planID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(sm.subscribers, planID)
			}
		}
	}
}

// Subscribers reports how many clients follow a plan.
func (sm *StreamManager) Subscribers(planID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[planID])
}

// Broadcast sends an event to every subscriber of the plan. Slow clients whose
// buffer is full miss the event.
func (sm *StreamManager) Broadcast(planID string, typ domain.EventType, event any, final bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	subs, ok := sm.subscribers[planID]
	if !ok {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	msg := streamMessage{Type: typ, Payload: string(payload), Final: final}
	for ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Hooks returns lifecycle hooks that broadcast every plan event.
func (sm *StreamManager) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnPlanStatus: func(_ context.Context, e *domain.PlanEvent) {
			sm.Broadcast(e.PlanID, e.Type, e, e.To.IsTerminal())
		},
		OnPathAccepted: func(_ context.Context, e *domain.PathEvent) {
			sm.Broadcast(e.PlanID, e.Type, e, false)
		},
		OnExpansion: func(_ context.Context, e *domain.ExpansionEvent) {
			sm.Broadcast(e.PlanID, e.Type, e, false)
		},
		OnBranch: func(_ context.Context, e *domain.BranchEvent) {
			sm.Broadcast(e.PlanID, e.Type, e, false)
		},
	}
}

// SubscribeEvents handles GET /plans/{planID}/events (SSE). The optional
// "types" query parameter is a comma separated event type filter. The stream
// ends when the plan reaches a terminal status or the client disconnects.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	plan, err := s.Planner.GetPlan(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var filter map[domain.EventType]bool
	if types := r.URL.Query().Get("types"); types != "" {
		filter = make(map[domain.EventType]bool)
		for _, t := range strings.Split(types, ",") {
			filter[domain.EventType(strings.TrimSpace(t))] = true
		}
	}

	ch, cancel := s.Streams.Subscribe(planID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: %s\n\n", plan.Status)
	flusher.Flush()
	if plan.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			if filter == nil || filter[msg.Type] || msg.Final {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, msg.Payload)
				flusher.Flush()
			}
			if msg.Final {
				return
			}
		}
	}
}
