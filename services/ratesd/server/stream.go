package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ratecontrol/core/events"
	"ratecontrol/core/types"
	"ratecontrol/observability"
)

const wsWriteTimeout = 10 * time.Second

// Hub fans controller events out to websocket subscribers. Subscribers that
// fall behind lose events rather than stall the controller.
type Hub struct {
	mu     sync.Mutex
	buffer int
	subs   map[chan *types.Event]struct{}
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[chan *types.Event]struct{})}
}

type renderable interface {
	Event() *types.Event
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	r, ok := evt.(renderable)
	if !ok {
		return
	}
	rendered := r.Event()
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- rendered:
		default:
		}
	}
}

// Subscribe registers a subscriber. The cancel func must be called once.
func (h *Hub) Subscribe() (<-chan *types.Event, func()) {
	ch := make(chan *types.Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	entity := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("entity")))
	if entity != "" {
		parsed, err := parseEntity(entity)
		if err != nil {
			writeError(w, err)
			return
		}
		entity = strings.ToLower(parsed.Hex())
	}
	kinds := map[string]struct{}{}
	for _, kind := range strings.Split(r.URL.Query().Get("types"), ",") {
		if trimmed := strings.TrimSpace(kind); trimmed != "" {
			kinds[trimmed] = struct{}{}
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.hub.Subscribe()
	defer cancel()
	observability.API().StreamOpened()
	defer observability.API().StreamClosed()
	if err := streamEvents(ctx, conn, updates, entity, kinds); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event, entity string, kinds map[string]struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if entity != "" && evt.Attribute("entity") != entity {
				continue
			}
			if len(kinds) > 0 {
				if _, wanted := kinds[evt.Type]; !wanted {
					continue
				}
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
