package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// ErrNoChannel is returned by Push when the user has no live connection.
var ErrNoChannel = errors.New("no live channel")

// ErrChannelFull is returned by Push when every connection of the user is backed up.
var ErrChannelFull = errors.New("live channel full")

// Event is a typed real-time event pushed to connected clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type client struct {
	ch chan []byte
}

// Hub keeps the live SSE connections of each user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  *slog.Logger
	buffer  int
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
		buffer:  64,
	}
}

// Push sends evt to every connection of userID without blocking.
func (h *Hub) Push(userID string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.clients[userID]
	if len(conns) == 0 {
		return ErrNoChannel
	}
	delivered := 0
	for c := range conns {
		select {
		case c.ch <- data:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return ErrChannelFull
	}
	return nil
}

// Connected reports how many live connections userID holds.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Subscribe registers a connection for userID. The returned cancel func must be called once.
func (h *Hub) Subscribe(userID string) (<-chan []byte, func()) {
	c := &client{ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()
	return c.ch, func() {
		h.mu.Lock()
		delete(h.clients[userID], c)
		if len(h.clients[userID]) == 0 {
			delete(h.clients, userID)
		}
		h.mu.Unlock()
		close(c.ch)
	}
}

// ServeSSE streams userID's events until the request context ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cancel := h.Subscribe(userID)
	defer cancel()
	h.logger.Debug("sse connected", slog.String("user_id", userID))

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
