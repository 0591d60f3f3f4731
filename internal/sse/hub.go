package sse

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Hub fans queue updates out to waiting-room display clients. It is an
// explicit registry passed by reference to the handlers that need it; all
// membership changes go through the mutex, and Close drains the registry so
// the server's graceful shutdown releases every open stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id string
	ch chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
	}
}

// add registers a client. It reports false once the hub has been closed.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c.id] = c
	log.Printf("sse client connected: %s", c.id)
	return true
}

// remove drops a client and closes its channel. Safe to call after Close has
// already drained the registry.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.ch)
	}
	log.Printf("sse client disconnected: %s", c.id)
}

// Close rejects new connections and closes every client channel, which ends
// their ServeHTTP loops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.ch)
	}
	log.Println("sse hub closed")
}

// Broadcast sends an event to every connected display. Slow clients are
// skipped rather than blocking the queue transition that triggered the
// broadcast.
func (h *Hub) Broadcast(eventType string, data any) {
	event := map[string]any{
		"type": eventType,
		"data": data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("error marshaling sse event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.ch <- payload:
		default:
			log.Printf("sse client buffer full: %s", c.id)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	c := &client{
		id: fmt.Sprintf("%d", time.Now().UnixNano()),
		ch: make(chan []byte, 10),
	}

	if !h.add(c) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", c.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case data, open := <-c.ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
