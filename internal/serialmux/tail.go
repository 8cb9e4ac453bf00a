// Package serialmux opens the byte source the sensor node writes to (a serial
// device, a TCP forwarder or a replayed fixture) and fans the node's
// diagnostic lines out to live subscribers.
package serialmux

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

// subscriberBuffer lines are queued per subscriber before lines are dropped
// for it.
const subscriberBuffer = 16

// LineTail lets multiple clients follow the diagnostic lines of the node.
// Slow subscribers miss lines; Broadcast never blocks the reader loop.
type LineTail struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewLineTail() *LineTail {
	return &LineTail{subscribers: make(map[string]chan string)}
}

// Subscribe creates a new channel for receiving lines. The channel ID is used
// to identify the unique channel when unsubscribing.
func (t *LineTail) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBuffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		// return a closed channel so callers don't block
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *LineTail) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Broadcast offers line to every subscriber.
func (t *LineTail) Broadcast(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so as not to block the reader loop
		}
	}
}

// Close closes all subscribed channels.
func (t *LineTail) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}

// AttachAdminRoutes serves the live tail as Server-Sent Events at
// /debug/tail. Debug routes are accessible only over localhost or Tailscale.
func (t *LineTail) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := t.Subscribe()
		defer t.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
