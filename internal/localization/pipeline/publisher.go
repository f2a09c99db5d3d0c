package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/dynamic-localization/internal/localization"
)

// subscriberBuffer is the per-subscriber channel depth. Records beyond it
// are dropped for that subscriber only.
const subscriberBuffer = 16

// Publisher fans Diagnostics out to any number of subscribers without
// blocking the processing cycle.
type Publisher struct {
	subscribers  map[string]chan localization.Diagnostics
	subscriberMu sync.Mutex
	closing      bool
}

// NewPublisher returns a publisher with no subscribers.
func NewPublisher() *Publisher {
	return &Publisher{subscribers: make(map[string]chan localization.Diagnostics)}
}

// Subscribe registers a new subscriber. The id is used to Unsubscribe.
func (p *Publisher) Subscribe() (string, <-chan localization.Diagnostics) {
	id := uuid.NewString()
	ch := make(chan localization.Diagnostics, subscriberBuffer)
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	if p.closing {
		close(ch)
		return id, ch
	}
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

// Subscribers is the number of active subscribers.
func (p *Publisher) Subscribers() int {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	return len(p.subscribers)
}

// Publish delivers d to every subscriber with room in its buffer.
func (p *Publisher) Publish(d localization.Diagnostics) {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- d:
		default:
			// slow subscriber; skip rather than stall the cycle
		}
	}
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (p *Publisher) Close() error {
	p.subscriberMu.Lock()
	defer p.subscriberMu.Unlock()
	p.closing = true
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
	return nil
}

// AttachAdminRoutes serves a Server-Sent Events tail of diagnostics under
// /debug/localization/tail.
func (p *Publisher) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("localization/tail", func(w http.ResponseWriter, r *http.Request) {
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
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := p.Subscribe()
		defer p.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case d, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(d)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
