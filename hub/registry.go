package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/metrics"
	"github.com/room4-2/voicebridge/wyoming"
)

// Registry tracks all live hub links. Broadcast iterates over a snapshot so
// links may remove themselves concurrently; per-link send failures are
// swallowed and the offending link dropped.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*Link
	log   *zap.Logger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		links: make(map[string]*Link),
		log:   logger.With(zap.String("component", "hub_registry")),
	}
}

// Add registers a link.
func (r *Registry) Add(l *Link) {
	r.mu.Lock()
	r.links[l.ID] = l
	n := len(r.links)
	r.mu.Unlock()
	metrics.ActiveHubLinks.Set(float64(n))
	r.log.Info("hub link registered", zap.String("link", l.ID[:8]), zap.Int("total", n))
}

// Remove drops a link; it does not close it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.links[id]
	delete(r.links, id)
	n := len(r.links)
	r.mu.Unlock()
	if existed {
		metrics.ActiveHubLinks.Set(float64(n))
		r.log.Info("hub link removed", zap.String("link", id[:8]), zap.Int("total", n))
	}
}

// Count returns the number of registered links.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// snapshot returns the current links without holding the lock during sends.
func (r *Registry) snapshot() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	return links
}

// Broadcast sends ev to every registered link, best-effort: a failing link is
// removed and the fan-out continues.
func (r *Registry) Broadcast(ev *wyoming.Event) {
	for _, l := range r.snapshot() {
		if err := l.Send(ev); err != nil {
			metrics.BroadcastFailures.WithLabelValues("hub").Inc()
			r.log.Warn("broadcast send failed, dropping link",
				zap.String("link", l.ID[:8]), zap.String("type", ev.Type), zap.Error(err))
			l.Close()
			r.Remove(l.ID)
		}
	}
}

// CloseAll closes every link and waits up to timeout for their read loops to
// unwind. Stragglers are abandoned; shutdown makes forced progress.
func (r *Registry) CloseAll(timeout time.Duration) {
	links := r.snapshot()
	for _, l := range links {
		l.Close()
	}

	deadline := time.After(timeout)
	for _, l := range links {
		select {
		case <-l.Done():
		case <-deadline:
			r.log.Warn("timeout waiting for hub links to close")
			return
		}
	}
}
