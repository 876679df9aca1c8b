package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/streampulse/streampulse/internal/app/domain/event"
)

// Window is a named sliding buffer over recent events (§3 TimeWindow).
// Mutation happens only from the processor's loop; Count/Snapshot take a
// lock so concurrent rule evaluation observes a consistent view, per §5.
type Window struct {
	Name  string
	Size  time.Duration
	Slide time.Duration

	mu     sync.Mutex
	events []event.Event
}

// NewWindow validates size/slide per the §8 boundary behavior ("a window
// whose size < slide is rejected at registration") and returns a ready buffer.
func NewWindow(name string, size, slide time.Duration) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window %q: size must be positive", name)
	}
	if slide <= 0 {
		slide = size
	}
	if size < slide {
		return nil, fmt.Errorf("window %q: size (%s) must be >= slide (%s)", name, size, slide)
	}
	return &Window{Name: name, Size: size, Slide: slide}, nil
}

// Append adds an event to the window. Amortized O(1); eviction happens on
// access, not on append, per §3.
func (w *Window) Append(e event.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

// evictLocked drops events older than now-size. Caller must hold w.mu.
func (w *Window) evictLocked(now time.Time) {
	cutoff := now.Add(-w.Size)
	idx := 0
	for idx < len(w.events) && w.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.events = append([]event.Event(nil), w.events[idx:]...)
	}
}

// Count returns the number of events currently within the window at `now`.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	return len(w.events)
}

// Snapshot returns a defensive copy of the events currently in the window.
func (w *Window) Snapshot(now time.Time) []event.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	out := make([]event.Event, len(w.events))
	copy(out, w.events)
	return out
}

// Registry holds the named windows the processor maintains (§4.D default
// set: 1min/60s, 5min/300s, 1hour/3600s, plus any hot-loaded windows).
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*Window
}

func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Window)}
}

// DefaultRegistry builds the processor's default window set.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	defaults := []struct {
		name string
		size time.Duration
	}{
		{"1min", time.Minute},
		{"5min", 5 * time.Minute},
		{"1hour", time.Hour},
	}
	for _, d := range defaults {
		if err := r.Register(d.name, d.size, d.size); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(name string, size, slide time.Duration) error {
	w, err := NewWindow(name, size, slide)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[name] = w
	return nil
}

func (r *Registry) Get(name string) (*Window, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[name]
	return w, ok
}

// AppendAll appends the event to every registered window (§4.D step 1).
func (r *Registry) AppendAll(e event.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.windows {
		w.Append(e)
	}
}

// Counts returns the current count of every window at `now`, used to build
// a predicate.Context.
func (r *Registry) Counts(now time.Time) map[string]int {
	r.mu.RLock()
	names := make([]*Window, 0, len(r.windows))
	for _, w := range r.windows {
		names = append(names, w)
	}
	r.mu.RUnlock()

	out := make(map[string]int, len(names))
	for _, w := range names {
		out[w.Name] = w.Count(now)
	}
	return out
}

// Names returns the registered window names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.windows))
	for name := range r.windows {
		names = append(names, name)
	}
	return names
}
