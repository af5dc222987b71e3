// Package health tracks every live session for idle-timeout enforcement
// and liveness reporting: one idle-monitoring goroutine per registration,
// torn down via a done channel. A timed-out session is closed by
// submitting a disconnect command rather than by calling Close directly,
// since the controller itself owns shutdown order.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/websoft9/ssh-gateway/backend/internal/session"
)

// sweepInterval is how often each registration's goroutine checks for
// inactivity.
const sweepInterval = time.Minute

// DefaultIdleTimeout is used when a Register caller passes a non-positive
// duration (settings lookup failed or returned zero).
const DefaultIdleTimeout = 30 * time.Minute

type entry struct {
	ctrl        *session.Controller
	connectedAt time.Time
	lastTouch   atomic.Int64 // unix nanoseconds
	bytesIn     *atomic.Int64
	bytesOut    *atomic.Int64
	done        chan struct{}
}

// Registry is the process-wide set of live sessions. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// countingSink decorates a session.ClientSink, tallying every SendData
// payload into an external counter so bytesOut is visible to a Snapshot
// without session or gateway importing this package.
type countingSink struct {
	session.ClientSink
	out *atomic.Int64
}

func (s countingSink) SendData(p []byte) error {
	s.out.Add(int64(len(p)))
	return s.ClientSink.SendData(p)
}

// WrapSink returns a ClientSink that counts bytes sent to the client into
// out, for inclusion in that session's Snapshot once Registered.
func WrapSink(sink session.ClientSink, out *atomic.Int64) session.ClientSink {
	return countingSink{ClientSink: sink, out: out}
}

// Register starts idle monitoring for ctrl, keyed by its session ID.
// idleTimeout is the duration of inactivity (time since the last Touch)
// after which the session is disconnected; callers resolve it from the
// session/limits settings group at connect time. bytesIn/bytesOut are
// counters the caller owns and updates (bytesIn typically via the gateway
// Pump's per-frame hook, bytesOut via WrapSink).
func (r *Registry) Register(ctrl *session.Controller, bytesIn, bytesOut *atomic.Int64, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	id := ctrl.ID()
	e := &entry{
		ctrl:        ctrl,
		connectedAt: time.Now(),
		bytesIn:     bytesIn,
		bytesOut:    bytesOut,
		done:        make(chan struct{}),
	}
	e.lastTouch.Store(time.Now().UnixNano())

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	go r.monitor(id, e, ctrl, idleTimeout)
}

func (r *Registry) monitor(id string, e *entry, ctrl *session.Controller, idleTimeout time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ctrl.Done():
			r.forget(id, e)
			return
		case <-ticker.C:
			last := time.Unix(0, e.lastTouch.Load())
			if time.Since(last) >= idleTimeout {
				r.forget(id, e)
				ctrl.Submit("disconnect", nil)
				return
			}
		}
	}
}

// Touch resets id's idle timer. Called on every inbound client frame.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		e.lastTouch.Store(time.Now().UnixNano())
	}
}

// Unregister removes id immediately, signalling its monitoring goroutine to
// exit without waiting for ctrl.Done() or the next sweep. Safe to call more
// than once for the same id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		r.forget(id, e)
	}
}

func (r *Registry) forget(id string, e *entry) {
	r.mu.Lock()
	cur, ok := r.entries[id]
	if ok && cur == e {
		delete(r.entries, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
}

// Snapshot is one session's liveness record, returned by the health route.
type Snapshot struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connectedAt"`
	BytesIn     int64     `json:"bytesIn"`
	BytesOut    int64     `json:"bytesOut"`
}

// Snapshots returns a liveness snapshot of every currently registered
// session. Reading ctrl.State() here is the observability-only read, safe
// from any goroutine, that session.Controller.State documents.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Snapshot{
			ID:          id,
			State:       string(e.ctrl.State()),
			ConnectedAt: e.connectedAt,
			BytesIn:     e.bytesIn.Load(),
			BytesOut:    e.bytesOut.Load(),
		})
	}
	return out
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
