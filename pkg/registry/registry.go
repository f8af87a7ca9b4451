// Package registry owns all session state: the viewer roster, the single
// broadcaster slot and the source geometry. Every mutation funnels through
// one goroutine, which gives sequential consistency without locks; other
// components only ever hold value snapshots.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"golang.org/x/exp/slices"
)

var (
	// ErrUnknownViewer is returned when an operation references a clientId
	// that has no record.
	ErrUnknownViewer = errors.New("unknown viewer")
	// ErrRegistryClosed is returned after Stop.
	ErrRegistryClosed = errors.New("registry is closed")
)

// Event is the roster-changed fan-out emitted after every successful
// mutation. Changed carries the clientId the mutation touched, when it
// touched exactly one.
type Event struct {
	Roster  []ViewerRecord
	Changed ClientID
}

// Config for the registry.
type Config struct {
	// Disconnected records older than this are garbage-collected. Zero
	// disables collection.
	StaleTTL time.Duration
	// Clock override for tests; defaults to time.Now.
	Clock func() time.Time
}

// Registry is the authoritative session store. All exported methods are safe
// for concurrent use; they serialize through the owner goroutine.
type Registry struct {
	ops      chan func()
	closed   chan struct{}
	stopOnce sync.Once
	events   chan Event
	fatal    chan error

	// State below is owned by the run loop.
	viewers     map[ClientID]*ViewerRecord
	byTransport map[TransportID]ClientID
	broadcaster *BroadcasterRecord
	staleTTL    time.Duration
	clock       func() time.Time
	logger      *logrus.Entry
}

// New creates and starts a registry.
func New(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	r := &Registry{
		ops:         make(chan func()),
		closed:      make(chan struct{}),
		events:      make(chan Event, 256),
		fatal:       make(chan error, 1),
		viewers:     make(map[ClientID]*ViewerRecord),
		byTransport: make(map[TransportID]ClientID),
		staleTTL:    cfg.StaleTTL,
		clock:       clock,
		logger:      logrus.WithField("component", "registry"),
	}

	go r.run()
	return r
}

func (r *Registry) run() {
	var gcTick <-chan time.Time
	if r.staleTTL > 0 {
		ticker := time.NewTicker(r.staleTTL / 2)
		defer ticker.Stop()
		gcTick = ticker.C
	}

	for {
		select {
		case <-r.closed:
			close(r.events)
			return
		case op := <-r.ops:
			op()
		case <-gcTick:
			r.collectStale()
		}
	}
}

// Events is the roster-changed stream. Exactly one event per successful
// roster mutation; closed on Stop.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Fatal delivers unrecoverable invariant violations. The process is expected
// to terminate with exit code 3 when this fires.
func (r *Registry) Fatal() <-chan error {
	return r.fatal
}

// Stop shuts the registry down. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.closed)
	})
}

// do runs fn on the serialization domain and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case <-r.closed:
		return ErrRegistryClosed
	case r.ops <- func() {
		fn()
		close(done)
	}:
	}
	select {
	case <-done:
		return nil
	case <-r.closed:
		return ErrRegistryClosed
	}
}

// touch advances LastSeenAt, keeping it strictly monotonic per record even
// under a coarse or skewed clock.
func (r *Registry) touch(rec *ViewerRecord) {
	now := r.clock()
	if !now.After(rec.LastSeenAt) {
		now = rec.LastSeenAt.Add(time.Nanosecond)
	}
	rec.LastSeenAt = now
}

func (r *Registry) emit(changed ClientID) {
	ev := Event{Roster: r.snapshotLocked(), Changed: changed}
	select {
	case r.events <- ev:
	default:
		// The consumer is the hub's main loop; a full queue here means it
		// died or deadlocked. Dropping would violate the fan-out contract,
		// so treat it as fatal.
		r.reportFatal(errors.New("roster event queue overflow"))
	}
}

func (r *Registry) reportFatal(err error) {
	r.logger.WithError(err).Error("fatal invariant violation")
	select {
	case r.fatal <- err:
	default:
	}
}

func (r *Registry) snapshotLocked() []ViewerRecord {
	out := make([]ViewerRecord, 0, len(r.viewers))
	for _, rec := range r.viewers {
		out = append(out, rec.clone())
	}
	slices.SortFunc(out, func(a, b ViewerRecord) bool {
		return a.ClientID < b.ClientID
	})
	return out
}

// UpsertViewer creates or revives a viewer record, binds it to the given
// transport and marks it connected.
func (r *Registry) UpsertViewer(clientID ClientID, transportID TransportID, displayName string) (ViewerRecord, error) {
	var out ViewerRecord
	err := r.do(func() {
		// A transport can carry only one viewer: if it was bound to a
		// different clientId, that record is no longer reachable and must
		// not keep reporting itself connected.
		if prevID, bound := r.byTransport[transportID]; bound && prevID != clientID {
			prev := r.viewers[prevID]
			prev.TransportID = ""
			prev.Connected = false
			r.touch(prev)
			delete(r.byTransport, transportID)
			r.emit(prevID)
		}

		rec, ok := r.viewers[clientID]
		if !ok {
			rec = &ViewerRecord{ClientID: clientID}
			r.viewers[clientID] = rec
		}
		if rec.TransportID != "" {
			delete(r.byTransport, rec.TransportID)
		}
		rec.TransportID = transportID
		rec.Connected = true
		if displayName != "" {
			rec.DisplayName = displayName
		}
		r.touch(rec)
		r.byTransport[transportID] = clientID
		out = rec.clone()
		r.emit(clientID)
	})
	return out, err
}

// EnsureViewer creates a disconnected record on first operator reference to
// a clientId. No-op when the record exists; no roster event either way until
// an actual mutation happens.
func (r *Registry) EnsureViewer(clientID ClientID) error {
	return r.do(func() {
		if _, ok := r.viewers[clientID]; ok {
			return
		}
		rec := &ViewerRecord{ClientID: clientID}
		r.touch(rec)
		r.viewers[clientID] = rec
		r.emit(clientID)
	})
}

// MarkDisconnected flips the viewer or broadcaster bound to this transport
// to disconnected. Viewer records are retained; the broadcaster slot is
// cleared. Returns what the transport was bound to.
func (r *Registry) MarkDisconnected(transportID TransportID) (Role, ClientID, error) {
	var (
		role     = RoleUnknown
		clientID ClientID
	)
	err := r.do(func() {
		if r.broadcaster != nil && r.broadcaster.TransportID == transportID {
			role = RoleBroadcaster
			r.broadcaster = nil
			r.emit("")
			return
		}
		id, ok := r.byTransport[transportID]
		if !ok {
			return
		}
		rec := r.viewers[id]
		role = RoleViewer
		clientID = id
		delete(r.byTransport, transportID)
		rec.TransportID = ""
		rec.Connected = false
		r.touch(rec)
		r.emit(id)
	})
	return role, clientID, err
}

// SetRegion updates a viewer's region from raw operator input. The rectangle
// is normalized (rounded half-to-even, clipped to the current geometry)
// before storage. A nil raw clears the assignment. Setting the region to its
// current value emits no roster event.
func (r *Registry) SetRegion(clientID ClientID, raw *geom.RawRectangle) (ViewerRecord, error) {
	var (
		out    ViewerRecord
		setErr error
	)
	err := r.do(func() {
		rec, ok := r.viewers[clientID]
		if !ok {
			setErr = ErrUnknownViewer
			return
		}

		var region *geom.Rectangle
		if raw != nil {
			var g *geom.Geometry
			if r.broadcaster != nil {
				g = &r.broadcaster.Geometry
			}
			rect, err := geom.NormalizeRegion(*raw, g)
			if err != nil {
				setErr = err
				return
			}
			region = &rect
		}

		if regionsEqual(rec.Region, region) {
			out = rec.clone()
			return
		}

		rec.Region = region
		r.touch(rec)
		out = rec.clone()
		r.emit(clientID)
	})
	if err != nil {
		return ViewerRecord{}, err
	}
	return out, setErr
}

// SetDisplayName updates the human-facing name. No event when unchanged.
func (r *Registry) SetDisplayName(clientID ClientID, name string) (ViewerRecord, error) {
	var (
		out    ViewerRecord
		setErr error
	)
	err := r.do(func() {
		rec, ok := r.viewers[clientID]
		if !ok {
			setErr = ErrUnknownViewer
			return
		}
		if rec.DisplayName == name {
			out = rec.clone()
			return
		}
		rec.DisplayName = name
		r.touch(rec)
		out = rec.clone()
		r.emit(clientID)
	})
	if err != nil {
		return ViewerRecord{}, err
	}
	return out, setErr
}

// RegisterBroadcaster installs a new broadcaster, replacing any prior slot
// occupant. The previous record is returned so the caller can close its
// transport.
func (r *Registry) RegisterBroadcaster(transportID TransportID, g geom.Geometry) (*BroadcasterRecord, error) {
	var (
		prev   *BroadcasterRecord
		setErr error
	)
	err := r.do(func() {
		if err := g.Validate(); err != nil {
			setErr = err
			return
		}
		if r.broadcaster != nil {
			if r.broadcaster.TransportID == transportID {
				// Same transport re-registering is a geometry update, not
				// a second broadcaster.
				r.broadcaster.Geometry = g
				r.emit("")
				return
			}
			old := *r.broadcaster
			prev = &old
		}
		r.broadcaster = &BroadcasterRecord{TransportID: transportID, Geometry: g}
		r.emit("")
	})
	if err != nil {
		return nil, err
	}
	return prev, setErr
}

// Broadcaster returns the active broadcaster slot, if any.
func (r *Registry) Broadcaster() (BroadcasterRecord, bool) {
	var (
		out BroadcasterRecord
		ok  bool
	)
	_ = r.do(func() {
		if r.broadcaster != nil {
			out = *r.broadcaster
			ok = true
		}
	})
	return out, ok
}

// Geometry returns the current source geometry, nil when no broadcaster is
// publishing.
func (r *Registry) Geometry() *geom.Geometry {
	var out *geom.Geometry
	_ = r.do(func() {
		if r.broadcaster != nil {
			g := r.broadcaster.Geometry
			out = &g
		}
	})
	return out
}

// SnapshotRoster returns all viewer records ordered by clientId ascending.
func (r *Registry) SnapshotRoster() []ViewerRecord {
	var out []ViewerRecord
	_ = r.do(func() {
		out = r.snapshotLocked()
	})
	return out
}

// Lookup returns a single viewer record.
func (r *Registry) Lookup(clientID ClientID) (ViewerRecord, bool) {
	var (
		out ViewerRecord
		ok  bool
	)
	_ = r.do(func() {
		if rec, found := r.viewers[clientID]; found {
			out = rec.clone()
			ok = true
		}
	})
	return out, ok
}

// LookupByTransport is the reverse index used for disconnection handling.
func (r *Registry) LookupByTransport(transportID TransportID) (Role, ClientID, bool) {
	var (
		role     = RoleUnknown
		clientID ClientID
		ok       bool
	)
	_ = r.do(func() {
		if r.broadcaster != nil && r.broadcaster.TransportID == transportID {
			role, ok = RoleBroadcaster, true
			return
		}
		if id, found := r.byTransport[transportID]; found {
			role, clientID, ok = RoleViewer, id, true
		}
	})
	return role, clientID, ok
}

// SweepStale garbage-collects disconnected records older than the TTL.
// Exposed for tests; the run loop calls it on a timer.
func (r *Registry) SweepStale() error {
	return r.do(r.collectStale)
}

func (r *Registry) collectStale() {
	if r.staleTTL <= 0 {
		return
	}
	cutoff := r.clock().Add(-r.staleTTL)
	for id, rec := range r.viewers {
		if !rec.Connected && rec.LastSeenAt.Before(cutoff) {
			r.logger.WithField("client_id", id).Info("collecting stale viewer record")
			delete(r.viewers, id)
			r.emit(id)
		}
	}
}

func regionsEqual(a, b *geom.Rectangle) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
