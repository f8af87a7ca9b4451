package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Config{})
	t.Cleanup(r.Stop)
	return r
}

// drainEvents consumes any pending roster events so a test can count only
// the ones it provokes.
func drainEvents(r *registry.Registry) {
	for {
		select {
		case <-r.Events():
		default:
			return
		}
	}
}

func TestUpsertCreatesAndRevives(t *testing.T) {
	r := newRegistry(t)

	rec, err := r.UpsertViewer("wall-a", "t-1", "North Wall")
	require.NoError(t, err)
	require.True(t, rec.Connected)
	require.Equal(t, registry.TransportID("t-1"), rec.TransportID)
	require.Equal(t, "North Wall", rec.DisplayName)
	require.Nil(t, rec.Region)

	// Reconnect under a new transport. Identity and display name survive.
	rec2, err := r.UpsertViewer("wall-a", "t-2", "")
	require.NoError(t, err)
	require.Equal(t, registry.TransportID("t-2"), rec2.TransportID)
	require.Equal(t, "North Wall", rec2.DisplayName)
	require.Len(t, r.SnapshotRoster(), 1)

	// Old transport no longer resolves.
	_, _, ok := r.LookupByTransport("t-1")
	require.False(t, ok)
}

func TestRegionSurvivesReconnect(t *testing.T) {
	r := newRegistry(t)

	_, err := r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)
	_, err = r.SetRegion("wall-a", &geom.RawRectangle{X: 0, Y: 0, Width: 640, Height: 360})
	require.NoError(t, err)

	role, clientID, err := r.MarkDisconnected("t-1")
	require.NoError(t, err)
	require.Equal(t, registry.RoleViewer, role)
	require.Equal(t, registry.ClientID("wall-a"), clientID)

	rec, ok := r.Lookup("wall-a")
	require.True(t, ok)
	require.False(t, rec.Connected)
	require.NotNil(t, rec.Region)

	rec, err = r.UpsertViewer("wall-a", "t-2", "")
	require.NoError(t, err)
	require.True(t, rec.Connected)
	require.Equal(t, geom.Rectangle{Width: 640, Height: 360}, *rec.Region)
}

func TestTransportRebindDisconnectsPreviousViewer(t *testing.T) {
	r := newRegistry(t)

	_, err := r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)

	// The same transport re-registers as a different viewer: wall-a has no
	// transport anymore and must not linger as a phantom connected record.
	_, err = r.UpsertViewer("wall-b", "t-1", "")
	require.NoError(t, err)

	recA, ok := r.Lookup("wall-a")
	require.True(t, ok)
	require.False(t, recA.Connected)
	require.Empty(t, recA.TransportID)

	role, clientID, ok := r.LookupByTransport("t-1")
	require.True(t, ok)
	require.Equal(t, registry.RoleViewer, role)
	require.Equal(t, registry.ClientID("wall-b"), clientID)

	// Disconnecting the transport touches only its current viewer.
	_, _, err = r.MarkDisconnected("t-1")
	require.NoError(t, err)
	recB, _ := r.Lookup("wall-b")
	require.False(t, recB.Connected)
}

func TestSetRegionUnknownViewer(t *testing.T) {
	r := newRegistry(t)

	_, err := r.SetRegion("ghost", &geom.RawRectangle{Width: 10, Height: 10})
	require.ErrorIs(t, err, registry.ErrUnknownViewer)
}

func TestSetRegionNormalizesAgainstGeometry(t *testing.T) {
	r := newRegistry(t)

	_, err := r.RegisterBroadcaster("b-1", geom.Geometry{Width: 1920, Height: 1080})
	require.NoError(t, err)
	_, err = r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)

	// Overhanging rectangle is clipped, not rejected.
	rec, err := r.SetRegion("wall-a", &geom.RawRectangle{X: 1800, Y: 0, Width: 640, Height: 360})
	require.NoError(t, err)
	require.Equal(t, geom.Rectangle{X: 1800, Y: 0, Width: 120, Height: 360}, *rec.Region)

	// Zero area is rejected.
	_, err = r.SetRegion("wall-a", &geom.RawRectangle{X: 0, Y: 0, Width: 0, Height: 100})
	require.ErrorIs(t, err, geom.ErrZeroArea)
}

func TestIdenticalRegionEmitsNoEvent(t *testing.T) {
	r := newRegistry(t)

	_, err := r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)
	_, err = r.SetRegion("wall-a", &geom.RawRectangle{X: 0, Y: 0, Width: 640, Height: 360})
	require.NoError(t, err)
	drainEvents(r)

	_, err = r.SetRegion("wall-a", &geom.RawRectangle{X: 0, Y: 0, Width: 640, Height: 360})
	require.NoError(t, err)

	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected roster event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterSwapReturnsPrevious(t *testing.T) {
	r := newRegistry(t)

	prev, err := r.RegisterBroadcaster("b-1", geom.Geometry{Width: 1920, Height: 1080})
	require.NoError(t, err)
	require.Nil(t, prev)

	prev, err = r.RegisterBroadcaster("b-2", geom.Geometry{Width: 1280, Height: 720})
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, registry.TransportID("b-1"), prev.TransportID)

	rec, ok := r.Broadcaster()
	require.True(t, ok)
	require.Equal(t, registry.TransportID("b-2"), rec.TransportID)
	require.Equal(t, geom.Geometry{Width: 1280, Height: 720}, rec.Geometry)
}

func TestBroadcasterDisconnectClearsSlot(t *testing.T) {
	r := newRegistry(t)

	_, err := r.RegisterBroadcaster("b-1", geom.Geometry{Width: 1920, Height: 1080})
	require.NoError(t, err)

	role, _, err := r.MarkDisconnected("b-1")
	require.NoError(t, err)
	require.Equal(t, registry.RoleBroadcaster, role)

	_, ok := r.Broadcaster()
	require.False(t, ok)
	require.Nil(t, r.Geometry())
}

func TestSnapshotOrderedByClientID(t *testing.T) {
	r := newRegistry(t)

	for _, id := range []registry.ClientID{"wall-c", "wall-a", "wall-b"} {
		_, err := r.UpsertViewer(id, registry.TransportID("t-"+id), "")
		require.NoError(t, err)
	}

	roster := r.SnapshotRoster()
	require.Len(t, roster, 3)
	require.Equal(t, registry.ClientID("wall-a"), roster[0].ClientID)
	require.Equal(t, registry.ClientID("wall-b"), roster[1].ClientID)
	require.Equal(t, registry.ClientID("wall-c"), roster[2].ClientID)
}

func TestLastSeenMonotonic(t *testing.T) {
	r := newRegistry(t)

	rec, err := r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)
	last := rec.LastSeenAt

	for i := 0; i < 10; i++ {
		_, _, err = r.MarkDisconnected(rec.TransportID)
		require.NoError(t, err)
		rec, err = r.UpsertViewer("wall-a", registry.TransportID("t-"+string(rune('a'+i))), "")
		require.NoError(t, err)
		require.True(t, rec.LastSeenAt.After(last), "lastSeenAt must be strictly increasing")
		last = rec.LastSeenAt
	}
}

func TestOneEventPerMutation(t *testing.T) {
	r := newRegistry(t)

	_, err := r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)
	_, err = r.SetRegion("wall-a", &geom.RawRectangle{Width: 10, Height: 10})
	require.NoError(t, err)
	_, _, err = r.MarkDisconnected("t-1")
	require.NoError(t, err)

	count := 0
	for {
		select {
		case <-r.Events():
			count++
		case <-time.After(50 * time.Millisecond):
			require.Equal(t, 3, count)
			return
		}
	}
}

func TestStaleRecordCollected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := registry.New(registry.Config{StaleTTL: 30 * time.Minute, Clock: clock})
	defer r.Stop()

	_, err := r.UpsertViewer("wall-a", "t-1", "")
	require.NoError(t, err)
	_, _, err = r.MarkDisconnected("t-1")
	require.NoError(t, err)

	// Not yet stale.
	require.NoError(t, r.SweepStale())
	_, ok := r.Lookup("wall-a")
	require.True(t, ok)

	now = now.Add(31 * time.Minute)
	require.NoError(t, r.SweepStale())
	_, ok = r.Lookup("wall-a")
	require.False(t, ok)
}

func TestEnsureViewerIsIdempotent(t *testing.T) {
	r := newRegistry(t)

	require.NoError(t, r.EnsureViewer("wall-a"))
	require.NoError(t, r.EnsureViewer("wall-a"))

	rec, ok := r.Lookup("wall-a")
	require.True(t, ok)
	require.False(t, rec.Connected)
	require.Len(t, r.SnapshotRoster(), 1)

	// An operator-created record accepts a region before the viewer ever
	// connects.
	_, err := r.SetRegion("wall-a", &geom.RawRectangle{Width: 640, Height: 360})
	require.NoError(t, err)
}
