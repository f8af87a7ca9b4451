package hub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/hub"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

type fakeConduit struct {
	id     registry.TransportID
	msgs   chan any
	kicked chan string
}

func newFakeConduit(id registry.TransportID) *fakeConduit {
	return &fakeConduit{
		id:     id,
		msgs:   make(chan any, 1024),
		kicked: make(chan string, 1),
	}
}

func (c *fakeConduit) TransportID() registry.TransportID { return c.id }

func (c *fakeConduit) Enqueue(msg any) error {
	c.msgs <- msg
	return nil
}

func (c *fakeConduit) Kick(reason string) {
	select {
	case c.kicked <- reason:
	default:
	}
}

// awaitMsg drains the conduit until a message matches.
func awaitMsg(t *testing.T, c *fakeConduit, match func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.msgs:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("conduit %s: expected message never arrived", c.id)
			return nil
		}
	}
}

func expectSilence(t *testing.T, c *fakeConduit, wait time.Duration, match func(any) bool) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case msg := <-c.msgs:
			if match(msg) {
				t.Fatalf("conduit %s: unexpected message %#v", c.id, msg)
			}
		case <-deadline:
			return
		}
	}
}

func isType[T any](msg any) bool {
	_, ok := msg.(T)
	return ok
}

type hubFixture struct {
	hub *hub.Hub
	reg *registry.Registry
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	reg := registry.New(registry.Config{})
	h := hub.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		reg.Stop()
	})
	return &hubFixture{hub: h, reg: reg}
}

func (f *hubFixture) attachViewer(t *testing.T, transportID, clientID string) *fakeConduit {
	t.Helper()
	c := newFakeConduit(registry.TransportID(transportID))
	f.hub.Attach(c)
	f.hub.Deliver(c.id, &wire.RegisterViewer{ClientID: clientID})
	awaitMsg(t, c, isType[wire.ClientConfig])
	return c
}

func (f *hubFixture) attachBroadcaster(t *testing.T, transportID string, g geom.Geometry) *fakeConduit {
	t.Helper()
	c := newFakeConduit(registry.TransportID(transportID))
	f.hub.Attach(c)
	f.hub.Deliver(c.id, &wire.RegisterBroadcaster{Geometry: g})
	return c
}

func (f *hubFixture) attachAdmin(t *testing.T, transportID string) *fakeConduit {
	t.Helper()
	c := newFakeConduit(registry.TransportID(transportID))
	f.hub.Attach(c)
	f.hub.Deliver(c.id, &wire.GetClients{})
	awaitMsg(t, c, isType[wire.ClientsUpdate])
	return c
}

func setRegion(f *hubFixture, admin *fakeConduit, clientID string, r *geom.RawRectangle) {
	f.hub.Deliver(admin.id, &wire.UpdateClientConfig{
		ClientID: clientID,
		Config:   wire.ClientPatch{RegionSet: true, Region: r},
	})
}

func TestViewerBindReceivesConfig(t *testing.T) {
	f := newHubFixture(t)
	c := newFakeConduit("t-viewer")
	f.hub.Attach(c)
	f.hub.Deliver(c.id, &wire.RegisterViewer{ClientID: "panel-a", DisplayName: "Left Panel"})

	msg := awaitMsg(t, c, isType[wire.ClientConfig]).(wire.ClientConfig)
	require.Equal(t, "panel-a", msg.ClientID)
	require.Equal(t, "Left Panel", msg.DisplayName)
	require.True(t, msg.Connected)
	require.Nil(t, msg.Region)
}

func TestViewerWithoutClientIDIsKicked(t *testing.T) {
	f := newHubFixture(t)
	c := newFakeConduit("t-viewer")
	f.hub.Attach(c)
	f.hub.Deliver(c.id, &wire.RegisterViewer{})

	select {
	case <-c.kicked:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer not kicked")
	}
}

func TestBroadcasterLearnsExistingViewers(t *testing.T) {
	f := newHubFixture(t)
	viewer := f.attachViewer(t, "t-viewer", "panel-a")
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})

	nv := awaitMsg(t, broadcaster, isType[wire.NewViewer]).(wire.NewViewer)
	require.Equal(t, "t-viewer", nv.ViewerTransportID)
	require.Equal(t, "panel-a", nv.ClientID)

	dims := awaitMsg(t, viewer, isType[wire.StreamDimensions]).(wire.StreamDimensions)
	require.Equal(t, 1920, dims.Width)
}

func TestLateViewerAnnouncedToBroadcaster(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	f.attachViewer(t, "t-viewer", "panel-a")

	nv := awaitMsg(t, broadcaster, isType[wire.NewViewer]).(wire.NewViewer)
	require.Equal(t, "t-viewer", nv.ViewerTransportID)
}

func TestSecondBroadcasterReplacesFirst(t *testing.T) {
	f := newHubFixture(t)
	first := f.attachBroadcaster(t, "t-cast-1", geom.Geometry{Width: 1920, Height: 1080})
	f.attachBroadcaster(t, "t-cast-2", geom.Geometry{Width: 3840, Height: 2160})

	select {
	case reason := <-first.kicked:
		require.Contains(t, reason, "replaced")
	case <-time.After(2 * time.Second):
		t.Fatal("first broadcaster not kicked")
	}
}

func TestRegionUpdateReachesViewerAndBroadcaster(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	viewer := f.attachViewer(t, "t-viewer", "panel-a")
	admin := f.attachAdmin(t, "t-admin")

	setRegion(f, admin, "panel-a", &geom.RawRectangle{X: 0, Y: 0, Width: 640, Height: 360})

	ru := awaitMsg(t, viewer, isType[wire.RegionUpdate]).(wire.RegionUpdate)
	require.Equal(t, "panel-a", ru.ClientID)
	require.NotNil(t, ru.Region)
	require.Equal(t, 640, ru.Region.Width)
	require.NotNil(t, ru.Geometry)

	cru := awaitMsg(t, broadcaster, isType[wire.ClientRegionUpdated]).(wire.ClientRegionUpdated)
	require.Equal(t, "panel-a", cru.ClientID)
	require.Equal(t, 640, cru.Region.Width)
}

func TestRegionForUnseenClientCreatesRecord(t *testing.T) {
	f := newHubFixture(t)
	admin := f.attachAdmin(t, "t-admin")

	// The viewer has never connected; the assignment must stick anyway.
	setRegion(f, admin, "panel-future", &geom.RawRectangle{X: 10, Y: 10, Width: 100, Height: 100})

	update := awaitMsg(t, admin, func(msg any) bool {
		cu, ok := msg.(wire.ClientsUpdate)
		return ok && len(cu.Clients) == 1 && cu.Clients[0].Region != nil
	}).(wire.ClientsUpdate)
	require.Equal(t, "panel-future", update.Clients[0].ClientID)
	require.False(t, update.Clients[0].Connected)
}

func TestZeroAreaRegionRejected(t *testing.T) {
	f := newHubFixture(t)
	viewer := f.attachViewer(t, "t-viewer", "panel-a")
	admin := f.attachAdmin(t, "t-admin")

	setRegion(f, admin, "panel-a", &geom.RawRectangle{X: 0, Y: 0, Width: 0.2, Height: 0.2})
	expectSilence(t, viewer, 200*time.Millisecond, isType[wire.RegionUpdate])
}

func TestRegionBurstCoalescesForBroadcaster(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	f.attachViewer(t, "t-viewer", "panel-a")
	admin := f.attachAdmin(t, "t-admin")

	const updates = 50
	for i := 1; i <= updates; i++ {
		setRegion(f, admin, "panel-a", &geom.RawRectangle{X: float64(i), Y: 0, Width: 200, Height: 200})
	}

	// Let all pending windows drain.
	time.Sleep(300 * time.Millisecond)

	var got []wire.ClientRegionUpdated
	for {
		var done bool
		select {
		case msg := <-broadcaster.msgs:
			if cru, ok := msg.(wire.ClientRegionUpdated); ok {
				got = append(got, cru)
			}
		default:
			done = true
		}
		if done {
			break
		}
	}

	require.NotEmpty(t, got)
	require.Less(t, len(got), updates, "burst was not coalesced")
	require.Equal(t, updates, got[len(got)-1].Region.X, "trailing value lost")
}

func TestOfferRoutedToViewerWithoutTransportID(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	viewer := f.attachViewer(t, "t-viewer", "panel-a")
	_ = broadcaster

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	f.hub.Deliver("t-cast", &wire.BroadcasterOffer{ViewerTransportID: "t-viewer", SDP: sdp})

	offer := awaitMsg(t, viewer, isType[wire.BroadcasterOffer]).(wire.BroadcasterOffer)
	require.Empty(t, offer.ViewerTransportID)
	require.JSONEq(t, string(sdp), string(offer.SDP))
}

func TestAnswerTaggedWithViewerTransport(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	f.attachViewer(t, "t-viewer", "panel-a")

	f.hub.Deliver("t-viewer", &wire.ViewerAnswer{SDP: json.RawMessage(`{"type":"answer"}`)})

	answer := awaitMsg(t, broadcaster, isType[wire.ViewerAnswer]).(wire.ViewerAnswer)
	require.Equal(t, "t-viewer", answer.ViewerTransportID)
}

func TestOfferFromNonBroadcasterDropped(t *testing.T) {
	f := newHubFixture(t)
	f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	viewer := f.attachViewer(t, "t-viewer", "panel-a")
	rogue := f.attachViewer(t, "t-rogue", "panel-b")

	f.hub.Deliver(rogue.id, &wire.BroadcasterOffer{
		ViewerTransportID: "t-viewer",
		SDP:               json.RawMessage(`{}`),
	})
	expectSilence(t, viewer, 200*time.Millisecond, isType[wire.BroadcasterOffer])
}

func TestViewerDisconnectNotifiesBroadcaster(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	f.attachViewer(t, "t-viewer", "panel-a")
	awaitMsg(t, broadcaster, isType[wire.NewViewer])

	f.hub.Detach("t-viewer")

	gone := awaitMsg(t, broadcaster, isType[wire.ViewerDisconnected]).(wire.ViewerDisconnected)
	require.Equal(t, "t-viewer", gone.ViewerTransportID)
}

func TestBroadcasterDisconnectNotifiesEveryone(t *testing.T) {
	f := newHubFixture(t)
	f.attachBroadcaster(t, "t-cast", geom.Geometry{Width: 1920, Height: 1080})
	viewer := f.attachViewer(t, "t-viewer", "panel-a")
	admin := f.attachAdmin(t, "t-admin")

	f.hub.Detach("t-cast")

	awaitMsg(t, viewer, isType[wire.BroadcasterDisconnected])
	awaitMsg(t, admin, isType[wire.BroadcasterDisconnected])
}

func TestRegionSurvivesViewerReconnect(t *testing.T) {
	f := newHubFixture(t)
	admin := f.attachAdmin(t, "t-admin")
	f.attachViewer(t, "t-viewer-1", "panel-a")

	setRegion(f, admin, "panel-a", &geom.RawRectangle{X: 0, Y: 0, Width: 640, Height: 360})
	awaitMsg(t, admin, func(msg any) bool {
		cu, ok := msg.(wire.ClientsUpdate)
		return ok && len(cu.Clients) == 1 && cu.Clients[0].Region != nil
	})

	f.hub.Detach("t-viewer-1")

	// Same clientId on a fresh transport: the bind response carries the
	// region assigned before the drop.
	c := newFakeConduit("t-viewer-2")
	f.hub.Attach(c)
	f.hub.Deliver(c.id, &wire.RegisterViewer{ClientID: "panel-a"})

	cfg := awaitMsg(t, c, isType[wire.ClientConfig]).(wire.ClientConfig)
	require.NotNil(t, cfg.Region)
	require.Equal(t, 640, cfg.Region.Width)
}

func TestAdminRosterBurstsDebounced(t *testing.T) {
	f := newHubFixture(t)
	admin := f.attachAdmin(t, "t-admin")

	// Many viewers joining at once produce one snapshot, not one per join.
	for i := 0; i < 20; i++ {
		f.attachViewer(t, fmt.Sprintf("t-%d", i), fmt.Sprintf("panel-%02d", i))
	}
	time.Sleep(300 * time.Millisecond)

	var updates int
	for {
		var done bool
		select {
		case msg := <-admin.msgs:
			if _, ok := msg.(wire.ClientsUpdate); ok {
				updates++
			}
		default:
			done = true
		}
		if done {
			break
		}
	}
	require.Greater(t, updates, 0)
	require.Less(t, updates, 20)
}
