// Package hub is the signaling core: it owns the websocket participants, the
// session registry and the routing of negotiation messages between the one
// broadcaster and its viewers. All hub state is confined to the Run loop;
// everything else posts events into its fan-in channel.
package hub

import (
	"context"
	"fmt"

	"github.com/bep/debounce"
	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/channel"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/telemetry"
	"github.com/wallgrid/wallgrid/pkg/wire"
	"go.opentelemetry.io/otel/attribute"
)

// event is the hub loop's input ADT.
type event interface{}

type evtAttach struct{ conduit Conduit }
type evtDetach struct{}
type evtFrame struct{ msg any }
type evtRegionFlush struct {
	clientID registry.ClientID
	region   *geom.Rectangle
}

// Hub routes signaling between participants. One broadcaster, any number of
// viewers and admins.
type Hub struct {
	logger *logrus.Entry
	reg    *registry.Registry

	events      chan channel.Message[registry.TransportID, event]
	rosterFlush chan struct{}

	// Loop-owned state.
	conduits      map[registry.TransportID]Conduit
	admins        map[registry.TransportID]struct{}
	broadcasterID registry.TransportID
	latestRoster  []registry.ViewerRecord

	coalescer      *regionCoalescer
	debouncedAdmin func(func())
}

// New creates a hub around an already-running registry.
func New(reg *registry.Registry) *Hub {
	h := &Hub{
		logger:         logrus.WithField("component", "hub"),
		reg:            reg,
		events:         make(chan channel.Message[registry.TransportID, event], 256),
		rosterFlush:    make(chan struct{}, 1),
		conduits:       map[registry.TransportID]Conduit{},
		admins:         map[registry.TransportID]struct{}{},
		debouncedAdmin: debounce.New(CoalesceWindow),
	}
	h.coalescer = newRegionCoalescer(CoalesceWindow, h.postRegionFlush)
	return h
}

// Attach hands a new participant transport to the hub.
func (h *Hub) Attach(c Conduit) {
	h.post(c.TransportID(), evtAttach{conduit: c})
}

// Detach reports that a participant's transport is gone.
func (h *Hub) Detach(id registry.TransportID) {
	h.post(id, evtDetach{})
}

// Deliver hands one decoded inbound message to the hub.
func (h *Hub) Deliver(id registry.TransportID, msg any) {
	h.post(id, evtFrame{msg: msg})
}

func (h *Hub) post(id registry.TransportID, ev event) {
	h.events <- channel.Message[registry.TransportID, event]{Sender: id, Content: ev}
}

func (h *Hub) postRegionFlush(clientID registry.ClientID, region *geom.Rectangle) {
	h.post("", evtRegionFlush{clientID: clientID, region: region})
}

// Run is the hub's single serialization domain. It returns nil when the
// context ends and the registry's error when a fatal invariant fires; the
// caller maps the latter to a non-zero exit.
func (h *Hub) Run(ctx context.Context) error {
	defer h.coalescer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-h.reg.Fatal():
			return fmt.Errorf("registry failure: %w", err)
		case ev, ok := <-h.reg.Events():
			if !ok {
				return nil
			}
			h.onRosterEvent(ev)
		case <-h.rosterFlush:
			h.broadcastRoster()
		case msg := <-h.events:
			h.dispatch(msg.Sender, msg.Content)
		}
	}
}

func (h *Hub) dispatch(sender registry.TransportID, ev event) {
	switch e := ev.(type) {
	case evtAttach:
		h.conduits[sender] = e.conduit
		h.logger.WithField("transport_id", sender).Debug("participant attached")
	case evtDetach:
		h.onDetach(sender)
	case evtFrame:
		h.onFrame(sender, e.msg)
	case evtRegionFlush:
		h.notifyBroadcasterRegion(e.clientID, e.region)
	}
}

func (h *Hub) onFrame(sender registry.TransportID, msg any) {
	if _, ok := h.conduits[sender]; !ok {
		// Frame raced with a detach.
		return
	}

	switch m := msg.(type) {
	case *wire.RegisterBroadcaster:
		h.onRegisterBroadcaster(sender, m)
	case *wire.RegisterViewer:
		h.onRegisterViewer(sender, m)
	case *wire.GetClientConfig:
		h.onGetClientConfig(sender, m)
	case *wire.GetClients:
		h.onGetClients(sender)
	case *wire.UpdateClientConfig:
		h.onUpdateClientConfig(sender, m)
	case *wire.BroadcasterOffer:
		h.forwardToViewer(sender, registry.TransportID(m.ViewerTransportID),
			wire.BroadcasterOffer{SDP: m.SDP})
	case *wire.BroadcasterICECandidate:
		h.forwardToViewer(sender, registry.TransportID(m.ViewerTransportID),
			wire.BroadcasterICECandidate{Candidate: m.Candidate})
	case *wire.ViewerAnswer:
		h.forwardToBroadcaster(sender,
			wire.ViewerAnswer{ViewerTransportID: string(sender), SDP: m.SDP})
	case *wire.ViewerICECandidate:
		h.forwardToBroadcaster(sender,
			wire.ViewerICECandidate{ViewerTransportID: string(sender), Candidate: m.Candidate})
	default:
		h.logger.WithFields(logrus.Fields{
			"transport_id": sender,
			"type":         fmt.Sprintf("%T", msg),
		}).Warn("dropping unexpected message")
	}
}

func (h *Hub) onRegisterBroadcaster(sender registry.TransportID, m *wire.RegisterBroadcaster) {
	tel := telemetry.NewTelemetry(context.Background(), "register_broadcaster",
		attribute.String("transport_id", string(sender)))
	defer tel.End()

	prev, err := h.reg.RegisterBroadcaster(sender, m.Geometry)
	if err != nil {
		tel.Fail(err)
		h.logger.WithError(err).Warn("broadcaster registration rejected")
		return
	}

	if prev != nil {
		// The slot holds exactly one broadcaster; the newcomer wins.
		if c, ok := h.conduits[prev.TransportID]; ok {
			c.Kick("replaced by new broadcaster")
		}
	}

	dims := wire.StreamDimensions{Width: m.Geometry.Width, Height: m.Geometry.Height}
	if sender == h.broadcasterID {
		// Same transport re-registering updates the geometry in place.
		h.broadcastExcept(sender, wire.StreamDimensionsUpdate(dims))
		return
	}

	h.broadcasterID = sender
	h.logger.WithFields(logrus.Fields{
		"transport_id": sender,
		"width":        m.Geometry.Width,
		"height":       m.Geometry.Height,
	}).Info("broadcaster registered")
	h.broadcastExcept(sender, dims)

	// Catch the broadcaster up on every viewer already waiting.
	broadcaster := h.conduits[sender]
	for _, rec := range h.reg.SnapshotRoster() {
		if !rec.Connected {
			continue
		}
		h.enqueue(broadcaster, wire.NewViewer{
			ViewerTransportID: string(rec.TransportID),
			ClientID:          string(rec.ClientID),
			Region:            rec.Region,
		})
	}
}

func (h *Hub) onRegisterViewer(sender registry.TransportID, m *wire.RegisterViewer) {
	if m.ClientID == "" {
		h.logger.WithField("transport_id", sender).Warn("viewer registration without clientId")
		if c, ok := h.conduits[sender]; ok {
			c.Kick("missing clientId")
		}
		return
	}

	rec, err := h.reg.UpsertViewer(registry.ClientID(m.ClientID), sender, m.DisplayName)
	if err != nil {
		h.logger.WithError(err).Warn("viewer registration failed")
		return
	}

	viewer := h.conduits[sender]
	h.enqueue(viewer, wire.ClientConfig{ClientInfo: clientInfo(rec)})
	if g := h.reg.Geometry(); g != nil {
		h.enqueue(viewer, wire.StreamDimensions{Width: g.Width, Height: g.Height})
	}

	if broadcaster, ok := h.conduits[h.broadcasterID]; ok && h.broadcasterID != "" {
		h.enqueue(broadcaster, wire.NewViewer{
			ViewerTransportID: string(sender),
			ClientID:          m.ClientID,
			Region:            rec.Region,
		})
	}
}

func (h *Hub) onGetClientConfig(sender registry.TransportID, m *wire.GetClientConfig) {
	clientID := registry.ClientID(m.ClientID)
	rec, ok := h.reg.Lookup(clientID)
	if !ok {
		// First reference to this clientId creates a disconnected record.
		if err := h.reg.EnsureViewer(clientID); err != nil {
			return
		}
		rec, _ = h.reg.Lookup(clientID)
	}
	h.enqueue(h.conduits[sender], wire.ClientConfig{ClientInfo: clientInfo(rec)})
}

func (h *Hub) onGetClients(sender registry.TransportID) {
	h.admins[sender] = struct{}{}
	h.enqueue(h.conduits[sender], wire.ClientsUpdate{Clients: clientInfos(h.reg.SnapshotRoster())})
}

func (h *Hub) onUpdateClientConfig(sender registry.TransportID, m *wire.UpdateClientConfig) {
	if m.ClientID == "" {
		h.logger.WithField("transport_id", sender).Warn("config update without clientId")
		return
	}
	clientID := registry.ClientID(m.ClientID)
	tel := telemetry.NewTelemetry(context.Background(), "update_client_config",
		attribute.String("client_id", m.ClientID))
	defer tel.End()

	if err := h.reg.EnsureViewer(clientID); err != nil {
		return
	}

	if m.Config.RegionSet {
		rec, err := h.reg.SetRegion(clientID, m.Config.Region)
		if err != nil {
			tel.Fail(err)
			h.logger.WithError(err).WithField("client_id", clientID).Warn("region update rejected")
		} else {
			tel.AddEvent("region stored")
			if viewer, ok := h.conduits[rec.TransportID]; ok && rec.Connected {
				h.enqueue(viewer, wire.RegionUpdate{
					ClientID: string(clientID),
					Region:   rec.Region,
					Geometry: h.reg.Geometry(),
				})
			}
			h.coalescer.Offer(clientID, rec.Region)
		}
	}

	if m.Config.DisplayName != nil {
		rec, err := h.reg.SetDisplayName(clientID, *m.Config.DisplayName)
		if err != nil {
			h.logger.WithError(err).Warn("display name update rejected")
		} else if viewer, ok := h.conduits[rec.TransportID]; ok && rec.Connected {
			h.enqueue(viewer, wire.ClientConfig{ClientInfo: clientInfo(rec)})
		}
	}
}

// forwardToViewer relays a negotiation message from the broadcaster to one
// viewer. Signaling is routed, never interpreted: SDP and candidate bodies
// pass through opaque.
func (h *Hub) forwardToViewer(sender, target registry.TransportID, msg any) {
	if sender != h.broadcasterID || sender == "" {
		h.logger.WithField("transport_id", sender).Warn("negotiation message from non-broadcaster")
		return
	}
	viewer, ok := h.conduits[target]
	if !ok {
		h.logger.WithField("transport_id", target).Warn("dropping negotiation message for gone viewer")
		return
	}
	h.enqueue(viewer, msg)
}

func (h *Hub) forwardToBroadcaster(sender registry.TransportID, msg any) {
	broadcaster, ok := h.conduits[h.broadcasterID]
	if !ok || h.broadcasterID == "" {
		h.logger.WithField("transport_id", sender).Warn("dropping negotiation message, no broadcaster")
		return
	}
	h.enqueue(broadcaster, msg)
}

func (h *Hub) onDetach(sender registry.TransportID) {
	delete(h.conduits, sender)
	delete(h.admins, sender)

	role, clientID, err := h.reg.MarkDisconnected(sender)
	if err != nil {
		return
	}

	switch role {
	case registry.RoleViewer:
		h.coalescer.Forget(clientID)
		if broadcaster, ok := h.conduits[h.broadcasterID]; ok && h.broadcasterID != "" {
			h.enqueue(broadcaster, wire.ViewerDisconnected{ViewerTransportID: string(sender)})
		}
	case registry.RoleBroadcaster:
		h.broadcasterID = ""
		h.logger.Info("broadcaster disconnected")
		h.broadcastExcept(sender, wire.BroadcasterDisconnected{})
	}
}

func (h *Hub) notifyBroadcasterRegion(clientID registry.ClientID, region *geom.Rectangle) {
	broadcaster, ok := h.conduits[h.broadcasterID]
	if !ok || h.broadcasterID == "" {
		return
	}
	h.enqueue(broadcaster, wire.ClientRegionUpdated{ClientID: string(clientID), Region: region})
}

// onRosterEvent debounces admin fan-out: a burst of roster mutations turns
// into one snapshot broadcast.
func (h *Hub) onRosterEvent(ev registry.Event) {
	h.latestRoster = ev.Roster
	h.debouncedAdmin(func() {
		select {
		case h.rosterFlush <- struct{}{}:
		default:
		}
	})
}

func (h *Hub) broadcastRoster() {
	if len(h.admins) == 0 {
		return
	}
	update := wire.ClientsUpdate{Clients: clientInfos(h.latestRoster)}
	for id := range h.admins {
		h.enqueue(h.conduits[id], update)
	}
}

func (h *Hub) broadcastExcept(except registry.TransportID, msg any) {
	for id, c := range h.conduits {
		if id == except {
			continue
		}
		h.enqueue(c, msg)
	}
}

// enqueue tolerates gone conduits and overflow kicks; the detach event does
// the bookkeeping.
func (h *Hub) enqueue(c Conduit, msg any) {
	if c == nil {
		return
	}
	if err := c.Enqueue(msg); err != nil {
		h.logger.WithError(err).WithField("transport_id", c.TransportID()).Warn("failed to enqueue message")
	}
}

func clientInfo(rec registry.ViewerRecord) wire.ClientInfo {
	return wire.ClientInfo{
		ClientID:    string(rec.ClientID),
		DisplayName: rec.DisplayName,
		Connected:   rec.Connected,
		Region:      rec.Region,
		LastSeenAt:  rec.LastSeenAt,
	}
}

func clientInfos(recs []registry.ViewerRecord) []wire.ClientInfo {
	out := make([]wire.ClientInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, clientInfo(rec))
	}
	return out
}
