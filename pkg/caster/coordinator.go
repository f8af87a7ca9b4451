// Package caster is the broadcaster side of the fabric: it keeps one media
// session per connected viewer with an assigned region and drives each
// session's negotiation through the hub's signaling channel.
package caster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/channel"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/media"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/webrtcext"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

// Signaller sends wire messages back to the hub.
type Signaller interface {
	Send(msg any) error
}

// viewer is the coordinator's view of one hub-announced viewer: a session
// exists exactly while the viewer has a region assigned.
type viewer struct {
	clientID registry.ClientID
	region   *geom.Rectangle
	session  *Session
}

// CoordinatorConfig wires the coordinator to its media source, peer
// connection factory and signaling channel.
type CoordinatorConfig struct {
	Source     media.Source
	Factory    *webrtcext.PeerConnectionFactory
	NewEncoder EncoderFactory
	Signal     Signaller
}

// Coordinator owns all viewer sessions. All state lives on one goroutine:
// hub messages and session messages funnel into the same loop, so handlers
// never race.
type Coordinator struct {
	logger *logrus.Entry
	cfg    CoordinatorConfig

	viewers     map[registry.TransportID]*viewer
	byClient    map[registry.ClientID]registry.TransportID
	sessionMsgs chan channel.Message[registry.TransportID, SessionMessage]
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		logger:      logrus.WithField("component", "coordinator"),
		cfg:         cfg,
		viewers:     map[registry.TransportID]*viewer{},
		byClient:    map[registry.ClientID]registry.TransportID{},
		sessionMsgs: make(chan channel.Message[registry.TransportID, SessionMessage], 256),
	}
}

// Run consumes decoded hub messages until the channel closes or the context
// ends. All sessions are torn down on exit.
func (c *Coordinator) Run(ctx context.Context, incoming <-chan any) {
	defer c.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			c.handleHubMessage(msg)
		case msg := <-c.sessionMsgs:
			c.handleSessionMessage(msg.Sender, msg.Content)
		}
	}
}

func (c *Coordinator) handleHubMessage(msg any) {
	switch m := msg.(type) {
	case *wire.NewViewer:
		c.onNewViewer(m)
	case *wire.ClientRegionUpdated:
		c.onRegionUpdated(m)
	case *wire.ViewerAnswer:
		c.onAnswer(m)
	case *wire.ViewerICECandidate:
		c.onCandidate(m)
	case *wire.ViewerDisconnected:
		c.onViewerGone(registry.TransportID(m.ViewerTransportID))
	case *wire.ClientsUpdate, *wire.StreamDimensions:
		// Informational; the source geometry is ours to begin with.
	default:
		c.logger.WithField("type", fmt.Sprintf("%T", msg)).Debug("ignoring hub message")
	}
}

func (c *Coordinator) onNewViewer(m *wire.NewViewer) {
	transportID := registry.TransportID(m.ViewerTransportID)
	clientID := registry.ClientID(m.ClientID)

	// A repeated announcement for the same pairing is idempotent: the hub
	// re-emits it on duplicate viewer registrations. Fold it into a region
	// update instead of building a second session for the same viewer.
	if existing, ok := c.viewers[transportID]; ok && existing.clientID == clientID {
		c.applyRegion(transportID, existing, m.Region)
		return
	}

	// The same transport bound to a different clientId means the old pairing
	// is dead; a re-announced clientId on a new transport supersedes the old
	// transport. Either way the previous session goes first.
	if _, ok := c.viewers[transportID]; ok {
		c.onViewerGone(transportID)
	}
	if prev, ok := c.byClient[clientID]; ok && prev != transportID {
		c.onViewerGone(prev)
	}

	v := &viewer{clientID: clientID, region: m.Region}
	c.viewers[transportID] = v
	c.byClient[clientID] = transportID

	c.logger.WithFields(logrus.Fields{
		"transport_id": transportID,
		"client_id":    clientID,
		"has_region":   m.Region != nil,
	}).Info("viewer announced")

	c.ensureSession(transportID, v)
}

func (c *Coordinator) onRegionUpdated(m *wire.ClientRegionUpdated) {
	transportID, ok := c.byClient[registry.ClientID(m.ClientID)]
	if !ok {
		c.logger.WithField("client_id", m.ClientID).Debug("region update for unannounced viewer")
		return
	}
	c.applyRegion(transportID, c.viewers[transportID], m.Region)
}

// applyRegion reconciles a viewer's session with a new region value: clear
// tears down, a fresh assignment creates, a change on a live session
// retargets in place (full restart only when that fails).
func (c *Coordinator) applyRegion(transportID registry.TransportID, v *viewer, region *geom.Rectangle) {
	v.region = region

	if region == nil {
		c.dropSession(v)
		return
	}

	if v.session == nil {
		c.ensureSession(transportID, v)
		return
	}

	if err := v.session.OnRegionChange(*region); err != nil {
		c.logger.WithError(err).Warn("region change failed, restarting session")
		c.dropSession(v)
		c.ensureSession(transportID, v)
	}
}

func (c *Coordinator) onAnswer(m *wire.ViewerAnswer) {
	v, ok := c.viewers[registry.TransportID(m.ViewerTransportID)]
	if !ok || v.session == nil {
		c.logger.WithField("transport_id", m.ViewerTransportID).Warn("answer for unknown session")
		return
	}

	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(m.SDP, &sdp); err != nil {
		c.logger.WithError(err).Warn("malformed answer SDP")
		return
	}
	if err := v.session.OnAnswer(sdp); err != nil {
		c.logger.WithError(err).Warn("answer rejected")
	}
}

func (c *Coordinator) onCandidate(m *wire.ViewerICECandidate) {
	v, ok := c.viewers[registry.TransportID(m.ViewerTransportID)]
	if !ok || v.session == nil {
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Candidate, &candidate); err != nil {
		c.logger.WithError(err).Warn("malformed ICE candidate")
		return
	}
	v.session.OnRemoteCandidate(candidate)
}

func (c *Coordinator) onViewerGone(transportID registry.TransportID) {
	v, ok := c.viewers[transportID]
	if !ok {
		return
	}
	c.dropSession(v)
	delete(c.viewers, transportID)
	if c.byClient[v.clientID] == transportID {
		delete(c.byClient, v.clientID)
	}
	c.logger.WithField("transport_id", transportID).Info("viewer gone")
}

// ensureSession creates a session when the rendezvous condition holds: the
// viewer is announced and has a region. Absent either, nothing happens.
func (c *Coordinator) ensureSession(transportID registry.TransportID, v *viewer) {
	if v.session != nil || v.region == nil {
		return
	}

	session, err := NewSession(SessionConfig{
		ViewerTransportID: transportID,
		ClientID:          v.clientID,
		Rect:              *v.region,
		Source:            c.cfg.Source,
		Factory:           c.cfg.Factory,
		NewEncoder:        c.cfg.NewEncoder,
		Sink:              channel.NewSink[registry.TransportID, SessionMessage](transportID, c.sessionMsgs),
	})
	if err != nil {
		c.logger.WithError(err).WithField("transport_id", transportID).Error("failed to start session")
		return
	}
	v.session = session
}

func (c *Coordinator) dropSession(v *viewer) {
	if v.session == nil {
		return
	}
	v.session.Close()
	v.session = nil
}

func (c *Coordinator) handleSessionMessage(sender registry.TransportID, msg SessionMessage) {
	v, ok := c.viewers[sender]
	if !ok || v.session == nil {
		// Stragglers from a session already torn down.
		return
	}

	switch m := msg.(type) {
	case OfferReady:
		sdp, err := json.Marshal(m.SDP)
		if err != nil {
			c.logger.WithError(err).Error("failed to encode offer")
			return
		}
		c.send(wire.BroadcasterOffer{ViewerTransportID: string(sender), SDP: sdp})
	case LocalCandidate:
		candidate, err := json.Marshal(m.Candidate)
		if err != nil {
			c.logger.WithError(err).Error("failed to encode candidate")
			return
		}
		c.send(wire.BroadcasterICECandidate{ViewerTransportID: string(sender), Candidate: candidate})
	case GatheringComplete:
		c.logger.WithField("transport_id", sender).Debug("ICE gathering complete")
	case SessionConnected:
		c.logger.WithField("transport_id", sender).Info("session connected")
	case SessionFailed:
		c.logger.WithError(m.Err).WithField("transport_id", sender).Warn("session failed, restarting")
		c.restart(sender, v)
	case OfferExpired:
		c.logger.WithField("transport_id", sender).Warn("offer expired, restarting")
		c.restart(sender, v)
	}
}

// restart tears the session down and immediately renegotiates from scratch.
// A fresh peer connection is always used; failed ones are never reused.
func (c *Coordinator) restart(transportID registry.TransportID, v *viewer) {
	c.dropSession(v)
	c.ensureSession(transportID, v)
}

func (c *Coordinator) send(msg any) {
	if err := c.cfg.Signal.Send(msg); err != nil {
		c.logger.WithError(err).Warn("failed to send signaling message")
	}
}

func (c *Coordinator) closeAll() {
	for _, v := range c.viewers {
		c.dropSession(v)
	}
}
