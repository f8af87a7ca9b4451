package caster

import "github.com/pion/webrtc/v3"

// SessionMessage is what a viewer session posts to the coordinator. Sessions
// are isolated from each other; all cross-session effects go through the
// coordinator's fan-in channel.
type SessionMessage = interface{}

// OfferReady carries the local SDP offer to be routed to the viewer.
type OfferReady struct {
	SDP webrtc.SessionDescription
}

// LocalCandidate carries a gathered ICE candidate for the viewer.
type LocalCandidate struct {
	Candidate webrtc.ICECandidateInit
}

// GatheringComplete signals the end of ICE gathering.
type GatheringComplete struct{}

// SessionConnected signals that the ICE pair was selected and media flows.
type SessionConnected struct{}

// SessionFailed signals an unrecoverable session error. The coordinator
// tears the session down and recreates it on the next rendezvous.
type SessionFailed struct {
	Err error
}

// OfferExpired signals that no answer arrived within the negotiation
// deadline.
type OfferExpired struct{}
