package registry

import (
	"time"

	"github.com/wallgrid/wallgrid/pkg/geom"
)

// ClientID is the stable, operator-visible identity of a viewer. It survives
// socket reconnects and is the only cross-component viewer identifier.
type ClientID string

// TransportID is the ephemeral identity of one message-channel session. It
// changes on every reconnect.
type TransportID string

// Role classifies what a transport is bound to.
type Role int

const (
	RoleUnknown Role = iota
	RoleViewer
	RoleBroadcaster
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleBroadcaster:
		return "broadcaster"
	default:
		return "unknown"
	}
}

// ViewerRecord is the registry's authoritative view of one viewer. Records
// survive disconnects; only TransportID and Connected flip.
type ViewerRecord struct {
	ClientID    ClientID
	TransportID TransportID // empty while disconnected
	DisplayName string
	Connected   bool
	Region      *geom.Rectangle // nil means "not yet assigned"
	LastSeenAt  time.Time
}

// clone returns a value copy safe to hand outside the serialization domain.
func (v *ViewerRecord) clone() ViewerRecord {
	out := *v
	if v.Region != nil {
		region := *v.Region
		out.Region = &region
	}
	return out
}

// BroadcasterRecord is the single active broadcaster slot.
type BroadcasterRecord struct {
	TransportID TransportID
	Geometry    geom.Geometry
}
