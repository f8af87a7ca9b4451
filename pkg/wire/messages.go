package wire

import (
	"encoding/json"
	"time"

	"github.com/wallgrid/wallgrid/pkg/geom"
)

// Message type discriminators, participant → hub.
const (
	TypeRegisterBroadcaster     = "register-broadcaster"
	TypeRegisterViewer          = "register-viewer"
	TypeGetClientConfig         = "get-client-config"
	TypeGetClients              = "get-clients"
	TypeUpdateClientConfig      = "update-client-config"
	TypeBroadcasterOffer        = "broadcaster-offer"
	TypeViewerAnswer            = "viewer-answer"
	TypeBroadcasterICECandidate = "broadcaster-ice-candidate"
	TypeViewerICECandidate      = "viewer-ice-candidate"
)

// Message type discriminators, hub → participant.
const (
	TypeClientConfig           = "client-config"
	TypeClientsUpdate          = "clients-update"
	TypeRegionUpdate           = "region-update"
	TypeStreamDimensions       = "stream-dimensions"
	TypeStreamDimensionsUpdate = "stream-dimensions-update"
	TypeNewViewer              = "new-viewer"
	TypeClientRegionUpdated    = "client-region-updated"
	TypeViewerDisconnected     = "viewer-disconnected"
	TypeBroadcasterDisconnect  = "broadcaster-disconnected"
)

// RegisterBroadcaster announces a publishing broadcaster and its source
// geometry. Any prior broadcaster is forcibly replaced.
type RegisterBroadcaster struct {
	Geometry geom.Geometry `json:"geometry"`
}

// RegisterViewer binds the socket to a stable clientId.
type RegisterViewer struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
}

// GetClientConfig is the viewer bootstrap request.
type GetClientConfig struct {
	ClientID string `json:"clientId"`
}

// GetClients is the admin bootstrap request.
type GetClients struct{}

// ClientPatch is the partial update an admin applies to a viewer. Region
// distinguishes "absent" (leave untouched) from "null" (clear the region),
// hence the custom unmarshalling.
type ClientPatch struct {
	Region      *geom.RawRectangle `json:"-"`
	RegionSet   bool               `json:"-"`
	DisplayName *string            `json:"-"`
}

func (p *ClientPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["region"]; ok {
		p.RegionSet = true
		if string(v) != "null" {
			var rect geom.RawRectangle
			if err := json.Unmarshal(v, &rect); err != nil {
				return err
			}
			p.Region = &rect
		}
	}
	if v, ok := raw["displayName"]; ok && string(v) != "null" {
		var name string
		if err := json.Unmarshal(v, &name); err != nil {
			return err
		}
		p.DisplayName = &name
	}
	return nil
}

func (p ClientPatch) MarshalJSON() ([]byte, error) {
	raw := map[string]interface{}{}
	if p.RegionSet {
		if p.Region != nil {
			raw["region"] = p.Region
		} else {
			raw["region"] = nil
		}
	}
	if p.DisplayName != nil {
		raw["displayName"] = *p.DisplayName
	}
	return json.Marshal(raw)
}

// UpdateClientConfig carries an admin's partial viewer update.
type UpdateClientConfig struct {
	ClientID string      `json:"clientId"`
	Config   ClientPatch `json:"config"`
}

// BroadcasterOffer carries an SDP offer from the broadcaster. On the
// broadcaster→hub leg ViewerTransportID addresses the target viewer; on the
// hub→viewer leg it is omitted. The SDP body is opaque to the hub.
type BroadcasterOffer struct {
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	SDP               json.RawMessage `json:"sdp"`
}

// ViewerAnswer carries an SDP answer. The hub tags it with the viewer's
// transportId before forwarding to the broadcaster.
type ViewerAnswer struct {
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	SDP               json.RawMessage `json:"sdp"`
}

// BroadcasterICECandidate travels broadcaster → viewer.
type BroadcasterICECandidate struct {
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	Candidate         json.RawMessage `json:"candidate"`
}

// ViewerICECandidate travels viewer → broadcaster.
type ViewerICECandidate struct {
	ViewerTransportID string          `json:"viewerTransportId,omitempty"`
	Candidate         json.RawMessage `json:"candidate"`
}

// ClientInfo is the wire form of a viewer record.
type ClientInfo struct {
	ClientID    string          `json:"clientId"`
	DisplayName string          `json:"displayName,omitempty"`
	Connected   bool            `json:"connected"`
	Region      *geom.Rectangle `json:"region"`
	LastSeenAt  time.Time       `json:"lastSeenAt"`
}

// ClientConfig is sent to a viewer on bind and on full config change.
type ClientConfig struct {
	ClientInfo
}

// ClientsUpdate is the roster snapshot sent to admins.
type ClientsUpdate struct {
	Clients []ClientInfo `json:"clients"`
}

// RegionUpdate is the region-only update sent to a viewer. Its arrival means
// the media session must not be torn down.
type RegionUpdate struct {
	ClientID string          `json:"clientId"`
	Region   *geom.Rectangle `json:"region"`
	Geometry *geom.Geometry  `json:"geometry,omitempty"`
}

// StreamDimensions announces the source geometry.
type StreamDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StreamDimensionsUpdate announces a geometry change mid-stream.
type StreamDimensionsUpdate struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NewViewer tells the broadcaster a viewer is ready for a session. Region is
// included when already assigned so the broadcaster can start immediately.
type NewViewer struct {
	ViewerTransportID string          `json:"viewerTransportId"`
	ClientID          string          `json:"clientId"`
	Region            *geom.Rectangle `json:"region,omitempty"`
}

// ClientRegionUpdated tells the broadcaster a viewer's region changed.
// A nil region means the assignment was cleared.
type ClientRegionUpdated struct {
	ClientID string          `json:"clientId"`
	Region   *geom.Rectangle `json:"region"`
}

// ViewerDisconnected tells the broadcaster to drop the viewer's session.
type ViewerDisconnected struct {
	ViewerTransportID string `json:"viewerTransportId"`
}

// BroadcasterDisconnected tells viewers and admins the stream ended.
type BroadcasterDisconnected struct{}
