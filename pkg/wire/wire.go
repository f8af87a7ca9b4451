// Package wire defines the JSON protocol between the hub and its
// participants. Every frame is an envelope with a `type` discriminator and a
// type-specific payload; unknown types surface as errors at the dispatch
// boundary and are dropped there.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadPayload  = errors.New("malformed message payload")
)

// Envelope is the outer frame of every wire message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// typeOf maps a concrete message to its discriminator.
func typeOf(msg any) (string, bool) {
	switch msg.(type) {
	case RegisterBroadcaster, *RegisterBroadcaster:
		return TypeRegisterBroadcaster, true
	case RegisterViewer, *RegisterViewer:
		return TypeRegisterViewer, true
	case GetClientConfig, *GetClientConfig:
		return TypeGetClientConfig, true
	case GetClients, *GetClients:
		return TypeGetClients, true
	case UpdateClientConfig, *UpdateClientConfig:
		return TypeUpdateClientConfig, true
	case BroadcasterOffer, *BroadcasterOffer:
		return TypeBroadcasterOffer, true
	case ViewerAnswer, *ViewerAnswer:
		return TypeViewerAnswer, true
	case BroadcasterICECandidate, *BroadcasterICECandidate:
		return TypeBroadcasterICECandidate, true
	case ViewerICECandidate, *ViewerICECandidate:
		return TypeViewerICECandidate, true
	case ClientConfig, *ClientConfig:
		return TypeClientConfig, true
	case ClientsUpdate, *ClientsUpdate:
		return TypeClientsUpdate, true
	case RegionUpdate, *RegionUpdate:
		return TypeRegionUpdate, true
	case StreamDimensions, *StreamDimensions:
		return TypeStreamDimensions, true
	case StreamDimensionsUpdate, *StreamDimensionsUpdate:
		return TypeStreamDimensionsUpdate, true
	case NewViewer, *NewViewer:
		return TypeNewViewer, true
	case ClientRegionUpdated, *ClientRegionUpdated:
		return TypeClientRegionUpdated, true
	case ViewerDisconnected, *ViewerDisconnected:
		return TypeViewerDisconnected, true
	case BroadcasterDisconnected, *BroadcasterDisconnected:
		return TypeBroadcasterDisconnect, true
	}
	return "", false
}

// Marshal wraps a concrete message into its envelope frame.
func Marshal(msg any) ([]byte, error) {
	msgType, ok := typeOf(msg)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Decode parses an envelope frame into the concrete message for its type.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope parses an already-framed envelope.
func DecodeEnvelope(env Envelope) (any, error) {
	var msg any
	switch env.Type {
	case TypeRegisterBroadcaster:
		msg = &RegisterBroadcaster{}
	case TypeRegisterViewer:
		msg = &RegisterViewer{}
	case TypeGetClientConfig:
		msg = &GetClientConfig{}
	case TypeGetClients:
		msg = &GetClients{}
	case TypeUpdateClientConfig:
		msg = &UpdateClientConfig{}
	case TypeBroadcasterOffer:
		msg = &BroadcasterOffer{}
	case TypeViewerAnswer:
		msg = &ViewerAnswer{}
	case TypeBroadcasterICECandidate:
		msg = &BroadcasterICECandidate{}
	case TypeViewerICECandidate:
		msg = &ViewerICECandidate{}
	case TypeClientConfig:
		msg = &ClientConfig{}
	case TypeClientsUpdate:
		msg = &ClientsUpdate{}
	case TypeRegionUpdate:
		msg = &RegionUpdate{}
	case TypeStreamDimensions:
		msg = &StreamDimensions{}
	case TypeStreamDimensionsUpdate:
		msg = &StreamDimensionsUpdate{}
	case TypeNewViewer:
		msg = &NewViewer{}
	case TypeClientRegionUpdated:
		msg = &ClientRegionUpdated{}
	case TypeViewerDisconnected:
		msg = &ViewerDisconnected{}
	case TypeBroadcasterDisconnect:
		msg = &BroadcasterDisconnected{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	return msg, nil
}
