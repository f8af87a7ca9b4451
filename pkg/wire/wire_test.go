package wire_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

func TestDecodeRegisterViewer(t *testing.T) {
	data := []byte(`{"type":"register-viewer","payload":{"clientId":"wall-a","displayName":"North Wall"}}`)
	msg, err := wire.Decode(data)
	require.NoError(t, err)

	reg, ok := msg.(*wire.RegisterViewer)
	require.True(t, ok)
	require.Equal(t, "wall-a", reg.ClientID)
	require.Equal(t, "North Wall", reg.DisplayName)
}

func TestMarshalDecodeOffer(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	data, err := wire.Marshal(&wire.BroadcasterOffer{ViewerTransportID: "t-1", SDP: sdp})
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)
	offer := msg.(*wire.BroadcasterOffer)
	require.Equal(t, "t-1", offer.ViewerTransportID)
	require.JSONEq(t, string(sdp), string(offer.SDP))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := wire.Decode([]byte(`{"type":"bogus","payload":{}}`))
	require.ErrorIs(t, err, wire.ErrUnknownType)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := wire.Decode([]byte(`{"type":"register-viewer","payload":"not-an-object"}`))
	require.ErrorIs(t, err, wire.ErrBadPayload)

	_, err = wire.Decode([]byte(`not json`))
	require.ErrorIs(t, err, wire.ErrBadPayload)
}

func TestClientPatchTriState(t *testing.T) {
	// Region present.
	var patch wire.ClientPatch
	require.NoError(t, json.Unmarshal([]byte(`{"region":{"x":1,"y":2,"width":3,"height":4}}`), &patch))
	require.True(t, patch.RegionSet)
	require.NotNil(t, patch.Region)
	require.Equal(t, geom.RawRectangle{X: 1, Y: 2, Width: 3, Height: 4}, *patch.Region)

	// Region explicitly null clears the assignment.
	patch = wire.ClientPatch{}
	require.NoError(t, json.Unmarshal([]byte(`{"region":null}`), &patch))
	require.True(t, patch.RegionSet)
	require.Nil(t, patch.Region)

	// Region absent leaves the assignment untouched.
	patch = wire.ClientPatch{}
	require.NoError(t, json.Unmarshal([]byte(`{"displayName":"Lobby"}`), &patch))
	require.False(t, patch.RegionSet)
	require.NotNil(t, patch.DisplayName)
	require.Equal(t, "Lobby", *patch.DisplayName)
}

func TestUpdateClientConfigRoundTrip(t *testing.T) {
	name := "Lobby"
	msg := &wire.UpdateClientConfig{
		ClientID: "wall-a",
		Config: wire.ClientPatch{
			Region:      &geom.RawRectangle{X: 0, Y: 0, Width: 640, Height: 360},
			RegionSet:   true,
			DisplayName: &name,
		},
	}

	data, err := wire.Marshal(msg)
	require.NoError(t, err)

	decoded, err := wire.Decode(data)
	require.NoError(t, err)
	got := decoded.(*wire.UpdateClientConfig)
	require.Equal(t, "wall-a", got.ClientID)
	require.True(t, got.Config.RegionSet)
	require.Equal(t, msg.Config.Region, got.Config.Region)
	require.Equal(t, "Lobby", *got.Config.DisplayName)
}
