// Package webrtcext wraps pion's API construction so every peer connection in
// the caster comes out of one pre-configured factory: playout-delay header
// extension for low-latency wall rendering, default interceptors, shared STUN
// configuration.
package webrtcext

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Config for the peer connection factory.
type Config struct {
	// STUN server URLs. Empty means host candidates only.
	STUNServers []string `yaml:"stun_servers"`
}

// PeerConnectionFactory constructs pre-configured peer connections.
type PeerConnectionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	api, err := createWebRTCAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	rtcConfig := webrtc.Configuration{}
	if len(config.STUNServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: config.STUNServers}}
	}

	return &PeerConnectionFactory{api: api, config: rtcConfig}, nil
}

// CreatePeerConnection returns a fresh peer connection from the shared API.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.config)
}

func createWebRTCAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// Signals to browser decoders that frames should be rendered immediately
	// rather than smoothed through a jitter buffer sized for video calls.
	const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		return nil, fmt.Errorf("failed to register playout-delay extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}
