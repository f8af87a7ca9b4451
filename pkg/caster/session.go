package caster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/channel"
	"github.com/wallgrid/wallgrid/pkg/cropper"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/media"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/webrtcext"
	"github.com/wallgrid/wallgrid/pkg/worker"
)

// State of one viewer session's negotiation.
type State int

const (
	StateFresh State = iota
	StateOfferSent
	StateAnswered
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// PendingICELimit bounds candidates buffered before the answer arrives;
	// overflow drops the oldest.
	PendingICELimit = 64
	// DefaultOfferTimeout tears a session down when no answer arrives.
	DefaultOfferTimeout = 15 * time.Second
)

var (
	ErrWrongState       = errors.New("operation not valid in this state")
	ErrSessionClosed    = errors.New("session is closed")
	ErrTrackReplaceFail = errors.New("track replacement failed")
)

// SessionConfig assembles everything one viewer session owns.
type SessionConfig struct {
	ViewerTransportID registry.TransportID
	ClientID          registry.ClientID
	Rect              geom.Rectangle
	Source            media.Source
	Factory           *webrtcext.PeerConnectionFactory
	// NewEncoder defaults to the raw pass-through backend.
	NewEncoder EncoderFactory
	// Sink posts session messages to the coordinator.
	Sink *channel.Sink[registry.TransportID, SessionMessage]
	// OfferTimeout defaults to DefaultOfferTimeout.
	OfferTimeout time.Duration
}

// Session is the broadcaster-side object coordinating one peer connection,
// one cropper and the negotiation state for one viewer. A fresh session
// always starts from scratch; peer connections are never reused across
// viewer reconnects.
type Session struct {
	cfg    SessionConfig
	logger *logrus.Entry
	sink   *channel.Sink[registry.TransportID, SessionMessage]

	pc       *webrtc.PeerConnection
	sender   *webrtc.RTPSender
	crop     *cropper.Cropper
	enc      VideoEncoder
	watchdog *worker.Worker[struct{}]

	mu         sync.Mutex
	state      State
	track      *webrtc.TrackLocalStaticSample
	pendingICE []webrtc.ICECandidateInit
	lastAnswer string

	closeOnce sync.Once
}

func videoCodec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}
}

// NewSession builds the cropper and peer connection, attaches the cropped
// track and emits the SDP offer through the sink (Fresh → OfferSent).
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = NewRawEncoder
	}

	logger := logrus.WithFields(logrus.Fields{
		"component":    "viewer-session",
		"client_id":    cfg.ClientID,
		"transport_id": cfg.ViewerTransportID,
	})

	enc, err := cfg.NewEncoder(cfg.Rect.Width, cfg.Rect.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(videoCodec(), "video", "wallgrid-"+string(cfg.ClientID))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	pc, err := cfg.Factory.CreatePeerConnection()
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		enc.Close()
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		sink:   cfg.Sink,
		pc:     pc,
		sender: sender,
		crop:   cropper.Bind(cfg.Source, cfg.Rect),
		enc:    enc,
		state:  StateFresh,
		track:  track,
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(s.onConnectionStateChange)

	go s.drainRTCP()
	go s.encodeLoop()

	if err := s.sendOffer(); err != nil {
		s.Close()
		return nil, err
	}

	s.watchdog = worker.Start(worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     cfg.OfferTimeout,
		OnTimeout:   s.onOfferTimeout,
		OnTask:      func(struct{}) {},
	})

	return s, nil
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rect returns the currently served rectangle.
func (s *Session) Rect() geom.Rectangle {
	return s.crop.Rect()
}

func (s *Session) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	s.mu.Lock()
	if s.state == StateFresh {
		s.state = StateOfferSent
	}
	s.mu.Unlock()

	return s.sink.Send(OfferReady{SDP: offer})
}

// OnAnswer applies the viewer's SDP answer. Accepted only in OfferSent;
// setting the same answer twice is a no-op. Draining the pending ICE queue
// happens before the transition to Answered.
func (s *Session) OnAnswer(sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state == StateAnswered && s.lastAnswer == sdp.SDP {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateOfferSent {
		state := s.state
		s.mu.Unlock()
		s.logger.WithField("state", state).Warn("dropping answer in wrong state")
		return fmt.Errorf("%w: answer in %s", ErrWrongState, state)
	}
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.WithError(err).Warn("failed to apply buffered ICE candidate")
		}
	}

	s.mu.Lock()
	s.state = StateAnswered
	s.lastAnswer = sdp.SDP
	s.mu.Unlock()

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	return nil
}

// OnRemoteCandidate handles an ICE candidate from the viewer. Buffered in
// OfferSent (bounded, drop-oldest), applied immediately in Answered and
// Connected, dropped in any other state.
func (s *Session) OnRemoteCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	switch s.state {
	case StateOfferSent:
		if len(s.pendingICE) >= PendingICELimit {
			s.pendingICE = s.pendingICE[1:]
			s.logger.Warn("pending ICE queue overflow, dropping oldest candidate")
		}
		s.pendingICE = append(s.pendingICE, candidate)
		s.mu.Unlock()
		return
	case StateAnswered, StateConnected:
		s.mu.Unlock()
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.WithError(err).Warn("failed to add ICE candidate")
		}
		return
	default:
		state := s.state
		s.mu.Unlock()
		s.logger.WithField("state", state).Debug("dropping ICE candidate")
	}
}

// PendingCandidates reports how many remote candidates are buffered.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingICE)
}

// OnRegionChange re-binds the session to a new rectangle. Same dimensions
// move only the cropper's source offset; nothing on the wire changes. New
// dimensions swap a fresh track on the existing sender without recreating
// the peer connection.
func (s *Session) OnRegionChange(rect geom.Rectangle) error {
	current := s.crop.Rect()
	if rect.SameSize(current) {
		s.crop.Retarget(rect)
		return nil
	}

	s.crop.Retarget(rect)
	if err := s.enc.SetDimensions(rect.Width, rect.Height); err != nil {
		return fmt.Errorf("%w: %v", ErrTrackReplaceFail, err)
	}

	newTrack, err := webrtc.NewTrackLocalStaticSample(videoCodec(), "video", "wallgrid-"+string(s.cfg.ClientID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrackReplaceFail, err)
	}
	if err := s.sender.ReplaceTrack(newTrack); err != nil {
		return fmt.Errorf("%w: %v", ErrTrackReplaceFail, err)
	}

	s.mu.Lock()
	s.track = newTrack
	s.mu.Unlock()

	s.enc.ForceKeyframe()
	s.logger.WithFields(logrus.Fields{
		"width":  rect.Width,
		"height": rect.Height,
	}).Info("replaced track for new region dimensions")
	return nil
}

// Close stops the cropper, closes the peer connection and clears pending
// ICE. Idempotent; the sink is sealed so no further messages escape.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.pendingICE = nil
		s.mu.Unlock()

		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.crop.Close()
		if err := s.pc.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close peer connection")
		}
		s.enc.Close()
		s.sink.Seal()
	})
}

func (s *Session) onOfferTimeout() {
	s.mu.Lock()
	expired := s.state == StateOfferSent
	s.mu.Unlock()
	if expired {
		s.logger.Warn("offer not answered in time")
		s.sink.Send(OfferExpired{})
	}
}

func (s *Session) onLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		s.sink.Send(GatheringComplete{})
		return
	}
	s.sink.Send(LocalCandidate{Candidate: candidate.ToJSON()})
}

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.logger.WithField("state", state.String()).Info("peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.state == StateAnswered || s.state == StateOfferSent {
			s.state = StateConnected
		}
		s.mu.Unlock()
		s.sink.Send(SessionConnected{})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.mu.Lock()
		closed := s.state == StateClosed
		if !closed {
			s.state = StateFailed
		}
		s.mu.Unlock()
		if !closed {
			s.sink.Send(SessionFailed{Err: fmt.Errorf("peer connection %s", state)})
		}
	}
}

// drainRTCP reads sender reports so the interceptors keep working and turns
// picture-loss feedback into encoder keyframes.
func (s *Session) drainRTCP() {
	buf := make([]byte, 1500)
	var lastKeyframe time.Time
	for {
		n, _, err := s.sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				// Rate-limit keyframe forcing.
				if time.Since(lastKeyframe) < 500*time.Millisecond {
					continue
				}
				lastKeyframe = time.Now()
				s.enc.ForceKeyframe()
			}
		}
	}
}

// encodeLoop pulls cropped frames, encodes them and writes samples onto the
// current track. It exits when the cropper closes.
func (s *Session) encodeLoop() {
	var lastTS time.Time
	for frame := range s.crop.Frames() {
		payload, err := s.enc.Encode(frame)
		if err != nil {
			if !errors.Is(err, ErrEncoderClosed) {
				s.logger.WithError(err).Warn("encode failed")
			}
			continue
		}
		if payload == nil {
			continue
		}

		duration := time.Second / cropper.MaxFrameRate
		if !lastTS.IsZero() && frame.Timestamp.After(lastTS) {
			duration = frame.Timestamp.Sub(lastTS)
		}
		lastTS = frame.Timestamp

		s.mu.Lock()
		track := s.track
		s.mu.Unlock()

		if err := track.WriteSample(pionmedia.Sample{Data: payload, Duration: duration}); err != nil {
			s.logger.WithError(err).Debug("failed to write sample")
		}
	}
}
