package caster

import (
	"errors"
	"sync"

	"github.com/wallgrid/wallgrid/pkg/media"
)

var ErrEncoderClosed = errors.New("encoder is closed")

// VideoEncoder turns raw cropped frames into encoded access units for the
// outgoing track. Implementations are owned by exactly one viewer session.
type VideoEncoder interface {
	// Encode returns the encoded payload for one frame. A nil payload with
	// nil error means "skip this frame".
	Encode(frame *media.Frame) ([]byte, error)
	// ForceKeyframe requests an IDR on the next encode; wired to RTCP
	// PLI/FIR from the viewer.
	ForceKeyframe()
	// SetDimensions reconfigures the encoder for a new frame size. Called on
	// region dimension changes before the track swap.
	SetDimensions(width, height int) error
	Close() error
}

// EncoderFactory builds one encoder per viewer session.
type EncoderFactory func(width, height int) (VideoEncoder, error)

// rawEncoder is the built-in backend: it passes I420 planes through
// untouched. It keeps the pipeline testable end to end and serves loopback
// viewers; hardware H.264 backends plug in via EncoderFactory.
type rawEncoder struct {
	mu     sync.Mutex
	closed bool
}

// NewRawEncoder returns the pass-through backend.
func NewRawEncoder(width, height int) (VideoEncoder, error) {
	return &rawEncoder{}, nil
}

func (e *rawEncoder) Encode(frame *media.Frame) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEncoderClosed
	}
	if frame == nil {
		return nil, nil
	}
	return frame.Bytes(), nil
}

func (e *rawEncoder) ForceKeyframe() {}

func (e *rawEncoder) SetDimensions(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	return nil
}

func (e *rawEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
