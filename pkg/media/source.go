package media

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/geom"
)

// Source is anything that produces raw frames at a fixed geometry. The
// shared source is read by every cropper; delivery is latest-wins, a slow
// consumer never sees a queue, only the freshest frame.
type Source interface {
	// Subscribe returns a frame channel and a cancel function. The channel
	// is closed when the source closes or the subscription is cancelled.
	Subscribe() (<-chan *Frame, func())
	Geometry() geom.Geometry
	Close()
}

// SharedSource fans one frame producer out to many subscribers with drop-old
// delivery: each subscriber holds a buffer of one frame, and a newer frame
// displaces an unconsumed older one.
type SharedSource struct {
	geometry geom.Geometry
	logger   *logrus.Entry

	mu     sync.Mutex
	subs   map[uint64]chan *Frame
	nextID uint64
	closed bool
}

func NewSharedSource(g geom.Geometry) *SharedSource {
	return &SharedSource{
		geometry: g,
		subs:     make(map[uint64]chan *Frame),
		logger:   logrus.WithField("component", "source"),
	}
}

func (s *SharedSource) Geometry() geom.Geometry {
	return s.geometry
}

// Publish hands a frame to every subscriber, displacing any frame a slow
// subscriber has not consumed yet.
func (s *SharedSource) Publish(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

func (s *SharedSource) Subscribe() (<-chan *Frame, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Frame, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close stops the source and closes all subscriptions. Idempotent.
func (s *SharedSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
