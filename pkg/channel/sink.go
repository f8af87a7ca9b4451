package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("the channel is sealed")

// Message pairs a payload with the identity of the participant that produced
// it. The hub and the caster coordinator both consume fan-in channels of this
// shape: many producers, one serialized consumer.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}

// Sink is a write handle onto a shared fan-in channel with the sender
// identity baked in. A producer holding a Sink cannot impersonate another
// sender, and the consumer can cut a single producer off with Seal without
// closing the shared channel.
type Sink[SenderType comparable, MessageType any] struct {
	sender SenderType
	shared chan<- Message[SenderType, MessageType]
	// Closed to signal that this producer has been cut off. The shared
	// channel stays open for everyone else.
	sealed        chan struct{}
	alreadySealed atomic.Bool
}

// NewSink wraps the shared channel for one sender. The sink does not own the
// channel and never closes it.
func NewSink[S comparable, M any](sender S, shared chan<- Message[S, M]) *Sink[S, M] {
	return &Sink[S, M]{
		sender: sender,
		shared: shared,
		sealed: make(chan struct{}),
	}
}

// Send delivers a message to the consumer. Blocks if the consumer is behind;
// returns ErrSinkSealed once the producer has been cut off.
func (s *Sink[S, M]) Send(content M) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.shared <- Message[S, M]{Sender: s.sender, Content: content}:
		return nil
	}
}

// Seal cuts this producer off. Idempotent. A sender already blocked in Send
// may still complete its delivery if the consumer drains the channel first.
func (s *Sink[S, M]) Seal() {
	if !s.alreadySealed.CompareAndSwap(false, true) {
		return
	}
	close(s.sealed)
}

// Sealed reports whether the sink has been cut off.
func (s *Sink[S, M]) Sealed() bool {
	return s.alreadySealed.Load()
}
