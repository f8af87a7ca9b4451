// Package cropper derives a per-viewer video feed from the shared source:
// each cropper owns one producer goroutine that takes the freshest source
// frame, cuts out its viewer's rectangle and hands the result downstream.
// The rectangle can be retargeted live without recreating the cropper.
package cropper

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/media"
)

// MaxFrameRate caps cropper output regardless of the source rate.
const MaxFrameRate = 30

// Cropper produces a derived frame stream constrained to a rectangle.
type Cropper struct {
	logger *logrus.Entry

	mu   sync.Mutex
	rect geom.Rectangle

	out    chan *media.Frame
	cancel func()
	once   sync.Once
}

// Bind subscribes to the source and starts the producer goroutine. The
// rectangle is expected to be pre-normalized by the registry; it is still
// clamped against each frame as a safety net.
func Bind(source media.Source, rect geom.Rectangle) *Cropper {
	frames, cancel := source.Subscribe()
	c := &Cropper{
		logger: logrus.WithField("component", "cropper"),
		rect:   rect,
		out:    make(chan *media.Frame, 1),
		cancel: cancel,
	}
	go c.run(frames)
	return c
}

// Frames is the derived stream. Latest-wins: an unconsumed frame is
// displaced by a newer one. Closed when the cropper closes.
func (c *Cropper) Frames() <-chan *media.Frame {
	return c.out
}

// Rect returns the currently bound rectangle.
func (c *Cropper) Rect() geom.Rectangle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rect
}

// Retarget atomically updates the rectangle; the next produced frame uses
// it. Callers that change dimensions are expected to also swap the outgoing
// track (the wire stream's frame size changes).
func (c *Cropper) Retarget(rect geom.Rectangle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rect = rect
}

// Close stops production and releases the source subscription. Idempotent.
func (c *Cropper) Close() {
	c.once.Do(c.cancel)
}

func (c *Cropper) run(frames <-chan *media.Frame) {
	defer close(c.out)

	minInterval := time.Second / MaxFrameRate
	var lastEmit time.Time

	for frame := range frames {
		// Frame-rate cap: drop frames arriving faster than 30 fps. The
		// source channel is latest-wins, so this never builds a queue.
		if !frame.Timestamp.IsZero() && frame.Timestamp.Sub(lastEmit) < minInterval {
			continue
		}

		rect := c.Rect()
		if rect.Area() == 0 {
			// Zero area after clipping: produce nothing, the viewer keeps
			// its last-good frame.
			continue
		}

		cropped := frame.Crop(rect.X, rect.Y, rect.Width, rect.Height)
		if cropped == nil {
			c.logger.WithField("rect", rect).Warn("rectangle fully outside the source frame")
			continue
		}
		lastEmit = frame.Timestamp

		select {
		case c.out <- cropped:
		default:
			select {
			case <-c.out:
			default:
			}
			select {
			case c.out <- cropped:
			default:
			}
		}
	}
}
