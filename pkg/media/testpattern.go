package media

import (
	"context"
	"time"

	"github.com/wallgrid/wallgrid/pkg/geom"
)

// TestPattern pumps a moving luma gradient into a shared source. It stands in
// for a capture device in demos and tests; the pattern shifts every frame so
// region crops are visually distinguishable.
type TestPattern struct {
	source *SharedSource
	cancel context.CancelFunc
}

func NewTestPattern(g geom.Geometry, fps int) *TestPattern {
	ctx, cancel := context.WithCancel(context.Background())
	tp := &TestPattern{
		source: NewSharedSource(g),
		cancel: cancel,
	}
	go tp.run(ctx, fps)
	return tp
}

// Source exposes the underlying shared source.
func (t *TestPattern) Source() *SharedSource {
	return t.source
}

func (t *TestPattern) Close() {
	t.cancel()
	t.source.Close()
}

func (t *TestPattern) run(ctx context.Context, fps int) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	g := t.source.Geometry()
	shift := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			frame := NewFrame(g.Width, g.Height)
			frame.Timestamp = now
			for y := 0; y < g.Height; y++ {
				row := frame.Y[y*frame.StrideY : (y+1)*frame.StrideY]
				for x := range row {
					row[x] = byte(x + y + shift)
				}
			}
			for i := range frame.Cb {
				frame.Cb[i] = 128
				frame.Cr[i] = 128
			}
			shift++
			t.source.Publish(frame)
		}
	}
}
