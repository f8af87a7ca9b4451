package media_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wallgrid/wallgrid/pkg/geom"
	"github.com/wallgrid/wallgrid/pkg/media"
)

func gradientFrame(w, h int) *media.Frame {
	f := media.NewFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Y[y*f.StrideY+x] = byte(x ^ y)
		}
	}
	return f
}

func TestCropDimensionsAndContent(t *testing.T) {
	src := gradientFrame(64, 48)

	out := src.Crop(16, 8, 32, 24)
	require.NotNil(t, out)
	require.Equal(t, 32, out.Width)
	require.Equal(t, 24, out.Height)

	// Top-left pixel of the crop equals the source pixel at the origin.
	require.Equal(t, src.Y[8*src.StrideY+16], out.Y[0])
}

func TestCropClampsToBounds(t *testing.T) {
	src := gradientFrame(64, 48)

	out := src.Crop(60, 40, 100, 100)
	require.NotNil(t, out)
	require.Equal(t, 4, out.Width)
	require.Equal(t, 8, out.Height)
}

func TestCropSnapsOddOriginToEven(t *testing.T) {
	src := gradientFrame(64, 48)

	out := src.Crop(15, 9, 16, 16)
	require.NotNil(t, out)
	// Origin snapped down to (14, 8); content must match there.
	require.Equal(t, src.Y[8*src.StrideY+14], out.Y[0])
}

func TestCropOutsideFrameIsNil(t *testing.T) {
	src := gradientFrame(64, 48)
	require.Nil(t, src.Crop(64, 0, 10, 10))
	require.Nil(t, src.Crop(0, 0, 0, 10))
}

func TestSharedSourceDropOld(t *testing.T) {
	src := media.NewSharedSource(geom.Geometry{Width: 4, Height: 4})
	defer src.Close()

	frames, cancel := src.Subscribe()
	defer cancel()

	first := media.NewFrame(4, 4)
	second := media.NewFrame(4, 4)
	second.Timestamp = time.Unix(99, 0)

	src.Publish(first)
	src.Publish(second) // displaces the unconsumed first frame

	got := <-frames
	require.Equal(t, second.Timestamp, got.Timestamp)
	require.Len(t, frames, 0)
}

func TestSharedSourceCloseClosesSubscribers(t *testing.T) {
	src := media.NewSharedSource(geom.Geometry{Width: 4, Height: 4})
	frames, cancel := src.Subscribe()
	defer cancel()

	src.Close()
	src.Close() // idempotent

	_, ok := <-frames
	require.False(t, ok)

	// Subscribing after close yields a closed channel.
	late, _ := src.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}

func TestCancelStopsDelivery(t *testing.T) {
	src := media.NewSharedSource(geom.Geometry{Width: 4, Height: 4})
	defer src.Close()

	frames, cancel := src.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-frames
	require.False(t, ok)
}
