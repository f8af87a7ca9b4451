// Package media carries raw video frames between the capture source, the
// per-viewer croppers and the encoders. Frames are planar I420; croppers
// share the source frames by read and never mutate them.
package media

import "time"

// Frame is one raw video frame in I420 (4:2:0 planar) layout.
type Frame struct {
	Width  int
	Height int
	// Luma plane, StrideY bytes per row, Height rows.
	Y       []byte
	StrideY int
	// Chroma planes, StrideC bytes per row, Height/2 rows each.
	Cb      []byte
	Cr      []byte
	StrideC int
	// Capture timestamp; consumers derive sample durations from deltas.
	Timestamp time.Time
}

// NewFrame allocates a tightly packed I420 frame.
func NewFrame(width, height int) *Frame {
	cw, ch := (width+1)/2, (height+1)/2
	return &Frame{
		Width:   width,
		Height:  height,
		Y:       make([]byte, width*height),
		StrideY: width,
		Cb:      make([]byte, cw*ch),
		Cr:      make([]byte, cw*ch),
		StrideC: cw,
	}
}

// Crop copies the sub-rectangle (x, y, w, h) out of the frame into a new
// tightly packed frame. The rectangle is clamped to the frame bounds and the
// origin is snapped down to even coordinates so the chroma planes stay
// aligned. Returns nil when the clamped rectangle has no area.
func (f *Frame) Crop(x, y, w, h int) *Frame {
	// Chroma subsampling needs even origins.
	x &^= 1
	y &^= 1
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x+w > f.Width {
		w = f.Width - x
	}
	if y+h > f.Height {
		h = f.Height - y
	}
	if w <= 0 || h <= 0 {
		return nil
	}

	out := NewFrame(w, h)
	out.Timestamp = f.Timestamp

	for row := 0; row < h; row++ {
		src := (y+row)*f.StrideY + x
		copy(out.Y[row*out.StrideY:(row+1)*out.StrideY], f.Y[src:src+w])
	}

	cw, ch := (w+1)/2, (h+1)/2
	cx, cy := x/2, y/2
	for row := 0; row < ch; row++ {
		src := (cy+row)*f.StrideC + cx
		copy(out.Cb[row*out.StrideC:row*out.StrideC+cw], f.Cb[src:src+cw])
		copy(out.Cr[row*out.StrideC:row*out.StrideC+cw], f.Cr[src:src+cw])
	}
	return out
}

// Bytes returns the frame's planes concatenated in I420 order.
func (f *Frame) Bytes() []byte {
	out := make([]byte, 0, len(f.Y)+len(f.Cb)+len(f.Cr))
	out = append(out, f.Y...)
	out = append(out, f.Cb...)
	out = append(out, f.Cr...)
	return out
}
