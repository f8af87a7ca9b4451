package geom

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrZeroArea is returned when a rectangle has no area after normalization.
	ErrZeroArea = errors.New("rectangle has zero area")
	// ErrBadGeometry is returned for a non-positive source geometry.
	ErrBadGeometry = errors.New("geometry dimensions must be positive")
)

// Geometry is the source frame size in pixels.
type Geometry struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}

func (g Geometry) Validate() error {
	if !g.Valid() {
		return fmt.Errorf("%w: %dx%d", ErrBadGeometry, g.Width, g.Height)
	}
	return nil
}

// Rectangle is a sub-area of the source frame in source-pixel units.
type Rectangle struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (r Rectangle) Area() int {
	return r.Width * r.Height
}

func (r Rectangle) SameSize(other Rectangle) bool {
	return r.Width == other.Width && r.Height == other.Height
}

// RawRectangle carries operator input before normalization. Admin tooling
// works in display space and may hand us fractional values.
type RawRectangle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// roundHalfEven rounds to the nearest integer, ties to even.
func roundHalfEven(v float64) int {
	return int(math.RoundToEven(v))
}

// Normalize rounds the raw rectangle to integers (half-to-even) and clamps
// negative origins to zero. It does not clip to a geometry; see Clip.
func (r RawRectangle) Normalize() Rectangle {
	rect := Rectangle{
		X:      roundHalfEven(r.X),
		Y:      roundHalfEven(r.Y),
		Width:  roundHalfEven(r.Width),
		Height: roundHalfEven(r.Height),
	}
	if rect.X < 0 {
		rect.X = 0
	}
	if rect.Y < 0 {
		rect.Y = 0
	}
	if rect.Width < 0 {
		rect.Width = 0
	}
	if rect.Height < 0 {
		rect.Height = 0
	}
	return rect
}

// Clip constrains the rectangle to the given geometry. The origin is clamped
// inside the frame and the extent is reduced so that x+width <= sourceWidth
// and y+height <= sourceHeight.
func (r Rectangle) Clip(g Geometry) Rectangle {
	out := r
	if out.X > g.Width {
		out.X = g.Width
	}
	if out.Y > g.Height {
		out.Y = g.Height
	}
	if out.X+out.Width > g.Width {
		out.Width = g.Width - out.X
	}
	if out.Y+out.Height > g.Height {
		out.Height = g.Height - out.Y
	}
	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}
	return out
}

// NormalizeRegion is the registry's normalization pipeline: round the raw
// input, clip it to the geometry if one is known, and reject zero-area
// results.
func NormalizeRegion(raw RawRectangle, g *Geometry) (Rectangle, error) {
	rect := raw.Normalize()
	if g != nil {
		if err := g.Validate(); err != nil {
			return Rectangle{}, err
		}
		rect = rect.Clip(*g)
	}
	if rect.Area() == 0 {
		return Rectangle{}, ErrZeroArea
	}
	return rect, nil
}
