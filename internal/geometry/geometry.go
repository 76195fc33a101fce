// Package geometry provides the coordinate math shared by the capture
// engines: translation between the global virtual-desktop space and a
// single display's local space, scale-factor resolution, and rectangle
// helpers for cropping and clamping.
package geometry

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
)

// Point is a position in a 2D coordinate space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair in pixels or points.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned rectangle. Coordinates may be negative: secondary
// displays commonly sit at negative origins in the global space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewRect builds a Rect from individual components.
func NewRect(x, y, w, h float64) Rect {
	return Rect{X: x, Y: y, Width: w, Height: h}
}

// Origin returns the rectangle's top-left corner.
func (r Rect) Origin() Point {
	return Point{X: r.X, Y: r.Y}
}

// Size returns the rectangle's dimensions.
func (r Rect) Size() Size {
	return Size{Width: r.Width, Height: r.Height}
}

// IsEmpty reports whether the rectangle encloses no area.
func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Area returns the enclosed area, zero for empty rectangles.
func (r Rect) Area() float64 {
	if r.IsEmpty() {
		return 0
	}
	return r.Width * r.Height
}

// Translated returns the rectangle shifted by (dx, dy).
func (r Rect) Translated(dx, dy float64) Rect {
	return Rect{X: r.X + dx, Y: r.Y + dy, Width: r.Width, Height: r.Height}
}

// Intersect returns the overlap of two rectangles, or an empty Rect when
// they do not touch.
func (r Rect) Intersect(o Rect) Rect {
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.X+r.Width, o.X+o.Width)
	y1 := math.Min(r.Y+r.Height, o.Y+o.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// ImageRect converts to an image.Rectangle, rounding to whole pixels.
func (r Rect) ImageRect() image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)),
		int(math.Round(r.Y)),
		int(math.Round(r.X+r.Width)),
		int(math.Round(r.Y+r.Height)),
	)
}

// FromImageRect converts an image.Rectangle to a Rect.
func FromImageRect(ir image.Rectangle) Rect {
	return Rect{
		X:      float64(ir.Min.X),
		Y:      float64(ir.Min.Y),
		Width:  float64(ir.Dx()),
		Height: float64(ir.Dy()),
	}
}

// ToDisplayLocal converts a rectangle expressed in global virtual-desktop
// coordinates into the local space of a display whose top-left corner sits
// at displayOrigin. The display-bound capture configuration interprets its
// source rectangle in this local space, so window and area bounds (always
// reported globally) must pass through here before reaching a stream.
func ToDisplayLocal(global Rect, displayOrigin Point) Rect {
	return global.Translated(-displayOrigin.X, -displayOrigin.Y)
}

// ToGlobal is the inverse of ToDisplayLocal.
func ToGlobal(local Rect, displayOrigin Point) Rect {
	return local.Translated(displayOrigin.X, displayOrigin.Y)
}

// NativeScale resolves a display's device-pixel scale factor from its pixel
// width and logical point width. A degenerate point width yields 1.0 rather
// than a zero or infinite factor.
func NativeScale(pixelWidth, pointWidth float64) float64 {
	if pointWidth <= 0 {
		return 1.0
	}
	scale := pixelWidth / pointWidth
	if scale < 1.0 {
		return 1.0
	}
	return scale
}

// ParseRect parses a CLI area string. Accepted forms are "X,Y,WxH" and
// "X,Y,W,H"; whitespace around components is ignored.
func ParseRect(s string) (Rect, error) {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var fields []string
	switch len(parts) {
	case 3:
		dims := strings.SplitN(parts[2], "x", 2)
		if len(dims) != 2 {
			return Rect{}, fmt.Errorf("invalid area %q: expected X,Y,WxH or X,Y,W,H", s)
		}
		fields = []string{parts[0], parts[1], strings.TrimSpace(dims[0]), strings.TrimSpace(dims[1])}
	case 4:
		fields = parts
	default:
		return Rect{}, fmt.Errorf("invalid area %q: expected X,Y,WxH or X,Y,W,H", s)
	}

	vals := make([]float64, 4)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Rect{}, fmt.Errorf("invalid area %q: bad number %q", s, f)
		}
		vals[i] = v
	}

	r := Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}
	if r.IsEmpty() {
		return Rect{}, fmt.Errorf("invalid area %q: width and height must be positive", s)
	}
	return r, nil
}
