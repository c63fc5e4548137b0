// Package position maps pointer coordinates to resolution independent
// percentages of an anchor element's bounding box, and back.
package position

import "golang.org/x/net/html"

type Rect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

type Point struct {
	X float64
	Y float64
}

type Relative struct {
	XPercent float64
	YPercent float64
}

// Layout reports the current viewport bounding box of an element. It is
// supplied by the embedding context, which owns the rendering engine.
type Layout interface {
	BoundingBox(element *html.Node) Rect
}

type Mapper struct {
	layout Layout
}

func NewMapper(layout Layout) *Mapper {
	return &Mapper{
		layout,
	}
}

func (m *Mapper) ToRelative(element *html.Node, clientX float64, clientY float64) Relative {
	return RelativeIn(m.layout.BoundingBox(element), clientX, clientY)
}

func (m *Mapper) ToAbsolute(element *html.Node, xPercent float64, yPercent float64) Point {
	return AbsoluteIn(m.layout.BoundingBox(element), xPercent, yPercent)
}

// RelativeIn clamps the result to [0,100] on both axes. A degenerate axis
// maps to 0.
func RelativeIn(box Rect, clientX float64, clientY float64) Relative {
	return Relative{
		XPercent: percent(clientX-box.Left, box.Width),
		YPercent: percent(clientY-box.Top, box.Height),
	}
}

func AbsoluteIn(box Rect, xPercent float64, yPercent float64) Point {
	return Point{
		X: box.Left + clamp(xPercent)/100*box.Width,
		Y: box.Top + clamp(yPercent)/100*box.Height,
	}
}

func percent(offset float64, length float64) float64 {
	if length <= 0 {
		return 0
	}

	return clamp(offset / length * 100)
}

func clamp(value float64) float64 {
	switch {
	case value != value:
		return 0
	case value < 0:
		return 0
	case value > 100:
		return 100
	default:
		return value
	}
}
