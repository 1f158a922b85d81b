package model

// Rect is an axis-aligned rectangle in layout coordinates. Y grows
// downward, matching scroll offsets.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// MakeRect returns the rectangle at (x, y) with width w and height h.
func MakeRect(x, y, w, h float64) Rect {
	return Rect{X: x, Y: y, W: w, H: h}
}

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 {
	return r.X + r.W
}

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 {
	return r.Y + r.H
}

// Empty returns true if the rectangle has no area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Intersects returns true if r and o overlap with non-zero area.
func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.Right() && o.X < r.Right() && r.Y < o.Bottom() && o.Y < r.Bottom()
}

// Expand returns a copy grown outward by m on every side. A negative m
// shrinks; the result is clamped so width and height never go negative.
func (r Rect) Expand(m float64) Rect {
	w := r.W + 2*m
	h := r.H + 2*m
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return Rect{X: r.X - m, Y: r.Y - m, W: w, H: h}
}
