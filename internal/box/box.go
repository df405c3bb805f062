// Package box holds the 2D windows the engine passes around: data windows,
// display formats and the texture rectangles the viewer cache keys on.
package box

import "fmt"

// Box is a rectangle over pixel coordinates. X and Y are inclusive lower
// bounds, R and T exclusive upper bounds, matching row column ranges [x, r).
type Box struct {
	X, Y, R, T int
}

func (b Box) W() int { return b.R - b.X }
func (b Box) H() int { return b.T - b.Y }

func (b Box) IsNull() bool { return b.R <= b.X || b.T <= b.Y }

// Merge grows the box to the union of itself and o.
func (b *Box) Merge(o Box) {
	if o.IsNull() {
		return
	}
	if b.IsNull() {
		*b = o
		return
	}
	if o.X < b.X {
		b.X = o.X
	}
	if o.Y < b.Y {
		b.Y = o.Y
	}
	if o.R > b.R {
		b.R = o.R
	}
	if o.T > b.T {
		b.T = o.T
	}
}

// Intersect clips the box to the overlap with o. A disjoint o leaves a
// null box.
func (b *Box) Intersect(o Box) {
	if o.X > b.X {
		b.X = o.X
	}
	if o.Y > b.Y {
		b.Y = o.Y
	}
	if o.R < b.R {
		b.R = o.R
	}
	if o.T < b.T {
		b.T = o.T
	}
}

// Contains reports whether the point (x, y) falls inside the box.
func (b Box) Contains(x, y int) bool {
	return x >= b.X && x < b.R && y >= b.Y && y < b.T
}

func (b Box) String() string {
	return fmt.Sprintf("[%d,%d - %d,%d]", b.X, b.Y, b.R, b.T)
}

// Format is a display window: the project-wide frame a node's output is
// presented in, as opposed to the data window that bounds actual pixels.
type Format struct {
	Box
	Name string
}

// TextureRect describes the viewer tile a frame entry backs: the region
// covered in image coordinates plus the tile's own width and height (which
// differ from the region under zoom).
type TextureRect struct {
	X, Y, R, T int
	W, H       int
}
