package core

import "math"

// Point is a 2D field position in metres.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// DistanceTo returns the straight-line distance between two points.
func (p Point) DistanceTo(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Sub returns p - other.
func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

// Add returns p + other.
func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

// Scale returns p multiplied by k.
func (p Point) Scale(k float64) Point {
	return Point{X: p.X * k, Y: p.Y * k}
}

// Norm returns the Euclidean norm of the vector.
func (p Point) Norm() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y)
}

// MoveToward advances p toward target by at most step metres. It returns the
// new position, the distance actually travelled and whether target was
// reached. A non-positive step leaves p in place.
func (p Point) MoveToward(target Point, step float64) (Point, float64, bool) {
	d := p.DistanceTo(target)
	if d == 0 {
		return target, 0, true
	}
	if step <= 0 {
		return p, 0, false
	}
	if step >= d {
		return target, d, true
	}
	dir := target.Sub(p).Scale(1 / d)
	return p.Add(dir.Scale(step)), step, false
}
