package core

import (
	"math"
	"testing"
)

func TestDistanceTo(t *testing.T) {
	a := Point{X: 0, Y: 0}
	b := Point{X: 3, Y: 4}
	if d := a.DistanceTo(b); d != 5 {
		t.Fatalf("DistanceTo = %v, want 5", d)
	}
	if d := b.DistanceTo(b); d != 0 {
		t.Fatalf("self distance = %v", d)
	}
}

func TestMoveToward(t *testing.T) {
	start := Point{}
	target := Point{X: 6, Y: 8}

	next, moved, arrived := start.MoveToward(target, 5)
	if arrived || moved != 5 {
		t.Fatalf("partial move: moved=%v arrived=%v", moved, arrived)
	}
	if math.Abs(next.X-3) > 1e-12 || math.Abs(next.Y-4) > 1e-12 {
		t.Fatalf("partial move landed at %+v", next)
	}

	next, moved, arrived = next.MoveToward(target, 100)
	if !arrived || next != target || math.Abs(moved-5) > 1e-12 {
		t.Fatalf("final move: %+v moved=%v arrived=%v", next, moved, arrived)
	}

	same, moved, arrived := target.MoveToward(target, 1)
	if !arrived || moved != 0 || same != target {
		t.Fatalf("coincident move should arrive without travel")
	}

	stay, moved, arrived := start.MoveToward(target, 0)
	if arrived || moved != 0 || stay != start {
		t.Fatalf("zero step should not move")
	}
}
