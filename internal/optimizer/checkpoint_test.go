package optimizer

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/wrsn-simulator/core"
)

func TestFingerprintDistinguishesLists(t *testing.T) {
	a := Fingerprint(testActions)
	if a != Fingerprint(append([]core.Point(nil), testActions...)) {
		t.Fatalf("fingerprint not stable")
	}
	moved := append([]core.Point(nil), testActions...)
	moved[0].X += 1e-9
	if a == Fingerprint(moved) {
		t.Fatalf("fingerprint ignored a coordinate change")
	}
}

func TestCheckpointRestore(t *testing.T) {
	src := NewQLearning(DefaultConfig())
	if err := src.SetActionList(testActions); err != nil {
		t.Fatalf("SetActionList: %v", err)
	}
	src.q.Set(1, 2, 0.75)

	cp, err := src.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	src.q.Set(1, 2, 0)

	dst := NewQLearning(DefaultConfig())
	if err := dst.Restore(cp); !errors.Is(err, ErrActionListMismatch) {
		t.Fatalf("restore without actions: %v", err)
	}
	if err := dst.SetActionList(cp.Actions); err != nil {
		t.Fatalf("SetActionList: %v", err)
	}
	if err := dst.Restore(cp); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if dst.q.At(1, 2) != 0.75 {
		t.Fatalf("restored value = %v", dst.q.At(1, 2))
	}
}

func TestRestoreRejectsOtherActionList(t *testing.T) {
	src := NewQLearning(DefaultConfig())
	_ = src.SetActionList(testActions)
	cp, _ := src.Checkpoint()

	dst := NewQLearning(DefaultConfig())
	_ = dst.SetActionList([]core.Point{{X: 3}, {Y: 3}, {}})
	if err := dst.Restore(cp); !errors.Is(err, ErrActionListMismatch) {
		t.Fatalf("expected ErrActionListMismatch, got %v", err)
	}

	tampered := cp
	tampered.Q = mat.NewDense(2, 2, nil)
	_ = dst.SetActionList(testActions)
	if err := dst.Restore(tampered); !errors.Is(err, ErrActionListMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestPreloadRestoresOnMatchingList(t *testing.T) {
	src := NewQLearning(DefaultConfig())
	_ = src.SetActionList(testActions)
	src.q.Set(0, 0, 2)
	cp, _ := src.Checkpoint()

	dst := NewQLearning(DefaultConfig())
	dst.Preload(cp)
	_ = dst.SetActionList([]core.Point{{X: 3}, {}})
	if dst.q.At(0, 0) != 0 {
		t.Fatalf("preloaded table applied to another action list")
	}
	_ = dst.SetActionList(testActions)
	if dst.q.At(0, 0) != 2 {
		t.Fatalf("preloaded table not restored, got %v", dst.q.At(0, 0))
	}
}
