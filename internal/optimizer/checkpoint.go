package optimizer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/wrsn-simulator/core"
)

// Checkpoint is the serialisable learning state: a Q-table tagged with the
// action list it was trained against.
type Checkpoint struct {
	Actions     []core.Point
	Fingerprint uint64
	Q           *mat.Dense
}

// Fingerprint hashes an action list bit-exactly so tables trained on
// different lists cannot be mixed.
func Fingerprint(actions []core.Point) uint64 {
	d := xxhash.New()
	var buf [16]byte
	for _, p := range actions {
		binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(p.X))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(p.Y))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Checkpoint copies the current table and action list.
func (ql *QLearning) Checkpoint() (Checkpoint, error) {
	if ql.q == nil {
		return Checkpoint{}, fmt.Errorf("%w: nothing to checkpoint", core.ErrEmptyActionList)
	}
	return Checkpoint{
		Actions:     ql.Actions(),
		Fingerprint: ql.fingerprint,
		Q:           mat.DenseCopyOf(ql.q),
	}, nil
}

// Restore loads a table trained on the currently installed action list.
func (ql *QLearning) Restore(cp Checkpoint) error {
	if ql.q == nil {
		return fmt.Errorf("%w: no action list installed", ErrActionListMismatch)
	}
	if cp.Q == nil {
		return fmt.Errorf("restore: checkpoint has no table")
	}
	if cp.Fingerprint != Fingerprint(cp.Actions) {
		return fmt.Errorf("%w: checkpoint fingerprint does not match its actions", ErrActionListMismatch)
	}
	if cp.Fingerprint != ql.fingerprint {
		return fmt.Errorf("%w: checkpoint %016x, installed %016x", ErrActionListMismatch, cp.Fingerprint, ql.fingerprint)
	}
	n := len(ql.actions)
	if r, c := cp.Q.Dims(); r != n || c != n {
		return fmt.Errorf("%w: table is %dx%d, want %dx%d", ErrActionListMismatch, r, c, n, n)
	}
	ql.q = mat.DenseCopyOf(cp.Q)
	return nil
}

// Preload stages a checkpoint that is restored as soon as an action list with
// the same fingerprint is installed. Clustering happens mid-run, so a stored
// table cannot be restored up front.
func (ql *QLearning) Preload(cp Checkpoint) {
	ql.pending = &cp
}
