package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// recorder is a process that appends its name to a shared log on every
// activation and resumes after a fixed period until it has run n times.
type recorder struct {
	name   string
	period time.Duration
	left   int
	log    *[]string
}

func (r *recorder) Step(ctx context.Context, now time.Time) (time.Duration, bool) {
	*r.log = append(*r.log, r.name)
	r.left--
	return r.period, r.left <= 0
}

func TestClockNowStartsAtStartTime(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	if c.Elapsed() != 0 {
		t.Fatalf("Elapsed() = %v, want 0", c.Elapsed())
	}
}

func TestClockRunsInTimeOrder(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	var order []string
	c.Schedule(3*time.Second, &recorder{name: "c", left: 1, log: &order})
	c.Schedule(1*time.Second, &recorder{name: "a", left: 1, log: &order})
	c.Schedule(2*time.Second, &recorder{name: "b", left: 1, log: &order})

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopIdle {
		t.Fatalf("reason = %v, want idle", res.Reason)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if got := c.Elapsed(); got != 3*time.Second {
		t.Fatalf("Elapsed() = %v, want 3s", got)
	}
}

func TestClockEqualTimesAreFIFO(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	var order []string
	for _, name := range []string{"n0", "n1", "n2", "n3"} {
		c.Spawn(&recorder{name: name, period: time.Second, left: 3, log: &order})
	}
	if _, err := c.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"n0", "n1", "n2", "n3",
		"n0", "n1", "n2", "n3",
		"n0", "n1", "n2", "n3",
	}
	if len(order) != len(want) {
		t.Fatalf("got %d activations, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("activation %d = %s, want %s (order %v)", i, order[i], want[i], order)
		}
	}
}

func TestClockCancel(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	var order []string
	id := c.Schedule(time.Second, &recorder{name: "x", left: 1, log: &order})
	c.Schedule(2*time.Second, &recorder{name: "y", left: 1, log: &order})
	c.Cancel(id)
	c.Cancel(id) // second cancel is a no-op

	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}
	if _, err := c.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 1 || order[0] != "y" {
		t.Fatalf("order = %v, want [y]", order)
	}
}

func TestClockStopDiscardsPending(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	var order []string
	c.Spawn(&recorder{name: "ticker", period: time.Second, left: 100, log: &order})
	c.Schedule(2500*time.Millisecond, ProcessFunc(func(ctx context.Context, now time.Time) (time.Duration, bool) {
		c.Stop()
		return 0, true
	}))

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopRequested {
		t.Fatalf("reason = %v, want stopped", res.Reason)
	}
	if len(order) != 3 {
		t.Fatalf("ticker ran %d times, want 3", len(order))
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d after Stop, want 0", c.Pending())
	}
	if got := c.Elapsed(); got != 2500*time.Millisecond {
		t.Fatalf("Elapsed() = %v, want 2.5s", got)
	}
}

func TestClockHorizon(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	var order []string
	c.Spawn(&recorder{name: "ticker", period: time.Second, left: 100, log: &order})

	res, err := c.Run(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopHorizon {
		t.Fatalf("reason = %v, want horizon", res.Reason)
	}
	// Activations at 0..5s inclusive.
	if len(order) != 6 {
		t.Fatalf("ticker ran %d times, want 6", len(order))
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (next activation kept)", c.Pending())
	}
}

func TestClockEarlierHorizonKeepsTime(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	var order []string
	c.Spawn(&recorder{name: "ticker", period: time.Second, left: 100, log: &order})

	if _, err := c.Run(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := c.Run(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopHorizon || res.Activations != 0 {
		t.Fatalf("earlier horizon: reason %v, %d activations", res.Reason, res.Activations)
	}
	if c.Elapsed() != 10*time.Second || res.Elapsed != 10*time.Second {
		t.Fatalf("Elapsed() = %v (result %v), want 10s", c.Elapsed(), res.Elapsed)
	}

	// A new activation still lands after everything already run and before
	// the queued 11s tick.
	order = order[:0]
	c.Schedule(500*time.Millisecond, &recorder{name: "late", left: 1, log: &order})
	if _, err := c.Run(context.Background(), 12*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"late", "ticker", "ticker"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestClockContextBudget(t *testing.T) {
	c := NewClock(epoch, Accelerated)
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	c.Spawn(ProcessFunc(func(context.Context, time.Time) (time.Duration, bool) {
		steps++
		if steps == 10 {
			cancel()
		}
		return time.Second, false
	}))

	res, err := c.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if res.Reason != StopContext {
		t.Fatalf("reason = %v, want context", res.Reason)
	}
	if steps != 10 {
		t.Fatalf("steps = %d, want 10", steps)
	}
}
