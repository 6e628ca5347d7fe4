package timectrl

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SimClock is an interface for accessing simulation time. Components that
// only need to read the virtual clock (snapshots, loggers, schedulers) depend
// on this rather than on the concrete Clock.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// Elapsed returns the virtual time elapsed since the clock started.
	Elapsed() time.Duration
}

// Mode describes how the Clock paces virtual time against the wall clock.
type Mode int

const (
	// Accelerated advances as quickly as the loop can run.
	Accelerated Mode = iota
	// RealTime sleeps between activations so virtual time tracks wall-clock time.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	default:
		return "accelerated"
	}
}

// Process is a cooperative logical process driven by the Clock. Step runs one
// activation and returns the delay until the next one; returning done=true
// retires the process.
type Process interface {
	Step(ctx context.Context, now time.Time) (next time.Duration, done bool)
}

// ProcessFunc adapts a plain function to the Process interface.
type ProcessFunc func(ctx context.Context, now time.Time) (time.Duration, bool)

// Step implements Process.
func (f ProcessFunc) Step(ctx context.Context, now time.Time) (time.Duration, bool) {
	return f(ctx, now)
}

// EventID identifies a scheduled activation so it can be cancelled.
type EventID uint64

// StopReason explains why Run returned.
type StopReason int

const (
	StopIdle StopReason = iota
	StopRequested
	StopHorizon
	StopContext
)

func (r StopReason) String() string {
	switch r {
	case StopIdle:
		return "idle"
	case StopRequested:
		return "stopped"
	case StopHorizon:
		return "horizon"
	case StopContext:
		return "context"
	default:
		return "unknown"
	}
}

// RunResult summarises a call to Run.
type RunResult struct {
	Reason      StopReason
	Activations int
	Elapsed     time.Duration
}

type activation struct {
	id        EventID
	at        time.Duration
	proc      Process
	cancelled bool
}

// Clock is a single-threaded discrete-event scheduler. Activations run in
// virtual-time order; activations due at the same instant run in the order
// they were scheduled. Only one process runs at a time, so processes may
// share simulation state without locks.
type Clock struct {
	StartTime time.Time
	Mode      Mode

	now     time.Duration
	seq     EventID
	queue   []*activation
	index   map[EventID]*activation
	stopped bool
}

// NewClock constructs a clock whose virtual time starts at start.
func NewClock(start time.Time, mode Mode) *Clock {
	return &Clock{
		StartTime: start,
		Mode:      mode,
		index:     make(map[EventID]*activation),
	}
}

// Now returns the current simulation time. Implements SimClock.
func (c *Clock) Now() time.Time {
	return c.StartTime.Add(c.now)
}

// Elapsed returns the virtual time since StartTime. Implements SimClock.
func (c *Clock) Elapsed() time.Duration {
	return c.now
}

// Spawn registers p to run at the current instant, after everything already
// due now.
func (c *Clock) Spawn(p Process) EventID {
	return c.Schedule(0, p)
}

// Schedule registers p to resume after delay. Negative delays are treated as
// zero.
func (c *Clock) Schedule(delay time.Duration, p Process) EventID {
	if delay < 0 {
		delay = 0
	}
	c.seq++
	ev := &activation{id: c.seq, at: c.now + delay, proc: p}

	// Insert after every activation due at or before ev.at so equal times
	// keep FIFO order.
	idx := sort.Search(len(c.queue), func(i int) bool {
		return c.queue[i].at > ev.at
	})
	c.queue = append(c.queue, nil)
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = ev

	c.index[ev.id] = ev
	return ev.id
}

// Cancel drops a pending activation. Unknown or already-run IDs are ignored.
func (c *Clock) Cancel(id EventID) {
	ev, ok := c.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(c.index, id)
}

// Stop halts Run after the current activation and discards everything that
// is still pending.
func (c *Clock) Stop() {
	c.stopped = true
	c.queue = nil
	c.index = make(map[EventID]*activation)
}

// Restart discards pending activations and clears a previous Stop so the
// clock can drive a new episode. Virtual time keeps running from Now.
func (c *Clock) Restart() {
	c.Stop()
	c.stopped = false
}

// Stopped reports whether Stop has been called.
func (c *Clock) Stopped() bool {
	return c.stopped
}

// Pending returns the number of live scheduled activations.
func (c *Clock) Pending() int {
	return len(c.index)
}

// Run executes activations until none remain, Stop is called, the next
// activation lies beyond horizon (0 means unbounded), or ctx is done. A
// horizon behind the current time runs nothing and never rewinds it. The
// context is the wall-clock budget; simulated delays never block in
// Accelerated mode.
func (c *Clock) Run(ctx context.Context, horizon time.Duration) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res := RunResult{}
	for {
		if c.stopped {
			res.Reason = StopRequested
			break
		}
		if err := ctx.Err(); err != nil {
			res.Reason = StopContext
			res.Elapsed = c.now
			return res, fmt.Errorf("simulation interrupted at %s: %w", c.now, err)
		}

		ev := c.pop()
		if ev == nil {
			res.Reason = StopIdle
			break
		}
		if horizon > 0 && ev.at > horizon {
			// Put it back so a later Run can resume from here.
			c.queue = append([]*activation{ev}, c.queue...)
			c.index[ev.id] = ev
			if horizon > c.now {
				c.now = horizon
			}
			res.Reason = StopHorizon
			break
		}

		if c.Mode == RealTime && ev.at > c.now {
			if err := sleepCtx(ctx, ev.at-c.now); err != nil {
				c.queue = append([]*activation{ev}, c.queue...)
				c.index[ev.id] = ev
				res.Reason = StopContext
				res.Elapsed = c.now
				return res, fmt.Errorf("simulation interrupted at %s: %w", c.now, err)
			}
		}

		c.now = ev.at
		res.Activations++
		next, done := ev.proc.Step(ctx, c.Now())
		if !done && !c.stopped {
			c.Schedule(next, ev.proc)
		}
	}
	res.Elapsed = c.now
	return res, nil
}

func (c *Clock) pop() *activation {
	for len(c.queue) > 0 {
		ev := c.queue[0]
		c.queue = c.queue[1:]
		if ev.cancelled {
			continue
		}
		delete(c.index, ev.id)
		return ev
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
