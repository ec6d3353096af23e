// internal/waiter/waiter.go
package waiter

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/autoread/internal/observability"
)

// DefaultInterval is used when a Condition leaves Interval unset.
const DefaultInterval = 500 * time.Millisecond

// Result is the terminal state of a wait.
type Result int

const (
	Satisfied Result = iota
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Predicate observes the browser. An error means "not yet".
type Predicate func(ctx context.Context) (bool, error)

// Condition is a predicate with a time bound.
type Condition struct {
	Predicate Predicate
	Timeout   time.Duration
	Interval  time.Duration
}

// Outcome describes how a wait ended.
type Outcome struct {
	Result  Result
	Polls   int
	Elapsed time.Duration
	// LastErr is the most recent predicate error, or the context error when the caller gave up.
	LastErr error
}

// Satisfied reports whether the predicate held before the timeout.
func (o Outcome) Satisfied() bool { return o.Result == Satisfied }

// Await evaluates c.Predicate immediately and then every c.Interval until it holds or
// c.Timeout elapses. The predicate runs under a context bounded by Timeout+Interval, so
// Await never blocks past that bound.
func Await(ctx context.Context, c Condition) (out Outcome) {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	start := time.Now()
	giveUp := start.Add(c.Timeout)

	pctx, cancel := context.WithDeadline(ctx, giveUp.Add(interval))
	defer cancel()

	out = Outcome{Result: TimedOut}
	defer func() {
		out.Elapsed = time.Since(start)
		observability.ObserveWait(out.Result.String(), out.Elapsed)
	}()

	for {
		out.Polls++
		ok, err := c.Predicate(pctx)
		if err != nil {
			out.LastErr = err
		}
		if ok && err == nil {
			out.Result = Satisfied
			return out
		}

		remaining := time.Until(giveUp)
		if remaining <= 0 {
			return out
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-pctx.Done():
			timer.Stop()
			out.LastErr = pctx.Err()
			return out
		case <-timer.C:
		}
	}
}

// Poll is Await with positional arguments.
func Poll(ctx context.Context, timeout, interval time.Duration, p Predicate) Outcome {
	return Await(ctx, Condition{Predicate: p, Timeout: timeout, Interval: interval})
}

// Sleep pauses for d unless ctx ends first. It paces human-like activity; waits on page
// state go through Await.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
