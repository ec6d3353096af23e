// internal/windows/windows.go
package windows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/waiter"
)

// ErrNoWindows is returned when the session has no open window left to work with.
var ErrNoWindows = errors.New("windows: no open windows")

// WindowSet is an ordered, duplicate-free snapshot of window ids.
type WindowSet struct {
	ids []browser.WindowID
	idx map[browser.WindowID]struct{}
}

// NewWindowSet builds a set preserving first-seen order.
func NewWindowSet(ids ...browser.WindowID) WindowSet {
	s := WindowSet{idx: make(map[browser.WindowID]struct{}, len(ids))}
	for _, id := range ids {
		if _, dup := s.idx[id]; dup {
			continue
		}
		s.idx[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s
}

// Contains reports whether id is in the set.
func (s WindowSet) Contains(id browser.WindowID) bool {
	_, ok := s.idx[id]
	return ok
}

// Diff returns the ids in s that are not in other, in order.
func (s WindowSet) Diff(other WindowSet) []browser.WindowID {
	var out []browser.WindowID
	for _, id := range s.ids {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of windows.
func (s WindowSet) Len() int { return len(s.ids) }

// IDs returns a copy of the ids in order.
func (s WindowSet) IDs() []browser.WindowID {
	return append([]browser.WindowID(nil), s.ids...)
}

// Tracker follows the windows of one session across a multi-window flow.
type Tracker struct {
	session browser.Session
	logger  *zap.Logger
	// Interval between window list polls.
	Interval time.Duration
}

// New returns a tracker over s.
func New(s browser.Session, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		session:  s,
		logger:   logger.Named("windows"),
		Interval: 250 * time.Millisecond,
	}
}

// Snapshot captures the current window set.
func (t *Tracker) Snapshot(ctx context.Context) (WindowSet, error) {
	ids, err := t.session.Windows(ctx)
	if err != nil {
		return WindowSet{}, fmt.Errorf("list windows: %w", err)
	}
	return NewWindowSet(ids...), nil
}

// AwaitNewWindow waits for a window absent from baseline to appear. It reports false on
// timeout; the caller decides whether a missing popup matters.
func (t *Tracker) AwaitNewWindow(ctx context.Context, baseline WindowSet, timeout time.Duration) (browser.WindowID, bool) {
	var fresh browser.WindowID
	out := waiter.Await(ctx, waiter.Condition{
		Timeout:  timeout,
		Interval: t.Interval,
		Predicate: func(ctx context.Context) (bool, error) {
			now, err := t.Snapshot(ctx)
			if err != nil {
				return false, err
			}
			if added := now.Diff(baseline); len(added) > 0 {
				fresh = added[0]
				return true, nil
			}
			return false, nil
		},
	})
	if !out.Satisfied() {
		t.logger.Debug("No new window appeared.", zap.Duration("timeout", timeout), zap.Error(out.LastErr))
		return "", false
	}
	t.logger.Debug("New window appeared.", zap.String("window", fresh.Short()))
	return fresh, true
}

// SwitchTo activates id.
func (t *Tracker) SwitchTo(ctx context.Context, id browser.WindowID) error {
	if err := t.session.SwitchWindow(ctx, id); err != nil {
		return fmt.Errorf("switch to window %s: %w", id.Short(), err)
	}
	return nil
}

// Consolidate closes every window except keep and leaves keep active. When keep no longer
// exists the first remaining window is kept instead. It never closes the last window and
// returns the window that was kept.
func (t *Tracker) Consolidate(ctx context.Context, keep browser.WindowID) (browser.WindowID, error) {
	set, err := t.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if set.Len() == 0 {
		return "", ErrNoWindows
	}
	if !set.Contains(keep) {
		fallback := set.IDs()[0]
		t.logger.Debug("Window to keep is gone; falling back to the first remaining one.",
			zap.String("wanted", keep.Short()), zap.String("kept", fallback.Short()))
		keep = fallback
	}

	for _, id := range set.IDs() {
		if id == keep {
			continue
		}
		if err := t.closeWindow(ctx, id); err != nil {
			t.logger.Debug("Failed to close window.", zap.String("window", id.Short()), zap.Error(err))
		}
	}

	if err := t.SwitchTo(ctx, keep); err != nil {
		return "", err
	}
	return keep, nil
}

func (t *Tracker) closeWindow(ctx context.Context, id browser.WindowID) error {
	if err := t.session.SwitchWindow(ctx, id); err != nil {
		if errors.Is(err, browser.ErrNoSuchWindow) {
			return nil
		}
		return err
	}
	return t.session.CloseWindow(ctx)
}
