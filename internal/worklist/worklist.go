// internal/worklist/worklist.go
package worklist

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/observability"
)

// State is the terminal state of one item.
type State string

const (
	Consumed         State = "consumed"
	SkippedError     State = "skipped-error"
	SkippedExhausted State = "skipped-exhausted"
	NotAttempted     State = "not-attempted"
)

// Item is one listed content item. ID is its stable identity, usually the canonical URL.
type Item struct {
	ID    string
	Title string
	// Element is the listing control that opens the item, when the source has one.
	Element browser.Element
}

// Source adapts a concrete site listing to the traversal.
type Source interface {
	// List loads the listing and returns the items currently shown, in display order.
	List(ctx context.Context) ([]Item, error)
	// Open makes item the active page.
	Open(ctx context.Context, item Item) error
	// Failed reports whether the opened page shows an error, with the matching signal.
	Failed(ctx context.Context) (bool, string)
	// Engage consumes the opened item.
	Engage(ctx context.Context, item Item) error
}

// Pacer throttles item openings. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Limits bounds one traversal.
type Limits struct {
	MaxItems int
	Pacer    Pacer
}

// Ledger remembers item identities across the traversals of one run.
type Ledger struct {
	mu     sync.Mutex
	states map[string]State
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{states: make(map[string]State)}
}

// Mark records the state of id.
func (l *Ledger) Mark(id string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[id] = s
}

// Lookup returns the recorded state of id.
func (l *Ledger) Lookup(id string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[id]
	return s, ok
}

// Len returns the number of marked identities.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

// ItemResult is the outcome for one item.
type ItemResult struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	State  State  `json:"state" yaml:"state"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Result summarizes a traversal.
type Result struct {
	Name       string       `json:"name" yaml:"name"`
	Items      []ItemResult `json:"items" yaml:"items"`
	Iterations int          `json:"iterations" yaml:"iterations"`
	Exhausted  bool         `json:"exhausted" yaml:"exhausted"`
}

// Count returns how many items ended in state s.
func (r Result) Count(s State) int {
	n := 0
	for _, it := range r.Items {
		if it.State == s {
			n++
		}
	}
	return n
}

// Traverser walks a worklist.
type Traverser struct {
	ledger *Ledger
	logger *zap.Logger
}

// New returns a traverser recording into ledger. A nil ledger gets a private one.
func New(ledger *Ledger, logger *zap.Logger) *Traverser {
	if ledger == nil {
		ledger = NewLedger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Traverser{ledger: ledger, logger: logger.Named("worklist")}
}

// Traverse consumes up to lim.MaxItems items of src. Each pass re-lists the source and takes
// the first item whose identity is not yet in the ledger, so re-listed items are never
// revisited. At most 3×MaxItems passes are made; items still listed when that budget runs
// out are skipped-exhausted, and items still listed when the cap is reached are not-attempted.
func (t *Traverser) Traverse(ctx context.Context, name string, src Source, lim Limits) Result {
	res := Result{Name: name}
	if lim.MaxItems <= 0 {
		return res
	}
	logger := t.logger.With(zap.String("worklist", name))
	budget := 3 * lim.MaxItems
	consumed := 0

	index := make(map[string]int)
	record := func(it Item, s State, reason string) {
		if i, ok := index[it.ID]; ok {
			res.Items[i].State = s
			res.Items[i].Reason = reason
			return
		}
		index[it.ID] = len(res.Items)
		res.Items = append(res.Items, ItemResult{ID: it.ID, Title: it.Title, State: s, Reason: reason})
	}
	var listed []Item

	for consumed < lim.MaxItems {
		if ctx.Err() != nil {
			break
		}
		if res.Iterations >= budget {
			res.Exhausted = true
			logger.Warn("Iteration budget exhausted.", zap.Int("budget", budget), zap.Int("consumed", consumed))
			break
		}
		res.Iterations++

		if lim.Pacer != nil {
			if err := lim.Pacer.Wait(ctx); err != nil {
				break
			}
		}

		items, err := src.List(ctx)
		if err != nil {
			logger.Warn("Worklist unavailable; stopping.", zap.Error(err))
			break
		}
		listed = items

		next, ok := t.firstUnseen(items)
		if !ok {
			logger.Info("No unvisited items left.")
			break
		}
		// marked before opening so a failure below can never lead to a revisit.
		t.ledger.Mark(next.ID, SkippedError)
		logger.Info("Opening item.",
			zap.Int("position", consumed+1),
			zap.Int("max", lim.MaxItems),
			zap.String("item", next.ID),
			zap.String("title", truncate(next.Title, 50)))

		state, reason := t.consume(ctx, src, next)
		t.ledger.Mark(next.ID, state)
		record(next, state, reason)
		observability.RecordWorklistItem(string(state))
		if state == Consumed {
			consumed++
			logger.Info("Finished item.", zap.Int("consumed", consumed), zap.Int("max", lim.MaxItems))
		} else {
			logger.Warn("Skipped item.", zap.String("item", next.ID), zap.String("reason", reason))
		}
	}

	leftover := NotAttempted
	if res.Exhausted {
		leftover = SkippedExhausted
	}
	for _, it := range listed {
		if _, seen := t.ledger.Lookup(it.ID); seen {
			continue
		}
		if _, dup := index[it.ID]; dup {
			continue
		}
		record(it, leftover, "")
		observability.RecordWorklistItem(string(leftover))
	}

	logger.Info("Worklist traversal complete.",
		zap.Int("consumed", res.Count(Consumed)),
		zap.Int("skipped", res.Count(SkippedError)+res.Count(SkippedExhausted)),
		zap.Int("not_attempted", res.Count(NotAttempted)),
		zap.Int("iterations", res.Iterations))
	return res
}

func (t *Traverser) firstUnseen(items []Item) (Item, bool) {
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, seen := t.ledger.Lookup(it.ID); !seen {
			return it, true
		}
	}
	return Item{}, false
}

// consume opens, checks and engages one item. Panics are contained to the item.
func (t *Traverser) consume(ctx context.Context, src Source, it Item) (state State, reason string) {
	defer func() {
		if r := recover(); r != nil {
			state, reason = SkippedError, fmt.Sprintf("panic: %v", r)
		}
	}()
	if err := src.Open(ctx, it); err != nil {
		return SkippedError, fmt.Sprintf("open: %v", err)
	}
	if failed, signal := src.Failed(ctx); failed {
		return SkippedError, fmt.Sprintf("error page: %s", signal)
	}
	if err := src.Engage(ctx, it); err != nil {
		return SkippedError, fmt.Sprintf("engage: %v", err)
	}
	return Consumed, ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
