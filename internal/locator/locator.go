// internal/locator/locator.go
package locator

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
)

// AcceptFunc narrows a candidate's visible matches. Returning false drops the element.
type AcceptFunc func(ctx context.Context, s browser.Session, el browser.Element) bool

// Candidate is one way of finding a logical UI element.
type Candidate struct {
	Name   string
	Query  browser.Query
	Accept AcceptFunc
}

// Chain is an ordered list of candidates for the same logical element. Earlier candidates
// are preferred. A Chain is immutable once built.
type Chain struct {
	name       string
	candidates []Candidate
}

// NewChain builds a chain from candidates, copying them.
func NewChain(name string, candidates ...Candidate) Chain {
	c := make([]Candidate, len(candidates))
	copy(c, candidates)
	return Chain{name: name, candidates: c}
}

// Name is the logical element the chain locates.
func (c Chain) Name() string { return c.name }

// Len returns the number of candidates.
func (c Chain) Len() int { return len(c.candidates) }

// IsZero reports whether the chain has no candidates.
func (c Chain) IsZero() bool { return len(c.candidates) == 0 }

// Candidates returns a copy of the candidates in preference order.
func (c Chain) Candidates() []Candidate {
	out := make([]Candidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// With returns a new chain with extra candidates appended.
func (c Chain) With(more ...Candidate) Chain {
	all := make([]Candidate, 0, len(c.candidates)+len(more))
	all = append(all, c.candidates...)
	all = append(all, more...)
	return Chain{name: c.name, candidates: all}
}

// CSS is shorthand for a CSS selector candidate.
func CSS(name, selector string) Candidate {
	return Candidate{Name: name, Query: browser.CSS(selector)}
}

// XPath is shorthand for an XPath candidate.
func XPath(name, expr string) Candidate {
	return Candidate{Name: name, Query: browser.XPath(expr)}
}

// Text is shorthand for a text-containment candidate over tags.
func Text(name, tags, text string) Candidate {
	return Candidate{Name: name, Query: browser.Text(tags, text)}
}

// HasDescendant accepts elements containing at least one match of q.
func HasDescendant(q browser.Query) AcceptFunc {
	return func(ctx context.Context, s browser.Session, el browser.Element) bool {
		found, err := s.Find(ctx, q, el)
		return err == nil && len(found) > 0
	}
}

// Resolve returns the first visible element of the first candidate that yields one.
// Absence is reported through the boolean, never as an error. Failed queries are logged
// to logger at debug level; a nil logger discards them.
func Resolve(ctx context.Context, s browser.Session, c Chain, logger *zap.Logger) (browser.Element, bool) {
	for _, cand := range c.candidates {
		if ctx.Err() != nil {
			return nil, false
		}
		if els := visibleMatches(ctx, s, c.name, cand, true, logger); len(els) > 0 {
			return els[0], true
		}
	}
	return nil, false
}

// ResolveAll returns every visible, accepted match of the first candidate yielding any, and
// that candidate's index. The index is -1 when nothing matched.
func ResolveAll(ctx context.Context, s browser.Session, c Chain, logger *zap.Logger) ([]browser.Element, int) {
	for i, cand := range c.candidates {
		if ctx.Err() != nil {
			return nil, -1
		}
		if els := visibleMatches(ctx, s, c.name, cand, false, logger); len(els) > 0 {
			return els, i
		}
	}
	return nil, -1
}

func visibleMatches(ctx context.Context, s browser.Session, chain string, cand Candidate, firstOnly bool, logger *zap.Logger) []browser.Element {
	found, err := s.Find(ctx, cand.Query, nil)
	if err != nil {
		if logger == nil {
			return nil
		}
		logger.Debug("Candidate query failed; treating as absent.",
			zap.String("chain", chain),
			zap.String("candidate", cand.Name),
			zap.Stringer("query", cand.Query),
			zap.Error(err))
		return nil
	}

	var out []browser.Element
	for _, el := range found {
		visible, err := el.IsVisible(ctx)
		if err != nil || !visible {
			continue
		}
		if cand.Accept != nil && !cand.Accept(ctx, s, el) {
			continue
		}
		out = append(out, el)
		if firstOnly {
			break
		}
	}
	return out
}
