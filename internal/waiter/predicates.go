// internal/waiter/predicates.go
package waiter

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/locator"
)

// URLContains holds once the active window's URL contains substr.
func URLContains(s browser.Session, substr string) Predicate {
	return func(ctx context.Context) (bool, error) {
		u, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(u, substr), nil
	}
}

// TitleLacks holds once the page title contains none of markers.
func TitleLacks(s browser.Session, markers ...string) Predicate {
	return func(ctx context.Context) (bool, error) {
		title, err := s.Title(ctx)
		if err != nil {
			return false, err
		}
		return !containsAny(title, markers), nil
	}
}

// Present holds once the chain resolves to a visible element.
func Present(s browser.Session, chain locator.Chain, logger *zap.Logger) Predicate {
	return func(ctx context.Context) (bool, error) {
		_, ok := locator.Resolve(ctx, s, chain, logger)
		return ok, nil
	}
}

// Enabled holds once the chain resolves to a visible, enabled element.
func Enabled(s browser.Session, chain locator.Chain, logger *zap.Logger) Predicate {
	return func(ctx context.Context) (bool, error) {
		el, ok := locator.Resolve(ctx, s, chain, logger)
		if !ok {
			return false, nil
		}
		return el.IsEnabled(ctx)
	}
}

// BodyContains holds once the rendered body text contains any of phrases.
func BodyContains(s browser.Session, phrases ...string) Predicate {
	return func(ctx context.Context) (bool, error) {
		text, err := browser.BodyText(ctx, s)
		if err != nil {
			return false, err
		}
		return containsAny(text, phrases), nil
	}
}

// Any holds when at least one of ps holds. Errors of the others are ignored if one holds.
func Any(ps ...Predicate) Predicate {
	return func(ctx context.Context) (bool, error) {
		var lastErr error
		for _, p := range ps {
			ok, err := p(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, lastErr
	}
}

// Not holds when p observes successfully and does not hold.
func Not(p Predicate) Predicate {
	return func(ctx context.Context) (bool, error) {
		ok, err := p(ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// AwaitElement polls chain until it resolves or timeout elapses.
func AwaitElement(ctx context.Context, s browser.Session, chain locator.Chain, timeout, interval time.Duration, logger *zap.Logger) (browser.Element, Outcome) {
	var found browser.Element
	out := Await(ctx, Condition{
		Timeout:  timeout,
		Interval: interval,
		Predicate: func(ctx context.Context) (bool, error) {
			el, ok := locator.Resolve(ctx, s, chain, logger)
			if ok {
				found = el
			}
			return ok, nil
		},
	})
	if !out.Satisfied() {
		return nil, out
	}
	return found, out
}

// Challenge describes an interstitial anti-bot page recognizable by its title.
type Challenge struct {
	Markers  []string
	Interval time.Duration
	MaxPolls int
}

// DefaultChallenge matches the common Cloudflare interstitial and polls for up to a minute.
var DefaultChallenge = Challenge{
	Markers:  []string{"Just a moment", "Cloudflare"},
	Interval: 2 * time.Second,
	MaxPolls: 30,
}

// AwaitChallenge waits for a challenge page to clear. Expiry is logged and otherwise ignored;
// the caller carries on and lets later steps fail naturally.
func AwaitChallenge(ctx context.Context, s browser.Session, c Challenge, logger *zap.Logger) Outcome {
	if logger == nil {
		logger = zap.NewNop()
	}
	title, err := s.Title(ctx)
	if err != nil || !containsAny(title, c.Markers) {
		return Outcome{Result: Satisfied, Polls: 1, LastErr: err}
	}

	logger.Info("Challenge page detected, waiting for it to clear.", zap.String("title", title))
	polls := c.MaxPolls
	if polls < 1 {
		polls = 1
	}
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := Await(ctx, Condition{
		Predicate: TitleLacks(s, c.Markers...),
		Timeout:   time.Duration(polls) * interval,
		Interval:  interval,
	})
	if out.Satisfied() {
		logger.Info("Challenge cleared.", zap.Int("polls", out.Polls))
	} else {
		logger.Warn("Challenge did not clear in time; continuing.", zap.Int("polls", out.Polls), zap.Error(out.LastErr))
	}
	return out
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
