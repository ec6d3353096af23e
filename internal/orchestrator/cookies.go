// internal/orchestrator/cookies.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
)

// CookieScope selects cookies by domain substring. A cookie is in scope when its domain
// contains Match and none of Preserve.
type CookieScope struct {
	Match    string
	Preserve []string
}

// Includes reports whether a cookie domain falls in the scope.
func (c CookieScope) Includes(domain string) bool {
	if c.Match == "" || !strings.Contains(domain, c.Match) {
		return false
	}
	for _, p := range c.Preserve {
		if p != "" && strings.Contains(domain, p) {
			return false
		}
	}
	return true
}

// ResetCookies deletes every cookie in scope and nothing else. It returns how many cookies
// were deleted; individual delete failures are collected and do not stop the sweep.
func ResetCookies(ctx context.Context, s browser.Session, scope CookieScope) (int, error) {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cookies: %w", err)
	}

	deleted := 0
	var errs []error
	for _, c := range cookies {
		if !scope.Includes(c.Domain) {
			continue
		}
		if err := s.DeleteCookie(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("delete cookie %s@%s: %w", c.Name, c.Domain, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// CookieReset adapts ResetCookies to Workflow.Reset. It also reloads the page so the
// next attempt starts without the stale session.
func CookieReset(scope CookieScope) func(ctx context.Context, a *Attempt) error {
	return func(ctx context.Context, a *Attempt) error {
		n, err := ResetCookies(ctx, a.Session, scope)
		a.Logger.Info("Cleared site cookies before retrying.",
			zap.String("match", scope.Match),
			zap.Strings("preserve", scope.Preserve),
			zap.Int("deleted", n))
		if err != nil {
			return err
		}
		if rerr := a.Session.Refresh(ctx); rerr != nil && !errors.Is(rerr, browser.ErrNoActiveWindow) {
			return fmt.Errorf("refresh after cookie reset: %w", rerr)
		}
		return nil
	}
}
