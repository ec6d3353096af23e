// internal/sites/checkin/anyrouter.go
package checkin

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/locator"
	"github.com/xkilldash9x/autoread/internal/orchestrator"
	"github.com/xkilldash9x/autoread/internal/scope"
	"github.com/xkilldash9x/autoread/internal/waiter"
	"github.com/xkilldash9x/autoread/internal/windows"
)

const (
	anyRouterHost  = "anyrouter.top"
	anyRouterLogin = "https://anyrouter.top/login"
	anyRouterToken = "https://anyrouter.top/console/token"
)

var (
	anyRouterDomain = scope.MustNew("https://anyrouter.top")
	anyRouterErrors = []string{"清除 Cookie", "错误"}

	anyRouterRules = windows.MustCompile(windows.RuleSet{
		Success:   []string{"*anyrouter.top/console/token*"},
		ErrorText: anyRouterErrors,
		Login:     []string{"*anyrouter.top*/login*"},
		Domain:    "https://anyrouter.top",
	})

	// The cookie jar of the identity provider survives retries so consent is not asked again.
	anyRouterCookies = orchestrator.CookieScope{Match: "anyrouter", Preserve: []string{"linux.do"}}

	anyRouterSSO = locator.NewChain("linux do button",
		locator.XPath("button text", "//button[contains(., 'LinuxDO') or contains(., 'Linux DO')]"),
		locator.Text("linuxdo button", "button", "LinuxDO"),
		locator.Text("linux do button", "button", "Linux DO"),
		locator.Text("continue text", "", "使用 LinuxDO 继续"),
	)

	announcementClose = locator.NewChain("announcement close",
		locator.Text("close today", "button,a,span", "今日关闭"),
		locator.Text("close notice", "button,a,span", "关闭公告"),
		locator.Text("close", "button,a,span", "关闭"),
		locator.Text("got it", "button,a,span", "我知道了"),
		locator.Text("ok", "button,a,span", "OK"),
		locator.Text("close en", "button,a,span", "Close"),
	)
)

// AnyRouter signs in to anyrouter.top through linux.do. The SSO may finish in a popup or in
// the original window, so every window is classified before deciding. Failed attempts are
// retried after the site's cookies are cleared.
func AnyRouter(opts Options) orchestrator.Workflow {
	return orchestrator.Workflow{
		Name:         NameAnyRouter,
		URL:          anyRouterLogin,
		Challenge:    &opts.Challenge,
		PollInterval: opts.PollInterval,
		Retryable:    true,
		MaxAttempts:  opts.MaxAttempts,
		Pause:        opts.Pause,
		Reset:        orchestrator.CookieReset(anyRouterCookies),
		Steps: []orchestrator.Step{
			{Name: "dismiss announcement", BestEffort: true, Action: dismissAnnouncement(opts)},
			{Name: "refresh", Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				if err := a.Session.Refresh(ctx); err != nil {
					return err
				}
				waiter.AwaitChallenge(ctx, a.Session, opts.Challenge, a.Logger)
				return nil
			}},
			{Name: "dismiss announcement again", BestEffort: true, Action: dismissAnnouncement(opts)},
			{Name: "sso login", Chain: anyRouterSSO, Timeout: opts.StepTimeout, Action: openSSO(opts)},
			authorize(opts, anyRouterHost),
		},
		Classify: classifyAnyRouter(opts),
	}
}

// dismissAnnouncement closes the system announcement dialog, which may render late, and
// waits for it to go away. When none shows up it sends Escape in case an unlabeled overlay
// is open.
func dismissAnnouncement(opts Options) orchestrator.Action {
	return func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
		el, out := waiter.AwaitElement(ctx, a.Session, announcementClose, 3*opts.ProbeTimeout, opts.PollInterval, a.Logger)
		if !out.Satisfied() {
			if err := ctx.Err(); err != nil {
				return err
			}
			a.Logger.Debug("No announcement found; sending Escape.", zap.Int("polls", out.Polls))
			return browser.PressEscape(ctx, a.Session)
		}
		txt, _ := el.Text(ctx)
		if err := browser.ScriptClickElement(ctx, a.Session, el); err != nil {
			return fmt.Errorf("close announcement: %w", err)
		}
		a.Logger.Info("Closed announcement.", zap.String("button", txt))
		gone := waiter.Poll(ctx, opts.ProbeTimeout, opts.PollInterval, waiter.Not(waiter.Present(a.Session, announcementClose, a.Logger)))
		if !gone.Satisfied() {
			a.Logger.Debug("Announcement still shown after closing it.")
		}
		return ctx.Err()
	}
}

// openSSO clicks the SSO button and follows the popup it opens. Without a popup the flow
// must have navigated to the consent page in place.
func openSSO(opts Options) orchestrator.Action {
	return func(ctx context.Context, a *orchestrator.Attempt, el browser.Element) error {
		baseline, err := a.Windows.Snapshot(ctx)
		if err != nil {
			return err
		}
		if err := browser.ScriptClickElement(ctx, a.Session, el); err != nil {
			return fmt.Errorf("click sso: %w", err)
		}
		if id, ok := a.Windows.AwaitNewWindow(ctx, baseline, opts.NewWindowTimeout); ok {
			if err := a.Windows.SwitchTo(ctx, id); err != nil {
				return err
			}
			a.Logger.Info("Switched to the sign-in window.", zap.String("window", id.Short()))
			return nil
		}
		out := waiter.Poll(ctx, opts.LandingTimeout, opts.PollInterval, waiter.URLContains(a.Session, connectHost))
		if !out.Satisfied() {
			u, _ := a.Session.CurrentURL(ctx)
			return fmt.Errorf("no sign-in window opened and not on the consent page (at %s)", u)
		}
		return nil
	}
}

func classifyAnyRouter(opts Options) func(ctx context.Context, a *orchestrator.Attempt) orchestrator.Verdict {
	return func(ctx context.Context, a *orchestrator.Attempt) orchestrator.Verdict {
		settled := waiter.Poll(ctx, opts.LandingTimeout, opts.PollInterval, waiter.Any(
			leftConsent(a.Session),
			waiter.BodyContains(a.Session, anyRouterErrors...),
		))
		if err := ctx.Err(); err != nil {
			return orchestrator.Fatal(fmt.Sprintf("canceled: %v", err))
		}
		if !settled.Satisfied() {
			a.Logger.Debug("Sign-in redirect still pending; classifying anyway.")
		}
		res, err := a.Windows.Resolve(ctx, a.Original, anyRouterRules)
		if err != nil {
			return orchestrator.Recoverable(fmt.Sprintf("resolve windows: %v", err))
		}

		v := res.Verdict
		switch v.Class {
		case windows.Success:
			return orchestrator.Succeeded("landed on /console/token")
		case windows.Failure:
			return orchestrator.Recoverable(v.Reason)
		}

		if !anyRouterDomain.Contains(v.URL) || strings.Contains(v.URL, "/login") {
			return orchestrator.Recoverable(fmt.Sprintf("outcome unclear at %s", v.URL))
		}
		a.Logger.Info("Verifying the session on the token page.", zap.String("from", v.URL))
		if err := a.Session.Navigate(ctx, anyRouterToken); err != nil {
			return orchestrator.Recoverable(fmt.Sprintf("open token page: %v", err))
		}
		bounced := waiter.Poll(ctx, opts.BounceTimeout, opts.PollInterval, waiter.URLContains(a.Session, "/login"))
		if err := ctx.Err(); err != nil {
			return orchestrator.Fatal(fmt.Sprintf("canceled: %v", err))
		}
		if bounced.Satisfied() {
			return orchestrator.Recoverable("redirected back to login")
		}
		return orchestrator.Succeeded("verified on /console/token")
	}
}
