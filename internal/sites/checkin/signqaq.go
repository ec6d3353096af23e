// internal/sites/checkin/signqaq.go
package checkin

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/locator"
	"github.com/xkilldash9x/autoread/internal/orchestrator"
	"github.com/xkilldash9x/autoread/internal/waiter"
)

const (
	signQAQHome = "https://sign.qaq.al"
	signQAQHost = "sign.qaq.al"
)

var (
	signQAQSSO = locator.NewChain("linux do login",
		locator.XPath("login href", "//a[@href='/auth/login']"),
		locator.CSS("login link", "a[href='/auth/login']"),
		locator.Text("login text", "", "使用 LinuxDO 登录"),
	)
	signQAQBadge = locator.NewChain("status badge", locator.CSS("id", "#signinBadge"))
	signQAQTier  = locator.NewChain("extreme tier",
		locator.CSS("tier id", `div[data-tier-id="4"]`),
		locator.XPath("tier heading", "//h3[contains(text(), '极限')]/parent::div[contains(@class, 'card')]"),
	)
	signQAQStart = locator.NewChain("start pow",
		locator.CSS("id", "#startPowBtn"),
		locator.Text("start text", "button", "开始计算"),
	)
	signQAQSubmit = locator.NewChain("submit pow", locator.CSS("id", "#submitPowBtn"))
	signQAQReady  = locator.NewChain("app content",
		locator.CSS("badge id", "#signinBadge"),
		locator.CSS("tier cards", "div[data-tier-id]"),
	)

	signQAQSuccess = []string{"签到成功", "今日已签到", "获得", "余额"}
)

const signedToday = "今日已签到"

// SignQAQ signs in to sign.qaq.al through linux.do, solves the proof-of-work challenge of
// the hardest tier and submits it. Already being checked in today counts as success.
func SignQAQ(opts Options) orchestrator.Workflow {
	return orchestrator.Workflow{
		Name:         NameSignQAQ,
		URL:          signQAQHome,
		Challenge:    &opts.Challenge,
		PollInterval: opts.PollInterval,
		Steps: []orchestrator.Step{
			{Name: "sso login", Chain: signQAQSSO, Timeout: opts.StepTimeout, Action: followOptionalPopup(opts)},
			authorize(opts, signQAQHost+"/app"),
			{Name: "app page", Action: awaitApp(opts)},
			{Name: "status", Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				if status := readText(ctx, a, signQAQBadge, 0, opts.PollInterval); status != "" {
					a.Logger.Info("Check-in status.", zap.String("status", status))
					if strings.Contains(status, signedToday) {
						return orchestrator.Finish("already checked in today")
					}
					return nil
				}
				if _, ok := bodyContains(ctx, a.Session, signedToday); ok {
					return orchestrator.Finish("already checked in today")
				}
				return nil
			}},
			{Name: "choose tier", Chain: signQAQTier, Timeout: opts.ProbeTimeout, Action: scriptClick},
			{Name: "start pow", Chain: signQAQStart, Timeout: opts.ProbeTimeout, Action: scriptClick},
			{Name: "await pow", Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				a.Logger.Info("Waiting for the proof of work to finish.", zap.Duration("max", opts.PowTimeout))
				out := waiter.Poll(ctx, opts.PowTimeout, opts.PowInterval, waiter.Enabled(a.Session, signQAQSubmit, a.Logger))
				if !out.Satisfied() {
					return fmt.Errorf("proof of work not finished after %s", opts.PowTimeout)
				}
				a.Logger.Info("Proof of work finished.", zap.Duration("elapsed", out.Elapsed))
				return nil
			}},
			{Name: "submit", Chain: signQAQSubmit, Timeout: opts.ProbeTimeout, Action: scriptClick},
		},
		Classify: func(ctx context.Context, a *orchestrator.Attempt) orchestrator.Verdict {
			waiter.Poll(ctx, opts.ResultTimeout, opts.PollInterval, waiter.BodyContains(a.Session, signQAQSuccess...))
			if kw, ok := bodyContains(ctx, a.Session, signQAQSuccess...); ok {
				return orchestrator.Succeeded("submitted: " + kw)
			}
			return orchestrator.Succeeded("submitted without confirmation text")
		},
	}
}

// followOptionalPopup clicks the SSO link and switches to the popup when one opens.
func followOptionalPopup(opts Options) orchestrator.Action {
	return func(ctx context.Context, a *orchestrator.Attempt, el browser.Element) error {
		baseline, err := a.Windows.Snapshot(ctx)
		if err != nil {
			return err
		}
		if err := browser.ScriptClickElement(ctx, a.Session, el); err != nil {
			return fmt.Errorf("click sso: %w", err)
		}
		if id, ok := a.Windows.AwaitNewWindow(ctx, baseline, opts.PopupTimeout); ok {
			a.Logger.Info("Switched to the sign-in window.", zap.String("window", id.Short()))
			return a.Windows.SwitchTo(ctx, id)
		}
		return nil
	}
}

// awaitApp waits for the dashboard, searching every window when the active one never gets
// there, and closes the rest. It returns once the app has rendered its content.
func awaitApp(opts Options) orchestrator.Action {
	onApp := func(u string) bool { return strings.Contains(u, signQAQHost) && strings.Contains(u, "/app") }
	return func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
		out := waiter.Poll(ctx, opts.LandingTimeout, opts.PollInterval, func(ctx context.Context) (bool, error) {
			u, err := a.Session.CurrentURL(ctx)
			return err == nil && onApp(u), err
		})

		keep, err := a.Session.CurrentWindow(ctx)
		if !out.Satisfied() {
			set, serr := a.Windows.Snapshot(ctx)
			if serr != nil {
				return serr
			}
			for _, id := range set.IDs() {
				if a.Session.SwitchWindow(ctx, id) != nil {
					continue
				}
				if u, uerr := a.Session.CurrentURL(ctx); uerr == nil && strings.Contains(u, signQAQHost) {
					keep, err = id, nil
					break
				}
			}
		}
		if err != nil {
			return err
		}
		if _, err := a.Windows.Consolidate(ctx, keep); err != nil {
			return err
		}
		u, _ := a.Session.CurrentURL(ctx)
		a.Logger.Info("On the check-in site.", zap.String("url", u))
		if _, out := waiter.AwaitElement(ctx, a.Session, signQAQReady, opts.StepTimeout, opts.PollInterval, a.Logger); !out.Satisfied() {
			a.Logger.Debug("App content did not render.", zap.Duration("waited", out.Elapsed))
		}
		return ctx.Err()
	}
}
