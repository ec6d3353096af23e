// internal/sites/checkin/tunehub.go
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
	tuneHubLogin     = "https://tunehub.sayqz.com/login?redirect=/dashboard"
	tuneHubDashboard = "tunehub.sayqz.com/dashboard"
)

var (
	tuneHubSSO = locator.NewChain("linux do login",
		locator.XPath("login card button", "//*[@id='app']/div/section/main/div[2]/div[2]/button"),
		locator.Text("linux text", "button", "Linux"),
	)
	tuneHubPoints = locator.NewChain("points",
		locator.XPath("points span", "//*[@id='app']/section/main/div/div[2]/div[1]/div/div/div/div[2]/span"),
		locator.XPath("points label", "//span[contains(@class, 'points') or ancestor::div[contains(text(), '积分')]]"),
		locator.CSS("points class", "span.points"),
	)
	tuneHubCheckin = locator.NewChain("check-in button",
		locator.XPath("header button", "//*[@id='app']/section/main/div/div[1]/button"),
		locator.Text("check-in text", "button", "签到"),
	)
	tuneHubChecked = locator.NewChain("checked-in button", locator.Text("checked text", "button", "已签到"))
	appRoot        = locator.NewChain("app root", locator.CSS("id", "#app"))
)

// Keys of Attempt.Values.
const (
	valuePointsBefore = "points_before"
	valuePointsAfter  = "points_after"
	valueConfirmed    = "confirmed"
)

// TuneHub signs in through linux.do and claims the daily check-in. A missing or disabled
// check-in button means the reward was already claimed and counts as success.
func TuneHub(opts Options) orchestrator.Workflow {
	return orchestrator.Workflow{
		Name:         NameTuneHub,
		URL:          tuneHubLogin,
		Challenge:    &opts.Challenge,
		PollInterval: opts.PollInterval,
		Steps: []orchestrator.Step{
			{Name: "sso login", Chain: tuneHubSSO, Timeout: opts.StepTimeout, Action: clickWithFallback},
			authorize(opts, tuneHubDashboard),
			{Name: "dashboard", Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				out := waiter.Poll(ctx, opts.LandingTimeout, opts.PollInterval, waiter.URLContains(a.Session, tuneHubDashboard))
				if out.Satisfied() {
					return nil
				}
				u, _ := a.Session.CurrentURL(ctx)
				if strings.Contains(u, "dashboard") {
					return nil
				}
				return fmt.Errorf("dashboard not reached, stuck on %s", u)
			}},
			{Name: "points before", BestEffort: true, Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				a.Values[valuePointsBefore] = readPoints(ctx, a, opts)
				a.Logger.Info("Points before check-in.", zap.String("points", a.Values[valuePointsBefore]))
				return nil
			}},
			{Name: "check in", Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				el, out := waiter.AwaitElement(ctx, a.Session, tuneHubCheckin, opts.ProbeTimeout, opts.PollInterval, a.Logger)
				if !out.Satisfied() {
					return orchestrator.Finish("no check-in button, assuming already checked in")
				}
				if txt, _ := el.Text(ctx); strings.Contains(txt, "已签到") {
					return orchestrator.Finish("already checked in")
				}
				if enabled, err := el.IsEnabled(ctx); err == nil && !enabled {
					return orchestrator.Finish("check-in button disabled, already checked in")
				}
				return clickWithFallback(ctx, a, el)
			}},
			{Name: "confirmation", Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				out := waiter.Poll(ctx, opts.ResultTimeout, opts.PollInterval, waiter.Any(
					waiter.Present(a.Session, tuneHubChecked, a.Logger),
					waiter.BodyContains(a.Session, "签到成功"),
				))
				a.Values[valueConfirmed] = fmt.Sprint(out.Satisfied())
				return nil
			}},
			{Name: "points after", BestEffort: true, Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
				if err := a.Session.Refresh(ctx); err != nil {
					return err
				}
				waiter.AwaitElement(ctx, a.Session, appRoot, opts.StepTimeout, opts.PollInterval, a.Logger)
				a.Values[valuePointsAfter] = readPoints(ctx, a, opts)
				return nil
			}},
		},
		Classify: func(ctx context.Context, a *orchestrator.Attempt) orchestrator.Verdict {
			return orchestrator.Succeeded(describePoints(a.Values))
		},
	}
}

func readPoints(ctx context.Context, a *orchestrator.Attempt, opts Options) string {
	if p := readText(ctx, a, tuneHubPoints, opts.ProbeTimeout, opts.PollInterval); p != "" {
		return p
	}
	return "unknown"
}

// describePoints summarizes what the clicked check-in achieved.
func describePoints(v map[string]string) string {
	before, after := v[valuePointsBefore], v[valuePointsAfter]
	switch {
	case before != "" && before != "unknown" && after != "" && after != "unknown" && before != after:
		return fmt.Sprintf("points changed %s -> %s", before, after)
	case v[valueConfirmed] == "true":
		return "check-in confirmed"
	case after == "" || after == "unknown":
		return "checked in, points not verified"
	default:
		return "checked in, points unchanged"
	}
}
