// internal/sites/checkin/checkin.go
package checkin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/locator"
	"github.com/xkilldash9x/autoread/internal/orchestrator"
	"github.com/xkilldash9x/autoread/internal/waiter"
)

// Flow names as used in target configuration.
const (
	NameTuneHub   = "tunehub"
	NameAnyRouter = "anyrouter"
	NameSignQAQ   = "signqaq"
)

// connectHost serves the linux.do OAuth consent page.
const connectHost = "connect.linux.do"

// Options tunes the check-in flows. Zero durations skip the corresponding wait.
type Options struct {
	MaxAttempts  int
	Pause        time.Duration
	PollInterval time.Duration
	Challenge    waiter.Challenge

	StepTimeout      time.Duration
	ProbeTimeout     time.Duration
	NewWindowTimeout time.Duration
	PopupTimeout     time.Duration
	LandingTimeout   time.Duration
	ResultTimeout    time.Duration
	PowTimeout       time.Duration
	PowInterval      time.Duration
	// BounceTimeout bounds the wait for a redirect back to a login page, which does not
	// happen when the session is valid.
	BounceTimeout time.Duration
}

// DefaultOptions returns the production pacing.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      3,
		Pause:            2 * time.Second,
		PollInterval:     waiter.DefaultInterval,
		Challenge:        waiter.DefaultChallenge,
		StepTimeout:      15 * time.Second,
		ProbeTimeout:     10 * time.Second,
		NewWindowTimeout: 10 * time.Second,
		PopupTimeout:     3 * time.Second,
		LandingTimeout:   20 * time.Second,
		ResultTimeout:    10 * time.Second,
		PowTimeout:       5 * time.Minute,
		PowInterval:      3 * time.Second,
		BounceTimeout:    3 * time.Second,
	}
}

// Factory builds a check-in workflow.
type Factory func(Options) orchestrator.Workflow

// Registry maps flow names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in flows.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(NameTuneHub, TuneHub)
	r.Register(NameAnyRouter, AnyRouter)
	r.Register(NameSignQAQ, SignQAQ)
	return r
}

// Register adds or replaces a flow. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) {
	r.factories[strings.ToLower(name)] = f
}

// Lookup finds a flow by name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names lists the registered flows in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build resolves names into workflows, rejecting unknown ones.
func (r *Registry) Build(names []string, opts Options) ([]orchestrator.Workflow, error) {
	out := make([]orchestrator.Workflow, 0, len(names))
	for _, n := range names {
		f, ok := r.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("unknown check-in %q (known: %s)", n, strings.Join(r.Names(), ", "))
		}
		out = append(out, f(opts))
	}
	return out, nil
}

// authorizeButton is the consent button of the linux.do OAuth page.
var authorizeButton = locator.NewChain("authorize button",
	locator.XPath("consent link", "/html/body/div[2]/a[1]"),
	locator.Text("allow text", "a,button", "允许"),
)

// authorize grants consent when the session reaches the OAuth page. Consent given earlier
// skips the page entirely, so the step is optional. The click that led here may still be
// navigating; skipped lists URL fragments meaning the consent page was passed already.
func authorize(opts Options, skipped ...string) orchestrator.Step {
	return orchestrator.Step{
		Name:       "authorize",
		BestEffort: true,
		Action: func(ctx context.Context, a *orchestrator.Attempt, _ browser.Element) error {
			arrived := []waiter.Predicate{waiter.URLContains(a.Session, connectHost)}
			for _, frag := range skipped {
				arrived = append(arrived, waiter.URLContains(a.Session, frag))
			}
			waiter.Poll(ctx, opts.LandingTimeout, opts.PollInterval, waiter.Any(arrived...))

			u, err := a.Session.CurrentURL(ctx)
			if err != nil {
				return err
			}
			if !strings.Contains(u, connectHost) {
				return nil
			}
			el, out := waiter.AwaitElement(ctx, a.Session, authorizeButton, opts.StepTimeout, opts.PollInterval, a.Logger)
			if !out.Satisfied() {
				a.Logger.Info("No consent button on the authorize page.")
				return nil
			}
			if err := browser.ScriptClickElement(ctx, a.Session, el); err != nil {
				return fmt.Errorf("click authorize: %w", err)
			}
			a.Logger.Info("Authorized the application.")
			left := waiter.Poll(ctx, opts.LandingTimeout, opts.PollInterval, leftConsent(a.Session))
			if !left.Satisfied() {
				a.Logger.Debug("Still on the consent page after authorizing.", zap.Error(left.LastErr))
			}
			return ctx.Err()
		},
	}
}

// leftConsent holds once the active window is off the consent page. A window that closed
// itself counts as gone; the window tracker decides what happened to it.
func leftConsent(s browser.Session) waiter.Predicate {
	return func(ctx context.Context) (bool, error) {
		u, err := s.CurrentURL(ctx)
		if err != nil {
			return true, nil
		}
		return !strings.Contains(u, connectHost), nil
	}
}

// scriptClick is an Action that clicks through JavaScript, bypassing overlays.
func scriptClick(ctx context.Context, a *orchestrator.Attempt, el browser.Element) error {
	return browser.ScriptClickElement(ctx, a.Session, el)
}

// clickWithFallback is an Action that clicks natively, falling back to JavaScript.
func clickWithFallback(ctx context.Context, a *orchestrator.Attempt, el browser.Element) error {
	fallback, err := browser.ClickWithFallback(ctx, a.Session, el)
	if err != nil {
		return err
	}
	if fallback {
		a.Logger.Debug("Native click was intercepted; clicked through script.")
	}
	return nil
}

// readText returns the trimmed text of the first element of chain, or "" when absent.
func readText(ctx context.Context, a *orchestrator.Attempt, chain locator.Chain, timeout, interval time.Duration) string {
	el, out := waiter.AwaitElement(ctx, a.Session, chain, timeout, interval, a.Logger)
	if !out.Satisfied() {
		return ""
	}
	txt, err := el.Text(ctx)
	if err != nil {
		a.Logger.Debug("Could not read text.", zap.String("chain", chain.Name()), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(txt)
}

func bodyContains(ctx context.Context, s browser.Session, phrases ...string) (string, bool) {
	body, err := browser.BodyText(ctx, s)
	if err != nil {
		return "", false
	}
	for _, p := range phrases {
		if strings.Contains(body, p) {
			return p, true
		}
	}
	return "", false
}
