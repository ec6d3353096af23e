// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/config"
	"github.com/xkilldash9x/autoread/internal/engagement"
	"github.com/xkilldash9x/autoread/internal/observability"
	"github.com/xkilldash9x/autoread/internal/orchestrator"
	"github.com/xkilldash9x/autoread/internal/reporting"
	"github.com/xkilldash9x/autoread/internal/sites/checkin"
	"github.com/xkilldash9x/autoread/internal/sites/discourse"
	"github.com/xkilldash9x/autoread/internal/worklist"
)

const (
	persistTimeout = 30 * time.Second
	closeTimeout   = 10 * time.Second
)

// -- Interfaces for Dependency Inversion --

// Ledger defines the interface for any component that can persist run reports.
// store.Ledger satisfies it.
type Ledger interface {
	RecordRun(ctx context.Context, report *reporting.Report) error
}

// SessionError marks a target whose browser session could not be established, either
// because the browser did not launch or because authentication failed.
type SessionError struct {
	Target string
	Stage  string
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session failure for %s during %s: %v", e.Target, e.Stage, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Runner processes targets one after another, each in its own browser session.
type Runner struct {
	cfg      config.Interface
	launcher browser.Launcher
	registry *checkin.Registry
	ledger   Ledger
	logger   *zap.Logger

	forum    discourse.Options
	checkins checkin.Options
	newRunID func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithForumOptions replaces the forum pacing template. Limits and linger bounds still come
// from the configuration.
func WithForumOptions(o discourse.Options) Option {
	return func(r *Runner) { r.forum = o }
}

// WithCheckinOptions replaces the check-in pacing template. Retry bounds still come from
// the configuration.
func WithCheckinOptions(o checkin.Options) Option {
	return func(r *Runner) { r.checkins = o }
}

// WithRunID fixes how run identifiers are generated.
func WithRunID(f func() string) Option {
	return func(r *Runner) { r.newRunID = f }
}

// New creates a Runner. A nil registry means the built-in check-ins, a nil ledger records nothing.
func New(cfg config.Interface, launcher browser.Launcher, registry *checkin.Registry, ledger Ledger, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = checkin.NewRegistry()
	}
	r := &Runner{
		cfg:      cfg,
		launcher: launcher,
		registry: registry,
		ledger:   ledger,
		logger:   logger.With(zap.String("component", "runner")),
		forum:    discourse.DefaultOptions(),
		checkins: checkin.DefaultOptions(),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every target and returns the run report. A failure or panic in one target never
// prevents the next one from running. The report is persisted to the ledger before returning.
func (r *Runner) Run(ctx context.Context, targets []config.TargetConfig) *reporting.Report {
	report := &reporting.Report{
		RunID:     r.newRunID(),
		StartedAt: time.Now(),
	}
	logger := r.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Run started.", zap.Int("targets", len(targets)))

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			report.Targets = append(report.Targets, reporting.TargetReport{
				Name: t.Name, URL: t.URL, Status: reporting.StatusCanceled, Error: err.Error(),
			})
			continue
		}
		report.Targets = append(report.Targets, r.runTarget(ctx, logger.With(zap.String("target", t.Name)), t))
	}
	report.FinishedAt = time.Now()

	r.persist(logger, report)
	logger.Info("Run finished.",
		zap.Any("summary", report.Summary()),
		zap.Int("exit_code", report.ExitCode()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

// persist uses a background context so a canceled run still leaves its history behind.
func (r *Runner) persist(logger *zap.Logger, report *reporting.Report) {
	if r.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.ledger.RecordRun(ctx, report); err != nil {
		logger.Error("Failed to persist run report.", zap.Error(err))
	}
}

func (r *Runner) runTarget(ctx context.Context, logger *zap.Logger, t config.TargetConfig) (tr reporting.TargetReport) {
	ctx, span := observability.StartSpan(ctx, "target "+t.Name, observability.AttrTarget.String(t.Name))
	defer span.End()

	tr = reporting.TargetReport{Name: t.Name, URL: t.URL, Status: reporting.StatusCompleted}
	defer func() {
		// a panic anywhere in the target ends it, the browser is already closed by now.
		if p := recover(); p != nil {
			logger.Error("Recovered from panic in target.", zap.Any("panic_value", p), zap.Stack("stack"))
			tr.Status = reporting.StatusSessionFailure
			tr.Error = fmt.Sprintf("panic: %v", p)
		}
		if tr.Status == reporting.StatusCompleted && ctx.Err() != nil {
			tr.Status = reporting.StatusCanceled
			tr.Error = ctx.Err().Error()
		}
		if tr.Status != reporting.StatusCompleted {
			span.SetStatus(codes.Error, tr.Error)
		}
	}()

	session, err := r.launcher.Launch(ctx, r.launchOptions())
	if err != nil {
		return sessionFailure(logger, tr, &SessionError{Target: t.Name, Stage: "launch", Err: err})
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("Failed to close browser session.", zap.Error(err))
		}
	}()

	limits := r.cfg.LimitsFor(t)
	sim := engagement.New(session, engagementConfig(r.cfg.Engagement()), logger)
	forum := discourse.New(session, t.URL, sim, worklist.NewLedger(), r.forumOptions(limits), logger)

	creds := discourse.Credentials{Username: t.Username, Password: t.Password, Cookie: t.Cookie}
	if err := forum.Login(ctx, creds); err != nil {
		return sessionFailure(logger, tr, &SessionError{Target: t.Name, Stage: "login", Err: err})
	}
	logger.Info("Signed in.")

	for _, read := range []func(context.Context) worklist.Result{forum.ReadUnread, forum.ReadNew} {
		if ctx.Err() != nil {
			return tr
		}
		res := read(ctx)
		tr.Worklists = append(tr.Worklists, worklistReport(res))
		logger.Info("Worklist finished.",
			zap.String("worklist", res.Name),
			zap.Int("consumed", res.Count(worklist.Consumed)),
			zap.Int("skipped", res.Count(worklist.SkippedError)+res.Count(worklist.SkippedExhausted)),
			zap.Bool("exhausted", res.Exhausted))
	}

	if len(t.Checkins) == 0 || ctx.Err() != nil {
		return tr
	}
	wfs, err := r.registry.Build(t.Checkins, r.checkinOptions())
	if err != nil {
		// Unknown names are a configuration mistake; the known ones still run.
		logger.Error("Some check-ins could not be built.", zap.Error(err))
		wfs = r.buildKnown(t.Checkins)
	}
	orch := orchestrator.New(logger)
	for _, wf := range wfs {
		if ctx.Err() != nil {
			break
		}
		tr.Workflows = append(tr.Workflows, r.runWorkflow(ctx, logger, orch, session, wf))
	}
	return tr
}

func (r *Runner) buildKnown(names []string) []orchestrator.Workflow {
	var wfs []orchestrator.Workflow
	opts := r.checkinOptions()
	for _, name := range names {
		if f, ok := r.registry.Lookup(name); ok {
			wfs = append(wfs, f(opts))
		}
	}
	return wfs
}

// runWorkflow isolates one check-in so a panic outside the orchestrator's own recovery
// still yields a report entry.
func (r *Runner) runWorkflow(ctx context.Context, logger *zap.Logger, orch *orchestrator.Orchestrator, s browser.Session, wf orchestrator.Workflow) (rep reporting.WorkflowReport) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic in check-in.", zap.String("workflow", wf.Name), zap.Any("panic_value", p), zap.Stack("stack"))
			rep = reporting.WorkflowReport{
				Name:     wf.Name,
				Outcome:  orchestrator.FatalFailure.String(),
				Attempts: 1,
				Reason:   fmt.Sprintf("panic: %v", p),
				Duration: time.Since(start),
			}
		}
	}()
	return workflowReport(orch.Run(ctx, s, wf))
}

func sessionFailure(logger *zap.Logger, tr reporting.TargetReport, err *SessionError) reporting.TargetReport {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("Target interrupted while establishing the session.", zap.Error(err))
		tr.Status = reporting.StatusCanceled
	} else {
		logger.Error("Session could not be established.", zap.String("stage", err.Stage), zap.Error(err.Err))
		tr.Status = reporting.StatusSessionFailure
	}
	tr.Error = err.Error()
	return tr
}

func (r *Runner) launchOptions() browser.LaunchOptions {
	b := r.cfg.Browser()
	return browser.LaunchOptions{
		Headless:        b.Headless,
		ExecutablePath:  b.ExecutablePath,
		Args:            b.Args,
		Language:        b.Language,
		WindowWidth:     1920,
		WindowHeight:    1080,
		PageLoadTimeout: b.PageLoadTimeout,
	}
}

func (r *Runner) forumOptions(l config.LimitsConfig) discourse.Options {
	o := r.forum
	o.MaxItems = l.MaxItems
	o.MaxNewItems = l.MaxNewItems
	o.MaxReactions = l.MaxReactionsPerItem
	if d := l.LoginTimeout(); d > 0 {
		o.LoginTimeout = d
	}
	e := r.cfg.Engagement()
	o.LingerMin, o.LingerMax = e.LingerMin, e.LingerMax
	if l.NavigationInterval > 0 {
		o.Pacer = rate.NewLimiter(rate.Every(l.NavigationInterval), 1)
	}
	return o
}

func (r *Runner) checkinOptions() checkin.Options {
	o := r.checkins
	retry := r.cfg.Retry()
	if retry.MaxAttempts > 0 {
		o.MaxAttempts = retry.MaxAttempts
	}
	o.Pause = retry.Pause
	return o
}

func engagementConfig(e config.EngagementConfig) engagement.Config {
	return engagement.Config{
		PauseMin:     e.PauseMin,
		PauseMax:     e.PauseMax,
		Settle:       e.Settle,
		StepMax:      e.StepMax,
		MaxTotal:     e.MaxDwell,
		BottomChecks: e.BottomChecks,
		BottomSlack:  e.BottomSlack,
		AimMin:       e.AimMin,
		AimMax:       e.AimMax,
		GapMin:       e.GapMin,
		GapMax:       e.GapMax,
	}
}

func worklistReport(res worklist.Result) reporting.WorklistReport {
	wr := reporting.WorklistReport{
		Name:       res.Name,
		Iterations: res.Iterations,
		Exhausted:  res.Exhausted,
		Items:      make([]reporting.ItemReport, 0, len(res.Items)),
	}
	for _, it := range res.Items {
		wr.Items = append(wr.Items, reporting.ItemReport{ID: it.ID, Title: it.Title, State: string(it.State), Reason: it.Reason})
	}
	return wr
}

func workflowReport(res orchestrator.Result) reporting.WorkflowReport {
	return reporting.WorkflowReport{
		Name:      res.Workflow,
		Outcome:   res.Outcome.String(),
		Attempts:  res.Attempts,
		Reason:    res.Reason,
		Exhausted: res.Exhausted(),
		Duration:  res.Duration,
	}
}
