// File: internal/orchestrator/orchestrator.go
// Description: Runs one interactive workflow against a browser session as a bounded series
// of attempts. Each attempt navigates, waits out challenge pages, executes its steps and is
// classified; recoverable failures are retried after a reset when the workflow allows it.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/locator"
	"github.com/xkilldash9x/autoread/internal/observability"
	"github.com/xkilldash9x/autoread/internal/waiter"
	"github.com/xkilldash9x/autoread/internal/windows"
)

const (
	// DefaultMaxAttempts bounds retryable workflows that leave MaxAttempts unset.
	DefaultMaxAttempts = 3
	// DefaultStepTimeout applies to steps with a chain and no Timeout.
	DefaultStepTimeout = 10 * time.Second
	// DefaultPollInterval is how often a step's chain is re-resolved.
	DefaultPollInterval = 500 * time.Millisecond
)

var (
	// ErrAttemptsExhausted marks a retryable workflow that failed on every attempt.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	// ErrFatal can be wrapped by a step action to end the workflow without retry.
	ErrFatal = errors.New("fatal")
)

// Outcome is the classification of an attempt or workflow.
type Outcome int

const (
	Success Outcome = iota
	RecoverableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RecoverableFailure:
		return "recoverable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Verdict is an outcome with a human readable reason.
type Verdict struct {
	Outcome Outcome
	Reason  string
}

// Succeeded, Recoverable and Fatal build verdicts.
func Succeeded(reason string) Verdict   { return Verdict{Outcome: Success, Reason: reason} }
func Recoverable(reason string) Verdict { return Verdict{Outcome: RecoverableFailure, Reason: reason} }
func Fatal(reason string) Verdict       { return Verdict{Outcome: FatalFailure, Reason: reason} }

// finished lets a step end its attempt early with a success.
type finished struct{ reason string }

func (f finished) Error() string { return "finished: " + f.reason }

// Finish returns an error that, returned from a step action, ends the attempt as a Success
// and skips the remaining steps and classification.
func Finish(reason string) error { return finished{reason: reason} }

// Fatalf returns an error that ends the workflow as a FatalFailure.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// Attempt is the state shared by the steps of one attempt.
type Attempt struct {
	Workflow string
	Number   int
	Session  browser.Session
	Windows  *windows.Tracker
	// Original is the window that was active when the attempt started.
	Original browser.WindowID
	Logger   *zap.Logger
	// Values carries data between steps and the classifier, e.g. a points balance read early.
	Values map[string]string
}

// Action operates on the element its step resolved. el is nil for steps without a chain.
type Action func(ctx context.Context, a *Attempt, el browser.Element) error

// Step is one interaction of an attempt.
type Step struct {
	Name  string
	Chain locator.Chain
	// Timeout bounds how long the chain is polled for.
	Timeout time.Duration
	Action  Action
	// BestEffort steps log and continue on failure.
	BestEffort bool
	// Fatal steps end the whole workflow on failure.
	Fatal bool
}

// Workflow is a retryable unit of interactive work.
type Workflow struct {
	Name string
	// URL is opened at the start of every attempt. Empty keeps the current page.
	URL       string
	Challenge *waiter.Challenge
	Setup     func(ctx context.Context, a *Attempt) error
	Steps     []Step
	// Classify decides the attempt outcome after all steps ran. A nil Classify means success.
	Classify    func(ctx context.Context, a *Attempt) Verdict
	Retryable   bool
	MaxAttempts int
	// Reset runs between attempts of a retryable workflow. Its errors are logged only.
	Reset func(ctx context.Context, a *Attempt) error
	// Pause is the wait before the next attempt.
	Pause time.Duration
	// PollInterval overrides DefaultPollInterval for step chains and window polling.
	PollInterval time.Duration
}

// Result is the final report of a workflow run.
type Result struct {
	Workflow string
	Outcome  Outcome
	Attempts int
	Reason   string
	Err      error
	Duration time.Duration
	Values   map[string]string
}

// Exhausted reports whether every allowed attempt failed.
func (r Result) Exhausted() bool { return errors.Is(r.Err, ErrAttemptsExhausted) }

// Orchestrator runs workflows.
type Orchestrator struct {
	logger *zap.Logger
}

// New creates an orchestrator.
func New(logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{logger: logger.Named("orchestrator")}
}

// Run executes wf on s until an attempt succeeds, fails fatally, or attempts run out.
func (o *Orchestrator) Run(ctx context.Context, s browser.Session, wf Workflow) Result {
	start := time.Now()
	logger := o.logger.With(zap.String("workflow", wf.Name))
	ctx, span := observability.StartSpan(ctx, "workflow "+wf.Name, observability.AttrWorkflow.String(wf.Name))
	defer span.End()

	maxAttempts := 1
	if wf.Retryable {
		maxAttempts = wf.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}
	}

	res := Result{Workflow: wf.Name}
	values := make(map[string]string)
	var last Verdict

	for n := 1; n <= maxAttempts; n++ {
		res.Attempts = n
		tracker := windows.New(s, logger)
		if wf.PollInterval > 0 {
			tracker.Interval = wf.PollInterval
		}
		a := &Attempt{
			Workflow: wf.Name,
			Number:   n,
			Session:  s,
			Windows:  tracker,
			Logger:   logger.With(zap.Int("attempt", n)),
			Values:   values,
		}

		last = o.attempt(ctx, a, wf)
		observability.RecordAttempt(wf.Name, last.Outcome.String())

		switch last.Outcome {
		case Success:
			a.Logger.Info("Workflow succeeded.", zap.String("reason", last.Reason))
		case FatalFailure:
			a.Logger.Error("Workflow failed fatally.", zap.String("reason", last.Reason))
		default:
			a.Logger.Warn("Attempt failed.", zap.String("reason", last.Reason), zap.Int("max_attempts", maxAttempts))
		}

		if last.Outcome != RecoverableFailure || !wf.Retryable {
			break
		}
		if err := ctx.Err(); err != nil {
			last = Fatal(fmt.Sprintf("canceled: %v", err))
			break
		}
		if n == maxAttempts {
			res.Err = fmt.Errorf("%s: %w after %d attempts: %s", wf.Name, ErrAttemptsExhausted, n, last.Reason)
			last = Fatal(res.Err.Error())
			logger.Error("Workflow exhausted its attempts.", zap.Int("attempts", n))
			break
		}

		if wf.Reset != nil {
			if err := wf.Reset(ctx, a); err != nil {
				a.Logger.Warn("Reset between attempts failed.", zap.Error(err))
			}
		}
		if err := waiter.Sleep(ctx, wf.Pause); err != nil {
			last = Fatal(fmt.Sprintf("canceled: %v", err))
			break
		}
	}

	res.Outcome = last.Outcome
	res.Reason = last.Reason
	res.Duration = time.Since(start)
	res.Values = values
	if res.Outcome != Success {
		span.SetStatus(codes.Error, res.Reason)
	}
	span.SetAttributes(attribute.Int("autoread.attempts", res.Attempts), observability.AttrOutcome.String(res.Outcome.String()))
	return res
}

// attempt runs a single attempt. Panics are converted into recoverable failures.
func (o *Orchestrator) attempt(ctx context.Context, a *Attempt, wf Workflow) (v Verdict) {
	ctx, span := observability.StartSpan(ctx, "attempt", observability.AttrAttempt.Int(a.Number))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			a.Logger.Error("Recovered from panic in workflow attempt.", zap.Any("panic_value", r), zap.Stack("stack"))
			v = Recoverable(fmt.Sprintf("panic: %v", r))
		}
		span.SetAttributes(observability.AttrOutcome.String(v.Outcome.String()))
	}()

	if id, err := a.Session.CurrentWindow(ctx); err == nil {
		a.Original = id
	}

	if wf.URL != "" {
		a.Logger.Debug("Navigating.", zap.String("url", wf.URL))
		if err := a.Session.Navigate(ctx, wf.URL); err != nil {
			return Recoverable(fmt.Sprintf("navigate to %s: %v", wf.URL, err))
		}
	}
	if wf.Challenge != nil {
		waiter.AwaitChallenge(ctx, a.Session, *wf.Challenge, a.Logger)
	}

	if wf.Setup != nil {
		if err := wf.Setup(ctx, a); err != nil {
			return o.failure(a, Step{Name: "setup"}, err)
		}
	}

	for _, st := range wf.Steps {
		if err := ctx.Err(); err != nil {
			return Fatal(fmt.Sprintf("canceled: %v", err))
		}
		verdict, stop := o.step(ctx, a, wf, st)
		if stop {
			return verdict
		}
	}

	if wf.Classify == nil {
		return Succeeded("all steps completed")
	}
	return wf.Classify(ctx, a)
}

// step runs one step and reports whether the attempt ends here.
func (o *Orchestrator) step(ctx context.Context, a *Attempt, wf Workflow, st Step) (Verdict, bool) {
	logger := a.Logger.With(zap.String("step", st.Name))
	var el browser.Element

	if !st.Chain.IsZero() {
		timeout := st.Timeout
		if timeout <= 0 {
			timeout = DefaultStepTimeout
		}
		interval := wf.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		found, out := waiter.AwaitElement(ctx, a.Session, st.Chain, timeout, interval, a.Logger)
		if !out.Satisfied() {
			err := fmt.Errorf("%s not found within %s", st.Chain.Name(), timeout)
			if st.BestEffort {
				logger.Debug("Optional element absent; continuing.", zap.Error(err))
				return Verdict{}, false
			}
			return o.failure(a, st, err), true
		}
		el = found
	}

	if st.Action == nil {
		return Verdict{}, false
	}
	if err := st.Action(ctx, a, el); err != nil {
		var done finished
		if errors.As(err, &done) {
			return Succeeded(done.reason), true
		}
		if st.BestEffort && !errors.Is(err, ErrFatal) {
			logger.Info("Optional step failed; continuing.", zap.Error(err))
			return Verdict{}, false
		}
		return o.failure(a, st, err), true
	}
	logger.Debug("Step completed.")
	return Verdict{}, false
}

func (o *Orchestrator) failure(a *Attempt, st Step, err error) Verdict {
	var done finished
	if errors.As(err, &done) {
		return Succeeded(done.reason)
	}
	reason := fmt.Sprintf("step %q: %v", st.Name, err)
	if st.Fatal || errors.Is(err, ErrFatal) {
		return Fatal(reason)
	}
	return Recoverable(reason)
}
