// internal/browser/session/session.go

// Package session implements browser.Session on top of a locally launched Chrome driven
// through the DevTools protocol with chromedp.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/browser/stealth"
)

const defaultPageLoadTimeout = 60 * time.Second

// Launcher starts Chrome processes. It satisfies browser.Launcher.
type Launcher struct {
	logger *zap.Logger
}

// NewLauncher creates a chromedp backed launcher.
func NewLauncher(logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{logger: logger.Named("chromedp")}
}

// Session is one Chrome process and its page targets.
type Session struct {
	id     string
	logger *zap.Logger
	opts   browser.LaunchOptions

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	tabs   map[target.ID]context.Context
	detach map[target.ID]context.CancelFunc
	order  []target.ID
	active target.ID
	closed bool
}

var _ browser.Session = (*Session)(nil)

// Launch starts Chrome and attaches to its first tab. ctx bounds the startup only; the
// process lives until Close.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = defaultPageLoadTimeout
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Sugar().Debugf),
		chromedp.WithErrorf(l.logger.Sugar().Debugf),
	)

	s := &Session{
		id:            uuid.NewString(),
		logger:        l.logger,
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[target.ID]context.Context),
		detach:        make(map[target.ID]context.CancelFunc),
	}

	// The first Run allocates the browser and must use browserCtx itself, so the launch
	// deadline is enforced from outside.
	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(browserCtx, stealth.Apply(opts.Language, l.logger))
	}()
	select {
	case err := <-errc:
		if err != nil {
			s.shutdown()
			return nil, fmt.Errorf("failed to start chrome: %w", err)
		}
	case <-ctx.Done():
		s.shutdown()
		<-errc
		return nil, ctx.Err()
	}

	first := chromedp.FromContext(browserCtx).Target.TargetID
	s.tabs[first] = browserCtx
	s.order = []target.ID{first}
	s.active = first
	s.logger.Info("Browser launched.", zap.String("session_id", s.id), zap.Bool("headless", opts.Headless))
	return s, nil
}

func allocatorOptions(opts browser.LaunchOptions) []chromedp.ExecAllocatorOption {
	o := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !opts.Headless {
		o = append(o, chromedp.Flag("headless", false))
	}
	for _, arg := range append(append([]string{}, browser.DefaultArgs...), opts.Args...) {
		if name, value := splitFlag(arg); name != "" {
			o = append(o, chromedp.Flag(name, value))
		}
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		o = append(o, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.Language != "" {
		o = append(o, chromedp.Flag("lang", opts.Language))
	}
	if opts.ExecutablePath != "" {
		o = append(o, chromedp.ExecPath(opts.ExecutablePath))
	}
	return o
}

// splitFlag turns "--name=value" into ("name", "value") and "--name" into ("name", true).
func splitFlag(arg string) (string, any) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}

func (s *Session) ID() string { return s.id }

// tab returns the context of the active window.
func (s *Session) tab() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.active == "" {
		return nil, browser.ErrNoActiveWindow
	}
	ctx, ok := s.tabs[s.active]
	if !ok {
		return nil, browser.ErrNoActiveWindow
	}
	return ctx, nil
}

// run executes actions on the active window, bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, err := s.tab()
	if err != nil {
		return err
	}
	return runOn(tabCtx, ctx, actions...)
}

func runOn(tabCtx, ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PageLoadTimeout)
	defer cancel()
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PageLoadTimeout)
	defer cancel()
	return s.run(ctx, chromedp.Reload())
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := s.run(ctx, chromedp.Location(&u))
	return u, err
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	err := s.run(ctx, chromedp.Title(&title))
	return title, err
}

// ExecuteScript calls fn with this bound to the window object.
func (s *Session) ExecuteScript(ctx context.Context, fn string, res any, args ...any) error {
	tabCtx, err := s.tab()
	if err != nil {
		return err
	}
	callArgs, err := s.callArguments(args)
	if err != nil {
		return err
	}
	return runOn(tabCtx, ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		global, exc, err := runtime.Evaluate("globalThis").Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		return callFunction(ctx, global.ObjectID, fn, res, callArgs...)
	}))
}

func (s *Session) callArguments(args []any) ([]*runtime.CallArgument, error) {
	out := make([]*runtime.CallArgument, 0, len(args))
	for i, a := range args {
		if el, ok := a.(*element); ok {
			if el.s != s {
				return nil, fmt.Errorf("argument %d belongs to another session", i)
			}
			out = append(out, &runtime.CallArgument{ObjectID: el.id})
			continue
		}
		if _, ok := a.(browser.Element); ok {
			return nil, fmt.Errorf("argument %d is not a chromedp element", i)
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		out = append(out, &runtime.CallArgument{Value: b})
	}
	return out, nil
}

// callFunction calls fn on the object and decodes its by-value result into res.
func callFunction(ctx context.Context, obj runtime.RemoteObjectID, fn string, res any, args ...*runtime.CallArgument) error {
	ret, exc, err := runtime.CallFunctionOn(fn).
		WithObjectID(obj).
		WithArguments(args).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(ctx)
	if err != nil {
		return classify(err)
	}
	if exc != nil {
		return fmt.Errorf("script error: %w", exc)
	}
	if res == nil || ret == nil || len(ret.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(ret.Value, res); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

// callObject calls fn on the object and returns a reference to the resulting object.
func callObject(ctx context.Context, obj runtime.RemoteObjectID, fn string, args ...*runtime.CallArgument) (runtime.RemoteObjectID, error) {
	ret, exc, err := runtime.CallFunctionOn(fn).
		WithObjectID(obj).
		WithArguments(args).
		Do(ctx)
	if err != nil {
		return "", classify(err)
	}
	if exc != nil {
		return "", fmt.Errorf("script error: %w", exc)
	}
	if ret == nil || ret.ObjectID == "" {
		return "", nil
	}
	return ret.ObjectID, nil
}

// classify maps protocol errors about vanished objects to browser.ErrStaleElement.
func classify(err error) error {
	msg := err.Error()
	for _, marker := range []string{"Could not find object", "Cannot find context", "No node with given id", "Node is detached", "No target with given id"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", browser.ErrStaleElement, msg)
		}
	}
	return err
}

// Cookies reads the whole cookie jar of the browser context, whatever page is open.
func (s *Session) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	var cookies []browser.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		p := storage.GetCookies()
		if c := chromedp.FromContext(ctx); c != nil && c.BrowserContextID != "" {
			p = p.WithBrowserContextID(c.BrowserContextID)
		}
		got, err := p.Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range got {
			cookies = append(cookies, browser.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		return nil
	}))
	return cookies, err
}

// AddCookie scopes a cookie without a domain to the current document URL.
func (s *Session) AddCookie(ctx context.Context, c browser.Cookie) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		p := network.SetCookie(c.Name, c.Value)
		if c.Domain != "" {
			p = p.WithDomain(c.Domain)
		} else {
			var u string
			if err := chromedp.Location(&u).Do(ctx); err != nil {
				return err
			}
			p = p.WithURL(u)
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		return p.WithPath(path).Do(ctx)
	}))
}

func (s *Session) DeleteCookie(ctx context.Context, c browser.Cookie) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		p := network.DeleteCookies(c.Name)
		if c.Domain != "" {
			p = p.WithDomain(c.Domain)
		}
		if c.Path != "" {
			p = p.WithPath(c.Path)
		}
		return p.Do(ctx)
	}))
}

// Windows lists page targets in the order they were first seen.
func (s *Session) Windows(ctx context.Context) ([]browser.WindowID, error) {
	ids, err := s.refreshTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]browser.WindowID, len(ids))
	for i, id := range ids {
		out[i] = browser.WindowID(id)
	}
	return out, nil
}

func (s *Session) refreshTargets(ctx context.Context) ([]target.ID, error) {
	runCtx, cancel := CombineContext(s.browserCtx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			live[info.TargetID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.order[:0]
	seen := make(map[target.ID]bool, len(live))
	for _, id := range s.order {
		if live[id] {
			order = append(order, id)
			seen[id] = true
		} else {
			s.forget(id)
		}
	}
	for _, info := range infos {
		if live[info.TargetID] && !seen[info.TargetID] {
			order = append(order, info.TargetID)
			seen[info.TargetID] = true
		}
	}
	s.order = order
	return append([]target.ID(nil), order...), nil
}

// forget drops a target's context. The caller holds s.mu.
func (s *Session) forget(id target.ID) {
	if cancel, ok := s.detach[id]; ok {
		cancel()
		delete(s.detach, id)
	}
	delete(s.tabs, id)
}

func (s *Session) CurrentWindow(ctx context.Context) (browser.WindowID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return "", browser.ErrNoActiveWindow
	}
	return browser.WindowID(s.active), nil
}

func (s *Session) SwitchWindow(ctx context.Context, id browser.WindowID) error {
	ids, err := s.refreshTargets(ctx)
	if err != nil {
		return err
	}
	want := target.ID(id)
	found := false
	for _, t := range ids {
		found = found || t == want
	}
	if !found {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchWindow, id.Short())
	}

	s.mu.Lock()
	tabCtx, ok := s.tabs[want]
	if !ok {
		var cancel context.CancelFunc
		tabCtx, cancel = chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(want))
		s.tabs[want] = tabCtx
		s.detach[want] = cancel
	}
	s.mu.Unlock()

	// tabs opened by the page start without the evasions of the launch tab.
	if !ok {
		if err := runOn(tabCtx, ctx, stealth.Adopt(s.opts.Language, s.logger)); err != nil {
			s.logger.Warn("Failed to apply evasions to window.", zap.String("window", id.Short()), zap.Error(err))
		}
	}
	if err := runOn(tabCtx, ctx, page.BringToFront()); err != nil {
		return fmt.Errorf("failed to activate window %s: %w", id.Short(), err)
	}
	s.mu.Lock()
	s.active = want
	s.mu.Unlock()
	return nil
}

// CloseWindow closes the active window. No window is active afterwards.
func (s *Session) CloseWindow(ctx context.Context) error {
	tabCtx, err := s.tab()
	if err != nil {
		return err
	}
	if err := runOn(tabCtx, ctx, page.Close()); err != nil {
		return fmt.Errorf("failed to close window: %w", err)
	}
	s.mu.Lock()
	s.forget(s.active)
	s.active = ""
	s.mu.Unlock()
	return nil
}

// Close terminates the browser process. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.browserCtx) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Browser did not shut down cleanly.", zap.String("session_id", s.id), zap.Error(err))
		return err
	}
	s.logger.Info("Browser closed.", zap.String("session_id", s.id))
	return nil
}

func (s *Session) shutdown() {
	s.browserCancel()
	s.allocCancel()
}
