// internal/browser/pwsession/session.go
package pwsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
)

const (
	defaultPageLoadTimeout = 60 * time.Second
	clickTimeout           = 5 * time.Second
)

// Session is one Playwright browser with a single browser context.
type Session struct {
	id      string
	logger  *zap.Logger
	browser playwright.Browser
	context playwright.BrowserContext
	timeout time.Duration

	mu      sync.Mutex
	windows []window
	active  browser.WindowID
	closed  bool
}

type window struct {
	id   browser.WindowID
	page playwright.Page
}

var _ browser.Session = (*Session)(nil)

// track registers page under a fresh window id, or returns its existing id.
func (s *Session) track(page playwright.Page) browser.WindowID {
	for _, w := range s.windows {
		if w.page == page {
			return w.id
		}
	}
	id := browser.WindowID(uuid.NewString())
	s.windows = append(s.windows, window{id: id, page: page})
	return id
}

// refresh reconciles tracked windows with the context's open pages, keeping first-seen order.
func (s *Session) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.context.Pages()
	live := s.windows[:0]
	for _, w := range s.windows {
		if !w.page.IsClosed() {
			live = append(live, w)
		}
	}
	s.windows = live
	for _, p := range open {
		s.track(p)
	}
}

func (s *Session) page() (playwright.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.active == "" {
		return nil, browser.ErrNoActiveWindow
	}
	for _, w := range s.windows {
		if w.id == s.active && !w.page.IsClosed() {
			return w.page, nil
		}
	}
	return nil, browser.ErrNoActiveWindow
}

// await runs a blocking Playwright call and returns early when ctx is done. The call keeps
// running until its own timeout.
func await[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, f func() error) error {
	_, err := await(ctx, func() (struct{}, error) { return struct{}{}, f() })
	return err
}

// timeoutMillis is the Playwright timeout for ctx, capped at limit.
func timeoutMillis(ctx context.Context, limit time.Duration) *float64 {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < limit {
			limit = left
		}
	}
	if limit < time.Millisecond {
		limit = time.Millisecond
	}
	return playwright.Float(float64(limit.Milliseconds()))
}

func (s *Session) loadTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return defaultPageLoadTimeout
}

func (s *Session) ID() string { return s.id }

func (s *Session) Navigate(ctx context.Context, url string) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	_, err = await(ctx, func() (playwright.Response, error) {
		return p.Goto(url, playwright.PageGotoOptions{Timeout: timeoutMillis(ctx, s.loadTimeout())})
	})
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (s *Session) Refresh(ctx context.Context) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	_, err = await(ctx, func() (playwright.Response, error) {
		return p.Reload(playwright.PageReloadOptions{Timeout: timeoutMillis(ctx, s.loadTimeout())})
	})
	return err
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	p, err := s.page()
	if err != nil {
		return "", err
	}
	return p.URL(), nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	p, err := s.page()
	if err != nil {
		return "", err
	}
	return await(ctx, p.Title)
}

// ExecuteScript wraps fn so it is applied to the argument list, with this bound to window.
func (s *Session) ExecuteScript(ctx context.Context, fn string, res any, args ...any) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	callArgs := make([]any, len(args))
	for i, a := range args {
		if el, ok := a.(*element); ok {
			callArgs[i] = el.handle
			continue
		}
		if _, ok := a.(browser.Element); ok {
			return fmt.Errorf("argument %d is not a playwright element", i)
		}
		callArgs[i] = a
	}
	expr := "(args) => (" + fn + ").apply(window, args)"
	v, err := await(ctx, func() (any, error) { return p.Evaluate(expr, callArgs) })
	if err != nil {
		return classify(err)
	}
	return decode(v, res)
}

// decode copies a Playwright evaluation result into res through JSON.
func decode(v, res any) error {
	if res == nil || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode script result: %w", err)
	}
	if err := json.Unmarshal(b, res); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func classify(err error) error {
	msg := err.Error()
	for _, marker := range []string{"Element is not attached", "not attached to the DOM", "Target closed", "has been closed", "JSHandle is disposed"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", browser.ErrStaleElement, msg)
		}
	}
	return err
}

func (s *Session) Find(ctx context.Context, q browser.Query, scope browser.Element) ([]browser.Element, error) {
	sel, err := selector(q, scope != nil)
	if err != nil {
		return nil, err
	}
	var handles []playwright.ElementHandle
	if scope != nil {
		el, ok := scope.(*element)
		if !ok || el.s != s {
			return nil, errors.New("scope is not an element of this session")
		}
		handles, err = await(ctx, func() ([]playwright.ElementHandle, error) { return el.handle.QuerySelectorAll(sel) })
	} else {
		var p playwright.Page
		if p, err = s.page(); err != nil {
			return nil, err
		}
		handles, err = await(ctx, func() ([]playwright.ElementHandle, error) { return p.QuerySelectorAll(sel) })
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", q, classify(err))
	}
	out := make([]browser.Element, len(handles))
	for i, h := range handles {
		out[i] = &element{s: s, handle: h}
	}
	return out, nil
}

// selector translates q into a Playwright selector string.
func selector(q browser.Query, scoped bool) (string, error) {
	switch q.By {
	case browser.ByCSS:
		return "css=" + q.Expr, nil
	case browser.ByXPath:
		return "xpath=" + q.Expr, nil
	case browser.ByText:
		if scoped {
			return "xpath=" + q.ScopedTextXPath(), nil
		}
		return "xpath=" + q.TextXPath(), nil
	default:
		return "", fmt.Errorf("%w: %s", browser.ErrUnsupportedQuery, q.By)
	}
}

func (s *Session) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	got, err := await(ctx, func() ([]playwright.Cookie, error) { return s.context.Cookies() })
	if err != nil {
		return nil, err
	}
	out := make([]browser.Cookie, len(got))
	for i, c := range got {
		out[i] = browser.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}
	}
	return out, nil
}

// AddCookie scopes a cookie without a domain to the current document URL.
func (s *Session) AddCookie(ctx context.Context, c browser.Cookie) error {
	oc := playwright.OptionalCookie{Name: c.Name, Value: c.Value}
	if c.Domain != "" {
		path := c.Path
		if path == "" {
			path = "/"
		}
		oc.Domain = playwright.String(c.Domain)
		oc.Path = playwright.String(path)
	} else {
		p, err := s.page()
		if err != nil {
			return err
		}
		oc.URL = playwright.String(p.URL())
	}
	return awaitErr(ctx, func() error { return s.context.AddCookies([]playwright.OptionalCookie{oc}) })
}

func (s *Session) DeleteCookie(ctx context.Context, c browser.Cookie) error {
	opts := playwright.BrowserContextClearCookiesOptions{Name: c.Name}
	if c.Domain != "" {
		opts.Domain = c.Domain
	}
	if c.Path != "" {
		opts.Path = c.Path
	}
	return awaitErr(ctx, func() error { return s.context.ClearCookies(opts) })
}

func (s *Session) Windows(ctx context.Context) ([]browser.WindowID, error) {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]browser.WindowID, len(s.windows))
	for i, w := range s.windows {
		out[i] = w.id
	}
	return out, nil
}

func (s *Session) CurrentWindow(ctx context.Context) (browser.WindowID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return "", browser.ErrNoActiveWindow
	}
	return s.active, nil
}

func (s *Session) SwitchWindow(ctx context.Context, id browser.WindowID) error {
	s.refresh()
	s.mu.Lock()
	var target playwright.Page
	for _, w := range s.windows {
		if w.id == id {
			target = w.page
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchWindow, id.Short())
	}
	if err := awaitErr(ctx, target.BringToFront); err != nil {
		return fmt.Errorf("failed to activate window %s: %w", id.Short(), err)
	}
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
	return nil
}

func (s *Session) CloseWindow(ctx context.Context) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	if err := awaitErr(ctx, func() error { return p.Close() }); err != nil {
		return fmt.Errorf("failed to close window: %w", err)
	}
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	s.refresh()
	return nil
}

// Close shuts the browser process down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := awaitErr(ctx, func() error { return s.browser.Close() }); err != nil {
		s.logger.Warn("Browser did not shut down cleanly.", zap.String("session_id", s.id), zap.Error(err))
		return err
	}
	s.logger.Info("Browser closed.", zap.String("session_id", s.id))
	return nil
}
