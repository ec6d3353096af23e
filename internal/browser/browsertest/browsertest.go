// Package browsertest provides an in-memory, multi-window browser.Session backed by static HTML.
//
// Pages are parsed with goquery, so CSS queries use cascadia semantics. Visibility follows the
// `hidden` attribute, inline `display:none` / `visibility:hidden` styles and `data-visible="false"`
// on the element or any ancestor. Elements carrying `data-intercept` reject direct clicks the way
// an obscured element does in a real browser. Element locations come from `data-x` / `data-y`
// when present, otherwise from document order.
//
// The double is not safe for concurrent use, matching the browser.Session contract.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/xkilldash9x/autoread/internal/browser"
)

// Page is the template a window loads when it navigates to a routed URL.
type Page struct {
	Title        string
	HTML         string
	ScrollHeight float64
	// OnLoad runs after the page is parsed into the window.
	OnLoad func(w *Window)
}

// ClickHandler reacts to an activated element. Returning an error fails the click.
type ClickHandler func(w *Window, el *goquery.Selection) error

// ScriptHandler emulates a JavaScript function declaration run through ExecuteScript.
type ScriptHandler func(w *Window, args []any) (any, error)

type clickRoute struct {
	selector string
	handler  ClickHandler
}

type scheduled struct {
	due time.Time
	fn  func(w *Window)
	win *Window
}

// Browser is the fake session.
type Browser struct {
	id             string
	routes         map[string]Page
	clicks         []clickRoute
	scripts        map[string]ScriptHandler
	windows        []*Window
	current        *Window
	cookies        []browser.Cookie
	counters       map[string]int
	timers         []scheduled
	viewport       float64
	nextID         int
	closed         bool
	navigateErrFor map[string]error
}

var _ browser.Session = (*Browser)(nil)

// New returns a browser with a single blank window.
func New() *Browser {
	b := &Browser{
		id:             uuid.New().String(),
		routes:         make(map[string]Page),
		scripts:        make(map[string]ScriptHandler),
		counters:       make(map[string]int),
		viewport:       800,
		navigateErrFor: make(map[string]error),
	}
	w := b.newWindow()
	b.current = w
	return b
}

// Launcher returns a browser.Launcher that always hands out b.
func (b *Browser) Launcher() browser.Launcher {
	return browser.LauncherFunc(func(ctx context.Context, _ browser.LaunchOptions) (browser.Session, error) {
		return b, nil
	})
}

// Route registers the page served for an exact URL.
func (b *Browser) Route(rawURL string, p Page) *Browser {
	b.routes[normalizeURL(rawURL)] = p
	return b
}

// FailNavigation makes navigation to rawURL return err.
func (b *Browser) FailNavigation(rawURL string, err error) *Browser {
	b.navigateErrFor[normalizeURL(rawURL)] = err
	return b
}

// OnClick registers a handler for clicks on elements matching selector.
func (b *Browser) OnClick(selector string, h ClickHandler) *Browser {
	b.clicks = append(b.clicks, clickRoute{selector: selector, handler: h})
	return b
}

// HandleScript registers an emulation for a function declaration.
func (b *Browser) HandleScript(fn string, h ScriptHandler) *Browser {
	b.scripts[fn] = h
	return b
}

// SetViewportHeight changes the simulated window.innerHeight.
func (b *Browser) SetViewportHeight(h float64) { b.viewport = h }

// Count returns how many times the named event happened. Known names: navigate, refresh,
// click, script_click, intercepted, escape, close_window, delete_cookie, scroll.
func (b *Browser) Count(name string) int { return b.counters[name] }

// Window returns the window with the given id, or nil.
func (b *Browser) Window(id browser.WindowID) *Window {
	for _, w := range b.windows {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// Active returns the active window, or nil after it was closed.
func (b *Browser) Active() *Window { return b.current }

// OpenWindow opens a new window loading rawURL without activating it, as a popup does.
func (b *Browser) OpenWindow(rawURL string) *Window {
	w := b.newWindow()
	w.load(rawURL)
	return w
}

// RemoveWindow closes a window out from under the orchestrator, like a self-closing SSO tab.
func (b *Browser) RemoveWindow(id browser.WindowID) {
	for i, w := range b.windows {
		if w.ID == id {
			b.windows = append(b.windows[:i], b.windows[i+1:]...)
			w.closed = true
			if b.current == w {
				b.current = nil
			}
			return
		}
	}
}

// SetCookies replaces the cookie jar.
func (b *Browser) SetCookies(cs ...browser.Cookie) { b.cookies = append([]browser.Cookie(nil), cs...) }

func (b *Browser) newWindow() *Window {
	b.nextID++
	w := &Window{
		ID:      browser.WindowID(fmt.Sprintf("%08X-window-%d", b.nextID*7919, b.nextID)),
		browser: b,
	}
	w.load("about:blank")
	b.windows = append(b.windows, w)
	return w
}

// tick runs every scheduled callback that is due.
func (b *Browser) tick() {
	now := time.Now()
	pending := b.timers[:0]
	var due []scheduled
	for _, t := range b.timers {
		if !t.due.After(now) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	b.timers = pending
	for _, t := range due {
		if !t.win.closed {
			t.fn(t.win)
		}
	}
}

func (b *Browser) active() (*Window, error) {
	if b.closed {
		return nil, fmt.Errorf("browsertest: session closed")
	}
	b.tick()
	if b.current == nil {
		return nil, browser.ErrNoActiveWindow
	}
	return b.current, nil
}

// ID implements browser.Session.
func (b *Browser) ID() string { return b.id }

// Navigate implements browser.Session.
func (b *Browser) Navigate(ctx context.Context, rawURL string) error {
	w, err := b.active()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.navigateErrFor[normalizeURL(rawURL)]; err != nil {
		return err
	}
	b.counters["navigate"]++
	w.Navigate(rawURL)
	return nil
}

// Refresh implements browser.Session.
func (b *Browser) Refresh(ctx context.Context) error {
	w, err := b.active()
	if err != nil {
		return err
	}
	b.counters["refresh"]++
	w.load(w.URL)
	return nil
}

// CurrentURL implements browser.Session.
func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	w, err := b.active()
	if err != nil {
		return "", err
	}
	return w.URL, nil
}

// Title implements browser.Session.
func (b *Browser) Title(ctx context.Context) (string, error) {
	w, err := b.active()
	if err != nil {
		return "", err
	}
	return w.Title, nil
}

// Find implements browser.Session.
func (b *Browser) Find(ctx context.Context, q browser.Query, scope browser.Element) ([]browser.Element, error) {
	w, err := b.active()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := w.doc.Selection
	if scope != nil {
		se, ok := scope.(*element)
		if !ok {
			return nil, fmt.Errorf("browsertest: foreign scope element %T", scope)
		}
		sel, err := se.selection()
		if err != nil {
			return nil, err
		}
		root = sel
	}

	var matches *goquery.Selection
	switch q.By {
	case browser.ByCSS:
		matches = root.Find(q.Expr)
	case browser.ByText:
		matches = findText(root, q)
	default:
		return nil, fmt.Errorf("%w: %s", browser.ErrUnsupportedQuery, q)
	}

	out := make([]browser.Element, 0, matches.Length())
	matches.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &element{win: w, gen: w.gen, sel: s})
	})
	return out, nil
}

func findText(root *goquery.Selection, q browser.Query) *goquery.Selection {
	want := normalizeSpace(q.Expr)
	tags := q.Tags()
	selector := "*"
	if len(tags) > 0 {
		selector = strings.Join(tags, ",")
	}
	contains := func(s *goquery.Selection) bool {
		return strings.Contains(normalizeSpace(s.Text()), want)
	}
	return root.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		if !contains(s) {
			return false
		}
		if len(tags) > 0 {
			return true
		}
		innermost := true
		s.Children().Each(func(_ int, c *goquery.Selection) {
			if contains(c) {
				innermost = false
			}
		})
		return innermost
	})
}

// ExecuteScript implements browser.Session. Unregistered scripts fail.
func (b *Browser) ExecuteScript(ctx context.Context, fn string, res any, args ...any) error {
	w, err := b.active()
	if err != nil {
		return err
	}
	var out any
	switch fn {
	case browser.ScriptScrollBy:
		dy, _ := toFloat(args, 0)
		b.counters["scroll"]++
		w.ScrollY = clamp(w.ScrollY+dy, 0, maxFloat(0, w.ScrollHeight-b.viewport))
		out = w.ScrollY
	case browser.ScriptScrollMetrics:
		out = browser.ScrollMetrics{ScrollY: w.ScrollY, ViewportHeight: b.viewport, ScrollHeight: w.ScrollHeight}
	case browser.ScriptScrollIntoView:
		el, err := elementArg(args, 0)
		if err != nil {
			return err
		}
		loc, err := el.Location(ctx)
		if err != nil {
			return err
		}
		w.ScrollY = clamp(loc.Y-b.viewport/2, 0, maxFloat(0, w.ScrollHeight-b.viewport))
		out = true
	case browser.ScriptClick:
		el, err := elementArg(args, 0)
		if err != nil {
			return err
		}
		sel, err := el.selection()
		if err != nil {
			return err
		}
		b.counters["script_click"]++
		if err := b.activate(el.win, sel); err != nil {
			return err
		}
		out = true
	case browser.ScriptBodyText:
		out = normalizeSpace(w.doc.Find("body").Text())
	case browser.ScriptUserAgent:
		out = "Mozilla/5.0 (browsertest)"
	case browser.ScriptPressEscape:
		b.counters["escape"]++
		if h, ok := b.scripts[fn]; ok {
			if _, err := h(w, args); err != nil {
				return err
			}
		}
		out = true
	default:
		h, ok := b.scripts[fn]
		if !ok {
			return fmt.Errorf("browsertest: no handler for script %q", truncate(fn, 60))
		}
		out, err = h(w, args)
		if err != nil {
			return err
		}
	}
	if res == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("browsertest: encode script result: %w", err)
	}
	return json.Unmarshal(raw, res)
}

// Cookies implements browser.Session.
func (b *Browser) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if b.closed {
		return nil, fmt.Errorf("browsertest: session closed")
	}
	return append([]browser.Cookie(nil), b.cookies...), nil
}

// AddCookie implements browser.Session. An empty domain defaults to the active window's host.
func (b *Browser) AddCookie(ctx context.Context, c browser.Cookie) error {
	w, err := b.active()
	if err != nil {
		return err
	}
	if c.Domain == "" {
		if u, err := url.Parse(w.URL); err == nil {
			c.Domain = u.Hostname()
		}
	}
	if c.Path == "" {
		c.Path = "/"
	}
	for i, existing := range b.cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			b.cookies[i] = c
			return nil
		}
	}
	b.cookies = append(b.cookies, c)
	return nil
}

// DeleteCookie implements browser.Session.
func (b *Browser) DeleteCookie(ctx context.Context, c browser.Cookie) error {
	kept := b.cookies[:0]
	for _, existing := range b.cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && (c.Path == "" || existing.Path == c.Path) {
			b.counters["delete_cookie"]++
			continue
		}
		kept = append(kept, existing)
	}
	b.cookies = kept
	return nil
}

// Windows implements browser.Session.
func (b *Browser) Windows(ctx context.Context) ([]browser.WindowID, error) {
	if b.closed {
		return nil, fmt.Errorf("browsertest: session closed")
	}
	b.tick()
	ids := make([]browser.WindowID, len(b.windows))
	for i, w := range b.windows {
		ids[i] = w.ID
	}
	return ids, nil
}

// CurrentWindow implements browser.Session.
func (b *Browser) CurrentWindow(ctx context.Context) (browser.WindowID, error) {
	w, err := b.active()
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// SwitchWindow implements browser.Session.
func (b *Browser) SwitchWindow(ctx context.Context, id browser.WindowID) error {
	w := b.Window(id)
	if w == nil {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchWindow, id)
	}
	b.current = w
	return nil
}

// CloseWindow implements browser.Session.
func (b *Browser) CloseWindow(ctx context.Context) error {
	w, err := b.active()
	if err != nil {
		return err
	}
	b.counters["close_window"]++
	b.RemoveWindow(w.ID)
	return nil
}

// Close implements browser.Session.
func (b *Browser) Close(ctx context.Context) error {
	b.closed = true
	b.counters["session_close"]++
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool { return b.closed }

// activate runs click handlers for sel, or follows a link when none match.
func (b *Browser) activate(w *Window, sel *goquery.Selection) error {
	handled := false
	for _, route := range b.clicks {
		if sel.Is(route.selector) {
			handled = true
			if err := route.handler(w, sel); err != nil {
				return err
			}
		}
	}
	if handled {
		return nil
	}
	if goquery.NodeName(sel) == "a" {
		if href, ok := sel.Attr("href"); ok && href != "" {
			w.Navigate(href)
		}
	}
	return nil
}

// Window is one simulated top-level browsing context.
type Window struct {
	ID           browser.WindowID
	URL          string
	Title        string
	ScrollY      float64
	ScrollHeight float64

	browser *Browser
	doc     *goquery.Document
	gen     int
	closed  bool
}

// Navigate loads rawURL, resolved against the current URL.
func (w *Window) Navigate(rawURL string) {
	w.load(w.resolve(rawURL))
}

// Doc exposes the live document for handlers that mutate it.
func (w *Window) Doc() *goquery.Document { return w.doc }

// Browser returns the owning browser.
func (w *Window) Browser() *Browser { return w.browser }

// Schedule runs fn against the window once d has elapsed, observed on the next session call.
func (w *Window) Schedule(d time.Duration, fn func(w *Window)) {
	w.browser.timers = append(w.browser.timers, scheduled{due: time.Now().Add(d), fn: fn, win: w})
}

// SetHTML replaces the document body markup, invalidating element references.
func (w *Window) SetHTML(markup string) {
	w.parse(markup)
}

func (w *Window) resolve(rawURL string) string {
	base, err := url.Parse(w.URL)
	if err != nil || base.Scheme == "about" {
		return rawURL
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}

func (w *Window) load(rawURL string) {
	w.URL = rawURL
	w.ScrollY = 0
	p, ok := w.browser.routes[normalizeURL(rawURL)]
	if !ok {
		p = Page{HTML: "<html><body></body></html>"}
	}
	w.Title = p.Title
	w.ScrollHeight = p.ScrollHeight
	if w.ScrollHeight == 0 {
		w.ScrollHeight = w.browser.viewport
	}
	w.parse(p.HTML)
	if p.OnLoad != nil {
		p.OnLoad(w)
	}
}

func (w *Window) parse(markup string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html><body></body></html>"))
	}
	w.doc = doc
	w.gen++
}

type element struct {
	win *Window
	gen int
	sel *goquery.Selection
}

var _ browser.Element = (*element)(nil)

func (e *element) selection() (*goquery.Selection, error) {
	if e.win.closed || e.win.gen != e.gen {
		return nil, browser.ErrStaleElement
	}
	return e.sel, nil
}

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	sel, err := e.selection()
	if err != nil {
		return false, err
	}
	return visible(sel), nil
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	sel, err := e.selection()
	if err != nil {
		return false, err
	}
	_, disabled := sel.Attr("disabled")
	return !disabled, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	sel, err := e.selection()
	if err != nil {
		return "", err
	}
	return normalizeSpace(sel.Text()), nil
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	sel, err := e.selection()
	if err != nil {
		return "", false, err
	}
	v, ok := sel.Attr(name)
	if ok && name == "href" {
		v = e.win.resolve(v)
	}
	return v, ok, nil
}

func (e *element) Location(ctx context.Context) (browser.Point, error) {
	sel, err := e.selection()
	if err != nil {
		return browser.Point{}, err
	}
	var p browser.Point
	if x, ok := sel.Attr("data-x"); ok {
		p.X, _ = strconv.ParseFloat(x, 64)
	}
	if y, ok := sel.Attr("data-y"); ok {
		p.Y, _ = strconv.ParseFloat(y, 64)
		return p, nil
	}
	idx := e.win.doc.Find("*").IndexOfSelection(sel)
	p.Y = float64(idx) * 50
	return p, nil
}

func (e *element) Click(ctx context.Context) error {
	sel, err := e.selection()
	if err != nil {
		return err
	}
	b := e.win.browser
	if !visible(sel) {
		b.counters["intercepted"]++
		return fmt.Errorf("%w: element not visible", browser.ErrClickIntercepted)
	}
	if _, ok := sel.Attr("data-intercept"); ok {
		b.counters["intercepted"]++
		return fmt.Errorf("%w: element is obscured", browser.ErrClickIntercepted)
	}
	b.counters["click"]++
	return b.activate(e.win, sel)
}

func (e *element) SendKeys(ctx context.Context, text string) error {
	sel, err := e.selection()
	if err != nil {
		return err
	}
	v, _ := sel.Attr("value")
	sel.SetAttr("value", v+text)
	return nil
}

func (e *element) Clear(ctx context.Context) error {
	sel, err := e.selection()
	if err != nil {
		return err
	}
	sel.SetAttr("value", "")
	return nil
}

func visible(sel *goquery.Selection) bool {
	for s := sel; s.Length() > 0; s = s.Parent() {
		if _, ok := s.Attr("hidden"); ok {
			return false
		}
		if v, ok := s.Attr("data-visible"); ok && v == "false" {
			return false
		}
		if style, ok := s.Attr("style"); ok {
			compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return false
			}
		}
	}
	return true
}

func elementArg(args []any, i int) (*element, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("browsertest: missing element argument %d", i)
	}
	el, ok := args[i].(*element)
	if !ok {
		return nil, fmt.Errorf("browsertest: argument %d is %T, not an element", i, args[i])
	}
	if _, err := el.selection(); err != nil {
		return nil, err
	}
	return el, nil
}

func toFloat(args []any, i int) (float64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func normalizeURL(raw string) string {
	return strings.TrimSuffix(raw, "/")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
