// internal/browser/pwsession/element.go
package pwsession

import (
	"context"
	"errors"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/xkilldash9x/autoread/internal/browser"
)

const (
	fnText      = `el => (el.innerText || el.textContent || '').trim()`
	fnAttribute = `(el, name) => el.hasAttribute(name) ? {present: true, value: el.getAttribute(name)} : {present: false, value: ''}`
	fnLocation  = `el => { const r = el.getBoundingClientRect(); return {x: r.left + window.scrollX, y: r.top + window.scrollY}; }`
	fnClear     = `el => {
	el.focus();
	if ('value' in el) el.value = '';
	else if (el.isContentEditable) el.textContent = '';
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`
)

type element struct {
	s      *Session
	handle playwright.ElementHandle
}

func (e *element) eval(ctx context.Context, fn string, res any, arg ...any) error {
	v, err := await(ctx, func() (any, error) { return e.handle.Evaluate(fn, arg...) })
	if err != nil {
		return classify(err)
	}
	return decode(v, res)
}

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	v, err := await(ctx, e.handle.IsVisible)
	return v, wrap(err)
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	v, err := await(ctx, e.handle.IsEnabled)
	return v, wrap(err)
}

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	err := e.eval(ctx, fnText, &text)
	return text, err
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	var attr struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	if err := e.eval(ctx, fnAttribute, &attr, name); err != nil {
		return "", false, err
	}
	return attr.Value, attr.Present, nil
}

func (e *element) Location(ctx context.Context) (browser.Point, error) {
	var p struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	err := e.eval(ctx, fnLocation, &p)
	return browser.Point{X: p.X, Y: p.Y}, err
}

// Click relies on Playwright's actionability checks. An obscured or unstable element times
// out and is reported as browser.ErrClickIntercepted.
func (e *element) Click(ctx context.Context) error {
	err := awaitErr(ctx, func() error {
		return e.handle.Click(playwright.ElementHandleClickOptions{Timeout: timeoutMillis(ctx, clickTimeout)})
	})
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(err, playwright.ErrTimeout) || strings.Contains(err.Error(), "intercepts pointer events") ||
		strings.Contains(err.Error(), "not visible") {
		return browser.ErrClickIntercepted
	}
	return wrap(err)
}

func (e *element) SendKeys(ctx context.Context, text string) error {
	return wrap(awaitErr(ctx, func() error {
		if err := e.handle.Focus(); err != nil {
			return err
		}
		return e.s.typeText(text)
	}))
}

func (e *element) Clear(ctx context.Context) error {
	return e.eval(ctx, fnClear, nil)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return classify(err)
}

// typeText sends key events to the focused element of the active page.
func (s *Session) typeText(text string) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	return p.Keyboard().Type(text)
}
