// internal/browser/session/element.go
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoread/internal/browser"
)

// Functions evaluated with this bound to the search root (document or an element).
const (
	fnQueryCSS   = `function(sel) { return Array.from(this.querySelectorAll(sel)); }`
	fnQueryXPath = `function(expr) {
	const doc = this.ownerDocument || this;
	const r = doc.evaluate(expr, this, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	const out = [];
	for (let i = 0; i < r.snapshotLength; i++) {
		const n = r.snapshotItem(i);
		if (n.nodeType === Node.ELEMENT_NODE) out.push(n);
	}
	return out;
}`
	fnLength = `function() { return this.length; }`
	fnIndex  = `function(i) { return this[i]; }`
)

// Functions evaluated with this bound to a found element.
const (
	fnVisible = `function() {
	if (!this.isConnected) return false;
	const st = getComputedStyle(this);
	if (st.display === 'none' || st.visibility === 'hidden' || st.opacity === '0') return false;
	const r = this.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}`
	fnEnabled   = `function() { return !this.disabled && !this.closest('fieldset[disabled]'); }`
	fnText      = `function() { return (this.innerText || this.textContent || '').trim(); }`
	fnAttribute = `function(name) { return this.hasAttribute(name) ? {present: true, value: this.getAttribute(name)} : {present: false, value: ''}; }`
	fnLocation  = `function() { const r = this.getBoundingClientRect(); return {x: r.left + window.scrollX, y: r.top + window.scrollY}; }`
	fnHitTarget = `function() {
	this.scrollIntoView({block: 'center', inline: 'center'});
	const r = this.getBoundingClientRect();
	const x = r.left + r.width / 2, y = r.top + r.height / 2;
	const hit = document.elementFromPoint(x, y);
	return {x: x, y: y, clickable: r.width > 0 && r.height > 0 && !!hit && (hit === this || this.contains(hit))};
}`
	fnFocus = `function() { this.focus(); return true; }`
	fnClear = `function() {
	this.focus();
	if ('value' in this) this.value = '';
	else if (this.isContentEditable) this.textContent = '';
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`
)

// Find evaluates q under scope, or the active document when scope is nil.
func (s *Session) Find(ctx context.Context, q browser.Query, scope browser.Element) ([]browser.Element, error) {
	fn, expr, err := queryFunction(q, scope != nil)
	if err != nil {
		return nil, err
	}

	tabCtx, err := s.tab()
	var root runtime.RemoteObjectID
	if scope != nil {
		el, ok := scope.(*element)
		if !ok || el.s != s {
			return nil, errors.New("scope is not an element of this session")
		}
		tabCtx, err = el.tabCtx()
		root = el.id
	}
	if err != nil {
		return nil, err
	}

	arg, err := json.Marshal(expr)
	if err != nil {
		return nil, err
	}
	var found []browser.Element
	err = runOn(tabCtx, ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if root == "" {
			doc, exc, err := runtime.Evaluate("document").Do(ctx)
			if err != nil {
				return err
			}
			if exc != nil {
				return exc
			}
			root = doc.ObjectID
		}
		list, err := callObject(ctx, root, fn, &runtime.CallArgument{Value: arg})
		if err != nil || list == "" {
			return err
		}
		defer runtime.ReleaseObject(list).Do(ctx)

		var n int
		if err := callFunction(ctx, list, fnLength, &n); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			idx, _ := json.Marshal(i)
			id, err := callObject(ctx, list, fnIndex, &runtime.CallArgument{Value: idx})
			if err != nil {
				return err
			}
			if id != "" {
				found = append(found, &element{s: s, tab: tabCtx, id: id})
			}
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", q, err)
	}
	return found, nil
}

// queryFunction picks the search function and its argument for q.
func queryFunction(q browser.Query, scoped bool) (fn, expr string, err error) {
	switch q.By {
	case browser.ByCSS:
		return fnQueryCSS, q.Expr, nil
	case browser.ByXPath:
		return fnQueryXPath, q.Expr, nil
	case browser.ByText:
		if scoped {
			return fnQueryXPath, q.ScopedTextXPath(), nil
		}
		return fnQueryXPath, q.TextXPath(), nil
	default:
		return "", "", fmt.Errorf("%w: %s", browser.ErrUnsupportedQuery, q.By)
	}
}

// element is a remote object reference inside one page target.
type element struct {
	s   *Session
	tab context.Context
	id  runtime.RemoteObjectID
}

func (e *element) tabCtx() (context.Context, error) {
	if e.tab.Err() != nil {
		return nil, browser.ErrStaleElement
	}
	return e.tab, nil
}

func (e *element) call(ctx context.Context, fn string, res any, args ...any) error {
	tabCtx, err := e.tabCtx()
	if err != nil {
		return err
	}
	callArgs := make([]*runtime.CallArgument, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		callArgs[i] = &runtime.CallArgument{Value: b}
	}
	return runOn(tabCtx, ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return callFunction(ctx, e.id, fn, res, callArgs...)
	}))
}

func (e *element) IsVisible(ctx context.Context) (bool, error) {
	var v bool
	err := e.call(ctx, fnVisible, &v)
	return v, err
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	var v bool
	err := e.call(ctx, fnEnabled, &v)
	return v, err
}

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	err := e.call(ctx, fnText, &text)
	return text, err
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	var attr struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	if err := e.call(ctx, fnAttribute, &attr, name); err != nil {
		return "", false, err
	}
	return attr.Value, attr.Present, nil
}

func (e *element) Location(ctx context.Context) (browser.Point, error) {
	var p struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	err := e.call(ctx, fnLocation, &p)
	return browser.Point{X: p.X, Y: p.Y}, err
}

// Click dispatches a real mouse click at the element's center. It fails with
// browser.ErrClickIntercepted when another element would receive the click.
func (e *element) Click(ctx context.Context) error {
	var hit struct {
		X         float64 `json:"x"`
		Y         float64 `json:"y"`
		Clickable bool    `json:"clickable"`
	}
	if err := e.call(ctx, fnHitTarget, &hit); err != nil {
		return err
	}
	if !hit.Clickable {
		return browser.ErrClickIntercepted
	}
	tabCtx, err := e.tabCtx()
	if err != nil {
		return err
	}
	return runOn(tabCtx, ctx, chromedp.MouseClickXY(hit.X, hit.Y))
}

func (e *element) SendKeys(ctx context.Context, text string) error {
	if err := e.call(ctx, fnFocus, nil); err != nil {
		return err
	}
	tabCtx, err := e.tabCtx()
	if err != nil {
		return err
	}
	return runOn(tabCtx, ctx, chromedp.KeyEvent(text))
}

func (e *element) Clear(ctx context.Context) error {
	return e.call(ctx, fnClear, nil)
}
