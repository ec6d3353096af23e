// internal/browser/scripts.go
package browser

import (
	"context"
	"fmt"
)

// Function declarations used through Session.ExecuteScript. They are exported so test doubles
// can recognize them.
const (
	ScriptScrollBy       = `function(dy) { window.scrollBy(0, dy); return window.scrollY; }`
	ScriptScrollMetrics  = `function() { return { scrollY: window.scrollY, viewportHeight: window.innerHeight, scrollHeight: document.body ? document.body.scrollHeight : 0 }; }`
	ScriptScrollIntoView = `function(el) { el.scrollIntoView({behavior: 'smooth', block: 'center'}); return true; }`
	ScriptClick          = `function(el) { el.click(); return true; }`
	ScriptBodyText       = `function() { return document.body ? document.body.innerText : ''; }`
	ScriptUserAgent      = `function() { return navigator.userAgent; }`
	ScriptPressEscape    = `function() { const t = document.activeElement || document.body; ['keydown', 'keyup'].forEach(type => t.dispatchEvent(new KeyboardEvent(type, {key: 'Escape', code: 'Escape', keyCode: 27, bubbles: true}))); return true; }`
)

// ScrollMetrics is a snapshot of the active window's vertical scroll state.
type ScrollMetrics struct {
	ScrollY        float64 `json:"scrollY"`
	ViewportHeight float64 `json:"viewportHeight"`
	ScrollHeight   float64 `json:"scrollHeight"`
}

// AtBottom reports whether the viewport reaches within slack pixels of the page end.
func (m ScrollMetrics) AtBottom(slack float64) bool {
	return m.ScrollY+m.ViewportHeight >= m.ScrollHeight-slack
}

// ScrollBy scrolls the active window vertically by dy pixels.
func ScrollBy(ctx context.Context, s Session, dy int) error {
	var y float64
	if err := s.ExecuteScript(ctx, ScriptScrollBy, &y, dy); err != nil {
		return fmt.Errorf("scroll by %d: %w", dy, err)
	}
	return nil
}

// GetScrollMetrics reads the current scroll position and page height.
func GetScrollMetrics(ctx context.Context, s Session) (ScrollMetrics, error) {
	var m ScrollMetrics
	if err := s.ExecuteScript(ctx, ScriptScrollMetrics, &m); err != nil {
		return m, fmt.Errorf("read scroll metrics: %w", err)
	}
	return m, nil
}

// ScrollIntoView centers el in the viewport.
func ScrollIntoView(ctx context.Context, s Session, el Element) error {
	return s.ExecuteScript(ctx, ScriptScrollIntoView, nil, el)
}

// ScriptClickElement clicks el through the DOM API, bypassing hit-testing. It is the fallback
// when a direct click is intercepted.
func ScriptClickElement(ctx context.Context, s Session, el Element) error {
	if err := s.ExecuteScript(ctx, ScriptClick, nil, el); err != nil {
		return fmt.Errorf("script click: %w", err)
	}
	return nil
}

// ClickWithFallback tries a direct click and falls back to a script click when the direct one
// is rejected for any reason. It reports whether the fallback was used.
func ClickWithFallback(ctx context.Context, s Session, el Element) (bool, error) {
	if err := el.Click(ctx); err == nil {
		return false, nil
	} else if ctx.Err() != nil {
		return false, err
	}
	return true, ScriptClickElement(ctx, s, el)
}

// BodyText returns the rendered text of the active document's body.
func BodyText(ctx context.Context, s Session) (string, error) {
	var text string
	if err := s.ExecuteScript(ctx, ScriptBodyText, &text); err != nil {
		return "", fmt.Errorf("read body text: %w", err)
	}
	return text, nil
}

// UserAgent returns navigator.userAgent of the active window.
func UserAgent(ctx context.Context, s Session) (string, error) {
	var ua string
	err := s.ExecuteScript(ctx, ScriptUserAgent, &ua)
	return ua, err
}

// PressEscape dispatches an Escape key press to the focused element.
func PressEscape(ctx context.Context, s Session) error {
	return s.ExecuteScript(ctx, ScriptPressEscape, nil)
}
