// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"time"
)

// WindowID identifies one top-level browser window or tab.
type WindowID string

// Short returns an abbreviated identifier suitable for log lines.
func (w WindowID) Short() string {
	if len(w) > 8 {
		return string(w[:8])
	}
	return string(w)
}

// Point is an on-screen location in CSS pixels, relative to the document.
type Point struct {
	X float64
	Y float64
}

// Cookie is the subset of cookie state the orchestrator reads and mutates.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Sentinel errors shared by every Session implementation.
var (
	// ErrClickIntercepted is returned by Element.Click when the element is obscured
	// or otherwise rejects a direct pointer interaction.
	ErrClickIntercepted = errors.New("browser: click intercepted")
	// ErrNoSuchWindow is returned when switching to or closing a window that no longer exists.
	ErrNoSuchWindow = errors.New("browser: no such window")
	// ErrNoActiveWindow is returned by page-level operations after the active window was closed.
	ErrNoActiveWindow = errors.New("browser: no active window")
	// ErrStaleElement is returned when an element reference no longer resolves to a node.
	ErrStaleElement = errors.New("browser: stale element reference")
	// ErrUnsupportedQuery is returned when a backend cannot evaluate a query kind.
	ErrUnsupportedQuery = errors.New("browser: unsupported query")
)

// Element is a handle to one DOM element, valid until the DOM it came from is replaced.
type Element interface {
	IsVisible(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	Text(ctx context.Context) (string, error)
	// Attribute returns the attribute value and whether the attribute is present.
	Attribute(ctx context.Context, name string) (string, bool, error)
	Location(ctx context.Context) (Point, error)
	Click(ctx context.Context) error
	SendKeys(ctx context.Context, text string) error
	Clear(ctx context.Context) error
}

// Session is the capability surface of one running browser instance. Implementations are not
// safe for concurrent use; a session is owned by a single orchestrating goroutine.
type Session interface {
	ID() string

	Navigate(ctx context.Context, url string) error
	Refresh(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	// Find returns every element matching q, in document order. A nil scope searches the
	// whole document of the active window. An empty result is not an error.
	Find(ctx context.Context, q Query, scope Element) ([]Element, error)

	// ExecuteScript calls the JavaScript function declaration fn with args and decodes its
	// JSON-serializable return value into res (which may be nil). Element arguments are
	// passed as live DOM references.
	ExecuteScript(ctx context.Context, fn string, res any, args ...any) error

	// Cookies lists every cookie of the browser profile, for all domains.
	Cookies(ctx context.Context) ([]Cookie, error)
	AddCookie(ctx context.Context, c Cookie) error
	// DeleteCookie removes the cookie with the given name, domain and path only.
	DeleteCookie(ctx context.Context, c Cookie) error

	Windows(ctx context.Context) ([]WindowID, error)
	CurrentWindow(ctx context.Context) (WindowID, error)
	SwitchWindow(ctx context.Context, id WindowID) error
	// CloseWindow closes the active window. Callers must switch before issuing page operations.
	CloseWindow(ctx context.Context) error

	Close(ctx context.Context) error
}

// LaunchOptions describes how a browser process is started for one target configuration.
type LaunchOptions struct {
	Headless        bool
	ExecutablePath  string
	Args            []string
	Language        string
	WindowWidth     int
	WindowHeight    int
	PageLoadTimeout time.Duration
}

// Launcher starts browser sessions. A failure here is a session failure for the target.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, opts LaunchOptions) (Session, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	return f(ctx, opts)
}

// DefaultArgs are the browser flags applied to every launch, before user supplied ones.
var DefaultArgs = []string{
	"--no-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--disable-blink-features=AutomationControlled",
	"--disable-infobars",
	"--disable-extensions",
	"--disable-popup-blocking",
}
