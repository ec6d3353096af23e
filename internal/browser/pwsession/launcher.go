// internal/browser/pwsession/launcher.go

// Package pwsession implements browser.Session with Playwright, as an alternative to the
// chromedp backend for hosts where a managed Chromium build is preferred.
package pwsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/browser/stealth"
)

const (
	installTimeout = 5 * time.Minute
	launchTimeout  = 60 * time.Second
)

// Launcher owns the Playwright driver. Each Launch starts a separate browser process.
type Launcher struct {
	logger  *zap.Logger
	install bool

	initOnce sync.Once
	initErr  error
	pw       *playwright.Playwright
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithInstall makes the first launch download the Chromium build Playwright expects.
func WithInstall(install bool) Option {
	return func(l *Launcher) { l.install = install }
}

// NewLauncher creates a launcher. The driver starts lazily on the first Launch.
func NewLauncher(logger *zap.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Launcher{logger: logger.Named("playwright")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Launcher) initialize(ctx context.Context) error {
	l.initOnce.Do(func() {
		if l.install {
			if err := l.ensureInstallation(ctx); err != nil {
				l.initErr = err
				return
			}
		}
		pw, err := playwright.Run()
		if err != nil {
			l.initErr = fmt.Errorf("failed to start playwright driver: %w", err)
			return
		}
		l.pw = pw
		l.logger.Info("Playwright driver started.")
	})
	return l.initErr
}

// ensureInstallation runs the blocking installer in an errgroup so the timeout can abandon it.
func (l *Launcher) ensureInstallation(ctx context.Context) error {
	l.logger.Info("Verifying Playwright browser installation...")
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	done := make(chan error, 1)
	g, gctx := errgroup.WithContext(installCtx)
	g.Go(func() error {
		go func() {
			done <- playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
		}()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("failed to install playwright browsers: %w", err)
			}
			return nil
		case <-gctx.Done():
			return fmt.Errorf("timeout waiting for Playwright installation: %w", gctx.Err())
		}
	})
	return g.Wait()
}

// Launch starts a browser with one context and one page.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if err := l.initialize(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := l.pw.Chromium.Launch(launchOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser instance: %w", err)
	}
	bctx, err := b.NewContext(contextOptions(opts))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealth.Script(stealth.Languages(opts.Language)))}); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to install init script: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	s := &Session{
		id:      uuid.NewString(),
		logger:  l.logger,
		browser: b,
		context: bctx,
		timeout: opts.PageLoadTimeout,
	}
	s.active = s.track(page)
	l.logger.Info("Browser launched.", zap.String("session_id", s.id), zap.String("browser_version", b.Version()))
	return s, nil
}

// Shutdown stops the driver. Sessions must be closed first.
func (l *Launcher) Shutdown() error {
	if l.pw == nil {
		return nil
	}
	return l.pw.Stop()
}

func launchOptions(opts browser.LaunchOptions) playwright.BrowserTypeLaunchOptions {
	lo := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     append(append([]string{}, browser.DefaultArgs...), opts.Args...),
		Timeout:  playwright.Float(float64(launchTimeout.Milliseconds())),
	}
	if opts.ExecutablePath != "" {
		lo.ExecutablePath = playwright.String(opts.ExecutablePath)
	}
	return lo
}

func contextOptions(opts browser.LaunchOptions) playwright.BrowserNewContextOptions {
	co := playwright.BrowserNewContextOptions{}
	if opts.Language != "" {
		co.Locale = playwright.String(opts.Language)
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		co.Viewport = &playwright.Size{Width: opts.WindowWidth, Height: opts.WindowHeight}
	}
	return co
}
