// internal/browser/stealth/stealth.go
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

const languagesPlaceholder = "__AUTOREAD_LANGUAGES__"

// Languages expands a locale such as "zh-CN" into the navigator.languages list a real
// browser reports for it. An empty locale yields nil.
func Languages(locale string) []string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return nil
	}
	langs := []string{locale}
	if base, _, ok := strings.Cut(locale, "-"); ok && base != "" {
		langs = append(langs, base)
	}
	return langs
}

// Script returns the evasion script that runs before any page script. It hides
// navigator.webdriver and, when languages are given, pins navigator.languages.
func Script(languages []string) string {
	if languages == nil {
		languages = []string{}
	}
	encoded, err := json.Marshal(languages)
	if err != nil {
		encoded = []byte("[]")
	}
	return strings.Replace(evasionsScript, languagesPlaceholder, string(encoded), 1)
}

// AcceptLanguage builds an Accept-Language header value consistent with languages.
func AcceptLanguage(languages []string) string {
	parts := make([]string, 0, len(languages))
	for i, l := range languages {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the DevTools actions that install the evasions on the current tab.
func Apply(locale string, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	languages := Languages(locale)
	logger.Debug("Applying browser evasions.", zap.Strings("languages", languages))

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(Script(languages)).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if len(languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": AcceptLanguage(languages),
		}))
	}
	return tasks
}

// Adopt is Apply for a tab the browser opened on its own, such as a popup. The document it
// already shows is patched in place as well.
func Adopt(locale string, logger *zap.Logger) chromedp.Tasks {
	languages := Languages(locale)
	return append(Apply(locale, logger), chromedp.ActionFunc(func(ctx context.Context) error {
		_, exc, err := runtime.Evaluate(Script(languages)).Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to patch the current document: %w", err)
		}
		if exc != nil {
			return fmt.Errorf("evasions script threw: %w", exc)
		}
		return nil
	}))
}
