// internal/sites/checkin/anyrouter_test.go
package checkin

import (
	"context"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/browser/browsertest"
	"github.com/xkilldash9x/autoread/internal/orchestrator"
)

const (
	anyRouterConsole  = "https://anyrouter.top/console"
	anyRouterCallback = "https://anyrouter.top/oauth/callback"
)

const anyRouterLoginHTML = `<body>
<div class="modal"><p>系统公告</p><button class="close">关闭公告</button></div>
<main><h1>登录</h1><button class="sso">使用 LinuxDO 继续</button></main>
</body>`

func anyRouter() *browsertest.Browser {
	b := browsertest.New()
	b.Route(anyRouterLogin, browsertest.Page{Title: "AnyRouter", HTML: anyRouterLoginHTML})
	b.Route(anyRouterToken, browsertest.Page{Title: "Tokens", HTML: `<body>令牌管理</body>`})
	b.Route(anyRouterConsole, browsertest.Page{Title: "Console", HTML: `<body>控制台</body>`})
	b.Route(anyRouterCallback, browsertest.Page{Title: "Callback", HTML: `<body>登录失败，请清除 Cookie 后重试</body>`})
	b.OnClick(".close", func(w *browsertest.Window, el *goquery.Selection) error {
		el.Closest(".modal").Remove()
		return nil
	})
	return b
}

func popupOnSSO(b *browsertest.Browser) {
	b.OnClick("button.sso", func(w *browsertest.Window, _ *goquery.Selection) error {
		w.Browser().OpenWindow(authorizeURL)
		return nil
	})
}

func TestAnyRouterPopupSuccess(t *testing.T) {
	b := anyRouter()
	popupOnSSO(b)
	consentPage(b, anyRouterToken)

	res := run(t, b, AnyRouter(fastOptions()))

	assert.Equal(t, orchestrator.Success, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "landed on /console/token", res.Reason)
	assert.Equal(t, 1, windowCount(t, b), "the original window is closed")
	assert.Equal(t, anyRouterToken, activeURL(t, b))
	assert.Equal(t, 0, b.Count("escape"), "the announcement was dismissed both times")
}

func TestAnyRouterWaitsForSlowRedirects(t *testing.T) {
	b := anyRouter()
	b.OnClick("button.sso", func(w *browsertest.Window, _ *goquery.Selection) error {
		w.Schedule(20*time.Millisecond, func(w *browsertest.Window) { w.Browser().OpenWindow(authorizeURL) })
		return nil
	})
	consentPage(b, anyRouterToken)
	b.OnClick("a.allow", func(w *browsertest.Window, _ *goquery.Selection) error {
		w.Schedule(30*time.Millisecond, func(w *browsertest.Window) { w.Navigate(anyRouterToken) })
		return nil
	})

	res := run(t, b, AnyRouter(fastOptions()))

	assert.Equal(t, orchestrator.Success, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "landed on /console/token", res.Reason, "the popup is classified after the redirect lands")
}

func TestAnyRouterRetriesWithFreshCookies(t *testing.T) {
	b := anyRouter()
	popupOnSSO(b)
	consentPage(b, anyRouterToken)
	b.SetCookies(
		browser.Cookie{Name: "session", Value: "stale", Domain: "anyrouter.top", Path: "/"},
		browser.Cookie{Name: "_t", Value: "keep", Domain: "linux.do", Path: "/"},
	)

	consents := 0
	b.OnClick("a.allow", func(w *browsertest.Window, _ *goquery.Selection) error {
		consents++
		if consents == 1 {
			w.Navigate(anyRouterCallback)
			return nil
		}
		w.Navigate(anyRouterToken)
		return nil
	})

	res := run(t, b, AnyRouter(fastOptions()))

	assert.Equal(t, orchestrator.Success, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, consents)

	cookies, err := b.Cookies(context.Background())
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "linux.do", cookies[0].Domain, "identity provider cookies survive the reset")
	assert.Equal(t, 1, windowCount(t, b))
}

func TestAnyRouterResetFromIdentityProviderPage(t *testing.T) {
	const consentError = "https://connect.linux.do/oauth2/error"
	b := anyRouter()
	b.OnClick("button.sso", func(w *browsertest.Window, _ *goquery.Selection) error {
		w.Navigate(authorizeURL)
		return nil
	})
	consentPage(b, anyRouterToken)
	b.Route(consentError, browsertest.Page{Title: "Error", HTML: `<body>授权错误</body>`})
	b.SetCookies(
		browser.Cookie{Name: "session", Value: "stale", Domain: "anyrouter.top", Path: "/"},
		browser.Cookie{Name: "_t", Value: "keep", Domain: "linux.do", Path: "/"},
	)
	consents := 0
	b.OnClick("a.allow", func(w *browsertest.Window, _ *goquery.Selection) error {
		consents++
		if consents == 1 {
			w.Navigate(consentError)
			return nil
		}
		w.Navigate(anyRouterToken)
		return nil
	})

	res := run(t, b, AnyRouter(fastOptions()))

	assert.Equal(t, orchestrator.Success, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, b.Count("delete_cookie"), "the site cookie is found while a linux.do page is active")
	cookies, err := b.Cookies(context.Background())
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "linux.do", cookies[0].Domain)
}

func TestAnyRouterExhausted(t *testing.T) {
	b := browsertest.New()
	b.Route(anyRouterLogin, browsertest.Page{HTML: `<body><button class="sso">使用 LinuxDO 继续</button></body>`})

	res := run(t, b, AnyRouter(fastOptions()))

	assert.Equal(t, orchestrator.FatalFailure, res.Outcome)
	assert.True(t, res.Exhausted())
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Reason, "no sign-in window opened")
	assert.Equal(t, 6, b.Count("escape"), "escape is sent after each unanswered dismissal")
}

func TestAnyRouterVerifiesUndeterminedWindow(t *testing.T) {
	inPlace := func(b *browsertest.Browser) {
		b.OnClick("button.sso", func(w *browsertest.Window, _ *goquery.Selection) error {
			w.Navigate(authorizeURL)
			return nil
		})
		consentPage(b, anyRouterConsole)
	}

	t.Run("token page reachable", func(t *testing.T) {
		b := anyRouter()
		inPlace(b)

		res := run(t, b, AnyRouter(fastOptions()))
		assert.Equal(t, orchestrator.Success, res.Outcome)
		assert.Equal(t, "verified on /console/token", res.Reason)
		assert.Equal(t, anyRouterToken, activeURL(t, b))
	})

	t.Run("bounced to login", func(t *testing.T) {
		b := anyRouter()
		inPlace(b)
		b.Route(anyRouterToken, browsertest.Page{OnLoad: func(w *browsertest.Window) { w.Navigate(anyRouterLogin) }})

		opts := fastOptions()
		opts.MaxAttempts = 2
		res := run(t, b, AnyRouter(opts))
		assert.True(t, res.Exhausted())
		assert.Equal(t, 2, res.Attempts)
		assert.Contains(t, res.Reason, "redirected back to login")
	})

	t.Run("bounced to login late", func(t *testing.T) {
		b := anyRouter()
		inPlace(b)
		b.Route(anyRouterToken, browsertest.Page{OnLoad: func(w *browsertest.Window) {
			w.Schedule(20*time.Millisecond, func(w *browsertest.Window) { w.Navigate(anyRouterLogin) })
		}})

		opts := fastOptions()
		opts.MaxAttempts = 1
		opts.BounceTimeout = 200 * time.Millisecond
		res := run(t, b, AnyRouter(opts))
		assert.NotEqual(t, orchestrator.Success, res.Outcome)
		assert.Contains(t, res.Reason, "redirected back to login")
	})
}
