// internal/waiter/waiter_test.go
package waiter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoread/internal/browser/browsertest"
	"github.com/xkilldash9x/autoread/internal/locator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAwait(t *testing.T) {
	ctx := context.Background()

	t.Run("evaluates immediately", func(t *testing.T) {
		out := Await(ctx, Condition{
			Predicate: func(context.Context) (bool, error) { return true, nil },
			Timeout:   time.Second,
			Interval:  time.Second,
		})
		assert.Equal(t, Satisfied, out.Result)
		assert.Equal(t, 1, out.Polls)
		assert.Less(t, out.Elapsed, 100*time.Millisecond)
	})

	t.Run("polls until the predicate holds", func(t *testing.T) {
		var calls int32
		out := Await(ctx, Condition{
			Predicate: func(context.Context) (bool, error) {
				return atomic.AddInt32(&calls, 1) >= 3, nil
			},
			Timeout:  time.Second,
			Interval: 5 * time.Millisecond,
		})
		assert.True(t, out.Satisfied())
		assert.Equal(t, 3, out.Polls)
	})

	t.Run("times out and keeps the last error", func(t *testing.T) {
		boom := errors.New("element not interactable")
		out := Await(ctx, Condition{
			Predicate: func(context.Context) (bool, error) { return false, boom },
			Timeout:   40 * time.Millisecond,
			Interval:  10 * time.Millisecond,
		})
		assert.Equal(t, TimedOut, out.Result)
		assert.ErrorIs(t, out.LastErr, boom)
		assert.GreaterOrEqual(t, out.Elapsed, 40*time.Millisecond)
		assert.Less(t, out.Elapsed, 40*time.Millisecond+10*time.Millisecond+100*time.Millisecond)
	})

	t.Run("never blocks past timeout plus interval", func(t *testing.T) {
		start := time.Now()
		out := Await(ctx, Condition{
			Predicate: func(ctx context.Context) (bool, error) {
				<-ctx.Done()
				return false, ctx.Err()
			},
			Timeout:  30 * time.Millisecond,
			Interval: 20 * time.Millisecond,
		})
		elapsed := time.Since(start)
		assert.Equal(t, TimedOut, out.Result)
		assert.ErrorIs(t, out.LastErr, context.DeadlineExceeded)
		assert.Less(t, elapsed, 50*time.Millisecond+100*time.Millisecond)
	})

	t.Run("caller cancellation ends the wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(20*time.Millisecond, cancel)
		out := Await(cctx, Condition{
			Predicate: func(context.Context) (bool, error) { return false, nil },
			Timeout:   10 * time.Second,
			Interval:  5 * time.Millisecond,
		})
		assert.Equal(t, TimedOut, out.Result)
		assert.ErrorIs(t, out.LastErr, context.Canceled)
	})

	t.Run("zero timeout evaluates exactly once", func(t *testing.T) {
		out := Poll(ctx, 0, 0, func(context.Context) (bool, error) { return false, nil })
		assert.Equal(t, TimedOut, out.Result)
		assert.Equal(t, 1, out.Polls)
	})
}

func TestPredicates(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	b := browsertest.New()
	b.Route("https://site.example/start", browsertest.Page{
		Title: "Start",
		HTML:  `<body><p>Loading</p><button id="submitPowBtn" disabled>Submit</button></body>`,
		OnLoad: func(w *browsertest.Window) {
			w.Schedule(30*time.Millisecond, func(w *browsertest.Window) {
				w.Doc().Find("#submitPowBtn").RemoveAttr("disabled")
				w.Doc().Find("p").SetText("PoW complete")
			})
			w.Schedule(30*time.Millisecond, func(w *browsertest.Window) {
				w.URL = "https://site.example/app"
			})
		},
	})
	require.NoError(t, b.Navigate(ctx, "https://site.example/start"))

	button := locator.NewChain("submit", locator.CSS("id", "#submitPowBtn"))

	present := Poll(ctx, time.Second, 5*time.Millisecond, Present(b, button, logger))
	assert.True(t, present.Satisfied())
	assert.Equal(t, 1, present.Polls)

	enabled := Poll(ctx, time.Second, 5*time.Millisecond, Enabled(b, button, logger))
	assert.True(t, enabled.Satisfied())
	assert.Greater(t, enabled.Polls, 1)

	assert.True(t, Poll(ctx, time.Second, 5*time.Millisecond, URLContains(b, "/app")).Satisfied())
	assert.True(t, Poll(ctx, time.Second, 5*time.Millisecond, BodyContains(b, "nope", "PoW complete")).Satisfied())
	assert.False(t, Poll(ctx, 20*time.Millisecond, 5*time.Millisecond, TitleLacks(b, "Start")).Satisfied())

	anyOf := Any(
		func(context.Context) (bool, error) { return false, errors.New("ignored") },
		URLContains(b, "site.example"),
	)
	assert.True(t, Poll(ctx, 0, 0, anyOf).Satisfied())

	assert.True(t, Poll(ctx, 0, 0, Not(URLContains(b, "/start"))).Satisfied())
	assert.False(t, Poll(ctx, 0, 0, Not(URLContains(b, "/app"))).Satisfied())

	boom := errors.New("no window")
	failing := Poll(ctx, 0, 0, Not(func(context.Context) (bool, error) { return false, boom }))
	assert.False(t, failing.Satisfied(), "an error is not a negative observation")
	assert.ErrorIs(t, failing.LastErr, boom)
}

func TestSleep(t *testing.T) {
	t.Run("waits the full duration", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early when canceled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		start := time.Now()
		assert.ErrorIs(t, Sleep(ctx, time.Minute), context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("zero duration reports the context state", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), 0))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
	})
}

func TestAwaitElement(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	b.Route("https://site.example/", browsertest.Page{HTML: `<body><div id="host"></div></body>`})
	require.NoError(t, b.Navigate(ctx, "https://site.example/"))
	b.Active().Schedule(20*time.Millisecond, func(w *browsertest.Window) {
		w.Doc().Find("#host").AppendHtml(`<span id="current-user">me</span>`)
	})

	chain := locator.NewChain("user", locator.CSS("id", "#current-user"))
	el, out := AwaitElement(ctx, b, chain, time.Second, 5*time.Millisecond, zaptest.NewLogger(t))
	require.True(t, out.Satisfied())
	text, err := el.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me", text)

	el, out = AwaitElement(ctx, b, locator.NewChain("never", locator.CSS("x", "#never")), 20*time.Millisecond, 5*time.Millisecond, nil)
	assert.Nil(t, el)
	assert.Equal(t, TimedOut, out.Result)
}

func TestAwaitChallenge(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	b.Route("https://cf.example/", browsertest.Page{
		Title: "Just a moment...",
		HTML:  `<body>checking your browser</body>`,
		OnLoad: func(w *browsertest.Window) {
			w.Schedule(30*time.Millisecond, func(w *browsertest.Window) { w.Title = "Forum" })
		},
	})
	b.Route("https://stuck.example/", browsertest.Page{Title: "Attention Required! | Cloudflare"})

	c := Challenge{Markers: []string{"Just a moment", "Cloudflare"}, Interval: 5 * time.Millisecond, MaxPolls: 40}

	t.Run("no challenge returns at once", func(t *testing.T) {
		b.Route("https://plain.example/", browsertest.Page{Title: "Plain"})
		require.NoError(t, b.Navigate(ctx, "https://plain.example/"))
		out := AwaitChallenge(ctx, b, c, nil)
		assert.True(t, out.Satisfied())
		assert.Equal(t, 1, out.Polls)
	})

	t.Run("waits for the title to change", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		require.NoError(t, b.Navigate(ctx, "https://cf.example/"))
		out := AwaitChallenge(ctx, b, c, zap.New(core))
		assert.True(t, out.Satisfied())
		assert.Equal(t, 1, logs.FilterMessage("Challenge page detected, waiting for it to clear.").Len())
		assert.Equal(t, 1, logs.FilterMessage("Challenge cleared.").Len())
	})

	t.Run("expiry is not an error", func(t *testing.T) {
		require.NoError(t, b.Navigate(ctx, "https://stuck.example/"))
		out := AwaitChallenge(ctx, b, Challenge{Markers: c.Markers, Interval: 5 * time.Millisecond, MaxPolls: 3}, zaptest.NewLogger(t))
		assert.Equal(t, TimedOut, out.Result)
		assert.Nil(t, out.LastErr)
	})
}
