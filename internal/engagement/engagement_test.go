// internal/engagement/engagement_test.go
package engagement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/browser/browsertest"
	"github.com/xkilldash9x/autoread/internal/locator"
)

const topicURL = "https://forum.example/t/topic/1"

func fastConfig() Config {
	return Config{
		PauseMin:     time.Millisecond,
		PauseMax:     2 * time.Millisecond,
		StepMax:      400,
		MaxTotal:     5 * time.Second,
		BottomChecks: 3,
		BottomSlack:  50,
	}
}

var reactions = locator.NewChain("reactions", locator.Candidate{
	Name:   "unliked reaction",
	Query:  browser.CSS("div.reaction"),
	Accept: locator.HasDescendant(browser.CSS("svg.d-icon-d-unliked")),
})

func topicPage(n int, extra string) string {
	var sb strings.Builder
	sb.WriteString("<body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `<div class="reaction" id="r%d" data-x="20" data-y="%d" %s><svg class="d-icon-d-unliked"></svg></div>`, i, 200*(i+1), extra)
	}
	sb.WriteString("</body>")
	return sb.String()
}

func newTopic(t *testing.T, html string, height float64) *browsertest.Browser {
	t.Helper()
	b := browsertest.New()
	b.Route(topicURL, browsertest.Page{Title: "Topic", HTML: html, ScrollHeight: height})
	require.NoError(t, b.Navigate(context.Background(), topicURL))
	return b
}

func newSim(t *testing.T, b browser.Session, cfg Config) *Simulator {
	return New(b, cfg, zaptest.NewLogger(t), WithRand(rand.New(rand.NewSource(7))))
}

func TestTarget(t *testing.T) {
	sim := New(nil, fastConfig(), nil, WithRand(rand.New(rand.NewSource(1))))
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		v := sim.Target(5)
		require.Contains(t, []int{4, 5}, v)
		seen[v] = true
	}
	assert.Len(t, seen, 2, "both ends of the range are drawn")
	assert.Zero(t, sim.Target(0))
	assert.Zero(t, sim.Target(-3))
	for i := 0; i < 50; i++ {
		assert.Contains(t, []int{0, 1}, sim.Target(1))
	}
}

func TestDwell(t *testing.T) {
	ctx := context.Background()

	t.Run("stops after the bottom is seen three times in a row", func(t *testing.T) {
		b := newTopic(t, topicPage(0, ""), 2000)
		rep := newSim(t, b, fastConfig()).Dwell(ctx)

		assert.True(t, rep.ReachedBottom)
		assert.Equal(t, 5, rep.Scrolls)
		assert.Equal(t, 1200.0, b.Active().ScrollY)
	})

	t.Run("scroll step shrinks with the viewport", func(t *testing.T) {
		b := newTopic(t, topicPage(0, ""), 1000)
		b.SetViewportHeight(300)
		cfg := fastConfig()
		cfg.BottomChecks = 1
		rep := newSim(t, b, cfg).Dwell(ctx)

		// 0 -> 200 -> 400 -> 600 -> 700(clamped), bottom seen on the next check.
		assert.True(t, rep.ReachedBottom)
		assert.Equal(t, 4, rep.Scrolls)
	})

	t.Run("gives up at the total time bound", func(t *testing.T) {
		b := newTopic(t, topicPage(0, ""), 1e9)
		cfg := fastConfig()
		cfg.MaxTotal = 30 * time.Millisecond
		start := time.Now()
		rep := newSim(t, b, cfg).Dwell(ctx)

		assert.False(t, rep.ReachedBottom)
		assert.Less(t, time.Since(start), time.Second)
		assert.Greater(t, rep.Scrolls, 0)
	})

	t.Run("script failures are tolerated", func(t *testing.T) {
		b := newTopic(t, topicPage(0, ""), 2000)
		cfg := fastConfig()
		cfg.MaxTotal = 20 * time.Millisecond
		require.NoError(t, b.CloseWindow(ctx))
		rep := newSim(t, b, cfg).Dwell(ctx)

		assert.Zero(t, rep.Scrolls)
		assert.Greater(t, rep.Failures, 0)
	})
}

func TestReact(t *testing.T) {
	ctx := context.Background()

	t.Run("reaches the target with distinct controls", func(t *testing.T) {
		b := newTopic(t, topicPage(6, ""), 3000)
		b.OnClick("div.reaction", func(w *browsertest.Window, el *goquery.Selection) error {
			el.Find("svg").SetAttr("class", "d-icon-d-liked")
			return nil
		})
		sim := newSim(t, b, fastConfig())
		rep := sim.React(ctx, 3, reactions)

		assert.Contains(t, []int{2, 3}, rep.Target)
		assert.Equal(t, rep.Target, rep.Clicked)
		assert.Equal(t, rep.Target, b.Count("click"))
		assert.Equal(t, rep.Target, b.Active().Doc().Find("svg.d-icon-d-liked").Length())
		assert.Zero(t, rep.Fallbacks)
	})

	t.Run("never picks the same position twice", func(t *testing.T) {
		b := newTopic(t, topicPage(1, ""), 3000)
		sim := newSim(t, b, fastConfig())
		rep := sim.React(ctx, 5, reactions)

		assert.Equal(t, 1, rep.Clicked)
		assert.Equal(t, 2, rep.Attempts, "second round finds nothing new and stops")
	})

	t.Run("falls back to a script click when intercepted", func(t *testing.T) {
		b := newTopic(t, topicPage(4, "data-intercept"), 3000)
		sim := newSim(t, b, fastConfig())
		rep := sim.React(ctx, 2, reactions)

		assert.Equal(t, rep.Target, rep.Clicked)
		assert.Equal(t, rep.Clicked, rep.Fallbacks)
		assert.Equal(t, rep.Clicked, b.Count("script_click"))
		assert.Equal(t, rep.Clicked, b.Count("intercepted"))
	})

	t.Run("stops after three attempts per target", func(t *testing.T) {
		b := newTopic(t, topicPage(20, ""), 5000)
		b.OnClick("div.reaction", func(*browsertest.Window, *goquery.Selection) error {
			return errors.New("rate limited")
		})
		sim := newSim(t, b, fastConfig())
		rep := sim.React(ctx, 2, reactions)

		assert.Zero(t, rep.Clicked)
		assert.Equal(t, 3*rep.Target, rep.Attempts)
	})

	t.Run("no targets means no attempts beyond discovery", func(t *testing.T) {
		b := newTopic(t, topicPage(0, ""), 1000)
		rep := newSim(t, b, fastConfig()).React(ctx, 3, reactions)
		assert.Zero(t, rep.Clicked)
		assert.Equal(t, 1, rep.Attempts)
	})

	t.Run("zero max does nothing", func(t *testing.T) {
		b := newTopic(t, topicPage(3, ""), 1000)
		rep := newSim(t, b, fastConfig()).React(ctx, 0, reactions)
		assert.Equal(t, ReactReport{}, rep)
		assert.Zero(t, b.Count("click"))
	})
}
