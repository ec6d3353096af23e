// internal/worklist/worklist_test.go
package worklist

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

// fakeSource lists a fixed set of ids, always in the same order.
type fakeSource struct {
	ids      []string
	errorOn  map[string]bool
	failOpen map[string]bool
	opened   []string
	engaged  []string
	listErr  error
	// relist adds ids that appear after the first listing.
	relist []string
	lists  int
}

func (f *fakeSource) List(ctx context.Context) ([]Item, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.lists++
	ids := f.ids
	if f.lists > 1 {
		ids = append(append([]string(nil), f.relist...), f.ids...)
	}
	items := make([]Item, len(ids))
	for i, id := range ids {
		items[i] = Item{ID: id, Title: "Topic " + id}
	}
	return items, nil
}

func (f *fakeSource) Open(ctx context.Context, it Item) error {
	f.opened = append(f.opened, it.ID)
	if f.failOpen[it.ID] {
		return errors.New("click intercepted")
	}
	return nil
}

func (f *fakeSource) Failed(ctx context.Context) (bool, string) {
	last := f.opened[len(f.opened)-1]
	if f.errorOn[last] {
		return true, "无法加载"
	}
	return false, ""
}

func (f *fakeSource) Engage(ctx context.Context, it Item) error {
	f.engaged = append(f.engaged, it.ID)
	return nil
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://forum.example/t/%d", i+1)
	}
	return out
}

func TestTraverse_CapLeavesRestNotAttempted(t *testing.T) {
	src := &fakeSource{ids: ids(5)}
	res := New(nil, zaptest.NewLogger(t)).Traverse(context.Background(), "unread", src, Limits{MaxItems: 2})

	assert.Equal(t, 2, res.Count(Consumed))
	assert.Equal(t, 3, res.Count(NotAttempted))
	assert.Equal(t, ids(5)[:2], src.engaged)
	assert.False(t, res.Exhausted)
	require.Len(t, res.Items, 5)
	assert.Equal(t, NotAttempted, res.Items[4].State)
}

func TestTraverse_NeverRevisits(t *testing.T) {
	src := &fakeSource{
		ids:     ids(4),
		errorOn: map[string]bool{ids(4)[0]: true},
	}
	ledger := NewLedger()
	tr := New(ledger, zaptest.NewLogger(t))

	res := tr.Traverse(context.Background(), "unread", src, Limits{MaxItems: 10})
	assert.Equal(t, ids(4), src.opened, "every item opened exactly once")
	assert.Equal(t, 3, res.Count(Consumed))
	assert.Equal(t, 1, res.Count(SkippedError))
	assert.Contains(t, res.Items[0].Reason, "无法加载")

	again := tr.Traverse(context.Background(), "new", src, Limits{MaxItems: 10})
	assert.Empty(t, again.Items, "a shared ledger carries identities across traversals")
	assert.Len(t, src.opened, 4)
	assert.Equal(t, 4, ledger.Len())
}

func TestTraverse_BudgetExhaustion(t *testing.T) {
	all := ids(8)
	fail := map[string]bool{}
	for _, id := range all {
		fail[id] = true
	}
	src := &fakeSource{ids: all, failOpen: fail}

	res := New(nil, zaptest.NewLogger(t)).Traverse(context.Background(), "unread", src, Limits{MaxItems: 2})

	assert.True(t, res.Exhausted)
	assert.Equal(t, 6, res.Iterations)
	assert.Equal(t, 6, res.Count(SkippedError))
	assert.Equal(t, 2, res.Count(SkippedExhausted))
	assert.Zero(t, res.Count(Consumed))
}

func TestTraverse_RelistedItemsAreSkippedNotRevisited(t *testing.T) {
	src := &fakeSource{ids: ids(2), relist: []string{ids(2)[0]}}
	res := New(nil, nil).Traverse(context.Background(), "new", src, Limits{MaxItems: 5})

	assert.Equal(t, ids(2), src.opened)
	assert.Equal(t, 2, res.Count(Consumed))
}

func TestTraverse_ListFailureStops(t *testing.T) {
	src := &fakeSource{listErr: errors.New("no topic list")}
	res := New(nil, nil).Traverse(context.Background(), "unread", src, Limits{MaxItems: 3})
	assert.Empty(t, res.Items)
	assert.Equal(t, 1, res.Iterations)
}

type pacerMock struct{ mock.Mock }

func (p *pacerMock) Wait(ctx context.Context) error { return p.Called(ctx).Error(0) }

func TestTraverse_Pacing(t *testing.T) {
	t.Run("waits once per pass", func(t *testing.T) {
		p := new(pacerMock)
		p.On("Wait", mock.Anything).Return(nil).Times(2)
		src := &fakeSource{ids: ids(3)}
		New(nil, nil).Traverse(context.Background(), "unread", src, Limits{MaxItems: 2, Pacer: p})
		p.AssertExpectations(t)
	})

	t.Run("a rate limiter satisfies Pacer", func(t *testing.T) {
		src := &fakeSource{ids: ids(3)}
		res := New(nil, nil).Traverse(context.Background(), "unread", src, Limits{MaxItems: 3, Pacer: rate.NewLimiter(rate.Inf, 1)})
		assert.Equal(t, 3, res.Count(Consumed))
	})

	t.Run("pacer cancellation ends the traversal", func(t *testing.T) {
		p := new(pacerMock)
		p.On("Wait", mock.Anything).Return(context.Canceled).Once()
		src := &fakeSource{ids: ids(3)}
		res := New(nil, nil).Traverse(context.Background(), "unread", src, Limits{MaxItems: 2, Pacer: p})
		assert.Empty(t, src.opened)
		assert.Empty(t, res.Items, "nothing was listed yet")
	})
}

func TestTraverse_ZeroCap(t *testing.T) {
	src := &fakeSource{ids: ids(3)}
	res := New(nil, nil).Traverse(context.Background(), "unread", src, Limits{})
	assert.Empty(t, res.Items)
	assert.Zero(t, src.lists)
}
