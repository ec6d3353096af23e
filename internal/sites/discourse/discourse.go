// internal/sites/discourse/discourse.go
package discourse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/engagement"
	"github.com/xkilldash9x/autoread/internal/locator"
	"github.com/xkilldash9x/autoread/internal/orchestrator"
	"github.com/xkilldash9x/autoread/internal/waiter"
	"github.com/xkilldash9x/autoread/internal/worklist"
)

var (
	// ErrAuthFailed means the forum did not show a signed-in user after logging in.
	ErrAuthFailed = errors.New("discourse: authentication failed")
	// ErrNoCredentials means neither a username/password pair nor a cookie string was given.
	ErrNoCredentials = errors.New("discourse: no authentication method configured")
)

// Selectors of the stock Discourse UI.
var (
	usernameField  = locator.NewChain("username field", locator.CSS("id", "#login-account-name"))
	passwordField  = locator.NewChain("password field", locator.CSS("id", "#login-account-password"))
	loginButton    = locator.NewChain("login button", locator.CSS("id", "#login-button"))
	currentUser    = locator.NewChain("current user", locator.CSS("id", "#current-user"))
	topicList      = locator.NewChain("topic list", locator.CSS("class", ".topic-list"))
	newTopicTitles = locator.NewChain("new topic titles", locator.CSS("title link", ".topic-list-item .main-link a.title"))

	unreadBadges = locator.NewChain("unread badges",
		locator.CSS("unread posts badge", "a.badge.badge-notification.unread-posts"),
		locator.CSS("posts badge", ".badge-posts.badge-notification"),
		locator.CSS("posts badge with user", "a.badge-posts[href*='?u=']"),
		locator.CSS("new posts badge", ".topic-list-item .badge-notification.new-posts"),
		locator.CSS("any topic badge", ".topic-list-item a.badge-notification"),
	)

	// ReactionTargets finds reaction controls the user has not used yet. The reactions
	// plugin is preferred; stock like buttons are the fallback.
	ReactionTargets = locator.NewChain("reaction targets",
		locator.Candidate{
			Name:   "reactions plugin",
			Query:  browser.CSS("div.discourse-reactions-reaction-button"),
			Accept: locator.HasDescendant(browser.CSS("svg.d-icon-d-unliked")),
		},
		locator.CSS("like buttons",
			"button.widget-button.like:not(.has-like):not(.my-likes), button.toggle-like:not(.has-like):not(.my-likes)"),
	)
)

// errorSignals are looked for in the lowercased body of an opened topic.
var errorSignals = []string{"无法加载", "连接问题", "error"}

// Options tunes one forum session.
type Options struct {
	MaxItems     int
	MaxNewItems  int
	MaxReactions int
	LoginTimeout time.Duration
	// FormTimeout bounds the wait for the login form.
	FormTimeout time.Duration
	// CookieTimeout bounds the signed-in check after a cookie login.
	CookieTimeout time.Duration
	ListTimeout   time.Duration
	// NavTimeout bounds the wait for a click to leave the current page.
	NavTimeout time.Duration
	// TypeSettle paces consecutive form fields.
	TypeSettle   time.Duration
	LingerMin    time.Duration
	LingerMax    time.Duration
	PollInterval time.Duration
	Challenge    waiter.Challenge
	Pacer        worklist.Pacer
}

// DefaultOptions mirrors the pacing of a patient human reader.
func DefaultOptions() Options {
	return Options{
		MaxItems:      10,
		MaxNewItems:   20,
		MaxReactions:  5,
		LoginTimeout:  60 * time.Second,
		FormTimeout:   30 * time.Second,
		CookieTimeout: 10 * time.Second,
		ListTimeout:   15 * time.Second,
		NavTimeout:    10 * time.Second,
		TypeSettle:    500 * time.Millisecond,
		LingerMin:     4 * time.Second,
		LingerMax:     6 * time.Second,
		PollInterval:  waiter.DefaultInterval,
		Challenge:     waiter.DefaultChallenge,
	}
}

// Forum drives one Discourse site in one browser session.
type Forum struct {
	base      string
	session   browser.Session
	sim       *engagement.Simulator
	traverser *worklist.Traverser
	orch      *orchestrator.Orchestrator
	opts      Options
	logger    *zap.Logger
}

// New returns a forum client for baseURL. Topics are shared through ledger across the unread
// and new listings, so a topic read once is not read again in the same run.
func New(s browser.Session, baseURL string, sim *engagement.Simulator, ledger *worklist.Ledger, opts Options, logger *zap.Logger) *Forum {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("discourse").With(zap.String("forum", baseURL))
	return &Forum{
		base:      strings.TrimRight(baseURL, "/"),
		session:   s,
		sim:       sim,
		traverser: worklist.New(ledger, logger),
		orch:      orchestrator.New(logger),
		opts:      opts,
		logger:    logger,
	}
}

// BaseURL returns the forum root without a trailing slash.
func (f *Forum) BaseURL() string { return f.base }

// Credentials selects how to sign in. A username and password take precedence over a cookie.
type Credentials struct {
	Username string
	Password string
	Cookie   string
}

// Login signs in with whichever method creds provide.
func (f *Forum) Login(ctx context.Context, creds Credentials) error {
	if ua, err := browser.UserAgent(ctx, f.session); err == nil {
		f.logger.Info("Browser ready.", zap.String("user_agent", ua))
	}
	switch {
	case creds.Username != "" && creds.Password != "":
		return f.LoginWithCredentials(ctx, creds.Username, creds.Password)
	case creds.Cookie != "":
		return f.LoginWithCookies(ctx, creds.Cookie)
	default:
		return ErrNoCredentials
	}
}

// LoginWithCredentials fills the login form and waits for the signed-in user avatar.
func (f *Forum) LoginWithCredentials(ctx context.Context, username, password string) error {
	f.logger.Info("Logging in with credentials.", zap.String("username", mask(username)))
	fill := func(value string) orchestrator.Action {
		return func(ctx context.Context, a *orchestrator.Attempt, el browser.Element) error {
			if err := el.Clear(ctx); err != nil {
				return err
			}
			if err := el.SendKeys(ctx, value); err != nil {
				return err
			}
			return waiter.Sleep(ctx, f.opts.TypeSettle)
		}
	}

	res := f.orch.Run(ctx, f.session, orchestrator.Workflow{
		Name:         "login",
		URL:          f.base + "/login",
		Challenge:    &f.opts.Challenge,
		PollInterval: f.opts.PollInterval,
		Steps: []orchestrator.Step{
			{Name: "username", Chain: usernameField, Timeout: f.opts.FormTimeout, Action: fill(username)},
			{Name: "password", Chain: passwordField, Timeout: f.opts.FormTimeout, Action: fill(password)},
			{Name: "submit", Chain: loginButton, Timeout: f.opts.FormTimeout, Action: f.submit},
			{Name: "signed in", Chain: currentUser, Timeout: f.opts.LoginTimeout},
		},
	})
	if res.Outcome != orchestrator.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, res.Reason)
	}
	f.logger.Info("Login successful.")
	return nil
}

func (f *Forum) submit(ctx context.Context, a *orchestrator.Attempt, el browser.Element) error {
	if err := el.Click(ctx); err != nil {
		return err
	}
	out := waiter.Poll(ctx, f.opts.NavTimeout, f.opts.PollInterval, waiter.Not(waiter.URLContains(f.session, "/login")))
	if !out.Satisfied() {
		a.Logger.Debug("Still on the login page after submitting.", zap.Error(out.LastErr))
	}
	waiter.AwaitChallenge(ctx, f.session, f.opts.Challenge, f.logger)
	return ctx.Err()
}

// LoginWithCookies installs the cookies of a "name=value; name2=value2" string on the forum
// origin, reloads and waits for the signed-in user avatar.
func (f *Forum) LoginWithCookies(ctx context.Context, cookie string) error {
	f.logger.Info("Logging in with cookies.")
	res := f.orch.Run(ctx, f.session, orchestrator.Workflow{
		Name:         "cookie login",
		URL:          f.base,
		Challenge:    &f.opts.Challenge,
		PollInterval: f.opts.PollInterval,
		Setup: func(ctx context.Context, a *orchestrator.Attempt) error {
			for _, c := range ParseCookieString(cookie) {
				if err := f.session.AddCookie(ctx, c); err != nil {
					a.Logger.Warn("Failed to add cookie.", zap.String("name", c.Name), zap.Error(err))
				}
			}
			if err := f.session.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh after adding cookies: %w", err)
			}
			waiter.AwaitChallenge(ctx, f.session, f.opts.Challenge, f.logger)
			return nil
		},
		Steps: []orchestrator.Step{
			{Name: "signed in", Chain: currentUser, Timeout: f.opts.CookieTimeout},
		},
	})
	if res.Outcome != orchestrator.Success {
		return fmt.Errorf("%w: cookie login: %s", ErrAuthFailed, res.Reason)
	}
	f.logger.Info("Cookie login successful.")
	return nil
}

// ParseCookieString splits a browser-style cookie header. Chunks without a name or value are
// dropped; values keep any '=' they contain.
func ParseCookieString(raw string) []browser.Cookie {
	var out []browser.Cookie
	for _, chunk := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(chunk), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || value == "" {
			continue
		}
		out = append(out, browser.Cookie{Name: name, Value: value})
	}
	return out
}

// ReadUnread works through the /unread listing, opening each topic through its unread badge.
func (f *Forum) ReadUnread(ctx context.Context) worklist.Result {
	src := &listing{forum: f, path: "/unread", items: unreadBadges, titled: false}
	return f.traverser.Traverse(ctx, "unread", src, worklist.Limits{MaxItems: f.opts.MaxItems, Pacer: f.opts.Pacer})
}

// ReadNew works through the /new listing, identifying topics by their title link.
func (f *Forum) ReadNew(ctx context.Context) worklist.Result {
	src := &listing{forum: f, path: "/new", items: newTopicTitles, titled: true}
	return f.traverser.Traverse(ctx, "new", src, worklist.Limits{MaxItems: f.opts.MaxNewItems, Pacer: f.opts.Pacer})
}

// listing adapts a topic listing page to worklist.Source.
type listing struct {
	forum  *Forum
	path   string
	items  locator.Chain
	titled bool
}

func (l *listing) List(ctx context.Context) ([]worklist.Item, error) {
	f := l.forum
	if err := f.session.Navigate(ctx, f.base+l.path); err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	waiter.AwaitChallenge(ctx, f.session, f.opts.Challenge, f.logger)

	if _, out := waiter.AwaitElement(ctx, f.session, topicList, f.opts.ListTimeout, f.opts.PollInterval, f.logger); !out.Satisfied() {
		return nil, fmt.Errorf("no topic list on %s within %s", l.path, f.opts.ListTimeout)
	}

	els, _ := locator.ResolveAll(ctx, f.session, l.items, f.logger)
	items := make([]worklist.Item, 0, len(els))
	for _, el := range els {
		href, ok, err := el.Attribute(ctx, "href")
		if err != nil || !ok || href == "" {
			continue
		}
		it := worklist.Item{ID: href, Element: el}
		if l.titled {
			it.Title, _ = el.Text(ctx)
		}
		items = append(items, it)
	}
	return items, nil
}

// Open navigates directly when the item has no element. Otherwise it clicks the element and
// waits for the browser to leave the listing.
func (l *listing) Open(ctx context.Context, it worklist.Item) error {
	f := l.forum
	if it.Element == nil {
		return f.session.Navigate(ctx, it.ID)
	}
	if _, err := browser.ClickWithFallback(ctx, f.session, it.Element); err != nil {
		return err
	}
	out := waiter.Poll(ctx, f.opts.NavTimeout, f.opts.PollInterval, waiter.Not(waiter.URLContains(f.session, f.base+l.path)))
	if !out.Satisfied() {
		f.logger.Debug("Still on the listing after opening a topic.", zap.String("topic", it.ID))
	}
	return ctx.Err()
}

func (l *listing) Failed(ctx context.Context) (bool, string) {
	body, err := browser.BodyText(ctx, l.forum.session)
	if err != nil {
		return true, err.Error()
	}
	body = strings.ToLower(body)
	for _, signal := range errorSignals {
		if strings.Contains(body, signal) {
			return true, signal
		}
	}
	return false, ""
}

// Engage reads the topic, reacts to some posts and lingers before leaving.
func (l *listing) Engage(ctx context.Context, it worklist.Item) error {
	f := l.forum
	f.sim.Dwell(ctx)
	f.sim.React(ctx, f.opts.MaxReactions, ReactionTargets)
	return f.sim.Linger(ctx, f.opts.LingerMin, f.opts.LingerMax)
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 3 {
		return "***"
	}
	return string(r[:3]) + "***"
}
