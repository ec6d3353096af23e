// internal/windows/classify.go
package windows

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/scope"
)

// Class is the verdict for one window at the end of a federated flow.
type Class int

const (
	Undetermined Class = iota
	Success
	Failure
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "undetermined"
	}
}

// RuleSet is the uncompiled form of Rules, suitable for configuration.
type RuleSet struct {
	// Success URL globs. A match short-circuits the scan.
	Success []string
	// ErrorText phrases looked for in the page body.
	ErrorText []string
	// Login URL globs that mean the flow bounced back to sign-in.
	Login []string
	// Domain is any URL on the target site. Undetermined windows inside it are preferred.
	Domain string
}

// Rules classify windows by URL and content.
type Rules struct {
	success   []glob.Glob
	login     []glob.Glob
	errorText []string
	domain    *scope.Domain
}

// Compile validates and compiles a rule set.
func Compile(rs RuleSet) (*Rules, error) {
	r := &Rules{errorText: append([]string(nil), rs.ErrorText...)}
	for _, p := range rs.Success {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("success pattern %q: %w", p, err)
		}
		r.success = append(r.success, g)
	}
	for _, p := range rs.Login {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("login pattern %q: %w", p, err)
		}
		r.login = append(r.login, g)
	}
	if rs.Domain != "" {
		d, err := scope.New(rs.Domain)
		if err != nil {
			return nil, fmt.Errorf("rule domain: %w", err)
		}
		r.domain = d
	}
	return r, nil
}

// MustCompile is Compile for static rule sets.
func MustCompile(rs RuleSet) *Rules {
	r, err := Compile(rs)
	if err != nil {
		panic(err)
	}
	return r
}

func matchAny(gs []glob.Glob, s string) bool {
	for _, g := range gs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Verdict is the classification of a single window.
type Verdict struct {
	Window browser.WindowID
	URL    string
	Class  Class
	Reason string
}

// classify inspects the active window, first match wins.
func (r *Rules) classify(ctx context.Context, s browser.Session, id browser.WindowID) Verdict {
	v := Verdict{Window: id}
	u, err := s.CurrentURL(ctx)
	if err != nil {
		v.Reason = fmt.Sprintf("url unavailable: %v", err)
		return v
	}
	v.URL = u

	if matchAny(r.success, u) {
		v.Class = Success
		v.Reason = "success url"
		return v
	}

	if len(r.errorText) > 0 {
		if body, err := browser.BodyText(ctx, s); err == nil {
			for _, phrase := range r.errorText {
				if phrase != "" && strings.Contains(body, phrase) {
					v.Class = Failure
					v.Reason = phrase
					return v
				}
			}
		}
	}

	if matchAny(r.login, u) {
		v.Class = Failure
		v.Reason = "redirected to login"
		return v
	}
	return v
}

// ClassifyAll visits every open window and classifies it. A Success verdict ends the scan
// early; windows after it are not visited. Windows that vanish mid-scan are skipped.
func (t *Tracker) ClassifyAll(ctx context.Context, rules *Rules) ([]Verdict, error) {
	set, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []Verdict
	for _, id := range set.IDs() {
		if err := t.session.SwitchWindow(ctx, id); err != nil {
			t.logger.Debug("Window vanished before classification.", zap.String("window", id.Short()), zap.Error(err))
			continue
		}
		v := rules.classify(ctx, t.session, id)
		t.logger.Debug("Classified window.",
			zap.String("window", id.Short()),
			zap.String("url", v.URL),
			zap.Stringer("class", v.Class),
			zap.String("reason", v.Reason))
		out = append(out, v)
		if v.Class == Success {
			break
		}
	}
	return out, nil
}

// Pick applies the precedence Success, Failure, Undetermined on the target domain, the
// original window, then the first window seen. Within a class the first seen wins.
func Pick(verdicts []Verdict, original browser.WindowID, domain *scope.Domain) (Verdict, bool) {
	if len(verdicts) == 0 {
		return Verdict{}, false
	}
	for _, class := range []Class{Success, Failure} {
		for _, v := range verdicts {
			if v.Class == class {
				return v, true
			}
		}
	}
	if domain != nil {
		for _, v := range verdicts {
			if domain.Contains(v.URL) {
				return v, true
			}
		}
	}
	for _, v := range verdicts {
		if v.Window == original {
			return v, true
		}
	}
	return verdicts[0], true
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Verdict  Verdict
	Verdicts []Verdict
}

// Resolve classifies every window, keeps the best one and closes the rest. The kept window
// is left active.
func (t *Tracker) Resolve(ctx context.Context, original browser.WindowID, rules *Rules) (Resolution, error) {
	verdicts, err := t.ClassifyAll(ctx, rules)
	if err != nil {
		return Resolution{}, err
	}
	picked, ok := Pick(verdicts, original, rules.domain)
	if !ok {
		return Resolution{}, ErrNoWindows
	}

	kept, err := t.Consolidate(ctx, picked.Window)
	if err != nil {
		return Resolution{}, err
	}
	if kept != picked.Window {
		// the picked window closed itself between classification and consolidation.
		picked = Verdict{Window: kept, Class: Undetermined, Reason: "picked window closed"}
		if u, err := t.session.CurrentURL(ctx); err == nil {
			picked.URL = u
		}
	}

	t.logger.Info("Resolved window.",
		zap.String("window", picked.Window.Short()),
		zap.String("url", picked.URL),
		zap.Stringer("class", picked.Class),
		zap.String("reason", picked.Reason),
		zap.Int("candidates", len(verdicts)))
	return Resolution{Verdict: picked, Verdicts: verdicts}, nil
}
