// internal/engagement/engagement.go
package engagement

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/locator"
	"github.com/xkilldash9x/autoread/internal/observability"
	"github.com/xkilldash9x/autoread/internal/waiter"
)

// Config tunes the pacing of simulated reading and reacting.
type Config struct {
	PauseMin time.Duration
	PauseMax time.Duration
	// Settle is the short wait after each scroll.
	Settle       time.Duration
	StepMax      int
	MaxTotal     time.Duration
	BottomChecks int
	BottomSlack  float64

	// AimMin and AimMax bound the wait between scrolling a target into view and clicking it.
	AimMin time.Duration
	AimMax time.Duration
	// GapMin and GapMax bound the wait between two reactions.
	GapMin time.Duration
	GapMax time.Duration
}

// DefaultConfig mirrors a slow human reader.
func DefaultConfig() Config {
	return Config{
		PauseMin:     3500 * time.Millisecond,
		PauseMax:     5 * time.Second,
		Settle:       500 * time.Millisecond,
		StepMax:      400,
		MaxTotal:     300 * time.Second,
		BottomChecks: 3,
		BottomSlack:  50,
		AimMin:       500 * time.Millisecond,
		AimMax:       time.Second,
		GapMin:       time.Second,
		GapMax:       2 * time.Second,
	}
}

// Simulator produces human-like dwell and reaction behavior on the active window.
type Simulator struct {
	session browser.Session
	cfg     Config
	rng     *rand.Rand
	logger  *zap.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand fixes the random source, for reproducible runs.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

// New returns a simulator over s.
func New(s browser.Session, cfg Config, logger *zap.Logger, opts ...Option) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	sim := &Simulator{
		session: s,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger.Named("engagement"),
	}
	for _, opt := range opts {
		opt(sim)
	}
	return sim
}

// DwellReport summarizes one dwell.
type DwellReport struct {
	Scrolls       int
	Failures      int
	ReachedBottom bool
	Elapsed       time.Duration
}

// Dwell scrolls through the page at a reading pace until the bottom has been seen
// BottomChecks times in a row or MaxTotal elapses.
func (s *Simulator) Dwell(ctx context.Context) DwellReport {
	start := time.Now()
	rep := DwellReport{}
	bottomHits := 0

	m, err := browser.GetScrollMetrics(ctx, s.session)
	if err != nil {
		s.logger.Debug("Could not read viewport; using default scroll step.", zap.Error(err))
	}
	step := s.cfg.StepMax
	if vh := int(m.ViewportHeight) - 100; vh > 0 && vh < step {
		step = vh
	}

	for time.Since(start) < s.cfg.MaxTotal {
		if err := s.pause(ctx, s.cfg.PauseMin, s.cfg.PauseMax); err != nil {
			break
		}

		m, err := browser.GetScrollMetrics(ctx, s.session)
		if err != nil {
			rep.Failures++
			s.logger.Debug("Scroll metrics unavailable.", zap.Error(err))
		} else if m.AtBottom(s.cfg.BottomSlack) {
			bottomHits++
			if bottomHits >= s.cfg.BottomChecks {
				rep.ReachedBottom = true
				break
			}
		} else {
			bottomHits = 0
		}

		if err := browser.ScrollBy(ctx, s.session, step); err != nil {
			rep.Failures++
			s.logger.Debug("Scroll failed.", zap.Error(err))
		} else {
			rep.Scrolls++
		}
		if err := waiter.Sleep(ctx, s.cfg.Settle); err != nil {
			break
		}
	}

	rep.Elapsed = time.Since(start)
	s.logger.Info("Finished reading.",
		zap.Int("scrolls", rep.Scrolls),
		zap.Bool("reached_bottom", rep.ReachedBottom),
		zap.Duration("elapsed", rep.Elapsed))
	return rep
}

// ReactReport summarizes one reaction round.
type ReactReport struct {
	Target    int
	Clicked   int
	Attempts  int
	Fallbacks int
}

// Target draws the number of reactions for a page, uniform in [max-1, max] and never negative.
func (s *Simulator) Target(max int) int {
	if max <= 0 {
		return 0
	}
	return max - 1 + s.rng.Intn(2)
}

// React clicks up to a random target count of distinct reaction controls found by chain.
// Targets are re-discovered every round and identified by on-screen position so the same
// control is never chosen twice. It stops at the target, when no unchosen control remains,
// or after three attempts per target reaction.
func (s *Simulator) React(ctx context.Context, max int, chain locator.Chain) ReactReport {
	rep := ReactReport{Target: s.Target(max)}
	if rep.Target == 0 {
		return rep
	}
	budget := 3 * rep.Target
	chosen := make(map[string]struct{})

	for rep.Clicked < rep.Target && rep.Attempts < budget {
		if ctx.Err() != nil {
			break
		}
		rep.Attempts++

		found, _ := locator.ResolveAll(ctx, s.session, chain, s.logger)
		if len(found) == 0 {
			if rep.Clicked == 0 {
				s.logger.Info("No reaction targets found.")
			}
			break
		}

		type option struct {
			el  browser.Element
			key string
		}
		var available []option
		for _, el := range found {
			loc, err := el.Location(ctx)
			if err != nil {
				continue
			}
			key := fmt.Sprintf("%.0f,%.0f", loc.X, loc.Y)
			if _, seen := chosen[key]; seen {
				continue
			}
			available = append(available, option{el: el, key: key})
		}
		if len(available) == 0 {
			s.logger.Info("No more distinct reaction targets.")
			break
		}

		pick := available[s.rng.Intn(len(available))]
		chosen[pick.key] = struct{}{}

		if err := browser.ScrollIntoView(ctx, s.session, pick.el); err != nil {
			s.logger.Debug("Scroll into view failed.", zap.Error(err))
		}
		if err := s.pause(ctx, s.cfg.AimMin, s.cfg.AimMax); err != nil {
			break
		}
		fallback, err := browser.ClickWithFallback(ctx, s.session, pick.el)
		if fallback {
			rep.Fallbacks++
		}
		if err != nil {
			s.logger.Warn("Reaction failed.", zap.String("position", pick.key), zap.Error(err))
			continue
		}
		rep.Clicked++
		observability.RecordReaction()
		s.logger.Info("Reacted to post.", zap.Int("clicked", rep.Clicked), zap.Int("target", rep.Target))

		if err := s.pause(ctx, s.cfg.GapMin, s.cfg.GapMax); err != nil {
			break
		}
	}

	s.logger.Info("Reaction round complete.",
		zap.Int("clicked", rep.Clicked),
		zap.Int("target", rep.Target),
		zap.Int("attempts", rep.Attempts))
	return rep
}

// Linger waits a random duration in [min, max], honoring ctx.
func (s *Simulator) Linger(ctx context.Context, min, max time.Duration) error {
	return s.pause(ctx, min, max)
}

func (s *Simulator) pause(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += time.Duration(s.rng.Int63n(int64(max - min + 1)))
	}
	return waiter.Sleep(ctx, d)
}
