// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/browser"
	"github.com/xkilldash9x/autoread/internal/browser/pwsession"
	"github.com/xkilldash9x/autoread/internal/browser/session"
	"github.com/xkilldash9x/autoread/internal/config"
	"github.com/xkilldash9x/autoread/internal/engine"
	"github.com/xkilldash9x/autoread/internal/observability"
	"github.com/xkilldash9x/autoread/internal/reporting"
	"github.com/xkilldash9x/autoread/internal/store"
	"github.com/xkilldash9x/autoread/internal/worklist"
)

const shutdownTimeout = 15 * time.Second

// launcherFactory returns the launcher for a browser driver and a cleanup for the driver itself.
type launcherFactory func(driver string, logger *zap.Logger) (browser.Launcher, func(), error)

func defaultLauncher(driver string, logger *zap.Logger) (browser.Launcher, func(), error) {
	switch driver {
	case config.DriverChromedp, "":
		return session.NewLauncher(logger), func() {}, nil
	case config.DriverPlaywright:
		l := pwsession.NewLauncher(logger, pwsession.WithInstall(true))
		return l, func() {
			if err := l.Shutdown(); err != nil {
				logger.Warn("Failed to stop playwright driver.", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown browser driver %q", driver)
	}
}

func newRunCmd(a *app) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Signs in to every configured target, reads its worklists and runs its check-ins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyRunFlagOverrides(cmd, a.cfg)
			return runTargets(cmd, a.cfg, a.launch)
		},
	}

	runCmd.Flags().Bool("headless", true, "Run the browser without a window. (Overrides config/env)")
	runCmd.Flags().Int("max-items", 0, "Maximum unread topics per target. (Overrides config/env)")
	runCmd.Flags().Int("max-reactions", 0, "Maximum reactions per topic. (Overrides config/env)")
	runCmd.Flags().Int("login-timeout", 0, "Seconds to wait for a login to complete. (Overrides config/env)")
	runCmd.Flags().String("driver", "", "Browser driver: 'chromedp' or 'playwright'. (Overrides config/env)")
	runCmd.Flags().StringP("report", "o", "", "Write the run report to this file. (Overrides config/env)")
	return runCmd
}

// applyRunFlagOverrides copies explicitly set flags onto the configuration.
func applyRunFlagOverrides(cmd *cobra.Command, cfg config.Interface) {
	flags := cmd.Flags()
	if flags.Changed("headless") {
		v, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(v)
	}
	if flags.Changed("max-items") {
		v, _ := flags.GetInt("max-items")
		cfg.SetLimitsMaxItems(v)
	}
	if flags.Changed("max-reactions") {
		v, _ := flags.GetInt("max-reactions")
		cfg.SetLimitsMaxReactionsPerItem(v)
	}
	if flags.Changed("login-timeout") {
		v, _ := flags.GetInt("login-timeout")
		cfg.SetLimitsLoginTimeoutSeconds(v)
	}
	if flags.Changed("driver") {
		v, _ := flags.GetString("driver")
		cfg.SetBrowserDriver(v)
	}
	if flags.Changed("report") {
		v, _ := flags.GetString("report")
		cfg.SetReportPath(v)
	}
}

func runTargets(cmd *cobra.Command, cfg config.Interface, launch launcherFactory) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	targets := cfg.Targets()
	if len(targets) == 0 {
		return errors.New("no targets configured: set targets in the config file or TARGET_URL in the environment")
	}

	shutdownTracing, err := observability.InitTracing(cfg.Tracing().Enabled, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Failed to flush traces.", zap.Error(err))
		}
	}()

	launcher, stopDriver, err := launch(cfg.Browser().Driver, logger)
	if err != nil {
		return err
	}
	defer stopDriver()

	ledger, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return fmt.Errorf("failed to open run history store: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("Failed to close run history store.", zap.Error(err))
		}
	}()

	report := engine.New(cfg, launcher, nil, ledger, logger).Run(ctx, targets)

	if path := cfg.Report().Path; path != "" {
		if err := reporting.WriteFile(cfg.Report().Format, path, report); err != nil {
			logger.Error("Failed to write run report.", zap.String("path", path), zap.Error(err))
		} else {
			logger.Info("Run report written.", zap.String("path", path))
		}
	}
	if err := observability.WriteMetrics(cfg.Metrics().Textfile); err != nil {
		logger.Warn("Failed to write metrics.", zap.Error(err))
	}

	printSummary(cmd, report)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if code := report.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func printSummary(cmd *cobra.Command, report *reporting.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRun %s finished in %s.\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
	for _, t := range report.Targets {
		fmt.Fprintf(out, "  %-24s %s", t.Name, t.Status)
		if t.Error != "" {
			fmt.Fprintf(out, " (%s)", t.Error)
		}
		fmt.Fprintln(out)
		for _, w := range t.Worklists {
			fmt.Fprintf(out, "    worklist %-10s consumed %d of %d\n", w.Name, w.Count(string(worklist.Consumed)), len(w.Items))
		}
		for _, w := range t.Workflows {
			fmt.Fprintf(out, "    check-in %-10s %s after %d attempt(s)", w.Name, w.Outcome, w.Attempts)
			if w.Reason != "" {
				fmt.Fprintf(out, ": %s", w.Reason)
			}
			fmt.Fprintln(out)
		}
	}
}
