// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/config"
	"github.com/xkilldash9x/autoread/internal/observability"
)

// envPrefix namespaces every environment override, e.g. AUTOREAD_BROWSER_HEADLESS.
const envPrefix = "AUTOREAD"

// ExitError carries a non-zero process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("run finished with exit code %d", e.Code) }

// app holds state shared by the subcommands of one root command.
type app struct {
	cfgFile  string
	envFiles []string
	cfg      *config.Config
	launch   launcherFactory
}

// NewRootCommand builds a fresh command tree. Each call has its own viper instance, so
// commands never share flag or config state.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{launch: defaultLauncher})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "autoread",
		Short:         "autoread reads Discourse forums and runs daily check-ins in a real browser.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := a.loadConfig()
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "autoread"})
				return err
			}
			a.cfg = cfg
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Configuration loaded.", zap.String("version", Version), zap.Int("targets", len(cfg.Targets())))
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.config/autoread/config.yaml)")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "dotenv files loaded before reading the environment (default .env)")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the config file and environment into a validated Config.
func (a *app) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	v := viper.New()
	config.SetDefaults(v)
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home + "/.config/autoread")
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return config.NewConfigFromViper(v)
}

// Execute runs the command tree under ctx. Failures are logged here; callers map the error
// to an exit code with ExitCode.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	var exit *ExitError
	if err != nil && !errors.As(err, &exit) && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	var exit *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.Code
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
