package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/client"
	"github.com/jmcleod/ironsession/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfgFile  string
	envFile  string
	dataDir  string
	secret   string
	baseURL  string
	logLevel string

	loader   *config.Loader
	levelVar = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "ironsession",
	Short: "IronSession manages an authenticated API session from the command line",
	Long: `A client for session-authenticated APIs: signs in, keeps the access token fresh,
queues writes while offline and replays them in order once the backend is back.
Complete documentation is available at https://github.com/jmcleod/ironsession`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		flags := cmd.Flags()
		l, err := config.NewLoader(cfgFile,
			config.WithLogger(logger()),
			config.WithOverride(func(cfg *config.Config) {
				if flags.Changed("data-dir") {
					cfg.Storage.DataDir = dataDir
				}
				if flags.Changed("secret") {
					cfg.Storage.Secret = secret
				}
				if flags.Changed("base-url") {
					cfg.Backend.BaseURL = baseURL
				}
				if flags.Changed("log-level") {
					cfg.Telemetry.LogLevel = logLevel
				}
			}),
		)
		if err != nil {
			return err
		}
		cfg := l.Config()
		levelVar.Set(cfg.LogLevel())
		loader = l
		return nil
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	pf.StringVar(&envFile, "env-file", ".env", "Path to a .env file with IRONSESSION_* variables")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for the session database")
	pf.StringVar(&secret, "secret", "", "Secret used to seal stored tokens")
	pf.StringVar(&baseURL, "base-url", "", "Backend base URL")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
}

// openClient opens the client described by the loaded config and restores
// the stored session.
func openClient(ctx context.Context) (*client.Client, error) {
	c, err := client.Open(ctx, loader.Config(), client.WithLogger(logger()), client.WithRelease(Version))
	if err != nil {
		return nil, err
	}
	if _, err := c.Start(ctx); err != nil {
		slog.Debug("session not restored", "error", err)
	}
	return c, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
