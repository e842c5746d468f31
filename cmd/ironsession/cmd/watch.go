package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/config"
	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session alive and replay queued writes until interrupted",
	Long: `Restores the stored session, refreshes it ahead of expiry and drains the
offline queue whenever the backend is reachable. Session, connectivity and
queue events are printed as they happen. Edits to the config file are picked
up for the log level and cache max age; other changes need a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		printBanner("Session Watch")
		printSession(cmd, c.CurrentSession())

		unsubscribe := c.Observe(func(s session.Session) {
			line := s.Status.String()
			if s.LastError != nil {
				line += " (" + s.LastError.Error() + ")"
			}
			printf(cmd, "%s session %s\n", stamp(s.UpdatedAt), line)
		})
		defer unsubscribe()

		unwatch := c.Monitor().Subscribe(func(s connectivity.Status) {
			printf(cmd, "%s network %s\n", stamp(time.Now()), s)
		})
		defer unwatch()

		log := logger()
		loader.Watch(func(prev, next *config.Config) {
			if !config.Reloadable(prev, next) {
				log.Warn("config changed in a way that needs a restart", "path", cfgFile)
			}
			levelVar.Set(next.LogLevel())
			c.SetCacheMaxAge(next.Cache.MaxAge)
			log.Info("config reloaded", "log_level", next.Telemetry.LogLevel, "cache_max_age", next.Cache.MaxAge)
		})

		events := c.Queue().Events()
		for {
			select {
			case <-ctx.Done():
				printf(cmd, "\nshutting down, %d action(s) pending\n", c.OfflineStatus().Pending)
				return waitDrain(c.Queue().WaitIdle)
			case ev := <-events:
				if ev.Err != nil {
					printf(cmd, "%s queue %s %s: %v\n", stamp(ev.At), ev.Type, ev.ActionID, ev.Err)
					continue
				}
				printf(cmd, "%s queue %s %s\n", stamp(ev.At), ev.Type, ev.ActionID)
			}
		}
	},
}

// waitDrain gives a running drain a few seconds to settle its current action.
func waitDrain(wait func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wait(ctx); err != nil {
		logger().Warn("drain still running at exit", "error", err)
	}
	return nil
}

func stamp(t time.Time) string {
	return t.Local().Format(time.TimeOnly)
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
