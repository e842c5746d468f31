package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/offline"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in drain order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		printActions(cmd, c.Queue().Pending())
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Apply pending actions now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		err = c.Queue().Drain(cmd.Context())
		if err == nil {
			err = c.Queue().WaitIdle(cmd.Context())
		}
		st := c.OfflineStatus()
		printf(cmd, "pending: %d, dead letters: %d\n", st.Pending, st.DeadLetters)
		return err
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List actions that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		printActions(cmd, c.Queue().DeadLetters())
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a dead letter back into the queue and drain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Queue().RetryDeadLetter(ctx, args[0]); err != nil {
			return err
		}
		err = c.Queue().Drain(ctx)
		if err == nil {
			err = c.Queue().WaitIdle(ctx)
		}
		st := c.OfflineStatus()
		printf(cmd, "pending: %d, dead letters: %d\n", st.Pending, st.DeadLetters)
		return err
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every dead letter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		n, err := c.Queue().PurgeDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		printf(cmd, "purged %d dead letters\n", n)
		return nil
	},
}

func printActions(cmd *cobra.Command, actions []offline.PendingAction) {
	if len(actions) == 0 {
		printf(cmd, "none\n")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tMETHOD\tENDPOINT\tENQUEUED\tATTEMPTS\tLAST ERROR")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, a.Method, a.Endpoint, a.EnqueuedAt.Local().Format(time.DateTime),
			a.RetryCount, a.MaxRetries, a.LastError)
	}
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueDrainCmd, queueDeadCmd, queueRetryCmd, queuePurgeCmd)
}
