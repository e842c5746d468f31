package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/transport"
)

var callPublic bool

var callCmd = &cobra.Command{
	Use:   "call <method> <path> [body]",
	Short: "Call an API endpoint with the stored session",
	Long: `Sends a request through the session gate. Reads are served from the offline
cache when the backend is unreachable; writes are queued and replayed later.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		req := &transport.Request{
			Method: strings.ToUpper(args[0]),
			Path:   args[1],
			Public: callPublic,
		}
		if len(args) == 3 {
			req.Body = []byte(args[2])
			req.Header = http.Header{"Content-Type": []string{"application/json"}}
		}

		res, err := c.Submit(ctx, req)
		if res != nil && res.Queued {
			// A reachable backend drains the queue in the background.
			if werr := c.Queue().WaitIdle(ctx); werr != nil {
				return werr
			}
			printf(cmd, "queued as %s (%d pending)\n", res.Action.ID, c.OfflineStatus().Pending)
			return nil
		}
		if res != nil && res.Response != nil {
			printResponse(cmd, res.Response)
		}
		return err
	},
}

func printResponse(cmd *cobra.Command, resp *transport.Response) {
	source := ""
	if resp.FromCache {
		source = " (cached)"
	}
	printf(cmd, "%d %s%s\n", resp.StatusCode, http.StatusText(resp.StatusCode), source)
	if len(resp.Body) == 0 {
		return
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		printf(cmd, "%s\n", pretty.String())
		return
	}
	printf(cmd, "%s\n", resp.Body)
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().BoolVar(&callPublic, "public", false, "Send without a bearer token")
}
