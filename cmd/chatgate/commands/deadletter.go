package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
)

// newDeadLetterCmd creates `chatgate deadletter`.
func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay dead-lettered jobs",
		Long: `Jobs that exhausted their retries or failed permanently are kept in
the dead-letter list. Replaying a job resets its retries and pushes it back
into its original lane.

Examples:
  chatgate deadletter list
  chatgate deadletter replay 3f1c2a9e-6f0b-4c4e-9a53-1b2f0d7e8c11
  chatgate deadletter stats`,
	}
	addServerFlags(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List dead-lettered jobs",
			Args:  cobra.NoArgs,
			RunE:  runDeadLetterList,
		},
		&cobra.Command{
			Use:   "replay <job-id>...",
			Short: "Replay dead-lettered jobs",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(cmd)
				if err != nil {
					return err
				}
				for _, id := range args {
					var job queue.Job
					path := "/api/queue/deadletter/" + url.PathEscape(id) + "/replay"
					if err := c.do(cmd.Context(), http.MethodPost, path, nil, &job); err != nil {
						return fmt.Errorf("replay %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "replayed %s into lane %s\n", job.ID, job.Lane)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show lane depths and dead-letter size",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := newAPIClient(cmd)
				if err != nil {
					return err
				}
				var stats queue.Stats
				if err := c.do(cmd.Context(), http.MethodGet, "/api/queue", nil, &stats); err != nil {
					return err
				}
				return printJSON(cmd, stats)
			},
		},
	)
	return cmd
}

func runDeadLetterList(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/api/queue/deadletter", nil, &resp); err != nil {
		return err
	}
	if len(resp.Jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "dead-letter list is empty")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tLANE\tRETRIES\tFAILED\tERROR")
	for _, j := range resp.Jobs {
		failed := ""
		if j.FailedAt != nil {
			failed = j.FailedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", j.ID, j.Kind, j.Lane, j.Retries, failed, j.LastError)
	}
	return w.Flush()
}
