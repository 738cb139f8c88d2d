package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and cancel runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunLogsCmd(clientFn, outputFn),
		newRunNodesCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "WORKFLOW_ID", "TRIGGER", "STATUS", "CREATED"}

func runRow(r *Run) []string {
	return []string{r.ID, r.WorkflowID, r.TriggerType, r.Status, r.CreatedAt}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, total, err := client.ListRuns(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i := range runs {
				rows[i] = runRow(&runs[i])
			}

			out.Print(runHeaders, rows, runs)
			if len(runs) < total {
				out.Success(fmt.Sprintf("Showing %d of %d", len(runs), total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "Filter by workflow ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, running, waiting, completed, failed, cancelled)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Max number of runs")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Offset for pagination")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Fields([][2]string{
				{"ID", run.ID},
				{"Workflow", run.WorkflowID},
				{"Version", run.VersionID},
				{"Trigger", run.TriggerType},
				{"Status", run.Status},
				{"Error", orDash(run.Error)},
				{"Created", run.CreatedAt},
				{"Started", orDash(run.StartedAt)},
				{"Completed", orDash(run.CompletedAt)},
			}, run)
			return nil
		},
	}
}

func newRunLogsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "logs ID",
		Short: "Show run logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			logs, err := client.RunLogs(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(logs))
			for i, l := range logs {
				rows[i] = []string{l.CreatedAt, l.Level, orDash(l.NodeID), l.Message}
			}
			out.Print([]string{"TIME", "LEVEL", "NODE", "MESSAGE"}, rows, logs)
			return nil
		},
	}
}

func newRunNodesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes ID",
		Short: "Show per-node results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			results, err := client.RunNodes(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(results))
			for i, r := range results {
				rows[i] = []string{r.NodeID, r.NodeType, r.Status, strconv.Itoa(r.Attempts), orDash(r.Error)}
			}
			out.Print([]string{"NODE", "TYPE", "STATUS", "ATTEMPTS", "ERROR"}, rows, results)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending, running or waiting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}
}
