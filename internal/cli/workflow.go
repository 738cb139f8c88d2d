package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowCreateCmd(clientFn, outputFn),
		newWorkflowShowCmd(clientFn, outputFn),
		newWorkflowUpdateCmd(clientFn, outputFn),
		newWorkflowDeleteCmd(clientFn, outputFn),
		newWorkflowSaveVersionCmd(clientFn, outputFn),
		newWorkflowPublishCmd(clientFn, outputFn),
		newWorkflowTriggerCmd(clientFn, outputFn),
		newWorkflowTestCmd(clientFn, outputFn),
		newWorkflowExecuteNodeCmd(clientFn, outputFn),
		newWorkflowTriggerSchemaCmd(clientFn, outputFn),
	)

	return cmd
}

var workflowHeaders = []string{"ID", "NAME", "STATUS", "TRIGGER", "UPDATED"}

func workflowRow(w *Workflow) []string {
	return []string{w.ID, w.Name, w.Status, orDash(w.TriggerType), w.UpdatedAt}
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			list, total, err := client.ListWorkflows(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "STATUS", "LATEST", "PUBLISHED", "RUNS"}
			rows := make([][]string, len(list))
			for i, w := range list {
				rows[i] = []string{
					w.ID, w.Name, w.Status,
					strconv.Itoa(w.LatestVersion),
					strconv.FormatBool(w.IsPublished),
					strconv.Itoa(w.RunCount),
				}
			}

			out.Print(headers, rows, list)
			if len(list) < total {
				out.Success(fmt.Sprintf("Showing %d of %d", len(list), total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (draft, active, archived)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "Max number of workflows")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Offset for pagination")

	return cmd
}

func newWorkflowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name, description, file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow (optionally with a graph from a YAML/JSON file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			g := &GraphFile{}
			if file != "" {
				var err error
				if g, err = LoadGraphFile(file); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("name") {
				g.Name = name
			}
			if cmd.Flags().Changed("description") {
				g.Description = description
			}
			if g.Name == "" {
				return errors.New("workflow name is required (--name or name: in file)")
			}

			detail, err := client.CreateWorkflow(g)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow created: %s", detail.Workflow.ID))
			out.Print(workflowHeaders, [][]string{workflowRow(detail.Workflow)}, detail)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Workflow name")
	cmd.Flags().StringVar(&description, "description", "", "Workflow description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Graph file (YAML or JSON)")

	return cmd
}

func newWorkflowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show workflow details and versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			detail, err := client.GetWorkflow(args[0], version)
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(detail)
				return nil
			}

			wf := detail.Workflow
			out.Fields([][2]string{
				{"ID", wf.ID},
				{"Name", wf.Name},
				{"Description", orDash(wf.Description)},
				{"Status", wf.Status},
				{"Trigger", orDash(wf.TriggerType)},
				{"Created", wf.CreatedAt},
				{"Updated", wf.UpdatedAt},
			}, nil)

			if v := detail.Version; v != nil {
				fmt.Fprintf(out.w, "\nVersion %d (%s): %d nodes, %d edges\n",
					v.VersionNumber, v.ID, len(v.Nodes), len(v.Edges))
			}

			fmt.Fprintln(out.w)
			rows := make([][]string, len(detail.Versions))
			for i, v := range detail.Versions {
				rows[i] = []string{strconv.Itoa(v.VersionNumber), v.ID, strconv.FormatBool(v.IsPublished), v.CreatedAt}
			}
			out.Table([]string{"VERSION", "ID", "PUBLISHED", "CREATED"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Version number to show (default: latest)")

	return cmd
}

func newWorkflowUpdateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name, description, status string

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update workflow name, description or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := UpdateWorkflowRequest{}
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if cmd.Flags().Changed("status") {
				req.Status = &status
			}

			wf, err := client.UpdateWorkflow(args[0], req)
			if err != nil {
				return err
			}

			out.Success("Workflow updated")
			out.Print(workflowHeaders, [][]string{workflowRow(wf)}, wf)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New workflow name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&status, "status", "", "New status (draft, active, archived)")

	return cmd
}

func newWorkflowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a workflow with all versions and runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.DeleteWorkflow(args[0]); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow deleted: %s", args[0]))
			return nil
		},
	}
}

var versionHeaders = []string{"ID", "VERSION", "NODES", "EDGES", "PUBLISHED"}

func versionRow(v *Version) []string {
	return []string{v.ID, strconv.Itoa(v.VersionNumber), strconv.Itoa(len(v.Nodes)),
		strconv.Itoa(len(v.Edges)), strconv.FormatBool(v.IsPublished)}
}

func newWorkflowSaveVersionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "save-version ID",
		Short: "Save a new version from a graph file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			g, err := LoadGraphFile(file)
			if err != nil {
				return err
			}

			v, err := client.SaveVersion(args[0], g)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Version %d saved (not published)", v.VersionNumber))
			out.Print(versionHeaders, [][]string{versionRow(v)}, v)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Graph file (YAML or JSON, required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newWorkflowPublishCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var versionID string

	cmd := &cobra.Command{
		Use:   "publish ID",
		Short: "Publish a version (default: latest)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if versionID == "" {
				detail, err := client.GetWorkflow(args[0], 0)
				if err != nil {
					return err
				}
				if detail.Version == nil {
					return errors.New("workflow has no versions")
				}
				versionID = detail.Version.ID
			}

			v, err := client.Publish(args[0], versionID)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Version %d published", v.VersionNumber))
			out.Print(versionHeaders, [][]string{versionRow(v)}, v)
			return nil
		},
	}

	cmd.Flags().StringVar(&versionID, "version-id", "", "Version ID to publish")

	return cmd
}

func newWorkflowTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "trigger ID",
		Short: "Run the published version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload, err := ParseData(data)
			if err != nil {
				return err
			}

			res, err := client.Trigger(args[0], payload)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run queued: %s", res.RunID))
			out.Print([]string{"RUN_ID", "STATUS"}, [][]string{{res.RunID, res.Status}}, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Trigger payload as JSON/YAML or @file")

	return cmd
}

func newWorkflowTestCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var data, versionID string

	cmd := &cobra.Command{
		Use:   "test ID",
		Short: "Dry-run: validate the graph and show execution order with resolved config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload, err := ParseData(data)
			if err != nil {
				return err
			}

			sim, err := client.TestTrigger(args[0], payload, versionID)
			if err != nil {
				return err
			}

			if !out.jsonMode && !sim.Validation.Valid {
				for _, e := range sim.Validation.Errors {
					out.Error(e)
				}
				return errors.New("graph is invalid")
			}

			rows := make([][]string, len(sim.Nodes))
			for i, n := range sim.Nodes {
				id, _ := n["id"].(string)
				typ, _ := n["type"].(string)
				rows[i] = []string{strconv.Itoa(i + 1), id, typ, compact(n["resolved_config"]), compact(n["unresolved"])}
			}
			out.Print([]string{"#", "NODE", "TYPE", "CONFIG", "UNRESOLVED"}, rows, sim)
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Trigger payload as JSON/YAML or @file")
	cmd.Flags().StringVar(&versionID, "version-id", "", "Version to test (default: published, then latest)")

	return cmd
}

func newWorkflowExecuteNodeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req ExecuteNodeRequest
	var data string

	cmd := &cobra.Command{
		Use:   "execute-node ID NODE_ID",
		Short: "Execute a single node (and optionally its upstream) against test data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload, err := ParseData(data)
			if err != nil {
				return err
			}
			req.NodeID = args[1]
			req.TriggerData = payload

			res, err := client.ExecuteNode(args[0], req)
			if err != nil && res.NodeID == "" {
				return err
			}

			rows := make([][]string, len(res.Nodes))
			for i, n := range res.Nodes {
				rows[i] = []string{n.NodeID, n.NodeType, n.Status, strconv.FormatInt(n.DurationMs, 10), orDash(n.Error)}
			}
			out.Print([]string{"NODE", "TYPE", "STATUS", "MS", "ERROR"}, rows, res)

			if !res.Success {
				return fmt.Errorf("node %s failed: %s", res.FailedNodeID, res.Error)
			}
			out.Success(fmt.Sprintf("Node %s completed in %d ms", res.NodeID, res.ExecutionTimeMs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Trigger payload as JSON/YAML or @file")
	cmd.Flags().BoolVar(&req.ExecuteUpstream, "upstream", false, "Also execute all upstream nodes")
	cmd.Flags().StringVar(&req.VersionID, "version-id", "", "Version to use (default: published, then latest)")

	return cmd
}

func newWorkflowTriggerSchemaCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger-schema ID",
		Short: "Show example trigger payloads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schemas, err := client.TriggerSchema(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(schemas))
			for i, s := range schemas {
				rows[i] = []string{s.NodeID, s.Type, compact(s.Example)}
			}
			out.Print([]string{"NODE", "TYPE", "EXAMPLE"}, rows, schemas)
			return nil
		},
	}
}
