package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewNodeTypesCmd создаёт группу команд для каталога типов узлов.
func NewNodeTypesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node-types",
		Short: "Browse the node type catalog",
	}

	cmd.AddCommand(
		newNodeTypesListCmd(clientFn, outputFn),
		newNodeTypesShowCmd(clientFn, outputFn),
		newNodeTypesCategoriesCmd(clientFn, outputFn),
	)

	return cmd
}

func newNodeTypesListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List node types",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			defs, err := client.NodeDefinitions(category)
			if err != nil {
				return err
			}

			rows := make([][]string, len(defs))
			for i, d := range defs {
				rows[i] = []string{d.Type, d.Category, strconv.FormatBool(d.IsTrigger), d.Label}
			}
			out.Print([]string{"TYPE", "CATEGORY", "TRIGGER", "LABEL"}, rows, defs)
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Filter by category")

	return cmd
}

func newNodeTypesShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show TYPE",
		Short: "Show a node type with its config fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			def, err := client.NodeDefinition(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(def)
				return nil
			}

			out.Fields([][2]string{
				{"Type", def.Type},
				{"Label", def.Label},
				{"Category", def.Category},
				{"Trigger", strconv.FormatBool(def.IsTrigger)},
				{"Description", orDash(def.Description)},
			}, nil)

			if len(def.Fields) > 0 {
				fmt.Fprintln(out.w)
				rows := make([][]string, len(def.Fields))
				for i, f := range def.Fields {
					required, _ := f["required"].(bool)
					rows[i] = []string{fmt.Sprint(f["name"]), fmt.Sprint(f["type"]), strconv.FormatBool(required), compact(f["default"])}
				}
				out.Table([]string{"FIELD", "TYPE", "REQUIRED", "DEFAULT"}, rows)
			}
			return nil
		},
	}
}

func newNodeTypesCategoriesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List node categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			cats, err := client.NodeCategories()
			if err != nil {
				return err
			}

			rows := make([][]string, len(cats))
			for i, c := range cats {
				rows[i] = []string{c.Name, strconv.Itoa(c.Count)}
			}
			out.Print([]string{"CATEGORY", "TYPES"}, rows, cats)
			return nil
		},
	}
}
