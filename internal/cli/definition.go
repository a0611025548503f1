package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewDefinitionCmd создаёт группу команд для управления определениями workflow.
func NewDefinitionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Manage workflow definitions",
	}

	cmd.AddCommand(
		newDefinitionListCmd(clientFn, outputFn),
		newDefinitionShowCmd(clientFn, outputFn),
		newDefinitionApplyCmd(clientFn, outputFn),
		newDefinitionDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newDefinitionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := clientFn().ListDefinitions()
			if err != nil {
				return err
			}

			rows := make([][]string, len(defs))
			for i, d := range defs {
				rows[i] = []string{d.ID, d.Name, strconv.Itoa(len(d.Nodes)), strconv.Itoa(d.TimeoutSec), d.CreatedAt}
			}
			outputFn().Print([]string{"ID", "NAME", "NODES", "TIMEOUT_SEC", "CREATED"}, rows, defs)
			return nil
		},
	}
}

func newDefinitionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show definition nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := clientFn().GetDefinition(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(def.Nodes))
			for i, n := range def.Nodes {
				rows[i] = []string{n.ID, n.Processor, strings.Join(n.DependsOn, ",")}
			}
			outputFn().Print([]string{"NODE", "PROCESSOR", "DEPENDS_ON"}, rows, def)
			return nil
		},
	}
}

func newDefinitionApplyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply [ID]",
		Short: "Create or replace a definition from a JSON or YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			def, err := LoadDefinitionFile(file)
			if err != nil {
				return err
			}

			id, _ := def["id"].(string)
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return fmt.Errorf("definition id is required: pass ID or set \"id\" in %s", file)
			}
			def["id"] = id

			saved, err := clientFn().SaveDefinition(id, def)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Definition %s saved (%d nodes)", saved.ID, len(saved.Nodes)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to definition file (.json, .yaml, .yml)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newDefinitionDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteDefinition(args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Definition %s deleted", args[0]))
			return nil
		},
	}
}

// LoadDefinitionFile читает определение из JSON или YAML файла.
// Формат определяется по расширению; неизвестное расширение читается как YAML.
func LoadDefinitionFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}

	var def map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.Unmarshal(data, &def)
	}
	if err != nil {
		return nil, fmt.Errorf("parse definition file %s: %w", path, err)
	}
	if def == nil {
		return nil, fmt.Errorf("definition file %s is empty", path)
	}
	return def, nil
}
