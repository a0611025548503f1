package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var instanceHeaders = []string{"ID", "DEFINITION", "STATUS", "ACTIVE", "VERSION", "CREATED"}

func instanceRow(inst InstanceResponse) []string {
	return []string{
		inst.ID,
		inst.DefinitionID,
		inst.Status,
		strings.Join(inst.ActiveNodes, ","),
		strconv.FormatInt(inst.Version, 10),
		formatTime(inst.CreatedAt),
	}
}

func printInstances(out *Output, instances []InstanceResponse) {
	rows := make([][]string, len(instances))
	for i, inst := range instances {
		rows[i] = instanceRow(inst)
	}
	out.Print(instanceHeaders, rows, instances)
}

// NewInstanceCmd создаёт группу команд для управления экземплярами workflow.
func NewInstanceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "Manage workflow instances",
	}

	cmd.AddCommand(
		newInstanceListCmd(clientFn, outputFn),
		newInstanceShowCmd(clientFn, outputFn),
		newInstanceSubmitCmd(clientFn, outputFn),
		newInstanceFailedCmd(clientFn, outputFn),
		newInstanceCountCmd(clientFn, outputFn),
		newInstanceRedispatchCmd(clientFn, outputFn),
	)
	for _, action := range []string{"start", "pause", "resume", "cancel"} {
		cmd.AddCommand(newInstanceTransitionCmd(action, clientFn, outputFn))
	}

	return cmd
}

func newInstanceListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListInstancesOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := clientFn().ListInstances(opts)
			if err != nil {
				return err
			}
			printInstances(outputFn(), instances)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DefinitionID, "definition", "", "Filter by definition ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (PENDING, RUNNING, PAUSED, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "Max results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip first N results")

	return cmd
}

func newInstanceShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show instance details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			inst, err := clientFn().GetInstance(args[0])
			if err != nil {
				return err
			}

			out.Details([]Field{
				{"ID", inst.ID},
				{"Definition", inst.DefinitionID},
				{"Status", inst.Status},
				{"Active", strings.Join(inst.ActiveNodes, ",")},
				{"Completed", strings.Join(inst.CompletedNodes, ",")},
				{"Version", strconv.FormatInt(inst.Version, 10)},
				{"Started", formatTime(inst.StartTime)},
				{"Finished", formatTime(inst.EndTime)},
				{"Error", inst.ErrorMessage},
			}, inst)
			return nil
		},
	}
}

func newInstanceSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var input string
	var noStart bool

	cmd := &cobra.Command{
		Use:   "submit DEFINITION_ID",
		Short: "Submit a new workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			req := SubmitInstanceRequest{DefinitionID: args[0]}
			if input != "" {
				m, err := parseJSONObject(input)
				if err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
				req.Input = m
			}
			if noStart {
				start := false
				req.Start = &start
			}

			inst, err := clientFn().SubmitInstance(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Instance submitted: %s (%s)", inst.ID, inst.Status))
			printInstances(out, []InstanceResponse{*inst})
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", `Input context as JSON object, e.g. '{"order_id":"A-1"}'`)
	cmd.Flags().BoolVar(&noStart, "no-start", false, "Leave the instance in PENDING")

	return cmd
}

func newInstanceTransitionCmd(action string, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: strings.ToUpper(action[:1]) + action[1:] + " an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			inst, err := clientFn().TransitionInstance(args[0], action)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Instance %s: %s", inst.ID, inst.Status))
			printInstances(out, []InstanceResponse{*inst})
			return nil
		},
	}
}

func newInstanceRedispatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "redispatch ID",
		Short: "Re-send active nodes of a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := clientFn().RedispatchInstance(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Redispatched %d node(s)", n))
			return nil
		},
	}
}

func newInstanceFailedCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var minutes int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List instances failed recently",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			instances, err := clientFn().ListFailedInstances(minutes)
			if err != nil {
				return err
			}

			rows := make([][]string, len(instances))
			for i, inst := range instances {
				rows[i] = []string{inst.ID, inst.DefinitionID, formatTime(inst.EndTime), inst.ErrorMessage}
			}
			out.Print([]string{"ID", "DEFINITION", "FAILED_AT", "ERROR"}, rows, instances)
			return nil
		},
	}

	cmd.Flags().IntVar(&minutes, "minutes", 60, "Look-back window in minutes")

	return cmd
}

func newInstanceCountCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count active instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := clientFn().CountActiveInstances()
			if err != nil {
				return err
			}
			outputFn().Print([]string{"ACTIVE"}, [][]string{{strconv.FormatInt(n, 10)}}, map[string]int64{"active": n})
			return nil
		},
	}
}
