package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewDelayCmd создаёт группу команд для отложенных задач.
func NewDelayCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delay",
		Short: "Manage delayed tasks",
	}

	cmd.AddCommand(
		newDelaySubmitCmd(clientFn, outputFn),
		newDelayShowCmd(clientFn, outputFn),
		newDelayCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newDelaySubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		taskType string
		taskID   string
		params   string
		after    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Schedule a task to fire after a delay",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if after < time.Second {
				return fmt.Errorf("--after must be at least 1s")
			}
			req := SubmitDelayRequest{
				TaskType: taskType,
				TaskID:   taskID,
				DelaySec: int(after / time.Second),
			}
			if params != "" {
				m, err := parseJSONObject(params)
				if err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
				req.Params = m
			}

			key, err := clientFn().SubmitDelay(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Delay task scheduled in %s", after))
			out.Print([]string{"KEY"}, [][]string{{key}}, map[string]string{"key": key})
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "Task type (order-timeout, message-delay, data-cleanup, state-transition)")
	cmd.Flags().StringVar(&taskID, "id", "", "Task ID, unique per type")
	cmd.Flags().StringVar(&params, "params", "", "Task params as JSON object")
	cmd.Flags().DurationVar(&after, "after", 0, "Delay before firing, e.g. 30m")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("after")

	return cmd
}

func newDelayShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetDelay(args[0])
			if err != nil {
				return err
			}
			outputFn().Details([]Field{
				{"Key", args[0]},
				{"Type", task.TaskType},
				{"Task", task.TaskID},
				{"Created", formatTime(task.CreateTime)},
				{"Fires at", formatTime(task.ExecuteTime)},
			}, task)
			return nil
		},
	}
}

func newDelayCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel KEY",
		Short: "Cancel a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cancelled, err := clientFn().CancelDelay(args[0])
			if err != nil {
				return err
			}
			if !cancelled {
				outputFn().Success("Task already fired, cancelled or expired")
				return nil
			}
			outputFn().Success("Delay task cancelled")
			return nil
		},
	}
}
