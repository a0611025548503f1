package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewSweepCmd создаёт команды ручного обслуживания.
func NewSweepCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance jobs now",
	}

	jobs := map[string]string{
		"timeouts": "Fail instances running longer than the workflow timeout",
		"cleanup":  "Delete finished instances past retention",
	}
	for _, job := range []string{"timeouts", "cleanup"} {
		cmd.AddCommand(&cobra.Command{
			Use:   job,
			Short: jobs[job],
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := clientFn().Sweep(job)
				if err != nil {
					return err
				}
				outputFn().Success(fmt.Sprintf("%s: %d instance(s) affected", job, n))
				return nil
			},
		})
	}

	return cmd
}

// NewWorkerCmd создаёт команды состояния воркера.
// --api-url должен указывать на служебный порт воркера.
func NewWorkerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect a worker process",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "processors",
			Short: "List registered processors",
			RunE: func(cmd *cobra.Command, args []string) error {
				names, err := clientFn().ListProcessors()
				if err != nil {
					return err
				}
				rows := make([][]string, len(names))
				for i, n := range names {
					rows[i] = []string{n}
				}
				outputFn().Print([]string{"PROCESSOR"}, rows, names)
				return nil
			},
		},
		&cobra.Command{
			Use:   "breakers",
			Short: "Show circuit breaker states",
			RunE: func(cmd *cobra.Command, args []string) error {
				breakers, err := clientFn().ListBreakers()
				if err != nil {
					return err
				}
				rows := make([][]string, len(breakers))
				for i, b := range breakers {
					rows[i] = []string{b.Processor, b.State, strconv.Itoa(b.Calls), strconv.Itoa(b.Failures), strconv.Itoa(b.SlowCalls)}
				}
				outputFn().Print([]string{"PROCESSOR", "STATE", "CALLS", "FAILURES", "SLOW"}, rows, breakers)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show worker pool load",
			RunE: func(cmd *cobra.Command, args []string) error {
				stats, err := clientFn().WorkerStats()
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(stats))
				for k := range stats {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				rows := make([][]string, len(keys))
				for i, k := range keys {
					rows[i] = []string{k, strconv.Itoa(stats[k])}
				}
				outputFn().Print([]string{"METRIC", "VALUE"}, rows, stats)
				return nil
			},
		},
	)

	return cmd
}
