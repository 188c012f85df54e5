package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/baxromumarov/unirun"
	"github.com/spf13/cobra"
)

type benchRow struct {
	Flavor   string        `json:"flavor" yaml:"flavor" toml:"flavor"`
	Kind     string        `json:"kind" yaml:"kind" toml:"kind"`
	Reason   string        `json:"reason" yaml:"reason" toml:"reason"`
	Fallback bool          `json:"fallback" yaml:"fallback" toml:"fallback"`
	Workers  int           `json:"workers" yaml:"workers" toml:"workers"`
	Elapsed  time.Duration `json:"elapsed_ns" yaml:"elapsed_ns" toml:"elapsed_ns"`
}

type benchReport struct {
	Workload string     `json:"workload" yaml:"workload" toml:"workload"`
	Tasks    int        `json:"tasks" yaml:"tasks" toml:"tasks"`
	Rows     []benchRow `json:"rows" yaml:"rows" toml:"rows"`
}

func newBenchCmd(a *app) *cobra.Command {
	var (
		req      requestFlags
		flavors  []string
		tasks    int
		workload string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a sample workload on each flavor and compare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			work, err := workloadFunc(workload)
			if err != nil {
				return err
			}
			if tasks <= 0 {
				return fmt.Errorf("--tasks must be positive, got %d", tasks)
			}
			items := make([]int, tasks)
			for i := range items {
				items[i] = i
			}

			report := benchReport{Workload: workload, Tasks: tasks}
			for _, name := range flavors {
				req.flavor = name
				opts, err := req.options()
				if err != nil {
					return err
				}
				row, err := benchFlavor(cmd.Context(), a.rt, items, work, opts)
				if err != nil {
					return fmt.Errorf("bench %s: %w", name, err)
				}
				row.Flavor = name
				report.Rows = append(report.Rows, row)
			}
			return render(cmd.OutOrStdout(), output, report, func(st styles) string {
				return st.bench(report.Rows)
			})
		},
	}
	req.register(cmd.Flags())
	_ = cmd.Flags().MarkHidden("flavor")
	cmd.Flags().StringSliceVar(&flavors, "flavors", []string{"threads", "processes", "isolated", "none"}, "flavors to compare")
	cmd.Flags().IntVarP(&tasks, "tasks", "n", 64, "number of tasks per flavor")
	cmd.Flags().StringVar(&workload, "workload", "cpu", "sample workload: cpu or io")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml or toml")
	return cmd
}

func benchFlavor(ctx context.Context, rt *unirun.Runtime, items []int, work func(context.Context, int) (int, error), opts []unirun.Option) (benchRow, error) {
	var row benchRow
	err := rt.Run(ctx, func(ctx context.Context, sc *unirun.Scope) error {
		d := sc.Decision()
		row.Kind = d.Kind.String()
		row.Reason = d.Reason.Code
		row.Fallback = d.Fallback
		row.Workers = d.Workers

		start := time.Now()
		_, err := unirun.MapOn(ctx, sc, items, work)
		row.Elapsed = time.Since(start)
		return err
	}, opts...)
	return row, err
}

func workloadFunc(name string) (func(context.Context, int) (int, error), error) {
	switch strings.ToLower(name) {
	case "cpu":
		return func(_ context.Context, n int) (int, error) {
			sum := sha256.Sum256([]byte{byte(n)})
			for range 2000 {
				sum = sha256.Sum256(sum[:])
			}
			return int(sum[0]), nil
		}, nil
	case "io":
		return func(ctx context.Context, n int) (int, error) {
			select {
			case <-time.After(5 * time.Millisecond):
				return n, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}, nil
	}
	return nil, fmt.Errorf("unknown workload %q (want cpu or io)", name)
}
