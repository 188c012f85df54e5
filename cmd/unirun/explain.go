package main

import (
	"github.com/baxromumarov/unirun"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// requestFlags are the scope options a subcommand exposes.
type requestFlags struct {
	flavor     string
	threadMode string
	workers    int
	name       string
	cpuBound   bool
	ioBound    bool
}

func (f *requestFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.flavor, "flavor", "auto", "backend flavor: auto, threads, processes, isolated (interpreters) or none")
	fs.StringVar(&f.threadMode, "thread-mode", "", "thread mode: auto, pinned-shared or pinned-parallel")
	fs.IntVar(&f.workers, "workers", 0, "worker count override (0 keeps the policy/host default)")
	fs.StringVar(&f.name, "name", "", "pool name")
	fs.BoolVar(&f.cpuBound, "cpu-bound", false, "hint that the work is CPU-bound")
	fs.BoolVar(&f.ioBound, "io-bound", false, "hint that the work is IO-bound")
}

func (f *requestFlags) options() ([]unirun.Option, error) {
	flavor, err := unirun.ParseFlavor(f.flavor)
	if err != nil {
		return nil, err
	}
	opts := []unirun.Option{unirun.WithFlavor(flavor)}
	if f.threadMode != "" {
		mode, err := unirun.ParseThreadMode(f.threadMode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, unirun.WithThreadMode(mode))
	}
	if f.workers > 0 {
		opts = append(opts, unirun.WithMaxWorkers(f.workers))
	}
	if f.name != "" {
		opts = append(opts, unirun.WithName(f.name))
	}
	if f.cpuBound {
		opts = append(opts, unirun.WithCPUBound())
	}
	if f.ioBound {
		opts = append(opts, unirun.WithIOBound())
	}
	return opts, nil
}

type explainReport struct {
	Decision     unirun.Decision     `json:"decision" yaml:"decision" toml:"decision"`
	Capabilities unirun.Capabilities `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	Policy       unirun.Policy       `json:"policy" yaml:"policy" toml:"policy"`
}

func newExplainCmd(a *app) *cobra.Command {
	var (
		req    requestFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Show which backend a request resolves to and why",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := req.options()
			if err != nil {
				return err
			}
			var d unirun.Decision
			opts = append(opts, unirun.WithTraceSink(&d))

			sc, err := a.rt.Acquire(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			if err := sc.Release(); err != nil {
				return err
			}

			report := explainReport{
				Decision:     d,
				Capabilities: a.rt.Capabilities(),
				Policy:       a.rt.Policy(),
			}
			return render(cmd.OutOrStdout(), output, report, func(st styles) string {
				return st.explain(report)
			})
		},
	}
	req.register(cmd.Flags())
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml or toml")
	return cmd
}

func newPolicyCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the resolved environment policy and host capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			view := policyView{
				Capabilities: a.rt.Capabilities(),
				Policy:       a.rt.Policy(),
			}
			return render(cmd.OutOrStdout(), output, view, func(st styles) string {
				return st.policy(view.Capabilities, view.Policy)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json, yaml or toml")
	return cmd
}

type policyView struct {
	Capabilities unirun.Capabilities `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	Policy       unirun.Policy       `json:"policy" yaml:"policy" toml:"policy"`
}
