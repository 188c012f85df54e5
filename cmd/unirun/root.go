package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/baxromumarov/unirun"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Log levels accepted by --log-level.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// app carries the runtime shared by every subcommand of one invocation.
type app struct {
	v  *viper.Viper
	rt *unirun.Runtime
}

// newRootCmd builds the command tree. The caller closes the returned app
// once Execute returns, whether or not it failed.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "unirun",
		Short: "Inspect and benchmark unirun backend decisions",
		Long: `unirun shows which execution backend the scheduler picks for a request
(threads, processes, isolated or the shared pool), why it picked it, and how
each backend performs on a sample workload.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "policy file (yaml, toml or json); overrides UNIRUN_CONFIG")
	flags.String("log-level", LevelWarn, "log level: DEBUG, INFO, WARN or ERROR")
	flags.String("log-format", "text", "log format: text or json")
	_ = a.v.BindPFlag(unirun.KeyConfig, flags.Lookup("config"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log_format", flags.Lookup("log-format"))

	rootCmd.AddCommand(
		newExplainCmd(a),
		newBenchCmd(a),
		newPolicyCmd(a),
	)
	return rootCmd, a
}

func (a *app) init(stderr io.Writer) error {
	// Registers the UNIRUN_ env binding so UNIRUN_LOG_LEVEL works too.
	unirun.SetPolicyDefaults(a.v)

	logger, err := newLogger(stderr, a.v.GetString("log_level"), a.v.GetString("log_format"))
	if err != nil {
		return err
	}
	policy, err := unirun.LoadPolicy(a.v)
	if err != nil {
		return err
	}
	a.rt = unirun.New(unirun.WithPolicy(policy), unirun.WithLogger(logger))
	return nil
}

// close runs the runtime's exit hook. It is a no-op when no subcommand got
// as far as building the runtime.
func (a *app) close() error {
	if a.rt == nil {
		return nil
	}
	return a.rt.Close()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// parseLevel converts a string log level to slog.Level.
// Defaults to WARN if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
