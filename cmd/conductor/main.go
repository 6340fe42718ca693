package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/orchestrator"
	"github.com/aixgo-dev/conductor/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:          "conductor",
		Short:        "Multi-agent workflow orchestrator",
		Long:         "Conductor runs analysis agents through sequential, parallel, conditional, saga, map-reduce and event-driven workflows.",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv("CONDUCTOR_CONFIG"), "configuration file (defaults when empty)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newServeCommand(&flags))
	root.AddCommand(newRunCommand(&flags))
	root.AddCommand(newWorkflowsCommand(&flags))
	root.AddCommand(newStatsCommand(&flags))
	root.AddCommand(newShellCommand(&flags))
	return root
}

// build loads the configuration and assembles a system. Tracing is only set
// up for long-running commands.
func build(flags *globalFlags, opts ...conductor.Option) (*conductor.System, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	conductor.Version = Version
	return conductor.New(cfg, opts...)
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and health endpoints and run schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sys, err := build(flags)
			if err != nil {
				return err
			}
			return sys.Serve(ctx)
		},
	}
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		input           string
		investigationID string
		userID          string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute one workflow and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseInput(input)
			if err != nil {
				return err
			}

			sys, err := build(flags, conductor.WithoutTracing())
			if err != nil {
				return err
			}
			defer sys.Close(context.WithoutCancel(cmd.Context()))

			actx := agent.NewContext(investigationID, agent.WithUser(userID))
			res, runErr := sys.Orchestrator.ExecuteWorkflow(cmd.Context(), args[0], payload, actx)
			if res != nil {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "{}", "workflow input as a JSON object, or @file")
	cmd.Flags().StringVar(&investigationID, "investigation", "", "investigation id (generated when empty)")
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded on the agent context")
	return cmd
}

func newWorkflowsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := build(flags, conductor.WithoutTracing())
			if err != nil {
				return err
			}
			defer sys.Close(context.WithoutCancel(cmd.Context()))
			return printWorkflows(cmd.OutOrStdout(), sys.Orchestrator)
		},
	}
}

func newStatsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Validate the configuration and print the orchestrator statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := build(flags, conductor.WithoutTracing())
			if err != nil {
				return err
			}
			defer sys.Close(context.WithoutCancel(cmd.Context()))
			return writeJSON(cmd.OutOrStdout(), sys.Orchestrator.Stats())
		},
	}
}

// parseInput decodes a JSON object. A leading @ names a file to read.
func parseInput(s string) (map[string]any, error) {
	raw := []byte(s)
	if name, ok := strings.CutPrefix(s, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = data
	}
	if strings.TrimSpace(string(raw)) == "" {
		return map[string]any{}, nil
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWorkflows(w io.Writer, o *orchestrator.Orchestrator) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATTERN\tSTEPS\tDESCRIPTION")
	for _, d := range o.Workflows() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, d.Pattern, len(d.Steps), d.Description)
	}
	return tw.Flush()
}
