package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
	"github.com/aixgo-dev/conductor/agent"
)

const shellHelp = `commands:
  run <workflow> [json]   execute a workflow
  workflows               list workflows
  stats                   print orchestrator statistics
  agents                  list agents and their capabilities
  help                    show this help
  quit                    leave the shell
`

var shellCommands = []string{"run", "workflows", "stats", "agents", "help", "quit", "exit"}

func newShellCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive prompt for running workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := build(flags, conductor.WithoutTracing())
			if err != nil {
				return err
			}
			defer sys.Close(context.WithoutCancel(cmd.Context()))

			sh := &shell{sys: sys, out: cmd.OutOrStdout()}
			return sh.loop(cmd.Context())
		},
	}
}

type shell struct {
	sys *conductor.System
	out io.Writer
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "conductor", "history")
}

func (s *shell) loop(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(s.complete)

	if path := historyFile(); path != "" {
		if f, err := os.Open(path); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return
			}
			if f, err := os.Create(path); err == nil {
				_, _ = line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	fmt.Fprint(s.out, shellHelp)
	for {
		input, err := line.Prompt("conductor> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := s.exec(ctx, input)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

// complete offers command names and, after "run", workflow ids.
func (s *shell) complete(line string) []string {
	var out []string
	if rest, ok := strings.CutPrefix(line, "run "); ok {
		for _, d := range s.sys.Orchestrator.Workflows() {
			if strings.HasPrefix(d.ID, rest) {
				out = append(out, "run "+d.ID)
			}
		}
		return out
	}
	for _, c := range shellCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}

// exec runs one shell command and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, input string) (bool, error) {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprint(s.out, shellHelp)
	case "workflows":
		return false, printWorkflows(s.out, s.sys.Orchestrator)
	case "stats":
		return false, writeJSON(s.out, s.sys.Orchestrator.Stats())
	case "agents":
		s.printAgents()
	case "run":
		id, raw, _ := strings.Cut(rest, " ")
		if id == "" {
			return false, errors.New("usage: run <workflow> [json]")
		}
		payload, err := parseInput(raw)
		if err != nil {
			return false, err
		}
		res, err := s.sys.Orchestrator.ExecuteWorkflow(ctx, id, payload, agent.NewContext(""))
		if res != nil {
			if werr := writeJSON(s.out, res); werr != nil {
				return false, werr
			}
		}
		return false, err
	default:
		return false, fmt.Errorf("unknown command %q (try help)", name)
	}
	return false, nil
}

func (s *shell) printAgents() {
	infos := s.sys.Loader.AvailableAgents()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	for _, info := range infos {
		state := "lazy"
		if info.Loaded {
			state = "loaded"
		}
		fmt.Fprintf(s.out, "%-20s %-7s %s\n", info.Name, state, strings.Join(info.Capabilities, ", "))
	}
}
