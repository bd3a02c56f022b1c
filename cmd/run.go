// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/config"
	"github.com/xkilldash9x/browsershell/internal/observability"
	"github.com/xkilldash9x/browsershell/internal/shell"
	"github.com/xkilldash9x/browsershell/internal/window"
)

const shutdownTimeout = 30 * time.Second

// shellFactory builds the shell. Tests swap in one backed by an in-memory
// engine.
type shellFactory func(ctx context.Context, logger *zap.Logger, cfg config.Interface) (*shell.Shell, error)

func defaultShellFactory(ctx context.Context, logger *zap.Logger, cfg config.Interface) (*shell.Shell, error) {
	return shell.New(ctx, logger, cfg)
}

func newRunCmd(factory shellFactory) *cobra.Command {
	var backend string
	var private bool
	var headful bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the shell and drive it with commands read from stdin.",
		Long: `run launches the configured engine, opens the first window and reads
commands from stdin until "quit" or end of input. Type "help" for the list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.SetEngineBackend(backend)
			}
			if cmd.Flags().Changed("private") {
				cfg.SetDefaultPrivate(private)
			}
			if headful {
				cfg.SetEngineHeadless(false)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}

			sh, err := factory(ctx, logger, cfg)
			if err != nil {
				return fmt.Errorf("failed to start shell: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := sh.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Shell shutdown reported an error.", zap.Error(err))
				}
			}()

			return runREPL(ctx, sh, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&backend, "backend", "b", "", "engine backend to use (gecko or chromium)")
	cmd.Flags().BoolVarP(&private, "private", "p", false, "open sessions in private mode by default")
	cmd.Flags().BoolVar(&headful, "headful", false, "show the engine's own browser window")
	return cmd
}

// replCommand is one line command. run returns errQuit to stop the loop.
type replCommand struct {
	usage string
	help  string
	run   func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error
}

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("wrong arguments")
)

var replCommands map[string]replCommand

func init() {
	replCommands = map[string]replCommand{
		"open": {
			usage: "open [auto|front|left|right] [private]",
			help:  "open a window",
			run:   replOpen,
		},
		"closewin": {
			usage: "closewin <window-id>",
			help:  "close a window and its tabs",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				return sh.CloseWindow(ctx, args[0])
			},
		},
		"tab": {
			usage: "tab <uri> [window-id]",
			help:  "open a tab in the focused window or the given one",
			run:   replTab,
		},
		"load": {
			usage: "load <session-id> <uri>",
			help:  "navigate a tab",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				if len(args) != 2 {
					return errUsage
				}
				return sh.Load(ctx, args[0], args[1])
			},
		},
		"close": {
			usage: "close <session-id>",
			help:  "close a tab",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				return sh.CloseTab(ctx, args[0])
			},
		},
		"select": {
			usage: "select <session-id>",
			help:  "make a tab its window's active tab",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				return sh.SelectTab(ctx, args[0])
			},
		},
		"private": {
			usage: "private on|off",
			help:  "enter or leave private mode",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				switch args[0] {
				case "on":
					return sh.EnterPrivateMode(ctx)
				case "off":
					return sh.ExitPrivateMode(ctx)
				default:
					return errUsage
				}
			},
		},
		"windows": {
			usage: "windows",
			help:  "list windows and their tabs",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				printWindows(out, sh)
				return nil
			},
		},
		"ext": {
			usage: "ext install <id> <url> | ext list",
			help:  "manage extensions",
			run:   replExt,
		},
		"popup": {
			usage: "popup <extension-id>",
			help:  "toggle an extension's action popup",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				if len(args) != 1 {
					return errUsage
				}
				s, err := sh.TogglePopup(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "popup %s (private=%t)\n", s.ID(), s.Private())
				return nil
			},
		},
		"help": {
			usage: "help",
			help:  "show this list",
			run: func(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
				printHelp(out)
				return nil
			},
		},
		"quit": {
			usage: "quit",
			help:  "shut the shell down",
			run: func(context.Context, *shell.Shell, io.Writer, []string) error {
				return errQuit
			},
		},
	}
	replCommands["exit"] = replCommands["quit"]
}

// runREPL reads one command per line until quit, end of input or ctx ends.
// A failing command is reported and the loop carries on.
func runREPL(ctx context.Context, sh *shell.Shell, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(out, "browsershell > ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("error reading from stdin: %w", err)
					}
				default:
				}
				return nil
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		c, ok := replCommands[fields[0]]
		if !ok {
			fmt.Fprintf(out, "unknown command %q, type help\n", fields[0])
			continue
		}
		err := c.run(ctx, sh, out, fields[1:])
		switch {
		case errors.Is(err, errQuit):
			return nil
		case errors.Is(err, errUsage):
			fmt.Fprintf(out, "usage: %s\n", c.usage)
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func replOpen(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
	placement := window.PlacementAuto
	private := false
	for _, a := range args {
		if a == "private" {
			private = true
			continue
		}
		p, err := window.ParsePlacement(a)
		if err != nil {
			return err
		}
		placement = p
	}
	id, err := sh.OpenWindow(ctx, placement, private)
	if err != nil {
		return err
	}
	w, err := sh.Windows().Window(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "window %s at %s, tab %s\n", w.ID, w.Placement, w.ActiveTab)
	return nil
}

func replTab(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	windowID := ""
	if len(args) == 2 {
		windowID = args[1]
	}
	s, err := sh.AddTab(ctx, windowID, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tab %s\n", s.ID())
	return nil
}

func replExt(ctx context.Context, sh *shell.Shell, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "install":
		if len(args) != 3 {
			return errUsage
		}
		ext, err := sh.InstallExtension(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "installed %s %s (%s)\n", ext.ID(), ext.Version(), ext.State())
		return nil
	case "list":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tVERSION\tSTATE\tBUILT-IN")
		for _, ext := range sh.Extensions().List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", ext.ID(), ext.Name(), ext.Version(), ext.State(), ext.BuiltIn())
		}
		return tw.Flush()
	default:
		return errUsage
	}
}

func printWindows(out io.Writer, sh *shell.Shell) {
	focused, _ := sh.Windows().FocusedWindow()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WINDOW\tPLACEMENT\tPRIVATE\tTAB\tURI")
	for _, w := range sh.Windows().Windows() {
		marker := ""
		if w.ID == focused.ID {
			marker = "*"
		}
		for i, tab := range w.Tabs {
			id, placement, private := "", "", ""
			if i == 0 {
				id, placement, private = marker+w.ID, w.Placement.String(), fmt.Sprint(w.Private)
			}
			uri := ""
			if s := sh.Registry().Lookup(tab); s != nil {
				uri = s.URI()
			}
			if tab == w.ActiveTab {
				tab = ">" + tab
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, placement, private, tab, uri)
		}
	}
	_ = tw.Flush()
}

func printHelp(out io.Writer) {
	names := make([]string, 0, len(replCommands))
	for name := range replCommands {
		if name != "exit" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		c := replCommands[name]
		fmt.Fprintf(tw, "%s\t%s\n", c.usage, c.help)
	}
	_ = tw.Flush()
}
