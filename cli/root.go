// Package cli provides the todo-board command-line client.
package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"taskboard/board"
	"taskboard/config"
)

const (
	defaultBaseURL     = "http://localhost:8080/api"
	defaultHTTPTimeout = 15 * time.Second
)

// NewRootCommand creates the root command for todo-board.
func NewRootCommand(version string) *cobra.Command {
	s := &settings{}

	root := &cobra.Command{
		Use:   "todo-board",
		Short: "Kanban todo board in the terminal",
		Long: `todo-board manages your tasks on the todo API.

Changes are applied locally first and rolled back if the server rejects them.
Archived tasks can be restored from the archive prompt until the undo window
closes.`,
		Version: version,
		// SilenceUsage prevents usage from being printed on errors
		SilenceUsage: true,
		// SilenceErrors prevents Cobra from printing errors (we handle it in main)
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&s.sessionPath, "session", config.String("TODO_SESSION_FILE", defaultSessionPath()), "Session file")
	pf.StringVar(&s.baseURL, "api", config.String("TODO_API_BASE_URL", defaultBaseURL), "API base URL")
	pf.DurationVar(&s.undoWindow, "undo-window", config.Duration("TODO_UNDO_WINDOW", board.DefaultUndoWindow), "How long an archive can be undone")
	pf.DurationVar(&s.timeout, "timeout", config.Duration("TODO_HTTP_TIMEOUT", defaultHTTPTimeout), "HTTP request timeout")
	pf.BoolVar(&s.debug, "debug", config.Bool("DEBUG", false), "Verbose logging")

	root.AddCommand(
		newLoginCommand(s),
		newLogoutCommand(s),
		newListCommand(s),
		newAddCommand(s),
		newEditCommand(s),
		newMoveCommand(s),
		newReorderCommand(s),
		newSwapCommand(s),
		newArchiveCommand(s),
		newRestoreCommand(s),
		newDeleteCommand(s),
		newResequenceCommand(s),
	)
	return root
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "todo-board", "session.yaml")
}

// withApp opens the app around run and always saves the session afterwards.
func withApp(s *settings, run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, s)
		if err != nil {
			return err
		}
		runErr := run(cmd.Context(), a, args)
		return errors.Join(runErr, a.close())
	}
}

// withBoard is withApp for commands that need the loaded board.
func withBoard(s *settings, run func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return withApp(s, func(ctx context.Context, a *app, args []string) error {
		if err := a.load(ctx); err != nil {
			return err
		}
		return run(ctx, a, args)
	})
}
