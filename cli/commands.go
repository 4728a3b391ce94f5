package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskboard/board"
	"taskboard/config"
	"taskboard/domain"
)

const shortIDLen = 8

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newLoginCommand(s *settings) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the todo API",
		Args:  cobra.NoArgs,
		RunE: withApp(s, func(ctx context.Context, a *app, _ []string) error {
			if username == "" {
				return &domain.ValidationError{Field: "username", Reason: "username is required"}
			}
			if password == "" {
				fmt.Fprint(a.out, "Password: ")
				line, err := readLine(a.cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = line
			}
			if err := a.client.Auth.InitCSRF(ctx); err != nil {
				return err
			}
			if err := a.client.Auth.Login(ctx, username, password); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Logged in as %s\n", username)
			if a.session.ReturnTo != "" {
				fmt.Fprintf(a.out, "You were running %q when the session expired.\n", a.session.ReturnTo)
				a.session.ReturnTo = ""
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&username, "username", "u", config.String("TODO_USERNAME", ""), "Username")
	cmd.Flags().StringVarP(&password, "password", "p", config.String("TODO_PASSWORD", ""), "Password (read from stdin when empty)")
	return cmd
}

func newLogoutCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Args:  cobra.NoArgs,
		RunE: withApp(s, func(ctx context.Context, a *app, _ []string) error {
			a.nav.silence()
			a.client.Auth.Logout(ctx)
			a.session.ReturnTo = ""
			fmt.Fprintln(a.out, "Logged out")
			return nil
		}),
	}
}

func newListCommand(s *settings) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the board",
		Args:    cobra.NoArgs,
		RunE: withBoard(s, func(_ context.Context, a *app, _ []string) error {
			v := a.engine.View()
			columns := domain.BoardColumns()
			if archived {
				columns = append(columns, domain.ColumnArchived)
			}
			for i, c := range columns {
				if i > 0 {
					fmt.Fprintln(a.out)
				}
				tasks := v.Column(c)
				fmt.Fprintf(a.out, "%s (%d)\n", c, len(tasks))
				for _, t := range tasks {
					printTask(a.out, t)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived tasks")
	return cmd
}

func printTask(w io.Writer, t domain.Task) {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s  %s", shortID(t.ID), t.Title)
	if t.DueDate != nil {
		fmt.Fprintf(&b, "  due %s", t.DueDate.Local().Format(time.DateOnly))
	}
	if t.IsCompleted {
		b.WriteString("  [done]")
	}
	fmt.Fprintln(w, b.String())
}

func newAddCommand(s *settings) *cobra.Command {
	var column, description, due string
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			c, err := parseColumn(column)
			if err != nil {
				return err
			}
			in := domain.TaskInput{Title: strings.Join(args, " "), Description: description, Column: c}
			if due != "" {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				in.DueDate = &d
			}
			m, err := a.engine.Create(ctx, in)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added %q to %s\n", in.Title, c)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&column, "column", "c", string(domain.ColumnUnassigned), "Column")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Description")
	cmd.Flags().StringVar(&due, "due", "", "Due date (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func newEditCommand(s *settings) *cobra.Command {
	var title, description, due string
	var done, clearDue bool
	cmd := &cobra.Command{
		Use:   "edit ID",
		Short: "Change a task's fields",
		Args:  cobra.ExactArgs(1),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			var patch domain.TaskPatch
			flags := a.cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("due") {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				patch.DueDate = &d
			}
			if clearDue {
				patch.ClearDueDate = true
			}
			if flags.Changed("done") {
				patch.IsCompleted = &done
			}
			if patch.Empty() {
				return &domain.ValidationError{Field: "edit", Reason: "nothing to change"}
			}
			m, err := a.engine.Update(ctx, id, patch)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Updated %s\n", shortID(id))
			return nil
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&due, "due", "", "New due date")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "Remove the due date")
	cmd.Flags().BoolVar(&done, "done", false, "Mark completed (--done=false to reopen)")
	cmd.MarkFlagsMutuallyExclusive("due", "clear-due")
	return cmd
}

func newMoveCommand(s *settings) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move ID COLUMN",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			c, err := parseColumn(args[1])
			if err != nil {
				return err
			}
			at := index
			if !a.cmd.Flags().Changed("index") {
				at = len(a.engine.View().Column(c))
			}
			m, err := a.engine.MoveToColumn(ctx, id, c, at)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Moved %s to %s\n", shortID(id), c)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&index, "index", "i", 0, "Position in the target column (default: last)")
	return cmd
}

func newReorderCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder ID INDEX",
		Short: "Move a task to a position within its column",
		Args:  cobra.ExactArgs(2),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return &domain.ValidationError{Field: "index", Reason: "not a number", Err: domain.ErrInvalidIndex}
			}
			m, err := a.engine.ReorderWithinColumn(ctx, id, index)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Moved %s to position %d\n", shortID(id), index)
			return nil
		}),
	}
}

func newSwapCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:       "swap ID up|down",
		Short:     "Swap a task with its neighbour",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"up", "down"},
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			var dir board.Direction
			switch strings.ToLower(args[1]) {
			case "up":
				dir = board.Up
			case "down":
				dir = board.Down
			default:
				return &domain.ValidationError{Field: "direction", Reason: "expected up or down"}
			}
			m, err := a.engine.SwapAdjacent(ctx, id, dir)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			if m.Noop() {
				fmt.Fprintf(a.out, "%s is already at the edge\n", shortID(id))
				return nil
			}
			fmt.Fprintf(a.out, "Swapped %s %s\n", shortID(id), strings.ToLower(args[1]))
			return nil
		}),
	}
}

func newArchiveCommand(s *settings) *cobra.Command {
	var noUndo bool
	cmd := &cobra.Command{
		Use:   "archive ID",
		Short: "Archive a task, with a short window to undo",
		Args:  cobra.ExactArgs(1),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			m, err := a.engine.Archive(ctx, id)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Archived %s\n", shortID(id))
			if noUndo {
				return nil
			}
			return a.undoPrompt(ctx, id)
		}),
	}
	cmd.Flags().BoolVar(&noUndo, "no-undo", false, "Return immediately instead of offering undo")
	return cmd
}

// undoPrompt keeps the archive undoable while its window is open. Typing "u"
// undoes it; the prompt ends when the window closes or stdin does.
func (a *app) undoPrompt(ctx context.Context, id string) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-done:
				return
			}
		}
	}()

	prompt := func() bool {
		left, ok := a.popups.Remaining(id)
		if !ok {
			return false
		}
		fmt.Fprintf(a.out, "Type u + Enter to undo (%ds left)\n", int(left.Round(time.Second)/time.Second))
		return true
	}
	if !prompt() {
		return nil
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !prompt() {
				return nil
			}
		case n := <-a.events:
			if n.TaskID != id {
				continue
			}
			if n.Kind == board.KindUndoExpired || n.Kind == board.KindUndoClosed {
				fmt.Fprintln(a.out, "Undo window closed")
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !strings.EqualFold(line, "u") {
				continue
			}
			m, err := a.engine.Undo(ctx, id)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			if m.Noop() {
				fmt.Fprintln(a.out, "Undo window already closed")
				return nil
			}
			fmt.Fprintf(a.out, "Restored %s\n", shortID(id))
			return nil
		}
	}
}

func newRestoreCommand(s *settings) *cobra.Command {
	var column string
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Bring an archived task back to the board",
		Args:  cobra.ExactArgs(1),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			c, err := parseColumn(column)
			if err != nil {
				return err
			}
			m, err := a.engine.Restore(ctx, id, c)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Restored %s to %s\n", shortID(id), c)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&column, "column", "c", string(domain.ColumnUnassigned), "Column to restore into")
	return cmd
}

func newDeleteCommand(s *settings) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a task permanently",
		Args:  cobra.ExactArgs(1),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			id, err := a.resolveID(args[0])
			if err != nil {
				return err
			}
			t, _ := a.engine.Get(id)
			if !yes {
				fmt.Fprintf(a.out, "Delete %q? [y/N] ", t.Title)
				answer, _ := readLine(a.cmd.InOrStdin())
				if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
					fmt.Fprintln(a.out, "Cancelled")
					return nil
				}
			}
			m, err := a.engine.Delete(ctx, id)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s\n", shortID(id))
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newResequenceCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "resequence COLUMN",
		Short: "Renumber a column's tasks from zero",
		Args:  cobra.ExactArgs(1),
		RunE: withBoard(s, func(ctx context.Context, a *app, args []string) error {
			c, err := parseColumn(args[0])
			if err != nil {
				return err
			}
			m, err := a.engine.Resequence(ctx, c)
			if err := a.settle(ctx, m, err); err != nil {
				return err
			}
			if m.Noop() {
				fmt.Fprintf(a.out, "%s is already in order\n", c)
				return nil
			}
			fmt.Fprintf(a.out, "Resequenced %s\n", c)
			return nil
		}),
	}
}
