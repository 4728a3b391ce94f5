package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/board"
	"taskboard/client"
	"taskboard/domain"
)

var (
	errNotLoggedIn = errors.New("not logged in")
	errAmbiguousID = errors.New("ambiguous task id")
)

// settings are the persistent flags shared by every command.
type settings struct {
	sessionPath string
	baseURL     string
	undoWindow  time.Duration
	timeout     time.Duration
	debug       bool
}

// app is the per-invocation wiring: session, client and engine.
type app struct {
	cmd      *cobra.Command
	out      io.Writer
	settings *settings
	session  *Session
	base     *url.URL
	jar      *cookiejar.Jar
	client   *client.Client
	logger   *log.Logger
	clock    board.Clock
	popups   *board.PopupStack
	events   board.ChanNotifier
	engine   *board.Engine
	nav      *terminalNavigator
}

func openApp(cmd *cobra.Command, s *settings) (*app, error) {
	session, err := LoadSession(s.sessionPath)
	if err != nil {
		return nil, err
	}
	if session.BaseURL != s.baseURL {
		// Cookies belong to the server they came from.
		session.Cookies = nil
		session.Authenticated = false
	}
	session.BaseURL = s.baseURL

	base, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	session.restore(jar, base)

	logger := log.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(log.WarnLevel)
	if s.debug {
		logger.SetLevel(log.DebugLevel)
	}

	a := &app{
		cmd:      cmd,
		out:      cmd.OutOrStdout(),
		settings: s,
		session:  session,
		base:     base,
		jar:      jar,
		logger:   logger,
		clock:    board.SystemClock{},
		events:   make(board.ChanNotifier, 32),
	}
	a.nav = &terminalNavigator{path: cmd.CommandPath(), errOut: cmd.ErrOrStderr(), root: cmd.Root().Name()}
	a.client, err = client.New(s.baseURL, a.nav, client.Options{
		HTTPClient:    &http.Client{Jar: jar, Timeout: s.timeout},
		Logger:        logger,
		Authenticated: session.Authenticated,
	})
	if err != nil {
		return nil, err
	}
	a.popups = board.NewPopupStack(a.clock, board.DefaultPopupTTL)
	a.engine = board.NewEngine(a.client.Todos, board.Options{
		UndoWindow: s.undoWindow,
		Clock:      a.clock,
		Notifier:   board.Notifiers{a.popups, a.events},
		Logger:     logger,
	})
	return a, nil
}

// close stops the engine and persists the session.
func (a *app) close() error {
	a.engine.Close()
	a.session.Authenticated = a.client.Auth.IsAuthenticated()
	if returnTo, ok := a.nav.expired(); ok {
		a.session.ReturnTo = returnTo
	}
	a.session.capture(a.jar, a.base)
	return a.session.Save(a.settings.sessionPath)
}

// load fetches the board for commands that need it.
func (a *app) load(ctx context.Context) error {
	if !a.client.Auth.IsAuthenticated() {
		return fmt.Errorf("%w: run \"%s login\" first", errNotLoggedIn, a.cmd.Root().Name())
	}
	return a.engine.Load(ctx)
}

// settle waits for a mutation and returns its outcome.
func (a *app) settle(ctx context.Context, m *board.Mutation, err error) error {
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.settings.timeout+time.Second)
	defer cancel()
	return m.Wait(ctx)
}

// resolveID accepts a full id or a unique prefix of one.
func (a *app) resolveID(arg string) (string, error) {
	if _, ok := a.engine.Get(arg); ok {
		return arg, nil
	}
	v := a.engine.View()
	var match string
	for _, c := range append(domain.BoardColumns(), domain.ColumnArchived) {
		for _, t := range v.Column(c) {
			if !strings.HasPrefix(t.ID, arg) {
				continue
			}
			if match != "" {
				return "", fmt.Errorf("%w: %s", errAmbiguousID, arg)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", &domain.ValidationError{Field: "id", Reason: "no task " + arg, Err: domain.ErrTaskNotFound}
	}
	return match, nil
}

// terminalNavigator reports an ended session on stderr and remembers the
// command to return to after the next login.
type terminalNavigator struct {
	path   string
	errOut io.Writer
	root   string

	mu       sync.Mutex
	returnTo string
	redirect bool
	quiet    bool
}

func (n *terminalNavigator) CurrentPath() string { return n.path }

func (n *terminalNavigator) RedirectToLogin(returnTo string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.redirect {
		return
	}
	if n.quiet {
		return
	}
	n.redirect = true
	n.returnTo = returnTo
	fmt.Fprintf(n.errOut, "Session expired. Run \"%s login\" to sign in again.\n", n.root)
}

// silence suppresses the expiry message for a logout the user asked for.
func (n *terminalNavigator) silence() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quiet = true
}

func (n *terminalNavigator) expired() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.returnTo, n.redirect
}

// parseColumn accepts column names in any case, with dashes or spaces, and
// "todo" for TO_DO.
func parseColumn(s string) (domain.Column, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(s)))
	if norm == "TODO" {
		norm = string(domain.ColumnToDo)
	}
	return domain.ParseColumn(norm)
}

// parseDue accepts RFC 3339 timestamps or plain dates.
func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "due", Reason: "expected YYYY-MM-DD or RFC 3339", Err: err}
	}
	return t, nil
}
