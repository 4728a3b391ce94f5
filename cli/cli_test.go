package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api"
	"taskboard/domain"
	"taskboard/storage"
)

type harness struct {
	t       *testing.T
	apiURL  string
	session string
	store   *storage.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	users, err := storage.ParseUsers(nil)
	require.NoError(t, err)
	require.NoError(t, users.Add("alice", "secret"))
	logger, _ := test.NewNullLogger()

	store := storage.NewMemory()
	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	api.Register(e, store, users, api.NewAuth([]byte("cli"), nil, "", ""), logger, api.Options{})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &harness{
		t:       t,
		apiURL:  srv.URL + "/api",
		session: filepath.Join(t.TempDir(), "session.yaml"),
		store:   store,
	}
}

type result struct {
	out    string
	errOut string
	err    error
}

func (h *harness) run(stdin string, args ...string) result {
	h.t.Helper()
	cmd := NewRootCommand("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--api", h.apiURL, "--session", h.session, "--timeout", "5s", "--undo-window", "1m"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return result{out: out.String(), errOut: errOut.String(), err: err}
}

func (h *harness) login() {
	h.t.Helper()
	r := h.run("", "login", "-u", "alice", "-p", "secret")
	require.NoError(h.t, r.err)
	require.Contains(h.t, r.out, "Logged in as alice")
}

// ids returns the ids of column in board order, read from the server.
func (h *harness) ids(column domain.Column) []string {
	h.t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), "alice")
	require.NoError(h.t, err)
	domain.SortByOrder(tasks)
	var out []string
	for _, task := range tasks {
		if task.Column == column {
			out = append(out, task.ID)
		}
	}
	return out
}

func (h *harness) titles(column domain.Column) []string {
	h.t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), "alice")
	require.NoError(h.t, err)
	domain.SortByOrder(tasks)
	var out []string
	for _, task := range tasks {
		if task.Column == column {
			out = append(out, task.Title)
		}
	}
	return out
}

func TestCLI_RequiresLogin(t *testing.T) {
	h := newHarness(t)
	r := h.run("", "list")
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, errNotLoggedIn)
}

func TestCLI_LoginPromptsForPassword(t *testing.T) {
	h := newHarness(t)
	r := h.run("secret\n", "login", "-u", "alice")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "Password: ")
	assert.Contains(t, r.out, "Logged in as alice")

	session, err := LoadSession(h.session)
	require.NoError(t, err)
	assert.True(t, session.Authenticated)
	assert.Equal(t, h.apiURL, session.BaseURL)
	assert.NotEmpty(t, session.Cookies)
}

func TestCLI_LoginRejectsBadPassword(t *testing.T) {
	h := newHarness(t)
	r := h.run("", "login", "-u", "alice", "-p", "wrong")
	require.Error(t, r.err)

	session, err := LoadSession(h.session)
	require.NoError(t, err)
	assert.False(t, session.Authenticated)
}

func TestCLI_BoardWorkflow(t *testing.T) {
	h := newHarness(t)
	h.login()

	for _, title := range []string{"A", "B", "C"} {
		r := h.run("", "add", title, "--column", "todo")
		require.NoError(t, r.err)
	}
	r := h.run("", "add", "Ship it", "--due", "2026-11-01", "-d", "release")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, `Added "Ship it" to UNASSIGNED`)
	assert.Equal(t, []string{"A", "B", "C"}, h.titles(domain.ColumnToDo))

	r = h.run("", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "TO_DO (3)")
	assert.Contains(t, r.out, "due 2026-11-01")

	a := h.ids(domain.ColumnToDo)[0]
	r = h.run("", "move", a[:8], "in-progress")
	require.NoError(t, r.err)
	assert.Equal(t, []string{"B", "C"}, h.titles(domain.ColumnToDo))
	assert.Equal(t, []string{"A"}, h.titles(domain.ColumnInProgress))

	c := h.ids(domain.ColumnToDo)[1]
	r = h.run("", "reorder", c, "0")
	require.NoError(t, r.err)
	assert.Equal(t, []string{"C", "B"}, h.titles(domain.ColumnToDo))

	r = h.run("", "swap", c, "up")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "already at the edge")
	r = h.run("", "swap", c, "down")
	require.NoError(t, r.err)
	assert.Equal(t, []string{"B", "C"}, h.titles(domain.ColumnToDo))

	r = h.run("", "edit", a, "--title", "A2", "--done")
	require.NoError(t, r.err)
	r = h.run("", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "A2  [done]")
}

func TestCLI_EditClearsDueDate(t *testing.T) {
	h := newHarness(t)
	h.login()

	r := h.run("", "add", "Ship it", "--due", "2026-11-01")
	require.NoError(t, r.err)
	id := h.ids(domain.ColumnUnassigned)[0]

	r = h.run("", "edit", id, "--due", "2026-12-01", "--clear-due")
	require.Error(t, r.err, "setting and clearing together is rejected")

	r = h.run("", "edit", id, "--clear-due")
	require.NoError(t, r.err)
	task, err := h.store.GetTask(context.Background(), "alice", id)
	require.NoError(t, err)
	assert.Nil(t, task.DueDate)

	r = h.run("", "list")
	require.NoError(t, r.err)
	assert.NotContains(t, r.out, "due 2026")
}

func TestCLI_ArchiveUndo(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.NoError(t, h.run("", "add", "A", "-c", "TO_DO").err)
	require.NoError(t, h.run("", "add", "B", "-c", "TO_DO").err)
	a := h.ids(domain.ColumnToDo)[0]

	r := h.run("u\n", "archive", a)
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "Archived")
	assert.Contains(t, r.out, "Type u + Enter to undo")
	assert.Contains(t, r.out, "Restored")
	assert.Equal(t, []string{"A", "B"}, h.titles(domain.ColumnToDo))
	assert.Empty(t, h.ids(domain.ColumnArchived))
}

func TestCLI_ArchiveWithoutUndoThenRestore(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.NoError(t, h.run("", "add", "A", "-c", "DONE").err)
	a := h.ids(domain.ColumnDone)[0]

	r := h.run("", "archive", a, "--no-undo")
	require.NoError(t, r.err)
	assert.NotContains(t, r.out, "undo")
	assert.Equal(t, []string{a}, h.ids(domain.ColumnArchived))

	r = h.run("", "list", "--archived")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "ARCHIVED (1)")

	r = h.run("", "archive", a, "--no-undo")
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, domain.ErrArchived)

	r = h.run("", "restore", a, "--column", "todo")
	require.NoError(t, r.err)
	assert.Equal(t, []string{a}, h.ids(domain.ColumnToDo))
}

func TestCLI_ArchiveEndsWhenInputCloses(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.NoError(t, h.run("", "add", "A").err)
	a := h.ids(domain.ColumnUnassigned)[0]

	r := h.run("", "archive", a)
	require.NoError(t, r.err)
	assert.NotContains(t, r.out, "Restored")
	assert.Equal(t, []string{a}, h.ids(domain.ColumnArchived))
}

func TestCLI_DeleteConfirmation(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.NoError(t, h.run("", "add", "A").err)
	a := h.ids(domain.ColumnUnassigned)[0]

	r := h.run("n\n", "delete", a)
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "Cancelled")
	assert.Len(t, h.ids(domain.ColumnUnassigned), 1)

	r = h.run("y\n", "delete", a)
	require.NoError(t, r.err)
	assert.Empty(t, h.ids(domain.ColumnUnassigned))

	r = h.run("", "delete", a, "--yes")
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, domain.ErrTaskNotFound)
}

func TestCLI_ResequenceClosesGaps(t *testing.T) {
	h := newHarness(t)
	h.login()
	for _, title := range []string{"A", "B", "C"} {
		require.NoError(t, h.run("", "add", title, "-c", "todo").err)
	}
	require.NoError(t, h.run("", "archive", h.ids(domain.ColumnToDo)[1], "--no-undo").err)

	r := h.run("", "resequence", "todo")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "Resequenced TO_DO")

	tasks, err := h.store.ListTasks(context.Background(), "alice")
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Column == domain.ColumnToDo {
			assert.Less(t, task.ColumnOrder, 2, task.Title)
		}
	}

	r = h.run("", "resequence", "todo")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "already in order")
}

func TestCLI_LogoutEndsSession(t *testing.T) {
	h := newHarness(t)
	h.login()

	r := h.run("", "logout")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, "Logged out")
	assert.NotContains(t, r.errOut, "Session expired")

	session, err := LoadSession(h.session)
	require.NoError(t, err)
	assert.False(t, session.Authenticated)
	assert.Empty(t, session.ReturnTo)

	r = h.run("", "list")
	assert.ErrorIs(t, r.err, errNotLoggedIn)
}

func TestCLI_ExpiredSessionRemembersCommand(t *testing.T) {
	h := newHarness(t)
	h.login()

	session, err := LoadSession(h.session)
	require.NoError(t, err)
	for i := range session.Cookies {
		if session.Cookies[i].Name != "csrftoken" {
			session.Cookies[i].Value = "spoiled"
		}
	}
	require.NoError(t, session.Save(h.session))

	r := h.run("", "list")
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, domain.ErrAuthExpired)
	assert.Contains(t, r.errOut, `Session expired. Run "todo-board login"`)

	session, err = LoadSession(h.session)
	require.NoError(t, err)
	assert.False(t, session.Authenticated)
	assert.Equal(t, "todo-board list", session.ReturnTo)

	r = h.run("", "login", "-u", "alice", "-p", "secret")
	require.NoError(t, r.err)
	assert.Contains(t, r.out, `You were running "todo-board list"`)
	session, err = LoadSession(h.session)
	require.NoError(t, err)
	assert.Empty(t, session.ReturnTo)
}

func TestCLI_SessionIsPerServer(t *testing.T) {
	h := newHarness(t)
	h.login()

	other := newHarness(t)
	other.session = h.session
	r := other.run("", "list")
	assert.ErrorIs(t, r.err, errNotLoggedIn)
}

func TestCLI_AmbiguousPrefix(t *testing.T) {
	h := newHarness(t)
	h.login()
	require.NoError(t, h.run("", "add", "A").err)
	require.NoError(t, h.run("", "add", "B").err)

	r := h.run("", "edit", "", "--title", "X")
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, errAmbiguousID)

	r = h.run("", "edit", "nope", "--title", "X")
	assert.ErrorIs(t, r.err, domain.ErrTaskNotFound)
}

func TestParseColumn(t *testing.T) {
	cases := map[string]domain.Column{
		"todo":        domain.ColumnToDo,
		"to-do":       domain.ColumnToDo,
		"In Progress": domain.ColumnInProgress,
		"DONE":        domain.ColumnDone,
		"unassigned":  domain.ColumnUnassigned,
	}
	for in, want := range cases {
		got, err := parseColumn(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseColumn("later")
	assert.ErrorIs(t, err, domain.ErrInvalidColumn)
}

func TestParseDue(t *testing.T) {
	got, err := parseDue("2026-03-04")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Day())

	got, err = parseDue("2026-03-04T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 10, got.UTC().Hour())

	_, err = parseDue("tomorrow")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSessionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	s, err := LoadSession(path)
	require.NoError(t, err)
	assert.False(t, s.Authenticated)

	s.BaseURL = "http://example.test/api"
	s.Authenticated = true
	s.Cookies = []SessionCookie{{Name: "access_token", Value: "abc"}}
	require.NoError(t, s.Save(path))

	loaded, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
