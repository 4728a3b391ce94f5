package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/storage"
)

const testSecret = "test-secret"

type testServer struct {
	e     *echo.Echo
	store *storage.Memory
	auth  *Auth
	hook  *test.Hook
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	users, err := storage.ParseUsers(nil)
	if err != nil {
		t.Fatalf("parse users: %v", err)
	}
	if err := users.Add("alice", "secret"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	logger, hook := test.NewNullLogger()
	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	s := &testServer{
		e:     e,
		store: storage.NewMemory(),
		auth:  NewAuth([]byte(testSecret), nil, "", ""),
		hook:  hook,
	}
	Register(e, s.store, users, s.auth, logger, opts)
	return s
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

// bearerRequest builds a request authenticated with a fresh access token for
// userID.
func (s *testServer) bearerRequest(t *testing.T, userID, method, path, body string) *http.Request {
	t.Helper()
	pair, err := s.auth.Issue(userID)
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}
	req := jsonRequest(method, path, body)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+pair.Access)
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func withCSRF(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
	req.Header.Set(CSRFHeader, token)
	return req
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	return body.Detail
}
