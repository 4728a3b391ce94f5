package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
)

// ErrRefreshFailed is returned when the server rejects the refresh token.
var ErrRefreshFailed = errors.New("token refresh failed")

// Navigator is the presentation side of a logout: it knows the current
// location and how to reach the login surface.
type Navigator interface {
	CurrentPath() string
	RedirectToLogin(returnTo string)
}

// AuthService owns login, refresh and logout against the auth endpoints. Its
// requests bypass the pipeline so a 401 here never triggers a refresh.
type AuthService struct {
	base   *url.URL
	http   *http.Client
	state  *CredentialState
	nav    Navigator
	logger *log.Logger
}

// NewAuthService creates an auth service sharing hc's cookie jar.
func NewAuthService(baseURL string, hc *http.Client, state *CredentialState, nav Navigator, logger *log.Logger) (*AuthService, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if state == nil {
		state = NewCredentialState(false)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &AuthService{base: base, http: hc, state: state, nav: nav, logger: logger}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// InitCSRF fetches the anti-forgery cookie.
func (a *AuthService) InitCSRF(ctx context.Context) error {
	return a.call(ctx, http.MethodGet, "/auth/csrf/", nil)
}

// Login exchanges username and password for session cookies.
func (a *AuthService) Login(ctx context.Context, username, password string) error {
	payload, err := encodeBody(loginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}
	if err := a.call(ctx, http.MethodPost, "/auth/login/", payload); err != nil {
		a.state.SetAuthenticated(false)
		return err
	}
	a.state.SetAuthenticated(true)
	a.logger.WithField("user", username).Info("logged in")
	return nil
}

// Refresh renews the access cookie using the refresh cookie.
func (a *AuthService) Refresh(ctx context.Context) error {
	if err := a.call(ctx, http.MethodPost, "/auth/refresh/", []byte("{}")); err != nil {
		a.state.SetAuthenticated(false)
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	a.state.SetAuthenticated(true)
	return nil
}

// Logout clears the local session, tells the server to drop its cookies and
// sends the user to the login surface with the current path as return target.
func (a *AuthService) Logout(ctx context.Context) {
	a.state.SetAuthenticated(false)
	if err := a.call(ctx, http.MethodPost, "/auth/logout/", nil); err != nil {
		a.logger.WithError(err).Debug("server logout failed")
	}
	if a.nav == nil {
		return
	}
	returnTo := a.nav.CurrentPath()
	a.logger.WithField("return_to", returnTo).Info("session ended, redirecting to login")
	a.nav.RedirectToLogin(returnTo)
}

// IsAuthenticated reports the local session flag.
func (a *AuthService) IsAuthenticated() bool { return a.state.Authenticated() }

func (a *AuthService) call(ctx context.Context, method, path string, payload []byte) error {
	req, err := newRequest(ctx, a.http, a.base, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	return readResponse(resp, nil)
}
