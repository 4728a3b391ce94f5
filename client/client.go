// Package client talks to the todo API. Every call goes through a Pipeline
// that refreshes expired credentials once per wave of 401 responses and
// replays the affected requests.
package client

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	// HTTPClient must have a cookie jar; one is created when nil.
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *log.Logger
	// Authenticated seeds the session flag, e.g. from a stored session.
	Authenticated bool
}

// Client bundles the pieces that share one cookie jar and credential state.
type Client struct {
	State    *CredentialState
	Auth     *AuthService
	Pipeline *Pipeline
	Todos    *TodoAPI
}

// New wires an auth service, pipeline and todo API for baseURL.
func New(baseURL string, nav Navigator, opts Options) (*Client, error) {
	hc := opts.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{Jar: jar, Timeout: opts.Timeout}
	}
	state := NewCredentialState(opts.Authenticated)

	auth, err := NewAuthService(baseURL, hc, state, nav, opts.Logger)
	if err != nil {
		return nil, err
	}
	pipe, err := NewPipeline(baseURL, hc, state, auth, auth, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		State:    state,
		Auth:     auth,
		Pipeline: pipe,
		Todos:    NewTodoAPI(pipe),
	}, nil
}
