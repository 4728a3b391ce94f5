package cli

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Session is the persisted login state of the terminal client.
type Session struct {
	BaseURL       string          `yaml:"base_url"`
	Authenticated bool            `yaml:"authenticated"`
	Cookies       []SessionCookie `yaml:"cookies,omitempty"`
	// ReturnTo is the command that was running when the session expired.
	ReturnTo string `yaml:"return_to,omitempty"`
}

// SessionCookie is one cookie of the API's cookie jar.
type SessionCookie struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadSession reads the session file. A missing file yields an empty session.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the session file readable only by the current user.
func (s *Session) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// restore loads the stored cookies into jar for the API at u.
func (s *Session) restore(jar http.CookieJar, u *url.URL) {
	if len(s.Cookies) == 0 {
		return
	}
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	jar.SetCookies(u, cookies)
}

// capture replaces the stored cookies with the jar's current ones for u.
func (s *Session) capture(jar http.CookieJar, u *url.URL) {
	s.Cookies = s.Cookies[:0]
	for _, c := range jar.Cookies(u) {
		s.Cookies = append(s.Cookies, SessionCookie{Name: c.Name, Value: c.Value})
	}
}
