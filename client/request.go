package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	csrfCookieName = "csrftoken"
	csrfHeaderName = "X-CSRFToken"

	idempotencyHeaderName = "Idempotency-Key"

	maxResponseSize = 4 << 20 // 4 MiB
)

// endpoint joins the API base with a request path.
func endpoint(base *url.URL, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base.String(), "/") + path
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	return sonic.Marshal(body)
}

// newRequest builds a JSON request carrying the anti-forgery token stored in
// the cookie jar, if any.
func newRequest(ctx context.Context, hc *http.Client, base *url.URL, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint(base, path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tok := csrfToken(hc.Jar, base); tok != "" {
		req.Header.Set(csrfHeaderName, tok)
	}
	return req, nil
}

func csrfToken(jar http.CookieJar, base *url.URL) string {
	if jar == nil {
		return ""
	}
	for _, c := range jar.Cookies(base) {
		if c.Name == csrfCookieName {
			return c.Value
		}
	}
	return ""
}

// readResponse decodes a 2xx body into out, or turns any other status into an
// HttpError. The body is always closed.
func readResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.HttpError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if len(data) == 0 || sonic.Unmarshal(data, &body) != nil {
		return ""
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Detail != "":
		return body.Detail
	default:
		return body.Error
	}
}
