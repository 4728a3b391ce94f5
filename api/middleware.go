package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	userIDKey  = "user_id"
	metricsKey = "request_metrics"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return detail(c, http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.Reader != nil {
		err = g.Reader.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RequireUser authenticates the request from the access cookie or a bearer
// token. Cookie-authenticated unsafe requests must also pass the CSRF check.
func RequireUser(auth *Auth) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m := metricsFrom(c)
			token, fromCookie, err := accessToken(c.Request())
			if err != nil {
				m.SetErrorStage("auth")
				return detail(c, http.StatusUnauthorized, err.Error())
			}
			userID, err := auth.UserIDFromAccess(token)
			if err != nil {
				m.SetErrorStage("auth")
				return detail(c, http.StatusUnauthorized, "token is invalid or expired")
			}
			if fromCookie && !safeMethod(c.Request().Method) && !csrfValid(c.Request()) {
				m.SetErrorStage("csrf")
				return detail(c, http.StatusForbidden, errCSRF.Error())
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

// Observe wraps each request in a span and logs an observability event when
// it completes.
func Observe(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, m)
			defer func() {
				status := c.Response().Status
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
				m.Log(status, err)
			}()
			return next(c)
		}
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}
