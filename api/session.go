package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// CSRFHeader carries the double-submitted CSRF token.
const CSRFHeader = "X-CSRFToken"

const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"
	csrfCookieName    = "csrftoken"

	csrfCookieMaxAge = 365 * 24 * time.Hour
	authBodyMaxSize  = 4 << 10
)

var errCSRF = errors.New("CSRF token missing or incorrect")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type csrfResponse struct {
	CSRFToken string `json:"csrftoken"`
}

// csrfValid implements the double-submit check: the header must repeat the
// csrftoken cookie.
func csrfValid(req *http.Request) bool {
	c, err := req.Cookie(csrfCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	header := req.Header.Get(CSRFHeader)
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(header)) == 1
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// CSRFMiddleware rejects unsafe requests whose X-CSRFToken header does not
// match the csrftoken cookie.
func CSRFMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !safeMethod(c.Request().Method) && !csrfValid(c.Request()) {
				return detail(c, http.StatusForbidden, errCSRF.Error())
			}
			return next(c)
		}
	}
}

type sessionCookies struct {
	secure bool
}

func (s sessionCookies) set(c echo.Context, pair TokenPair) {
	c.SetCookie(&http.Cookie{
		Name:     accessCookieName,
		Value:    pair.Access,
		Path:     "/",
		Expires:  pair.accessExpires,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.SetCookie(&http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.Refresh,
		Path:     "/",
		Expires:  pair.refreshExpires,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s sessionCookies) clear(c echo.Context) {
	for _, name := range []string{accessCookieName, refreshCookieName} {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   s.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func getCSRF(cookies sessionCookies) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := ""
		if existing, err := c.Cookie(csrfCookieName); err == nil {
			token = existing.Value
		}
		if token == "" {
			token = uuid.NewString()
		}
		c.SetCookie(&http.Cookie{
			Name:     csrfCookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   int(csrfCookieMaxAge / time.Second),
			Secure:   cookies.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return c.JSON(http.StatusOK, csrfResponse{CSRFToken: token})
	}
}

func login(users UserStore, auth *Auth, cookies sessionCookies, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body loginRequest
		if err := decodeStrict(c.Request().Body, authBodyMaxSize, &body); err != nil {
			return detail(c, http.StatusBadRequest, "invalid body")
		}
		userID, err := users.Verify(body.Username, body.Password)
		if err != nil {
			logger.WithField("user", body.Username).Info("login rejected")
			return detail(c, http.StatusUnauthorized, err.Error())
		}
		pair, err := auth.Issue(userID)
		if err != nil {
			c.Logger().Error(err)
			return detail(c, http.StatusInternalServerError, "failed to issue tokens")
		}
		cookies.set(c, pair)
		return c.JSON(http.StatusOK, pair)
	}
}

func refresh(auth *Auth, cookies sessionCookies) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := ""
		if rc, err := c.Cookie(refreshCookieName); err == nil {
			token = rc.Value
		}
		if token == "" {
			var body refreshRequest
			data, err := io.ReadAll(io.LimitReader(c.Request().Body, authBodyMaxSize))
			if err == nil && len(data) > 0 && sonic.Unmarshal(data, &body) == nil {
				token = body.Refresh
			}
		}
		if token == "" {
			return detail(c, http.StatusUnauthorized, "refresh token not provided")
		}
		userID, err := auth.UserIDFromRefresh(token)
		if err != nil {
			cookies.clear(c)
			return detail(c, http.StatusUnauthorized, "token is invalid or expired")
		}
		pair, err := auth.Issue(userID)
		if err != nil {
			c.Logger().Error(err)
			return detail(c, http.StatusInternalServerError, "failed to issue tokens")
		}
		cookies.set(c, pair)
		return c.JSON(http.StatusOK, pair)
	}
}

func logout(cookies sessionCookies) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookies.clear(c)
		return c.NoContent(http.StatusNoContent)
	}
}
