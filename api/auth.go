package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute

	// DefaultAccessTTL and DefaultRefreshTTL are the lifetimes of issued tokens.
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	errWrongTokenType = errors.New("wrong token type")
	errMissingSubject = errors.New("missing sub")
)

// Auth issues and validates session tokens. Local tokens are HS256 signed
// with Secret; when JWKS is set, RS256 access tokens from that key set are
// accepted as well.
type Auth struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string

	hsParser    *jwt.Parser
	rsParser    *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// TokenPair is the body returned by login and refresh.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`

	accessExpires  time.Time
	refreshExpires time.Time
}

// NewAuth creates an Auth signing with secret. jwks may be nil.
func NewAuth(secret []byte, jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	if len(secret) == 0 {
		panic("api.NewAuth: signing secret is empty")
	}
	return &Auth{
		Secret:      secret,
		AccessTTL:   DefaultAccessTTL,
		RefreshTTL:  DefaultRefreshTTL,
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		hsParser:    jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		rsParser:    jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: defaultJWKSCacheTTL,
		now:         time.Now,
	}
}

// Issue signs a new access/refresh pair for userID.
func (a *Auth) Issue(userID string) (TokenPair, error) {
	access, accessExp, err := a.sign(userID, tokenTypeAccess, a.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := a.sign(userID, tokenTypeRefresh, a.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh, accessExpires: accessExp, refreshExpires: refreshExp}, nil
}

func (a *Auth) sign(userID, typ string, ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": userID,
		"typ": typ,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	if a.Issuer != "" {
		claims["iss"] = a.Issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	return signed, exp, err
}

// UserIDFromAccess validates an access token and returns its subject.
func (a *Auth) UserIDFromAccess(token string) (string, error) {
	sub, err := a.verifyLocal(token, tokenTypeAccess)
	if err == nil || a.JWKS == nil {
		return sub, err
	}
	if sub, rsErr := a.verifyExternal(token); rsErr == nil {
		return sub, nil
	}
	return "", err
}

// UserIDFromRefresh validates a refresh token and returns its subject.
func (a *Auth) UserIDFromRefresh(token string) (string, error) {
	return a.verifyLocal(token, tokenTypeRefresh)
}

func (a *Auth) verifyLocal(token, typ string) (string, error) {
	parsed, err := a.hsParser.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.Secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, err := a.checkClaims(parsed)
	if err != nil {
		return "", err
	}
	if got, _ := claims["typ"].(string); got != typ {
		return "", errWrongTokenType
	}
	return subject(claims)
}

func (a *Auth) verifyExternal(token string) (string, error) {
	parsed, err := a.rsParser.Parse(token, a.keyForToken)
	if err != nil {
		return "", err
	}
	claims, err := a.checkClaims(parsed)
	if err != nil {
		return "", err
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	return subject(claims)
}

func (a *Auth) checkClaims(parsed *jwt.Token) (jwt.MapClaims, error) {
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("token expired")
	}
	leeway := a.now().Add(time.Minute).Unix()
	if !claims.VerifyNotBefore(leeway, false) {
		return nil, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(leeway, false) {
		return nil, errors.New("token used before issued")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

func subject(claims jwt.MapClaims) (string, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errMissingSubject
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
