package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"

	"tarefas/domain"
)

// SessionCookie carries the signed session token.
const SessionCookie = "tarefas.session-token"

const (
	sessionLeeway = time.Minute
	identityKey   = "identity"
)

// ErrNoSession signals that the request carries no usable session.
var ErrNoSession = errors.New("no session")

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	secure bool
	parser *jwt.Parser
	now    func() time.Time
}

// NewSessions creates a session verifier. Cookies are marked Secure when
// secure is set.
func NewSessions(secret []byte, ttl time.Duration, secure bool) *Sessions {
	if len(secret) == 0 {
		panic("api.NewSessions: empty secret")
	}
	return &Sessions{
		secret: secret,
		ttl:    ttl,
		secure: secure,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
		now:    time.Now,
	}
}

// Issue signs a session token for identity.
func (s *Sessions) Issue(subject string, identity domain.Identity) (string, time.Time, error) {
	if identity.Email == "" {
		return "", time.Time{}, errors.New("identity without email")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub":   subject,
		"email": identity.Email,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Resolve returns the identity behind the request's session. Missing,
// expired or invalid tokens yield ErrNoSession.
func (s *Sessions) Resolve(r *http.Request) (domain.Identity, error) {
	token, err := sessionToken(r)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return s.identityFromToken(token)
}

func (s *Sessions) identityFromToken(token string) (domain.Identity, error) {
	parsed, err := s.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: invalid claims", ErrNoSession)
	}

	now := s.now()
	if !claims.VerifyExpiresAt(now.Add(-sessionLeeway).Unix(), true) {
		return domain.Identity{}, fmt.Errorf("%w: token expired", ErrNoSession)
	}
	if !claims.VerifyNotBefore(now.Add(sessionLeeway).Unix(), false) {
		return domain.Identity{}, fmt.Errorf("%w: token not valid yet", ErrNoSession)
	}
	if !claims.VerifyIssuedAt(now.Add(sessionLeeway).Unix(), false) {
		return domain.Identity{}, fmt.Errorf("%w: token used before issued", ErrNoSession)
	}

	email, _ := claims["email"].(string)
	if email == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing email", ErrNoSession)
	}
	return domain.Identity{Email: email}, nil
}

// SetCookie stores token in the session cookie.
func (s *Sessions) SetCookie(c echo.Context, token string, expires time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie removes the session cookie.
func (s *Sessions) ClearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// RequireSession gates page routes. Requests without a session are sent to
// the landing page with a temporary, uncached redirect.
func RequireSession(sessions SessionResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := sessions.Resolve(c.Request())
			if errors.Is(err, ErrNoSession) {
				c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
				return c.Redirect(http.StatusFound, "/")
			}
			if err != nil {
				return err
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// requireAPISession gates API routes, answering 401 when there is no session.
func requireAPISession(sessions SessionResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := sessions.Resolve(c.Request())
			if errors.Is(err, ErrNoSession) {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			}
			if err != nil {
				return err
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

func identityFrom(c echo.Context) domain.Identity {
	identity, _ := c.Get(identityKey).(domain.Identity)
	return identity
}

type errorResponse struct {
	Error string `json:"error"`
}
