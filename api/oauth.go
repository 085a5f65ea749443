package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"tarefas/domain"
)

// GoogleJWKSURL publishes the keys Google signs ID tokens with.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const (
	stateCookie   = "tarefas.oauth-state"
	stateTTL      = 10 * time.Minute
	callbackPath  = "/api/auth/callback/google"
	googleIssuer  = "https://accounts.google.com"
	googleIssuer2 = "accounts.google.com"
)

var errInvalidIDToken = errors.New("invalid id token")

// GoogleSignIn runs the OAuth authorization code flow against Google and
// turns a verified ID token into a session.
type GoogleSignIn struct {
	config   *oauth2.Config
	keyfunc  jwt.Keyfunc
	parser   *jwt.Parser
	sessions *Sessions
	logger   *log.Logger
	exchange func(ctx context.Context, code string) (*oauth2.Token, error)
}

// NewGoogleSignIn creates the sign-in flow. keys resolves Google's signing
// keys, usually keyfunc's JWKS.Keyfunc.
func NewGoogleSignIn(clientID, clientSecret, publicURL string, keys jwt.Keyfunc, sessions *Sessions, logger *log.Logger) *GoogleSignIn {
	if logger == nil {
		logger = log.StandardLogger()
	}
	g := &GoogleSignIn{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  publicURL + callbackPath,
			Scopes:       []string{"openid", "email", "profile"},
		},
		keyfunc:  keys,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		sessions: sessions,
		logger:   logger,
	}
	g.exchange = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return g.config.Exchange(ctx, code)
	}
	return g
}

func (g *GoogleSignIn) signIn(c echo.Context) error {
	state, err := randomState()
	if err != nil {
		return err
	}
	c.SetCookie(&http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/api/auth",
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   g.sessions.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusFound, g.config.AuthCodeURL(state))
}

func (g *GoogleSignIn) callback(c echo.Context) error {
	if reason := c.QueryParam("error"); reason != "" {
		g.logger.WithField("reason", reason).Info("google sign-in cancelled")
		return c.Redirect(http.StatusFound, "/")
	}
	ck, err := c.Cookie(stateCookie)
	state := c.QueryParam("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(ck.Value), []byte(state)) != 1 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid state"})
	}
	c.SetCookie(&http.Cookie{Name: stateCookie, Path: "/api/auth", MaxAge: -1})

	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing code"})
	}
	tok, err := g.exchange(c.Request().Context(), code)
	if err != nil {
		g.logger.WithError(err).Error("google code exchange failed")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "sign-in failed"})
	}
	raw, _ := tok.Extra("id_token").(string)
	subject, identity, err := g.verifyIDToken(raw)
	if err != nil {
		g.logger.WithError(err).Warn("rejected google id token")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "sign-in failed"})
	}

	session, expires, err := g.sessions.Issue(subject, identity)
	if err != nil {
		return err
	}
	g.sessions.SetCookie(c, session, expires)
	g.logger.WithField("user", identity.Email).Info("signed in")
	return c.Redirect(http.StatusFound, "/dashboard")
}

func (g *GoogleSignIn) verifyIDToken(raw string) (string, domain.Identity, error) {
	if raw == "" {
		return "", domain.Identity{}, fmt.Errorf("%w: missing", errInvalidIDToken)
	}
	parsed, err := g.parser.Parse(raw, g.keyfunc)
	if err != nil {
		return "", domain.Identity{}, fmt.Errorf("%w: %v", errInvalidIDToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", domain.Identity{}, fmt.Errorf("%w: invalid claims", errInvalidIDToken)
	}
	if !claims.VerifyAudience(g.config.ClientID, true) {
		return "", domain.Identity{}, fmt.Errorf("%w: invalid audience", errInvalidIDToken)
	}
	if !claims.VerifyIssuer(googleIssuer, true) && !claims.VerifyIssuer(googleIssuer2, true) {
		return "", domain.Identity{}, fmt.Errorf("%w: invalid issuer", errInvalidIDToken)
	}
	if !emailVerified(claims["email_verified"]) {
		return "", domain.Identity{}, fmt.Errorf("%w: email not verified", errInvalidIDToken)
	}
	email, _ := claims["email"].(string)
	sub, _ := claims["sub"].(string)
	if email == "" || sub == "" {
		return "", domain.Identity{}, fmt.Errorf("%w: missing email", errInvalidIDToken)
	}
	return sub, domain.Identity{Email: email}, nil
}

func emailVerified(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return false
}

func signOut(sessions *Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions.ClearCookie(c)
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		return c.Redirect(http.StatusSeeOther, "/")
	}
}

const stateBytes = 32

func randomState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
