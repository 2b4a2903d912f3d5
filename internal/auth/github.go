// Package auth performs the GitHub OAuth code exchange for the browser
// client. The resulting bearer token is handed straight back to the client;
// the server keeps no copy outside the in-flight response.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

const stateTTL = 10 * time.Minute

// GitHubOAuth serves the login redirect and the callback exchange.
type GitHubOAuth struct {
	oauth       *oauth2.Config
	frontendURL string
	log         *zap.SugaredLogger

	mu     sync.Mutex
	states map[string]time.Time
}

func New(clientID, clientSecret, callbackURL, frontendURL string, log *zap.SugaredLogger) *GitHubOAuth {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &GitHubOAuth{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"repo"},
			Endpoint:     githuboauth.Endpoint,
		},
		frontendURL: frontendURL,
		log:         log,
		states:      map[string]time.Time{},
	}
}

// WithEndpoint points the exchange at a test server.
func (g *GitHubOAuth) WithEndpoint(authURL, tokenURL string) *GitHubOAuth {
	g.oauth.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
	return g
}

// Login redirects the browser to the GitHub authorization page with a
// single-use state value.
func (g *GitHubOAuth) Login(c echo.Context) error {
	state, err := g.newState()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not start login")
	}
	return c.Redirect(http.StatusFound, g.oauth.AuthCodeURL(state))
}

// Callback validates the state and exchanges the authorization code for the
// bearer token. The token travels to the frontend in the URL fragment so it
// never appears in server access logs.
func (g *GitHubOAuth) Callback(c echo.Context) error {
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if !g.consumeState(state) {
		g.log.Warnw("oauth callback with unknown state")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state")
	}
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code")
	}

	tok, err := g.oauth.Exchange(c.Request().Context(), code)
	if err != nil {
		g.log.Errorw("oauth code exchange failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "code exchange failed")
	}

	if g.frontendURL == "" {
		return c.JSON(http.StatusOK, map[string]string{"access_token": tok.AccessToken})
	}
	redirect := fmt.Sprintf("%s#token=%s", g.frontendURL, url.QueryEscape(tok.AccessToken))
	return c.Redirect(http.StatusFound, redirect)
}

func (g *GitHubOAuth) newState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	state := hex.EncodeToString(raw)
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for s, exp := range g.states {
		if now.After(exp) {
			delete(g.states, s)
		}
	}
	g.states[state] = now.Add(stateTTL)
	return state, nil
}

func (g *GitHubOAuth) consumeState(state string) bool {
	if state == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.states[state]
	if !ok {
		return false
	}
	delete(g.states, state)
	return time.Now().Before(exp)
}
