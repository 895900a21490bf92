package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
)

const (
	githubUserURL = "https://api.github.com/user"
	tokenTTL      = 30 * 24 * time.Hour
	stateTTL      = 10 * time.Minute
)

// githubUser is the subset of the GitHub profile the relay cares about.
type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// GitHubHandler runs the OAuth redirect dance and issues identity tokens.
// State values are single-use and expire after stateTTL so a leaked callback
// URL cannot be replayed.
type GitHubHandler struct {
	oauth    *oauth2.Config
	verifier *Verifier
	client   *http.Client

	mu     sync.Mutex
	states map[string]time.Time
}

// NewGitHubHandler wires the OAuth config for this deployment's GitHub app.
func NewGitHubHandler(clientID, clientSecret string, verifier *Verifier) *GitHubHandler {
	return &GitHubHandler{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{"read:user"},
			Endpoint:     github.Endpoint,
		},
		verifier: verifier,
		client:   &http.Client{Timeout: 10 * time.Second},
		states:   make(map[string]time.Time),
	}
}

// Login handles GET /auth/github: generate a state nonce and redirect the
// browser to GitHub's authorize page.
func (h *GitHubHandler) Login(c *gin.Context) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate state"})
		return
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	h.mu.Lock()
	h.states[state] = time.Now().Add(stateTTL)
	h.mu.Unlock()

	c.Redirect(http.StatusFound, h.oauth.AuthCodeURL(state))
}

// Callback handles GET /auth/github/callback: check the state, exchange the
// code, fetch the profile, and hand the signed identity token back to the
// editor via the plugin's custom URI scheme.
func (h *GitHubHandler) Callback(c *gin.Context) {
	ctx := c.Request.Context()

	if !h.consumeState(c.Query("state")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	oauthToken, err := h.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, h.client), code)
	if err != nil {
		logging.Error(ctx, "GitHub code exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed"})
		return
	}

	user, err := h.fetchUser(ctx, oauthToken.AccessToken)
	if err != nil {
		logging.Error(ctx, "GitHub profile fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "profile fetch failed"})
		return
	}

	displayName := user.Name
	if displayName == "" {
		displayName = user.Login
	}

	identity, err := h.verifier.Issue(fmt.Sprintf("github:%d", user.ID), user.Login, displayName, user.AvatarURL, tokenTTL)
	if err != nil {
		logging.Error(ctx, "Failed to issue identity token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	logging.Info(ctx, "Issued identity token", zap.String("username", user.Login))

	// The plugin registers obsidian:// on the desktop; hand the token over in
	// the fragment so it never reaches server logs or proxies.
	c.Redirect(http.StatusFound, "obsidian://live-share-auth#token="+identity)
}

// consumeState checks and removes a state nonce.
func (h *GitHubHandler) consumeState(state string) bool {
	if state == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	deadline, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Now().Before(deadline)
}

func (h *GitHubHandler) fetchUser(ctx context.Context, accessToken string) (*githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubUserURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("github user endpoint returned %d: %s", resp.StatusCode, body)
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode github user: %w", err)
	}
	return &user, nil
}
