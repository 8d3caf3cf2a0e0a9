// Package auth provides OAuth sign-in, session management, and admin login
// rate limiting. Google and GitHub are supported as OAuth providers.
package auth

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"answerdesk/internal/config"

	"golang.org/x/oauth2"
)

// Supported provider names.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// A state token must survive one login round trip and no longer.
const (
	stateTTL        = 10 * time.Minute
	statePruneEvery = 5 * time.Minute
	stateHardCap    = 10000
	stateKeepOnCap  = 5000
)

// Provider-specific userinfo endpoints.
var providerUserInfoURLs = map[string]string{
	ProviderGoogle: "https://www.googleapis.com/oauth2/v2/userinfo",
	ProviderGitHub: "https://api.github.com/user",
}

// OAuthUser represents a user authenticated via OAuth.
type OAuthUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// stateJar holds issued OAuth state tokens until they are consumed or
// expire. Tokens are single use.
type stateJar struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

func newStateJar() *stateJar {
	return &stateJar{pending: make(map[string]time.Time)}
}

// issue mints a random state token valid for stateTTL. When the jar
// exceeds stateHardCap entries it is shrunk back to stateKeepOnCap
// before the new token is stored.
func (j *stateJar) issue() (string, error) {
	var b [16]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	state := hex.EncodeToString(b[:])

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) > stateHardCap {
		for k := range j.pending {
			delete(j.pending, k)
			if len(j.pending) <= stateKeepOnCap {
				break
			}
		}
	}
	j.pending[state] = time.Now().Add(stateTTL)
	return state, nil
}

// consume removes state from the jar and reports whether it was
// present and unexpired.
func (j *stateJar) consume(state string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	expiry, ok := j.pending[state]
	if !ok {
		return false
	}
	delete(j.pending, state)
	return time.Now().Before(expiry)
}

// prune drops expired tokens.
func (j *stateJar) prune() {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	for state, expiry := range j.pending {
		if now.After(expiry) {
			delete(j.pending, state)
		}
	}
}

// OAuthClient manages OAuth2 flows for multiple providers.
type OAuthClient struct {
	providers map[string]*oauth2.Config
	// httpClient overrides the userinfo transport when non-nil.
	// Left nil outside of tests.
	httpClient *http.Client
	states     *stateJar
}

// NewOAuthClient creates an OAuthClient from the given provider
// configurations and starts the background state cleanup.
func NewOAuthClient(providers map[string]config.OAuthProviderConfig) *OAuthClient {
	oc := &OAuthClient{
		providers: make(map[string]*oauth2.Config, len(providers)),
		states:    newStateJar(),
	}
	for name, p := range providers {
		oc.providers[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
	}
	go oc.pruneLoop()
	return oc
}

func (oc *OAuthClient) pruneLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[OAuth] panic in state cleanup goroutine: %v", r)
		}
	}()
	ticker := time.NewTicker(statePruneEvery)
	defer ticker.Stop()
	for range ticker.C {
		oc.states.prune()
	}
}

// Providers returns the configured provider names, sorted.
func (oc *OAuthClient) Providers() []string {
	names := make([]string, 0, len(oc.providers))
	for name := range oc.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAuthURL returns the OAuth2 authorization URL for the given
// provider. The embedded state parameter is random and is recorded for
// validation during the callback.
func (oc *OAuthClient) GetAuthURL(provider string) (string, error) {
	cfg, ok := oc.providers[provider]
	if !ok {
		return "", fmt.Errorf("unsupported OAuth provider: %s", provider)
	}
	state, err := oc.states.issue()
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// ValidateState reports whether state was issued by this client and is
// still valid. A state validates at most once.
func (oc *OAuthClient) ValidateState(state string) bool {
	return oc.states.consume(state)
}

// HandleCallback exchanges the authorization code for a token and
// fetches the user's profile.
func (oc *OAuthClient) HandleCallback(ctx context.Context, provider, code string) (*OAuthUser, error) {
	cfg, ok := oc.providers[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported OAuth provider: %s", provider)
	}
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("OAuth token exchange failed for %s: %w", provider, err)
	}
	return oc.fetchUserInfo(ctx, provider, token)
}

// fetchUserInfo retrieves the user profile from the provider's
// userinfo endpoint. Responses are capped at 1MB.
func (oc *OAuthClient) fetchUserInfo(ctx context.Context, provider string, token *oauth2.Token) (*OAuthUser, error) {
	endpoint, ok := providerUserInfoURLs[provider]
	if !ok {
		return nil, fmt.Errorf("no userinfo URL configured for provider: %s", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := oc.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo from %s: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response from %s: %w", provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request to %s returned status %d: %s", provider, resp.StatusCode, body)
	}
	return parseUserInfo(provider, body)
}

// parseUserInfo maps a provider's userinfo JSON onto an OAuthUser.
func parseUserInfo(provider string, body []byte) (*OAuthUser, error) {
	switch provider {
	case ProviderGoogle, ProviderGitHub:
	default:
		return nil, fmt.Errorf("unsupported provider for userinfo parsing: %s", provider)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse userinfo JSON from %s: %w", provider, err)
	}

	user := &OAuthUser{
		ID:       stringVal(raw, "id"),
		Email:    stringVal(raw, "email"),
		Name:     stringVal(raw, "name"),
		Provider: provider,
	}
	// GitHub profiles may carry a null display name.
	if provider == ProviderGitHub && user.Name == "" {
		user.Name = stringVal(raw, "login")
	}
	if user.ID == "" {
		return nil, fmt.Errorf("userinfo from %s is missing a user id", provider)
	}
	return user, nil
}

// stringVal extracts m[key] as a string. Integral numbers are
// formatted without a decimal point (GitHub's user id is a JSON
// number); nil and missing values yield "".
func stringVal(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (oc *OAuthClient) client() *http.Client {
	if oc.httpClient != nil {
		return oc.httpClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}
