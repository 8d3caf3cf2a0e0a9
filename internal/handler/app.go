// Package handler implements the HTTP API: request decoding, session
// checks, and the translation between wire shapes and the core
// services. Handlers are constructed with a reference to the App and
// stay thin; anything that touches more than one service lives on the
// App itself.
package handler

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"answerdesk/internal/auth"
	"answerdesk/internal/captcha"
	"answerdesk/internal/chat"
	"answerdesk/internal/config"
	"answerdesk/internal/corpus"
	"answerdesk/internal/embedding"
	"answerdesk/internal/index"
	"answerdesk/internal/llm"
	"answerdesk/internal/pending"
	"answerdesk/internal/query"
)

// App is the API facade that binds the backend services together.
type App struct {
	db            *sql.DB
	configManager *config.ConfigManager
	store         *corpus.Store
	index         *index.Service
	engine        *query.Engine
	chat          *chat.Manager
	pending       *pending.Manager
	sessions      *auth.SessionManager
	oauthClient   *auth.OAuthClient
	loginLimiter  *auth.LoginLimiter
	captcha       *captcha.Store

	llmMu sync.RWMutex
	llm   llm.Service
}

// NewApp creates an App with all service dependencies injected. The
// login limiter and captcha store are created here; nothing else needs
// them.
func NewApp(
	database *sql.DB,
	cm *config.ConfigManager,
	store *corpus.Store,
	idx *index.Service,
	engine *query.Engine,
	chatMgr *chat.Manager,
	pendingMgr *pending.Manager,
	sm *auth.SessionManager,
	oc *auth.OAuthClient,
	ls llm.Service,
) *App {
	return &App{
		db:            database,
		configManager: cm,
		store:         store,
		index:         idx,
		engine:        engine,
		chat:          chatMgr,
		pending:       pendingMgr,
		sessions:      sm,
		oauthClient:   oc,
		loginLimiter:  auth.NewLoginLimiter(database),
		captcha:       captcha.NewStore(),
		llm:           ls,
	}
}

// SessionManager exposes the session manager for wiring and tests.
func (a *App) SessionManager() *auth.SessionManager {
	return a.sessions
}

// llmRef returns the current LLM client. The handle is swapped when an
// admin updates the LLM configuration.
func (a *App) llmRef() llm.Service {
	a.llmMu.RLock()
	defer a.llmMu.RUnlock()
	return a.llm
}

// newID returns a random 32-character lowercase hex identifier.
func newID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// --- Admin accounts ---

// AdminLoginResponse is returned by setup and login.
type AdminLoginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsAdminConfigured reports whether any admin account exists.
func (a *App) IsAdminConfigured() bool {
	var n int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM admin_users").Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// AdminSetup creates the first admin account and signs it in. It
// refuses to run once any admin account exists.
func (a *App) AdminSetup(username, password string) (*AdminLoginResponse, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 64 {
		return nil, fmt.Errorf("invalid username")
	}
	if msg := ValidatePassword(password); msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	if a.IsAdminConfigured() {
		return nil, fmt.Errorf("admin account already configured")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate ID: %w", err)
	}
	_, err = a.db.Exec(
		"INSERT INTO admin_users (id, username, password_hash, role) VALUES (?, ?, ?, ?)",
		id, username, hash, "super_admin",
	)
	if err != nil {
		return nil, fmt.Errorf("create admin account: %w", err)
	}

	session, err := a.sessions.CreateSession(id)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &AdminLoginResponse{
		Token:     session.ID,
		Username:  username,
		Role:      "super_admin",
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// AdminLogin authenticates an admin. Failures are recorded with the
// login limiter; lockouts surface as errors before the password is
// ever checked.
func (a *App) AdminLogin(username, password, ip string) (*AdminLoginResponse, error) {
	if err := a.loginLimiter.CheckAllowed(username, ip); err != nil {
		return nil, err
	}

	var id, hash, role string
	err := a.db.QueryRow(
		"SELECT id, password_hash, role FROM admin_users WHERE username = ?", username,
	).Scan(&id, &hash, &role)
	if err != nil {
		a.loginLimiter.RecordAttempt(username, ip, false)
		return nil, fmt.Errorf("invalid username or password")
	}
	if err := auth.VerifyAdminPassword(password, hash); err != nil {
		a.loginLimiter.RecordAttempt(username, ip, false)
		return nil, fmt.Errorf("invalid username or password")
	}
	a.loginLimiter.RecordAttempt(username, ip, true)

	session, err := a.sessions.CreateSession(id)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &AdminLoginResponse{
		Token:     session.ID,
		Username:  username,
		Role:      role,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// PruneLoginAttempts drops login attempt records past the retention
// window. Called from the hourly maintenance loop.
func (a *App) PruneLoginAttempts() {
	a.loginLimiter.CleanOld()
}

// IsAdminSession reports whether the user ID belongs to an admin account.
func (a *App) IsAdminSession(userID string) bool {
	var n int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM admin_users WHERE id = ?", userID).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// GetAdminRole returns the admin's role, or "" for non-admin users.
func (a *App) GetAdminRole(userID string) string {
	var role string
	if err := a.db.QueryRow("SELECT role FROM admin_users WHERE id = ?", userID).Scan(&role); err != nil {
		return ""
	}
	return role
}

// --- OAuth sign-in ---

// OAuthUserInfo is the signed-in user as returned to the frontend.
type OAuthUserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// OAuthCallbackResponse is returned after a successful code exchange.
type OAuthCallbackResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	User      OAuthUserInfo `json:"user"`
}

// GetOAuthURL returns the provider's authorization URL.
func (a *App) GetOAuthURL(provider string) (string, error) {
	return a.oauthClient.GetAuthURL(provider)
}

// OAuthProviders lists the provider names sign-in is configured for.
func (a *App) OAuthProviders() []string {
	return a.oauthClient.Providers()
}

// CompleteOAuth exchanges the authorization code, upserts the user
// record, and opens a session. OAuth users are chat-only; admin rights
// come solely from the admin_users table.
func (a *App) CompleteOAuth(ctx context.Context, provider, code string) (*OAuthCallbackResponse, error) {
	user, err := a.oauthClient.HandleCallback(ctx, provider, code)
	if err != nil {
		return nil, err
	}

	userID, err := a.upsertOAuthUser(user)
	if err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}
	session, err := a.sessions.CreateSession(userID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &OAuthCallbackResponse{
		Token:     session.ID,
		ExpiresAt: session.ExpiresAt,
		User: OAuthUserInfo{
			ID:       userID,
			Email:    user.Email,
			Name:     user.Name,
			Provider: user.Provider,
		},
	}, nil
}

// upsertOAuthUser finds or creates the user row keyed by (provider,
// provider user ID) and stamps the login time.
func (a *App) upsertOAuthUser(u *auth.OAuthUser) (string, error) {
	var id string
	err := a.db.QueryRow(
		"SELECT id FROM users WHERE provider = ? AND provider_id = ?", u.Provider, u.ID,
	).Scan(&id)
	switch {
	case err == nil:
		_, err = a.db.Exec(
			"UPDATE users SET email = ?, name = ?, last_login = CURRENT_TIMESTAMP WHERE id = ?",
			u.Email, u.Name, id,
		)
		return id, err
	case err == sql.ErrNoRows:
		id, err = newID()
		if err != nil {
			return "", err
		}
		_, err = a.db.Exec(
			"INSERT INTO users (id, email, name, provider, provider_id, last_login) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)",
			id, u.Email, u.Name, u.Provider, u.ID,
		)
		return id, err
	default:
		return "", err
	}
}

// --- Configuration ---

// GetConfig returns the configuration with secrets masked.
func (a *App) GetConfig() *config.MaskedConfig {
	return a.configManager.Masked()
}

// UpdateConfig applies dotted-key updates, persists them, and rebuilds
// the services whose settings changed so updates take effect without a
// restart.
func (a *App) UpdateConfig(updates map[string]interface{}) error {
	if err := a.configManager.Update(updates); err != nil {
		return err
	}
	a.rebuildServices(updates)
	return nil
}

func (a *App) rebuildServices(updates map[string]interface{}) {
	needLLM, needEmbedding, needRetrieval := false, false, false
	for key := range updates {
		switch {
		case strings.HasPrefix(key, "llm."):
			needLLM = true
		case strings.HasPrefix(key, "embedding."):
			needEmbedding = true
		case strings.HasPrefix(key, "index."):
			needRetrieval = true
		}
	}

	cfg := a.configManager.Get()
	if needLLM {
		ls := llm.NewAPIService(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.ModelName, cfg.LLM.Temperature, cfg.LLM.MaxTokens)
		a.llmMu.Lock()
		a.llm = ls
		a.llmMu.Unlock()
		a.pending.UpdateLLM(ls)
	}
	if needLLM || needRetrieval {
		a.engine.UpdateServices(a.llmRef(), cfg.Index.DefaultK, cfg.Index.MinSimilarity)
	}
	if needEmbedding {
		es := embedding.NewAPIService(cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelName, cfg.Embedding.Dimensions)
		a.index.SetEmbedder(embedding.NewCachedService(es, 0, 0))
	}
}

// --- System status ---

// SystemStatus is the operational snapshot for the admin dashboard.
type SystemStatus struct {
	Index            index.Status `json:"index"`
	PendingQuestions int          `json:"pending_questions"`
}

// Status assembles the system status.
func (a *App) Status() (*SystemStatus, error) {
	open, err := a.pending.List(pending.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending questions: %w", err)
	}
	return &SystemStatus{
		Index:            a.index.Status(),
		PendingQuestions: len(open),
	}, nil
}

// RefreshIndex runs one reconciliation pass.
func (a *App) RefreshIndex(ctx context.Context) error {
	return a.index.Refresh(ctx)
}
