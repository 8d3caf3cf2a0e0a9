// Package config provides configuration management with encrypted secret
// storage. It supports loading, saving, and runtime updates of the single
// JSON configuration file.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// encryptionKeyEnvVar is the environment variable name for the AES encryption key.
const encryptionKeyEnvVar = "ANSWERDESK_ENCRYPTION_KEY"

// embeddingKeyEnvVar overrides the stored embedding API key, so deployments
// can keep the bearer token out of the config file entirely.
const embeddingKeyEnvVar = "ANSWERDESK_EMBEDDING_API_KEY"

// encryptedPrefix marks a value as AES-encrypted in the config file.
const encryptedPrefix = "enc:"

// keyFileName is the encryption key file kept beside the config file.
const keyFileName = "encryption.key"

// oauthKeyPrefix introduces the dynamic per-provider update keys,
// "oauth.providers.<name>.<field>".
const oauthKeyPrefix = "oauth.providers."

// Config holds all system configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Index     IndexConfig     `json:"index"`
	Chat      ChatConfig      `json:"chat"`
	OAuth     OAuthConfig     `json:"oauth"`
	Admin     AdminConfig     `json:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    int    `json:"port"`
	SSLCert string `json:"ssl_cert"`
	SSLKey  string `json:"ssl_key"`
}

// LLMConfig holds chat-completion service configuration.
type LLMConfig struct {
	Endpoint    string  `json:"endpoint"`
	APIKey      string  `json:"api_key"`
	ModelName   string  `json:"model_name"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"api_key"`
	ModelName  string `json:"model_name"`
	Dimensions int    `json:"dimensions"`
}

// IndexConfig holds corpus, vector cache, and retrieval configuration.
type IndexConfig struct {
	CorpusPath       string  `json:"corpus_path"`
	CachePath        string  `json:"cache_path"`
	LedgerPath       string  `json:"ledger_path"`
	CorpusDigestPath string  `json:"corpus_digest_path"`
	ChunkSize        int     `json:"chunk_size"`
	ChunkOverlap     int     `json:"chunk_overlap"`
	DefaultK         int     `json:"default_k"`
	MaxK             int     `json:"max_k"`
	MinSimilarity    float64 `json:"min_similarity"`
	WatchCorpus      bool    `json:"watch_corpus"`
}

// ChatConfig holds chat session configuration.
type ChatConfig struct {
	HistoryPairs    int `json:"history_pairs"`
	SessionTTLHours int `json:"session_ttl_hours"`
}

// OAuthProviderConfig is the stored sign-in setup for one provider.
type OAuthProviderConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// OAuthConfig collects every configured sign-in provider.
type OAuthConfig struct {
	Providers map[string]OAuthProviderConfig `json:"providers"`
}

// AdminConfig holds admin authentication configuration.
type AdminConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// MaskedConfig mirrors Config with secrets replaced by "***" for the admin API.
type MaskedConfig struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Index     IndexConfig     `json:"index"`
	Chat      ChatConfig      `json:"chat"`
	OAuth     OAuthConfig     `json:"oauth"`
	Admin     AdminConfig     `json:"admin"`
}

// clone returns a deep copy. The OAuth provider map and the scope slices are
// duplicated so callers can mutate the result without racing the original.
func (c *Config) clone() *Config {
	out := *c
	if c.OAuth.Providers != nil {
		out.OAuth.Providers = make(map[string]OAuthProviderConfig, len(c.OAuth.Providers))
		for name, p := range c.OAuth.Providers {
			if p.Scopes != nil {
				scopes := make([]string, len(p.Scopes))
				copy(scopes, p.Scopes)
				p.Scopes = scopes
			}
			out.OAuth.Providers[name] = p
		}
	}
	return &out
}

// ConfigManager manages loading, saving, and updating configuration.
type ConfigManager struct {
	path   string
	config *Config
	mu     sync.RWMutex
	aesKey []byte // 32 bytes, AES-256
}

// NewConfigManager creates a new ConfigManager for the given config file path.
// The AES encryption key is read from the ANSWERDESK_ENCRYPTION_KEY environment
// variable; failing that, from an encryption.key file next to the config file,
// generating and persisting a random key on first run.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	key, err := getOrCreateEncryptionKey(filepath.Dir(configPath))
	if err != nil {
		return nil, fmt.Errorf("encryption key error: %w", err)
	}
	return &ConfigManager{path: configPath, aesKey: key}, nil
}

// NewConfigManagerWithKey builds a ConfigManager around a caller-supplied
// encryption key. Tests use it to avoid the key file.
func NewConfigManagerWithKey(configPath string, key []byte) (*ConfigManager, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return &ConfigManager{path: configPath, aesKey: key}, nil
}

// DefaultConfig is the configuration a fresh install starts from.
// Endpoints default to the OpenAI API; any OpenAI-compatible server works.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		LLM: LLMConfig{
			Endpoint:    "https://api.openai.com/v1",
			ModelName:   "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   2048,
		},
		Embedding: EmbeddingConfig{
			Endpoint:   "https://api.openai.com/v1",
			ModelName:  "text-embedding-3-small",
			Dimensions: 1536,
		},
		Index: IndexConfig{
			CorpusPath:       "./data/corpus.json",
			CachePath:        "./data/vector_cache.json",
			LedgerPath:       "./data/indices_hash.json",
			CorpusDigestPath: "./data/corpus_hash.json",
			ChunkSize:        1000,
			ChunkOverlap:     100,
			DefaultK:         10,
			MaxK:             50,
			MinSimilarity:    0.30,
			WatchCorpus:      true,
		},
		Chat: ChatConfig{
			HistoryPairs:    6,
			SessionTTLHours: 24,
		},
		OAuth: OAuthConfig{
			Providers: make(map[string]OAuthProviderConfig),
		},
	}
}

// Load reads the config file from disk and decrypts stored secrets.
// If the file does not exist, it initializes with default values and saves.
// Keys absent from the file keep their defaults, so a hand-written partial
// config stays valid.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.path)
	if os.IsNotExist(err) {
		cm.config = DefaultConfig()
		return cm.flushLocked()
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Unmarshal over a default config: absent keys keep their defaults,
	// while an explicit false or zero in the file wins.
	cfg := *DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := cm.decryptSecrets(&cfg); err != nil {
		return err
	}
	fillDefaults(&cfg)
	cm.config = &cfg
	return nil
}

// decryptSecrets opens every stored secret in place.
func (cm *ConfigManager) decryptSecrets(cfg *Config) error {
	var err error
	if cfg.LLM.APIKey, err = cm.decryptIfNeeded(cfg.LLM.APIKey); err != nil {
		return fmt.Errorf("decrypt LLM API key: %w", err)
	}
	if cfg.Embedding.APIKey, err = cm.decryptIfNeeded(cfg.Embedding.APIKey); err != nil {
		return fmt.Errorf("decrypt embedding API key: %w", err)
	}
	for name, p := range cfg.OAuth.Providers {
		if p.ClientSecret, err = cm.decryptIfNeeded(p.ClientSecret); err != nil {
			return fmt.Errorf("decrypt OAuth %s client secret: %w", name, err)
		}
		cfg.OAuth.Providers[name] = p
	}
	return nil
}

// Save persists the configuration with secrets sealed.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.flushLocked()
}

// flushLocked serializes the config to disk. The caller holds cm.mu in at
// least read mode.
func (cm *ConfigManager) flushLocked() error {
	if cm.config == nil {
		return errors.New("no config loaded")
	}

	out := cm.config.clone()
	out.LLM.APIKey = cm.encryptIfNeeded(out.LLM.APIKey)
	out.Embedding.APIKey = cm.encryptIfNeeded(out.Embedding.APIKey)
	for name, p := range out.OAuth.Providers {
		p.ClientSecret = cm.encryptIfNeeded(p.ClientSecret)
		out.OAuth.Providers[name] = p
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := writeFileAtomic(cm.path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration. If the
// ANSWERDESK_EMBEDDING_API_KEY environment variable is set it overrides the
// stored embedding API key.
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.config == nil {
		return nil
	}
	c := cm.config.clone()
	if envKey := os.Getenv(embeddingKeyEnvVar); envKey != "" {
		c.Embedding.APIKey = envKey
	}
	return c
}

// Masked returns the current configuration with secrets replaced by "***",
// suitable for the admin configuration API.
func (cm *ConfigManager) Masked() *MaskedConfig {
	cfg := cm.Get()
	if cfg == nil {
		return nil
	}

	masked := &MaskedConfig{
		Server:    cfg.Server,
		LLM:       cfg.LLM,
		Embedding: cfg.Embedding,
		Index:     cfg.Index,
		Chat:      cfg.Chat,
		Admin:     cfg.Admin,
	}
	masked.LLM.APIKey = maskSecret(cfg.LLM.APIKey)
	masked.Embedding.APIKey = maskSecret(cfg.Embedding.APIKey)
	masked.Admin.PasswordHash = maskSecret(cfg.Admin.PasswordHash)

	masked.OAuth.Providers = make(map[string]OAuthProviderConfig, len(cfg.OAuth.Providers))
	for name, p := range cfg.OAuth.Providers {
		p.ClientSecret = maskSecret(p.ClientSecret)
		masked.OAuth.Providers[name] = p
	}
	return masked
}

// maskSecret replaces a non-empty secret with "***".
func maskSecret(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "***"
}

// Update applies partial updates to the configuration and saves to disk.
// Keys are dotted paths like "llm.endpoint", "index.chunk_size",
// "admin.password", or "oauth.providers.google.client_id".
func (cm *ConfigManager) Update(updates map[string]interface{}) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.config == nil {
		cm.config = DefaultConfig()
	}

	for name, val := range updates {
		var err error
		if strings.HasPrefix(name, oauthKeyPrefix) {
			err = cm.applyOAuthUpdate(name, val)
		} else if set, ok := updaters[name]; ok {
			err = set(cm.config, val)
		} else {
			err = fmt.Errorf("unknown config key: %s", name)
		}
		if err != nil {
			return fmt.Errorf("update key %q: %w", name, err)
		}
	}

	return cm.flushLocked()
}

// updateFn assigns one update value into the config, validating as it goes.
type updateFn func(*Config, interface{}) error

// updaters maps each static dotted key to its assignment logic. OAuth
// provider keys carry the provider name and are resolved dynamically
// in applyOAuthUpdate instead.
var updaters = map[string]updateFn{
	"server.port": setInt(func(c *Config) *int { return &c.Server.Port }, func(n int) error {
		if n < 1 || n > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		return nil
	}),
	"server.ssl_cert": setStr(func(c *Config) *string { return &c.Server.SSLCert }),
	"server.ssl_key":  setStr(func(c *Config) *string { return &c.Server.SSLKey }),

	"llm.endpoint":    setStr(func(c *Config) *string { return &c.LLM.Endpoint }),
	"llm.api_key":     setStr(func(c *Config) *string { return &c.LLM.APIKey }),
	"llm.model_name":  setStr(func(c *Config) *string { return &c.LLM.ModelName }),
	"llm.temperature": setFloat(func(c *Config) *float64 { return &c.LLM.Temperature }, nil),
	"llm.max_tokens":  setInt(func(c *Config) *int { return &c.LLM.MaxTokens }, nil),

	"embedding.endpoint":   setStr(func(c *Config) *string { return &c.Embedding.Endpoint }),
	"embedding.api_key":    setStr(func(c *Config) *string { return &c.Embedding.APIKey }),
	"embedding.model_name": setStr(func(c *Config) *string { return &c.Embedding.ModelName }),
	"embedding.dimensions": setInt(func(c *Config) *int { return &c.Embedding.Dimensions }, func(n int) error {
		if n < 1 {
			return errors.New("dimensions must be positive")
		}
		return nil
	}),

	"index.corpus_path":        setStr(func(c *Config) *string { return &c.Index.CorpusPath }),
	"index.cache_path":         setStr(func(c *Config) *string { return &c.Index.CachePath }),
	"index.ledger_path":        setStr(func(c *Config) *string { return &c.Index.LedgerPath }),
	"index.corpus_digest_path": setStr(func(c *Config) *string { return &c.Index.CorpusDigestPath }),
	"index.chunk_size": setInt(func(c *Config) *int { return &c.Index.ChunkSize }, func(n int) error {
		if n < 1 {
			return errors.New("chunk_size must be positive")
		}
		return nil
	}),
	"index.chunk_overlap": setInt(func(c *Config) *int { return &c.Index.ChunkOverlap }, nil),
	"index.default_k":     setInt(func(c *Config) *int { return &c.Index.DefaultK }, nil),
	"index.max_k":         setInt(func(c *Config) *int { return &c.Index.MaxK }, nil),
	"index.min_similarity": setFloat(func(c *Config) *float64 { return &c.Index.MinSimilarity }, func(f float64) error {
		if f < 0 || f > 1 {
			return errors.New("min_similarity must be between 0 and 1")
		}
		return nil
	}),
	"index.watch_corpus": setBool(func(c *Config) *bool { return &c.Index.WatchCorpus }),

	"chat.history_pairs":     setInt(func(c *Config) *int { return &c.Chat.HistoryPairs }, nil),
	"chat.session_ttl_hours": setInt(func(c *Config) *int { return &c.Chat.SessionTTLHours }, nil),

	"admin.username":      setStr(func(c *Config) *string { return &c.Admin.Username }),
	"admin.password_hash": setStr(func(c *Config) *string { return &c.Admin.PasswordHash }),

	// Plaintext passwords are hashed on the way in; only the hash is stored.
	"admin.password": func(c *Config, val interface{}) error {
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		c.Admin.PasswordHash = string(h)
		return nil
	},
}

func setStr(field func(*Config) *string) updateFn {
	return func(c *Config, val interface{}) error {
		s, ok := val.(string)
		if !ok {
			return errors.New("expected string")
		}
		*field(c) = s
		return nil
	}
}

func setBool(field func(*Config) *bool) updateFn {
	return func(c *Config, val interface{}) error {
		b, ok := val.(bool)
		if !ok {
			return errors.New("expected boolean")
		}
		*field(c) = b
		return nil
	}
}

func setInt(field func(*Config) *int, check func(int) error) updateFn {
	return func(c *Config, val interface{}) error {
		n, err := asInt(val)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(n); err != nil {
				return err
			}
		}
		*field(c) = n
		return nil
	}
}

func setFloat(field func(*Config) *float64, check func(float64) error) updateFn {
	return func(c *Config, val interface{}) error {
		f, err := asFloat(val)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(f); err != nil {
				return err
			}
		}
		*field(c) = f
		return nil
	}
}

// applyOAuthUpdate handles OAuth provider config keys like "oauth.providers.google.client_id".
func (cm *ConfigManager) applyOAuthUpdate(key string, val interface{}) error {
	name, field, ok := strings.Cut(strings.TrimPrefix(key, oauthKeyPrefix), ".")
	if !ok || name == "" || field == "" {
		return fmt.Errorf("invalid OAuth config key: %s", key)
	}

	if cm.config.OAuth.Providers == nil {
		cm.config.OAuth.Providers = make(map[string]OAuthProviderConfig)
	}
	p := cm.config.OAuth.Providers[name]

	if field == "scopes" {
		scopes, err := asScopes(val)
		if err != nil {
			return err
		}
		p.Scopes = scopes
		cm.config.OAuth.Providers[name] = p
		return nil
	}

	s, ok := val.(string)
	if !ok {
		return errors.New("expected string")
	}
	set, ok := providerFieldSetters[field]
	if !ok {
		return fmt.Errorf("unknown OAuth provider field: %s", field)
	}
	set(&p, s)
	cm.config.OAuth.Providers[name] = p
	return nil
}

// providerFieldSetters maps the string-valued provider update keys onto
// OAuthProviderConfig fields. Scopes are handled separately.
var providerFieldSetters = map[string]func(*OAuthProviderConfig, string){
	"client_id":     func(p *OAuthProviderConfig, s string) { p.ClientID = s },
	"client_secret": func(p *OAuthProviderConfig, s string) { p.ClientSecret = s },
	"auth_url":      func(p *OAuthProviderConfig, s string) { p.AuthURL = s },
	"token_url":     func(p *OAuthProviderConfig, s string) { p.TokenURL = s },
	"redirect_url":  func(p *OAuthProviderConfig, s string) { p.RedirectURL = s },
}

// asScopes accepts a JSON array of strings or a comma-separated string.
func asScopes(val interface{}) ([]string, error) {
	switch v := val.(type) {
	case string:
		return strings.Split(v, ","), nil
	case []string:
		return v, nil
	case []interface{}:
		scopes := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes, nil
	}
	return nil, errors.New("expected string")
}

// fillDefaults replaces zero values with defaults after a load. Booleans are
// left alone: an explicit false in the file must stick.
func fillDefaults(c *Config) {
	d := DefaultConfig()
	fillInt(&c.Server.Port, d.Server.Port)
	fillStr(&c.LLM.Endpoint, d.LLM.Endpoint)
	fillStr(&c.LLM.ModelName, d.LLM.ModelName)
	fillFloat(&c.LLM.Temperature, d.LLM.Temperature)
	fillInt(&c.LLM.MaxTokens, d.LLM.MaxTokens)
	fillStr(&c.Embedding.Endpoint, d.Embedding.Endpoint)
	fillStr(&c.Embedding.ModelName, d.Embedding.ModelName)
	fillInt(&c.Embedding.Dimensions, d.Embedding.Dimensions)
	fillStr(&c.Index.CorpusPath, d.Index.CorpusPath)
	fillStr(&c.Index.CachePath, d.Index.CachePath)
	fillStr(&c.Index.LedgerPath, d.Index.LedgerPath)
	fillStr(&c.Index.CorpusDigestPath, d.Index.CorpusDigestPath)
	fillInt(&c.Index.ChunkSize, d.Index.ChunkSize)
	fillInt(&c.Index.ChunkOverlap, d.Index.ChunkOverlap)
	fillInt(&c.Index.DefaultK, d.Index.DefaultK)
	fillInt(&c.Index.MaxK, d.Index.MaxK)
	fillFloat(&c.Index.MinSimilarity, d.Index.MinSimilarity)
	fillInt(&c.Chat.HistoryPairs, d.Chat.HistoryPairs)
	fillInt(&c.Chat.SessionTTLHours, d.Chat.SessionTTLHours)
	if c.OAuth.Providers == nil {
		c.OAuth.Providers = make(map[string]OAuthProviderConfig)
	}
}

func fillStr(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func fillInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func fillFloat(p *float64, def float64) {
	if *p == 0 {
		*p = def
	}
}

// --- AES-GCM encryption helpers ---

// aead builds the AES-256-GCM cipher from the manager's key.
func (cm *ConfigManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(cm.aesKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext and returns hex(nonce || ciphertext).
func (cm *ConfigManager) seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	gcm, err := cm.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return hex.EncodeToString(sealed), nil
}

// unseal reverses seal.
func (cm *ConfigManager) unseal(sealedHex string) (string, error) {
	if sealedHex == "" {
		return "", nil
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", fmt.Errorf("hex decode: %w", err)
	}
	gcm, err := cm.aead()
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// encryptIfNeeded seals a secret under the "enc:" prefix. Empty values
// pass through untouched.
func (cm *ConfigManager) encryptIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	sealed, err := cm.seal(value)
	if err != nil {
		// Should not happen with a valid key; keep the value usable
		return value
	}
	return encryptedPrefix + sealed
}

// decryptIfNeeded decrypts a value if it has the "enc:" prefix. Values
// without the prefix (e.g. a manually edited config) pass through unchanged.
func (cm *ConfigManager) decryptIfNeeded(value string) (string, error) {
	if rest, ok := strings.CutPrefix(value, encryptedPrefix); ok && rest != "" {
		return cm.unseal(rest)
	}
	return value, nil
}

// --- Encryption key management ---

// getOrCreateEncryptionKey resolves the AES-256 key: environment variable
// first, then the key file beside the config, else a fresh key generated and
// persisted for the next start.
func getOrCreateEncryptionKey(dir string) ([]byte, error) {
	if env := os.Getenv(encryptionKeyEnvVar); env != "" {
		key, err := decodeKeyHex(env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", encryptionKeyEnvVar, err)
		}
		return key, nil
	}

	keyPath := filepath.Join(dir, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		if key, err := decodeKeyHex(strings.TrimSpace(string(data))); err == nil {
			return key, nil
		}
		// Malformed key file: fall through and regenerate.
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("save encryption key: %w", err)
	}
	return key, nil
}

// decodeKeyHex parses a hex-encoded 32-byte key.
func decodeKeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// --- File and type helpers ---

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func asInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return int(i), nil
	}
	return 0, fmt.Errorf("expected numeric value, got %T", val)
}

func asFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("expected numeric value, got %T", val)
}
