package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/internal/fault"
)

// Config describes one provider's OAuth endpoints.
type Config struct {
	ClientID         string
	ClientSecret     string
	TokenURL         string
	DeviceCodeURL    string
	AuthorizationURL string
	RefreshURL       string
	UserInfoURL      string
	Scopes           []string
	// TokenFile is the JSON file persisted on refresh.
	TokenFile string
}

// refreshEndpoint prefers the dedicated refresh URL when configured.
func (c Config) refreshEndpoint() string {
	if strings.TrimSpace(c.RefreshURL) != "" {
		return c.RefreshURL
	}
	return c.TokenURL
}

type entry struct {
	cfg   Config
	token *Token
	timer *time.Timer
}

// Manager owns OAuth tokens keyed by auth id. Refresh is serialised per
// auth id; concurrent resolvers observe the refreshed token via the cache.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	flight  singleflight.Group
	client  *http.Client
	now     func() time.Time
	closed  bool
}

// NewManager constructs an empty manager with a default HTTP client.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// SetHTTPClient overrides the client used for refresh calls.
func (m *Manager) SetHTTPClient(client *http.Client) {
	if client != nil {
		m.client = client
	}
}

// Register loads the token file for authID (when present on disk) and
// schedules its proactive refresh. Registering the same id again replaces
// the configuration.
func (m *Manager) Register(authID string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[authID]
	if e == nil {
		e = &entry{}
		m.entries[authID] = e
	} else if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.cfg = cfg

	if cfg.TokenFile != "" {
		token, err := LoadTokenFile(cfg.TokenFile)
		if err == nil {
			e.token = token
			m.scheduleLocked(authID, e)
		} else {
			log.Debugf("oauth: no usable token file for %s: %v", authID, err)
		}
	}
	return nil
}

// SetToken installs a token (e.g. after a login flow), persists it, and
// schedules its refresh.
func (m *Manager) SetToken(authID string, token *Token) error {
	m.mu.Lock()
	e := m.entries[authID]
	if e == nil {
		m.mu.Unlock()
		return fault.New(fault.CodeSecretNotFound, "oauth auth %s is not registered", authID)
	}
	e.token = token
	cfg := e.cfg
	m.scheduleLocked(authID, e)
	m.mu.Unlock()
	if cfg.TokenFile != "" {
		return SaveTokenFile(cfg.TokenFile, token)
	}
	return nil
}

// ResolveToken returns a live access token for authID, refreshing first
// when the cached token is inside the refresh lead window.
func (m *Manager) ResolveToken(ctx context.Context, authID string) (string, error) {
	m.mu.Lock()
	e := m.entries[authID]
	if e == nil {
		m.mu.Unlock()
		return "", fault.New(fault.CodeSecretNotFound, "oauth auth %s is not registered", authID)
	}
	token := e.token
	m.mu.Unlock()

	now := m.now()
	if token.ValidAt(now) && !token.NearExpiryAt(now) {
		return token.AccessToken, nil
	}

	if token != nil && token.RefreshToken != "" {
		refreshed, err := m.refresh(ctx, authID)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}

	if token.ValidAt(now) {
		log.Warnf("oauth: token for %s expires at %s and has no refresh token", authID, token.ExpiresAt().Format(time.RFC3339))
		return token.AccessToken, nil
	}
	return "", fault.New(fault.CodeOAuthExpiredNoRefresh, "oauth token for %s is expired and has no refresh token", authID)
}

// refresh performs at most one concurrent refresh per auth id. Late
// arrivals share the in-flight result.
func (m *Manager) refresh(ctx context.Context, authID string) (*Token, error) {
	result, err, _ := m.flight.Do(authID, func() (any, error) {
		return m.doRefresh(ctx, authID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Token), nil
}

func (m *Manager) doRefresh(ctx context.Context, authID string) (*Token, error) {
	m.mu.Lock()
	e := m.entries[authID]
	if e == nil {
		m.mu.Unlock()
		return nil, fault.New(fault.CodeSecretNotFound, "oauth auth %s is not registered", authID)
	}
	cfg := e.cfg
	current := e.token
	m.mu.Unlock()

	// Another waiter may have refreshed while this call queued.
	now := m.now()
	if current.ValidAt(now) && !current.NearExpiryAt(now) {
		return current, nil
	}
	if current == nil || current.RefreshToken == "" {
		return nil, fault.New(fault.CodeOAuthExpiredNoRefresh, "oauth token for %s has no refresh token", authID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", cfg.ClientID)
	form.Set("refresh_token", current.RefreshToken)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.refreshEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.Wrap(fault.CodeOAuthRefreshFailed, err, "oauth: build refresh request for %s failed", authID)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.CodeOAuthRefreshFailed, err, "oauth: refresh request for %s failed", authID)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.CodeOAuthRefreshFailed, err, "oauth: read refresh response for %s failed", authID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f := fault.New(fault.CodeOAuthRefreshFailed, "oauth: refresh for %s failed: %s", authID, strings.TrimSpace(string(body)))
		return nil, f.WithStatus(resp.StatusCode)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err = json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.CodeOAuthRefreshFailed, err, "oauth: parse refresh response for %s failed", authID)
	}
	if parsed.AccessToken == "" {
		return nil, fault.New(fault.CodeOAuthRefreshFailed, "oauth: refresh response for %s has no access token", authID)
	}

	token := &Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		ExpiresIn:    parsed.ExpiresIn,
		Scope:        parsed.Scope,
		CreatedAt:    m.now().UnixMilli(),
	}
	if token.RefreshToken == "" {
		// Providers that rotate refresh tokens omit them on plain refreshes.
		token.RefreshToken = current.RefreshToken
	}
	if token.TokenType == "" {
		token.TokenType = current.TokenType
	}

	if cfg.TokenFile != "" {
		if err = SaveTokenFile(cfg.TokenFile, token); err != nil {
			log.Errorf("oauth: persist refreshed token for %s failed: %v", authID, err)
		}
	}

	m.mu.Lock()
	if e = m.entries[authID]; e != nil {
		e.token = token
		m.scheduleLocked(authID, e)
	}
	m.mu.Unlock()

	log.Infof("oauth: refreshed token for %s, expires %s", authID, token.ExpiresAt().Format(time.RFC3339))
	return token, nil
}

// scheduleLocked arms the proactive refresh timer. Callers hold m.mu.
func (m *Manager) scheduleLocked(authID string, e *entry) {
	if m.closed || e.token == nil || e.token.RefreshToken == "" {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delay := e.token.RefreshAt().Sub(m.now())
	if delay < time.Second {
		delay = time.Second
	}
	e.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := m.refresh(ctx, authID); err != nil {
			log.Warnf("oauth: scheduled refresh for %s failed: %v", authID, err)
		}
	})
}

// NextRefreshAt reports the scheduled refresh time for an auth id, for
// health snapshots and tests.
func (m *Manager) NextRefreshAt(authID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[authID]
	if e == nil || e.token == nil || e.token.RefreshToken == "" {
		return time.Time{}, false
	}
	return e.token.RefreshAt(), true
}

// Close stops all refresh timers. The manager stays readable but will no
// longer schedule proactive refreshes.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}
