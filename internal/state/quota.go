// Package state holds the gateway's auxiliary control state: quota
// accounting, health snapshots, and per-session routing state. Stores are
// bounded in-memory caches with best-effort JSON persistence under a
// server-scoped directory.
package state

import (
	"sort"
	"sync"
	"time"
)

// DisableMode distinguishes short cooldowns from operator blacklists.
type DisableMode string

// Disable modes.
const (
	DisableCooldown  DisableMode = "cooldown"
	DisableBlacklist DisableMode = "blacklist"
)

const maxQuotaEntries = 1024

// An uninterrupted error streak of this length puts the key into a short
// cooldown so the router stops offering it until it recovers.
const (
	errorStreakThreshold = 3
	errorStreakCooldown  = 30 * time.Second
)

// QuotaStatic is the immutable per-provider registration supplied at
// runtime construction.
type QuotaStatic struct {
	AuthType           string `json:"auth_type"`
	PriorityTier       int    `json:"priority_tier,omitempty"`
	APIKeyDailyResetAt string `json:"apikey_daily_reset_time,omitempty"`
}

// QuotaView is a read-only snapshot consulted by the router to skip
// unavailable provider keys.
type QuotaView struct {
	ProviderKey       string      `json:"provider_key"`
	RequestedTokens   int64       `json:"requested_tokens"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastResetAt       time.Time   `json:"last_reset_at"`
	DisabledUntil     time.Time   `json:"disabled_until,omitempty"`
	DisableMode       DisableMode `json:"disable_mode,omitempty"`
	Static            QuotaStatic `json:"static"`
}

// Available reports whether the key may be routed to at the given instant.
func (v QuotaView) Available(now time.Time) bool {
	if v.DisableMode == DisableBlacklist && !v.DisabledUntil.IsZero() && now.Before(v.DisabledUntil) {
		return false
	}
	if v.DisableMode == DisableCooldown && now.Before(v.DisabledUntil) {
		return false
	}
	return true
}

type quotaEntry struct {
	requestedTokens   int64
	usedTokens        int64
	consecutiveErrors int
	lastResetAt       time.Time
	disabledUntil     time.Time
	disableMode       DisableMode
	static            QuotaStatic
}

// QuotaStore keeps running counters per provider key.
type QuotaStore struct {
	mu      sync.Mutex
	entries map[string]*quotaEntry
	enabled bool
	now     func() time.Time
}

// NewQuotaStore constructs a quota store. When enabled is false all
// recording operations are no-ops and every view reports available.
func NewQuotaStore(enabled bool) *QuotaStore {
	return &QuotaStore{
		entries: make(map[string]*quotaEntry),
		enabled: enabled,
		now:     time.Now,
	}
}

// Register installs the static registration for a provider key.
func (s *QuotaStore) Register(providerKey string, static QuotaStatic) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(providerKey)
	e.static = static
}

// RecordUsage adds requested tokens ahead of a dispatch.
func (s *QuotaStore) RecordUsage(providerKey string, requestedTokens int64) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(providerKey)
	e.requestedTokens += requestedTokens
}

// RecordSuccess commits used tokens and clears the error streak.
func (s *QuotaStore) RecordSuccess(providerKey string, usedTokens int64) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(providerKey)
	e.usedTokens += usedTokens
	e.consecutiveErrors = 0
	if e.disableMode == DisableCooldown {
		e.disableMode = ""
		e.disabledUntil = time.Time{}
	}
}

// RecordError bumps the error streak and trips a cooldown once the streak
// reaches the threshold. Blacklists are never downgraded to cooldowns.
func (s *QuotaStore) RecordError(providerKey string) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(providerKey)
	e.consecutiveErrors++
	if e.consecutiveErrors >= errorStreakThreshold && e.disableMode != DisableBlacklist {
		e.disableMode = DisableCooldown
		e.disabledUntil = s.now().Add(errorStreakCooldown)
	}
}

// Disable takes a provider key out of routing for the given duration.
func (s *QuotaStore) Disable(providerKey string, mode DisableMode, duration time.Duration) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(providerKey)
	e.disableMode = mode
	e.disabledUntil = s.now().Add(duration)
}

// View returns a read-only snapshot for one provider key.
func (s *QuotaStore) View(providerKey string) QuotaView {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[providerKey]
	if !ok {
		return QuotaView{ProviderKey: providerKey, LastResetAt: s.now()}
	}
	return QuotaView{
		ProviderKey:       providerKey,
		RequestedTokens:   e.requestedTokens,
		ConsecutiveErrors: e.consecutiveErrors,
		LastResetAt:       e.lastResetAt,
		DisabledUntil:     e.disabledUntil,
		DisableMode:       e.disableMode,
		Static:            e.static,
	}
}

// Available reports whether the router may pick the given key now.
func (s *QuotaStore) Available(providerKey string) bool {
	if !s.enabled {
		return true
	}
	return s.View(providerKey).Available(s.now())
}

// Snapshot returns views for every tracked key, sorted by provider key.
func (s *QuotaStore) Snapshot() []QuotaView {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	out := make([]QuotaView, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.View(key))
	}
	return out
}

// entryLocked returns the entry for a key, evicting the stalest entry when
// the store is at capacity.
func (s *QuotaStore) entryLocked(providerKey string) *quotaEntry {
	if e, ok := s.entries[providerKey]; ok {
		return e
	}
	if len(s.entries) >= maxQuotaEntries {
		var oldestKey string
		var oldest time.Time
		for key, e := range s.entries {
			if oldestKey == "" || e.lastResetAt.Before(oldest) {
				oldestKey = key
				oldest = e.lastResetAt
			}
		}
		delete(s.entries, oldestKey)
	}
	e := &quotaEntry{lastResetAt: s.now()}
	s.entries[providerKey] = e
	return e
}
