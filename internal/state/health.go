package state

import (
	"sync"
	"time"
)

// HealthStatus is the last observed outcome for a provider.
type HealthStatus string

// Health statuses.
const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthRecord is the advisory snapshot kept per provider key. The router
// may consult it to rank peers; the executor treats it as advisory only.
type HealthRecord struct {
	ProviderKey   string       `json:"provider_key"`
	Status        HealthStatus `json:"status"`
	LastEvent     string       `json:"last_event,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastSuccessAt time.Time    `json:"last_success_at,omitempty"`
	LastFailureAt time.Time    `json:"last_failure_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// HealthStore keeps the last provider outcome per key.
type HealthStore struct {
	mu      sync.RWMutex
	records map[string]*HealthRecord
	now     func() time.Time
}

// NewHealthStore constructs an empty health store.
func NewHealthStore() *HealthStore {
	return &HealthStore{
		records: make(map[string]*HealthRecord),
		now:     time.Now,
	}
}

// RecordSuccess marks a provider healthy.
func (s *HealthStore) RecordSuccess(providerKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(providerKey)
	r.Status = HealthHealthy
	r.LastSuccessAt = s.now()
	r.UpdatedAt = r.LastSuccessAt
	r.LastError = ""
}

// RecordFailure marks a provider unhealthy with the failure cause.
func (s *HealthStore) RecordFailure(providerKey string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(providerKey)
	r.Status = HealthUnhealthy
	r.LastFailureAt = s.now()
	r.UpdatedAt = r.LastFailureAt
	if err != nil {
		r.LastError = err.Error()
	}
}

// RecordEvent notes a lifecycle event such as provider.runtime.init.
func (s *HealthStore) RecordEvent(providerKey, event string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(providerKey)
	r.LastEvent = event
	r.UpdatedAt = s.now()
	if err != nil {
		r.Status = HealthUnhealthy
		r.LastError = err.Error()
		r.LastFailureAt = r.UpdatedAt
	}
}

// Healthy reports whether the provider's last outcome was a success. Keys
// with no history count as healthy.
func (s *HealthStore) Healthy(providerKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[providerKey]
	if !ok {
		return true
	}
	return r.Status != HealthUnhealthy
}

// Snapshot returns a plain copy of every record keyed by provider key.
func (s *HealthStore) Snapshot() map[string]HealthRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HealthRecord, len(s.records))
	for key, r := range s.records {
		out[key] = *r
	}
	return out
}

func (s *HealthStore) recordLocked(providerKey string) *HealthRecord {
	r, ok := s.records[providerKey]
	if !ok {
		r = &HealthRecord{ProviderKey: providerKey, Status: HealthUnknown}
		s.records[providerKey] = r
	}
	return r
}
