package state

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// SessionState is the per-session routing memory: the last chosen provider
// key per route name, for sticky dispatch.
type SessionState struct {
	// Routes maps route name to the last committed provider key.
	Routes map[string]string `json:"routes"`
}

// Clone deep-copies the session state.
func (s SessionState) Clone() SessionState {
	out := SessionState{Routes: make(map[string]string, len(s.Routes))}
	for route, key := range s.Routes {
		out.Routes[route] = key
	}
	return out
}

// RoutingStore loads and saves per-session routing state. LoadSync is a
// synchronous read on the dispatch path; SaveAsync is write-behind so the
// request path never blocks on persistence.
type RoutingStore interface {
	LoadSync(key string) (SessionState, bool)
	SaveAsync(key string, st SessionState)
	Close()
}

const maxRoutingSessions = 4096

// MemoryRoutingStore is the default in-memory store with optional
// write-behind persistence through a Persister.
type MemoryRoutingStore struct {
	mu       sync.Mutex
	sessions map[string]SessionState
	persist  Persister
	queue    chan persistItem
	done     chan struct{}
	once     sync.Once
}

type persistItem struct {
	key   string
	state SessionState
}

// Persister flushes session state to durable storage, best effort.
type Persister interface {
	PersistSession(key string, st SessionState) error
}

// NewMemoryRoutingStore constructs the store. persist may be nil.
func NewMemoryRoutingStore(persist Persister) *MemoryRoutingStore {
	s := &MemoryRoutingStore{
		sessions: make(map[string]SessionState),
		persist:  persist,
		queue:    make(chan persistItem, 256),
		done:     make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// LoadSync returns the state for a session key.
func (s *MemoryRoutingStore) LoadSync(key string) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[key]
	if !ok {
		return SessionState{}, false
	}
	return st.Clone(), true
}

// SaveAsync stores the state and queues a best-effort persistence write.
func (s *MemoryRoutingStore) SaveAsync(key string, st SessionState) {
	s.mu.Lock()
	if len(s.sessions) >= maxRoutingSessions {
		for evict := range s.sessions {
			delete(s.sessions, evict)
			break
		}
	}
	s.sessions[key] = st.Clone()
	s.mu.Unlock()

	if s.persist == nil {
		return
	}
	select {
	case s.queue <- persistItem{key: key, state: st.Clone()}:
	default:
		log.Debug("routing store: persistence queue full, dropping write")
	}
}

// Close drains the persistence queue and stops the flush loop.
func (s *MemoryRoutingStore) Close() {
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *MemoryRoutingStore) flushLoop() {
	defer close(s.done)
	for item := range s.queue {
		if s.persist == nil {
			continue
		}
		if err := s.persist.PersistSession(item.key, item.state); err != nil {
			log.Debugf("routing store: persist %s failed: %v", item.key, err)
		}
	}
}

// Preload seeds the in-memory map, typically from persisted snapshots.
func (s *MemoryRoutingStore) Preload(sessions map[string]SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, st := range sessions {
		s.sessions[key] = st.Clone()
	}
}

// ReadOnlyRoutingStore overlays a store and disables SaveAsync. The
// shadow-compare mode uses it to run a second routing pass without double
// side effects.
type ReadOnlyRoutingStore struct {
	inner RoutingStore
}

// NewReadOnlyRoutingStore wraps a store read-only.
func NewReadOnlyRoutingStore(inner RoutingStore) *ReadOnlyRoutingStore {
	return &ReadOnlyRoutingStore{inner: inner}
}

// LoadSync delegates to the wrapped store.
func (s *ReadOnlyRoutingStore) LoadSync(key string) (SessionState, bool) {
	return s.inner.LoadSync(key)
}

// SaveAsync is a no-op on the read-only overlay.
func (s *ReadOnlyRoutingStore) SaveAsync(string, SessionState) {}

// Close is a no-op; the wrapped store owns its lifecycle.
func (s *ReadOnlyRoutingStore) Close() {}
