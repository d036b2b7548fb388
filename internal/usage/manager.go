// Package usage delivers per-attempt usage records to registered plugins
// on a background dispatcher, decoupling accounting from the request path.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/hub"
)

// Record is the usage captured for a single provider attempt.
type Record struct {
	ProviderKey string
	Model       string
	Endpoint    string
	RequestedAt time.Time
	Failed      bool
	Prompt      int
	Completion  int
	Total       int
}

// Plugin consumes usage records emitted by the executor.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record)
}

// Manager queues usage records and delivers them to registered plugins.
// Publishing never blocks the request path.
type Manager struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Record
	closed bool

	pluginsMu sync.RWMutex
	plugins   []Plugin
}

// NewManager constructs a stopped manager.
func NewManager() *Manager {
	m := &Manager{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the background dispatcher. Repeated calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, m.cancel = context.WithCancel(ctx)
		go m.run(workerCtx)
	})
}

// Stop halts the dispatcher after draining the queue.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cond.Broadcast()
	})
}

// Register appends a plugin to the delivery list.
func (m *Manager) Register(plugin Plugin) {
	if plugin == nil {
		return
	}
	m.pluginsMu.Lock()
	m.plugins = append(m.plugins, plugin)
	m.pluginsMu.Unlock()
}

// Publish implements hub.UsageSink.
func (m *Manager) Publish(providerKey, model, endpoint string, u hub.Usage, failed bool) {
	m.Start(context.Background())
	record := Record{
		ProviderKey: providerKey,
		Model:       model,
		Endpoint:    endpoint,
		RequestedAt: time.Now(),
		Failed:      failed,
		Prompt:      int(u.PromptTokens),
		Completion:  int(u.CompletionTokens),
		Total:       int(u.TotalTokens),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, record)
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *Manager) run(_ context.Context) {
	for {
		m.mu.Lock()
		for !m.closed && len(m.queue) == 0 {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		record := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.dispatch(record)
	}
}

func (m *Manager) dispatch(record Record) {
	m.pluginsMu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.pluginsMu.RUnlock()
	for _, plugin := range plugins {
		safeInvoke(plugin, record)
	}
}

func safeInvoke(plugin Plugin, record Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("usage: plugin panic recovered: %v", r)
		}
	}()
	plugin.HandleUsage(context.Background(), record)
}
