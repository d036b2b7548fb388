package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
)

const routingTable = "routing_state"

// PostgresRoutingStore persists session routing state in PostgreSQL while
// serving reads from an in-memory mirror, so the dispatch path never blocks
// on the database.
type PostgresRoutingStore struct {
	db     *sql.DB
	memory *MemoryRoutingStore
	mu     sync.Mutex
	closed bool
}

// NewPostgresRoutingStore connects, prepares the schema, and warms the
// in-memory mirror from existing rows.
func NewPostgresRoutingStore(ctx context.Context, dsn string) (*PostgresRoutingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres routing store: DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres routing store: open failed: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres routing store: ping failed: %w", err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, routingTable)
	if _, err = db.ExecContext(pingCtx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres routing store: create table failed: %w", err)
	}

	store := &PostgresRoutingStore{db: db}
	store.memory = NewMemoryRoutingStore(pgPersister{store: store})
	store.warm(ctx)
	return store, nil
}

type pgPersister struct {
	store *PostgresRoutingStore
}

// PersistSession upserts one session row.
func (p pgPersister) PersistSession(key string, st SessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (key, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, routingTable)
	_, err = p.store.db.ExecContext(ctx, query, key, raw)
	return err
}

func (s *PostgresRoutingStore) warm(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, fmt.Sprintf("SELECT key, state FROM %s", routingTable))
	if err != nil {
		log.Warnf("postgres routing store: warm read failed: %v", err)
		return
	}
	defer func() { _ = rows.Close() }()

	loaded := make(map[string]SessionState)
	for rows.Next() {
		var key string
		var raw []byte
		if errScan := rows.Scan(&key, &raw); errScan != nil {
			continue
		}
		var st SessionState
		if json.Unmarshal(raw, &st) != nil {
			continue
		}
		loaded[key] = st
	}
	s.memory.Preload(loaded)
	log.Infof("postgres routing store: warmed %d sessions", len(loaded))
}

// LoadSync reads from the in-memory mirror.
func (s *PostgresRoutingStore) LoadSync(key string) (SessionState, bool) {
	return s.memory.LoadSync(key)
}

// SaveAsync updates the mirror and queues the database upsert.
func (s *PostgresRoutingStore) SaveAsync(key string, st SessionState) {
	s.memory.SaveAsync(key, st)
}

// Close drains pending writes and releases the connection pool.
func (s *PostgresRoutingStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.memory.Close()
	_ = s.db.Close()
}
