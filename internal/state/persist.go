package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ServerDir returns the persistence directory scoped to one server
// instance, keyed by host:port.
func ServerDir(base, host string, port int) string {
	scope := fmt.Sprintf("%s_%d", sanitizePathComponent(host), port)
	return filepath.Join(base, scope)
}

func sanitizePathComponent(s string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return replacer.Replace(s)
}

// FilePersister writes JSON snapshots under a server-scoped directory.
// Every write is best effort: failures are logged, never surfaced.
type FilePersister struct {
	dir string
}

// NewFilePersister prepares the target directory.
func NewFilePersister(dir string) *FilePersister {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o700); err != nil {
		log.Warnf("state: create persistence dir %s failed: %v", dir, err)
	}
	return &FilePersister{dir: dir}
}

// PersistSession implements Persister for routing state.
func (p *FilePersister) PersistSession(key string, st SessionState) error {
	path := filepath.Join(p.dir, "sessions", sanitizePathComponent(key)+".json")
	return writeJSON(path, st)
}

// LoadSessions reads every persisted session snapshot back into memory.
func (p *FilePersister) LoadSessions() map[string]SessionState {
	out := make(map[string]SessionState)
	dir := filepath.Join(p.dir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, errRead := os.ReadFile(filepath.Join(dir, entry.Name()))
		if errRead != nil {
			continue
		}
		var st SessionState
		if json.Unmarshal(raw, &st) != nil {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".json")
		out[key] = st
	}
	return out
}

// PersistQuota writes the quota snapshot.
func (p *FilePersister) PersistQuota(views []QuotaView) {
	if err := writeJSON(filepath.Join(p.dir, "quota.json"), views); err != nil {
		log.Debugf("state: persist quota snapshot failed: %v", err)
	}
}

// PersistHealth writes the health snapshot.
func (p *FilePersister) PersistHealth(records map[string]HealthRecord) {
	if err := writeJSON(filepath.Join(p.dir, "health.json"), records); err != nil {
		log.Debugf("state: persist health snapshot failed: %v", err)
	}
}

// PersistStats writes the stats summary, typically on shutdown.
func (p *FilePersister) PersistStats(summary any) {
	if err := writeJSON(filepath.Join(p.dir, "stats.json"), summary); err != nil {
		log.Debugf("state: persist stats summary failed: %v", err)
	}
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
