package book

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// resolvedTTL is how long a token stays short-circuited in memory after a
// REST 404 marks its market resolved.
const resolvedTTL = time.Hour

// ResolvedSet tracks tokens whose markets have resolved. The REST fallback
// adds on 404; lookups short-circuit to "no book" while the entry is live.
// The set persists to a side file so restarts do not re-thrash the REST
// path; persistence is best-effort.
type ResolvedSet struct {
	mu     sync.Mutex
	tokens map[string]time.Time // tokenID -> when marked
	path   string
	logger *slog.Logger
}

// NewResolvedSet creates the set, loading any persisted entries.
func NewResolvedSet(dataDir string, logger *slog.Logger) *ResolvedSet {
	rs := &ResolvedSet{
		tokens: make(map[string]time.Time),
		path:   filepath.Join(dataDir, "resolved_tokens.json"),
		logger: logger.With("component", "resolved_set"),
	}
	rs.load()
	return rs
}

// Add marks a token resolved and persists the set.
func (rs *ResolvedSet) Add(tokenID string) {
	rs.mu.Lock()
	rs.tokens[tokenID] = time.Now()
	rs.mu.Unlock()
	rs.save()
}

// Contains reports whether the token is still short-circuited. Expired
// entries are pruned on read.
func (rs *ResolvedSet) Contains(tokenID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	at, ok := rs.tokens[tokenID]
	if !ok {
		return false
	}
	if time.Since(at) > resolvedTTL {
		delete(rs.tokens, tokenID)
		return false
	}
	return true
}

func (rs *ResolvedSet) load() {
	data, err := os.ReadFile(rs.path)
	if err != nil {
		return
	}
	var stored map[string]time.Time
	if err := json.Unmarshal(data, &stored); err != nil {
		rs.logger.Warn("discarding corrupt resolved-token file", "error", err)
		return
	}
	rs.mu.Lock()
	rs.tokens = stored
	rs.mu.Unlock()
}

// save writes via a temp file and rename so a crash never leaves a partial file.
func (rs *ResolvedSet) save() {
	rs.mu.Lock()
	data, err := json.Marshal(rs.tokens)
	rs.mu.Unlock()
	if err != nil {
		return
	}
	tmp := rs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		rs.logger.Warn("persist resolved tokens", "error", err)
		return
	}
	if err := os.Rename(tmp, rs.path); err != nil {
		rs.logger.Warn("persist resolved tokens", "error", err)
	}
}
