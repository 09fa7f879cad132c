// Package registry implements the Session Registry (§4.1): a durable map
// from ChatId to RegistryEntry, safe against process crash, with atomic
// persistence and debounced writes so a burst of touch-style updates
// collapses into at most one flush per second.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/storage"
)

// Entry is the persisted snapshot of one Session (§3).
type Entry struct {
	ChatID          string    `json:"chat_id"`
	SessionName     string    `json:"session_name"`
	Cwd             string    `json:"cwd"`
	SessionType     string    `json:"session_type"`
	ContactName     string    `json:"contact_name"`
	DisplayName     string    `json:"display_name,omitempty"`
	Tier            string    `json:"tier"`
	SourceBackend   string    `json:"source_backend"`
	Model           string    `json:"model"`
	SessionID       string    `json:"session_id,omitempty"`
	Participants    []string  `json:"participants,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastMessageTime time.Time `json:"last_message_time,omitempty"`
}

// SessionName derives the deterministic filesystem key "<backend>/<sanitized
// chat_id>" for a (backend, chat_id) pair, per §3.
func SessionName(backendName string, id chatid.ID) string {
	sanitized := sanitizeForPath(id.Bare())
	if backendName == "" {
		return sanitized
	}
	return backendName + "/" + sanitized
}

func sanitizeForPath(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

const debounceWindow = 1 * time.Second

// Registry is the in-memory map plus its on-disk persistence.
type Registry struct {
	path string
	lock *storage.FileLock

	mu      sync.RWMutex
	entries map[string]Entry

	dirtyMu   sync.Mutex
	dirty     bool
	flushTimer *time.Timer

	logger zerolog.Logger

	// OnFlush, when set, is called with how long each flushNow took.
	OnFlush func(time.Duration)
}

// Open loads path (or starts empty if it is missing/corrupt) and returns a
// ready Registry.
func Open(path string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:    path,
		lock:    storage.NewFileLock(path),
		entries: make(map[string]Entry),
		logger:  logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		r.logger.Warn().Err(err).Str("path", r.path).Msg("registry: unreadable file, starting empty")
		return nil
	}
	var m map[string]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		r.logger.Warn().Err(err).Str("path", r.path).Msg("registry: corrupt file, starting empty")
		return nil
	}
	r.mu.Lock()
	r.entries = m
	r.mu.Unlock()
	return nil
}

// Register is an idempotent create-or-update that preserves CreatedAt from
// any prior entry for the same chat_id.
func (r *Registry) Register(id chatid.ID, e Entry) error {
	key := id.String()
	r.mu.Lock()
	if prior, ok := r.entries[key]; ok {
		e.CreatedAt = prior.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = time.Now()
	e.ChatID = key
	r.entries[key] = e
	r.mu.Unlock()
	return r.flushNow()
}

// Get returns the entry for a chat_id, if present.
func (r *Registry) Get(id chatid.ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id.String()]
	return e, ok
}

// GetBySessionName scans for the entry matching a derived session_name.
func (r *Registry) GetBySessionName(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.SessionName == name {
			return e, true
		}
	}
	return Entry{}, false
}

// All returns a copy of every entry.
func (r *Registry) All() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Remove deletes an entry and flushes immediately.
func (r *Registry) Remove(id chatid.ID) error {
	r.mu.Lock()
	delete(r.entries, id.String())
	r.mu.Unlock()
	return r.flushNow()
}

// UpdateSessionID records the agent adapter's session id for resume after
// restart.
func (r *Registry) UpdateSessionID(id chatid.ID, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[id.String()]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: no entry for %s", id.String())
	}
	e.SessionID = sessionID
	e.UpdatedAt = time.Now()
	r.entries[id.String()] = e
	r.mu.Unlock()
	return r.flushNow()
}

// MergeParticipants unions additional identifiers into a group entry's known
// participant roster (§4.4 group admission). No-op if the entry doesn't
// exist yet — the caller creates the entry via Register first.
func (r *Registry) MergeParticipants(id chatid.ID, participants []string) {
	if len(participants) == 0 {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[id.String()]
	if !ok {
		r.mu.Unlock()
		return
	}
	seen := make(map[string]bool, len(e.Participants))
	for _, p := range e.Participants {
		seen[p] = true
	}
	changed := false
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		e.Participants = append(e.Participants, p)
		changed = true
	}
	if !changed {
		r.mu.Unlock()
		return
	}
	e.UpdatedAt = time.Now()
	r.entries[id.String()] = e
	r.mu.Unlock()
	r.scheduleDebouncedFlush()
}

// UpdateLastMessageTime is debounced: a burst of calls within 1s collapses
// into a single flush (§4.1, §8 boundary behavior).
func (r *Registry) UpdateLastMessageTime(id chatid.ID) {
	r.mu.Lock()
	if e, ok := r.entries[id.String()]; ok {
		e.LastMessageTime = time.Now()
		e.UpdatedAt = e.LastMessageTime
		r.entries[id.String()] = e
	}
	r.mu.Unlock()
	r.scheduleDebouncedFlush()
}

func (r *Registry) scheduleDebouncedFlush() {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	r.dirty = true
	if r.flushTimer != nil {
		return
	}
	r.flushTimer = time.AfterFunc(debounceWindow, func() {
		r.dirtyMu.Lock()
		r.flushTimer = nil
		wasDirty := r.dirty
		r.dirty = false
		r.dirtyMu.Unlock()
		if wasDirty {
			if err := r.flushNow(); err != nil {
				r.logger.Warn().Err(err).Msg("registry: debounced flush failed")
			}
		}
	})
}

// Flush forces any pending debounced write to commit now. Always called on
// graceful shutdown (§4.1).
func (r *Registry) Flush() error {
	r.dirtyMu.Lock()
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.dirty = false
	r.dirtyMu.Unlock()
	return r.flushNow()
}

// flushNow performs the atomic write: temp file under an advisory exclusive
// lock, then rename. A write failure leaves the in-memory map authoritative
// — the next successful flush picks up the change (§4.1 failure semantics).
func (r *Registry) flushNow() error {
	if r.OnFlush != nil {
		started := time.Now()
		defer func() { r.OnFlush(time.Since(started)) }()
	}
	r.mu.RLock()
	snapshot := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	if err := r.lock.Lock(); err != nil {
		return errors.Wrap(err, "registry: acquire lock")
	}
	defer r.lock.Unlock()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "registry: mkdir")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "registry: write temp file")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "registry: rename")
	}
	return nil
}
