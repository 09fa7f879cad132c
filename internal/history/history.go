// Package history expands a reply-to GUID into the chain of prior messages
// it answers, read from a read-only SQLite message store (§4.4). A reply-to
// GUID can arrive from any backend (Backend.SupportsReplyChain is not
// checked before a lookup), so a lookup miss is expected and silent.
package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hrygo/assistantd/internal/orchestrator"
)

// Store is a read-only SQLite-backed message history reader.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at path read-only.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ReplyChain walks the reply_to_guid chain backward from guid, up to limit
// hops, returning them in chronological order (oldest first).
func (s *Store) ReplyChain(backendName, chatID, guid string, limit int) ([]orchestrator.ReplyChainMessage, error) {
	if guid == "" {
		return nil, nil
	}
	var out []orchestrator.ReplyChainMessage
	current := guid
	for i := 0; i < limit && current != ""; i++ {
		var sender, text, parent string
		row := s.db.QueryRowContext(context.Background(),
			`SELECT sender_display_name, text, reply_to_guid FROM messages
			 WHERE backend = ? AND chat_id = ? AND guid = ? LIMIT 1`,
			backendName, chatID, current)
		if err := row.Scan(&sender, &text, &parent); err != nil {
			break
		}
		out = append([]orchestrator.ReplyChainMessage{{Sender: sender, Text: text}}, out...)
		current = parent
	}
	return out, nil
}
