// Package contacts resolves a sender id to a trust tier and display name,
// and answers the group-admission "is anyone here blessed" question, from
// a read-only SQLite snapshot of the owner's address book.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hrygo/assistantd/internal/tier"
)

// Directory is a read-only SQLite-backed contact lookup.
type Directory struct {
	db *sql.DB
}

// Open opens the SQLite database at path read-only. The schema is assumed
// to be maintained by a separate ingestion process; this package only
// queries it.
func Open(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, fmt.Errorf("contacts: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("contacts: ping: %w", err)
	}
	return &Directory{db: db}, nil
}

// Close releases the underlying database handle.
func (d *Directory) Close() error { return d.db.Close() }

// Lookup resolves a sender id (phone number, Signal UUID, etc) to a tier
// and display name. A miss resolves to (Unknown, "", false).
func (d *Directory) Lookup(senderID string) (tier.Tier, string, bool) {
	var tierName, displayName string
	row := d.db.QueryRowContext(context.Background(),
		`SELECT tier, display_name FROM contacts WHERE identifier = ? LIMIT 1`, senderID)
	if err := row.Scan(&tierName, &displayName); err != nil {
		return tier.Unknown, "", false
	}
	return tier.Parse(strings.ToLower(tierName)), displayName, true
}

// GroupHasBlessedParticipant reports whether any of the given sender ids
// resolves to a blessed tier (favorite or above), gating whether a new
// group session may be created for a chat with no prior history (§4.4).
func (d *Directory) GroupHasBlessedParticipant(participants []string) bool {
	for _, p := range participants {
		if t, _, ok := d.Lookup(p); ok && tier.IsBlessed(t) {
			return true
		}
	}
	return false
}
