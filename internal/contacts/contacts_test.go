package contacts

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/assistantd/internal/tier"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contacts.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE contacts (identifier TEXT PRIMARY KEY, tier TEXT, display_name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO contacts (identifier, tier, display_name) VALUES
		('+15555551111', 'admin', 'Owner'),
		('+15555552222', 'bots', 'Some Bot')`)
	require.NoError(t, err)
	return path
}

func TestLookupResolvesKnownContact(t *testing.T) {
	dir, err := Open(seedDB(t))
	require.NoError(t, err)
	defer dir.Close()

	got, name, ok := dir.Lookup("+15555551111")
	require.True(t, ok)
	require.Equal(t, tier.Admin, got)
	require.Equal(t, "Owner", name)
}

func TestLookupMissResolvesUnknown(t *testing.T) {
	dir, err := Open(seedDB(t))
	require.NoError(t, err)
	defer dir.Close()

	got, name, ok := dir.Lookup("+19999999999")
	require.False(t, ok)
	require.Equal(t, tier.Unknown, got)
	require.Empty(t, name)
}

func TestGroupHasBlessedParticipant(t *testing.T) {
	dir, err := Open(seedDB(t))
	require.NoError(t, err)
	defer dir.Close()

	require.False(t, dir.GroupHasBlessedParticipant([]string{"+15555552222"}))
	require.True(t, dir.GroupHasBlessedParticipant([]string{"+15555552222", "+15555551111"}))
}
