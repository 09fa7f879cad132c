package history

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE messages (
		backend TEXT, chat_id TEXT, guid TEXT, sender_display_name TEXT, text TEXT, reply_to_guid TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO messages (backend, chat_id, guid, sender_display_name, text, reply_to_guid) VALUES
		('imessage', '+15555551234', 'g1', 'Ann', 'first message', ''),
		('imessage', '+15555551234', 'g2', 'Bob', 'second message', 'g1'),
		('imessage', '+15555551234', 'g3', 'Ann', 'third message', 'g2')`)
	require.NoError(t, err)
	return path
}

func TestReplyChainReturnsChronologicalOrder(t *testing.T) {
	store, err := Open(seedDB(t))
	require.NoError(t, err)
	defer store.Close()

	chain, err := store.ReplyChain("imessage", "+15555551234", "g3", 10)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "first message", chain[0].Text)
	require.Equal(t, "second message", chain[1].Text)
	require.Equal(t, "third message", chain[2].Text)
}

func TestReplyChainRespectsLimit(t *testing.T) {
	store, err := Open(seedDB(t))
	require.NoError(t, err)
	defer store.Close()

	chain, err := store.ReplyChain("imessage", "+15555551234", "g3", 2)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, "second message", chain[0].Text)
	require.Equal(t, "third message", chain[1].Text)
}

func TestReplyChainEmptyGUIDReturnsNil(t *testing.T) {
	store, err := Open(seedDB(t))
	require.NoError(t, err)
	defer store.Close()

	chain, err := store.ReplyChain("imessage", "+15555551234", "", 10)
	require.NoError(t, err)
	require.Nil(t, chain)
}
