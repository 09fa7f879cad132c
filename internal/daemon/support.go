package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/orchestrator"
	"github.com/hrygo/assistantd/internal/registry"
	"github.com/hrygo/assistantd/internal/tier"
)

func parseChatID(s string) chatid.ID { return chatid.Parse(s) }

// noopContacts is the fallback Contacts implementation when no contacts
// database is configured: every sender resolves to Unknown and no
// participant counts as blessed, so a group message is admitted only when
// the group already has a live session or a registry entry.
type noopContacts struct{}

func (noopContacts) Lookup(string) (tier.Tier, string, bool)      { return tier.Unknown, "", false }
func (noopContacts) GroupHasBlessedParticipant([]string) bool { return false }

// noopHistory is the fallback History implementation when no message
// history database is configured: reply-chain expansion is simply skipped.
type noopHistory struct{}

func (noopHistory) ReplyChain(string, string, string, int) ([]orchestrator.ReplyChainMessage, error) {
	return nil, nil
}

// staticContextSources supplies a minimal identity document and tier
// reminder without any external lookups; its other methods return empty
// strings. The orchestrator calls only TierRulesReminder, so contact notes,
// memory summaries and pending-summary reclamation are not used whichever
// ContextSources implementation is supplied.
type staticContextSources struct {
	owner string
}

func (s staticContextSources) IdentityDocument() string {
	return fmt.Sprintf("You are the personal assistant for %s.", s.owner)
}

func (staticContextSources) ContactNotes(context.Context, string) (string, error) { return "", nil }
func (staticContextSources) MemorySummary(context.Context, string) (string, error) { return "", nil }
func (staticContextSources) ChatContextFile(context.Context, string) (string, error) {
	return "", nil
}
func (staticContextSources) ReclaimPendingSummary(context.Context, string) (string, error) {
	return "", nil
}

func (staticContextSources) TierRulesReminder(t tier.Tier) string {
	switch {
	case t == tier.Admin || t == tier.Wife:
		return "[capabilities: full tool access, no confirmation required]"
	case t == tier.Family:
		return "[capabilities: file and shell tools available, confirm before destructive actions]"
	default:
		return "[capabilities: read-only tools; writes and edits are never permitted]"
	}
}

// fileTranscriptReader reads the tail of transcript.jsonl in a session's
// working directory (derived as the orchestrator derives it) for the health
// supervisor's scans (§4.5, §6). The daemon itself never writes that file;
// when it is missing the read fails and the health checks skip the session.
type fileTranscriptReader struct {
	sessionsDir string
}

const transcriptTailBytes = 128 * 1024

func (r fileTranscriptReader) RecentTranscript(chatID string) (string, error) {
	id := chatid.Parse(chatID)
	path := filepath.Join(r.sessionsDir, registry.SessionName(id.BackendPrefix(), id), "transcript.jsonl")
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > transcriptTailBytes {
		if _, err := f.Seek(-transcriptTailBytes, io.SeekEnd); err != nil {
			return "", err
		}
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// noopClassifier disables the Tier 2 deep health scan when no classifier
// model is configured: every recent output is reported healthy, leaving
// Tier 1's regex scan as the sole health check.
type noopClassifier struct{}

func (noopClassifier) Classify(context.Context, string) (bool, string, error) { return false, "", nil }

func sanitizeChatIDForPath(s string) string {
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
