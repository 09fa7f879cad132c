package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/registry"
	"github.com/hrygo/assistantd/internal/tier"
)

type stubContacts struct {
	blessedNames map[string]bool
}

func (s stubContacts) Lookup(senderID string) (tier.Tier, string, bool) { return tier.Unknown, "", false }
func (s stubContacts) GroupHasBlessedParticipant(participants []string) bool {
	for _, p := range participants {
		if s.blessedNames[p] {
			return true
		}
	}
	return false
}

type stubHistory struct{}

func (stubHistory) ReplyChain(backendName, chatID, replyToGUID string, limit int) ([]ReplyChainMessage, error) {
	return nil, nil
}

type stubCtxSources struct{}

func (stubCtxSources) IdentityDocument() string { return "" }
func (stubCtxSources) ContactNotes(ctx context.Context, participant string) (string, error) {
	return "", nil
}
func (stubCtxSources) MemorySummary(ctx context.Context, participant string) (string, error) {
	return "", nil
}
func (stubCtxSources) ChatContextFile(ctx context.Context, chatID string) (string, error) {
	return "", nil
}
func (stubCtxSources) ReclaimPendingSummary(ctx context.Context, cwd string) (string, error) {
	return "", nil
}
func (stubCtxSources) TierRulesReminder(t tier.Tier) string { return "[tier=" + t.String() + "]" }

func newTestOrchestrator(t *testing.T, blessedNames ...string) (*Orchestrator, *agentproc.FakeAdapter) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.json"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	blessed := make(map[string]bool, len(blessedNames))
	for _, n := range blessedNames {
		blessed[n] = true
	}
	fake := agentproc.NewFakeAdapter()
	o := New(reg, stubContacts{blessedNames: blessed}, stubHistory{}, nil, stubCtxSources{}, func() agentproc.Adapter { return fake }, filepath.Join(dir, "sessions"), zerolog.Nop())
	return o, fake
}

func TestLazySessionCreationOnFirstMessage(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.InjectMessage(ctx, "Ann", "5555551234", tier.Favorite, "hello", nil, "", "", "test"); err != nil {
		t.Fatal(err)
	}
	sessions := o.GetAllSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session created lazily, got %d", len(sessions))
	}
	if sessions[0].Tier != "favorite" {
		t.Fatalf("expected favorite tier, got %s", sessions[0].Tier)
	}
}

func TestGroupMessageRejectedWithoutBlessedParticipant(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.InjectGroupMessage(ctx, "abcdef0123456789abcdef01", "Family Group", "Stranger", nil, tier.Unknown, "hi", nil, "", "", "test"); err != nil {
		t.Fatal(err)
	}
	if len(o.GetAllSessions()) != 0 {
		t.Fatalf("group session must not be created without an established session or blessed participant")
	}
}

func TestGroupMessageAdmittedWithBlessedParticipant(t *testing.T) {
	o, _ := newTestOrchestrator(t, "Ann")
	ctx := context.Background()

	if err := o.InjectGroupMessage(ctx, "abcdef0123456789abcdef01", "Family Group", "Ann", nil, tier.Favorite, "hi", nil, "", "", "test"); err != nil {
		t.Fatal(err)
	}
	sessions := o.GetAllSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected group session admitted, got %d", len(sessions))
	}
	if sessions[0].Type != "group" {
		t.Fatalf("expected group session type, got %s", sessions[0].Type)
	}
}

func TestGroupMessageAdmittedWhenBlessedParticipantIsNotSender(t *testing.T) {
	o, _ := newTestOrchestrator(t, "Ann")
	ctx := context.Background()

	// "Stranger" sends the message, but "Ann" (blessed) is a participant in
	// the group's observed roster — admission must look at the whole
	// roster, not just whoever sent this particular message.
	if err := o.InjectGroupMessage(ctx, "abcdef0123456789abcdef01", "Family Group", "Stranger", []string{"Ann"}, tier.Unknown, "hi", nil, "", "", "test"); err != nil {
		t.Fatal(err)
	}
	sessions := o.GetAllSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected group session admitted via non-sender blessed participant, got %d", len(sessions))
	}
}

func TestTierMismatchTriggersRestart(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.InjectMessage(ctx, "Ann", "5555551234", tier.Favorite, "hi", nil, "", "", "test"); err != nil {
		t.Fatal(err)
	}
	first, _ := o.GetSessionInfo(testChatID())
	if first.Tier != "favorite" {
		t.Fatalf("expected favorite, got %s", first.Tier)
	}

	if err := o.InjectMessage(ctx, "Ann", "5555551234", tier.Family, "hi again", nil, "", "", "test"); err != nil {
		t.Fatal(err)
	}
	second, ok := o.GetSessionInfo(testChatID())
	if !ok || second.Tier != "family" {
		t.Fatalf("expected tier-mismatch restart to produce a family-tier session, got %+v ok=%v", second, ok)
	}
}

func TestKillSessionRemovesFromMap(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_ = o.InjectMessage(ctx, "Ann", "5555551234", tier.Favorite, "hi", nil, "", "", "test")

	id := testChatID()
	if !o.KillSession(id) {
		t.Fatalf("expected kill to succeed")
	}
	if len(o.GetAllSessions()) != 0 {
		t.Fatalf("expected no sessions after kill")
	}
}

func TestShutdownStopsAllSessionsAndFlushesRegistry(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()
	_ = o.InjectMessage(ctx, "Ann", "5555551234", tier.Favorite, "hi", nil, "", "", "test")

	done := make(chan struct{})
	go func() {
		o.Shutdown(ctx, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete in time")
	}
	if len(o.GetAllSessions()) != 0 {
		t.Fatalf("expected all sessions stopped after shutdown")
	}
}

// testChatID is the canonical id of the test-backend phone number used by
// every single-session test in this file.
func testChatID() chatid.ID {
	return chatid.New(backend.Get("test").RegistryPrefix, "5555551234")
}
