package ingress

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/config"
	"github.com/hrygo/assistantd/internal/message"
	"github.com/hrygo/assistantd/internal/orchestrator"
	"github.com/hrygo/assistantd/internal/registry"
	"github.com/hrygo/assistantd/internal/tier"
)

type stubContacts struct{}

func (stubContacts) Lookup(string) (tier.Tier, string, bool)        { return tier.Unknown, "", false }
func (stubContacts) GroupHasBlessedParticipant([]string) bool       { return true }

type stubCtxSources struct{}

func (stubCtxSources) IdentityDocument() string                                     { return "" }
func (stubCtxSources) ContactNotes(context.Context, string) (string, error)         { return "", nil }
func (stubCtxSources) MemorySummary(context.Context, string) (string, error)        { return "", nil }
func (stubCtxSources) ChatContextFile(context.Context, string) (string, error)      { return "", nil }
func (stubCtxSources) ReclaimPendingSummary(context.Context, string) (string, error) { return "", nil }
func (stubCtxSources) TierRulesReminder(tier.Tier) string                           { return "" }

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	reg, err := registry.Open(t.TempDir()+"/registry.json", zerolog.Nop())
	require.NoError(t, err)
	return orchestrator.New(reg, stubContacts{}, nil, nil, stubCtxSources{}, func() agentproc.Adapter {
		return agentproc.NewFakeAdapter()
	}, t.TempDir(), zerolog.Nop())
}

func TestMultiplexerSkipsTelegramReaderWithoutToken(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux, err := NewMultiplexer(orch, &config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, mux.readers)
}

func TestDeliverDropsEmptyMessage(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := &Multiplexer{orch: orch, logger: zerolog.Nop()}
	mux.deliver(message.Message{ChatID: chatid.New("", "5555551234")})
	assert.Empty(t, orch.GetAllSessions())
}

func TestDeliverRoutesIndividualMessage(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := &Multiplexer{orch: orch, logger: zerolog.Nop()}
	mux.deliver(message.Message{
		ChatID:            chatid.New(backend.NameVoice, "5555551234"),
		SenderDisplayName: "Ann",
		Tier:              tier.Admin,
		Text:              "hello",
		SourceBackend:     backend.NameVoice,
	})
	assert.Len(t, orch.GetAllSessions(), 1)
}
