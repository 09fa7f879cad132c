package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/tier"
)

func newTestSession(t *testing.T, fa *agentproc.FakeAdapter) *Session {
	t.Helper()
	cfg := Config{
		ChatID:        chatid.New("", "5555551234"),
		ContactName:   "Test User",
		Tier:          tier.Admin,
		Cwd:           t.TempDir(),
		Type:          TypeIndividual,
		SourceBackend: backend.Get(backend.NameTest),
		Model:         ModelOpus,
	}
	s := New(cfg, fa, nil, zerolog.Nop())
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// sendToolUse is an assistant message whose tool call runs the test
// backend's send program ("echo"), so the turn counts as having replied and
// the stop hook injects no reminder prompt after it.
func sendToolUse() agentproc.StreamMessage {
	return agentproc.StreamMessage{Type: "assistant", Message: struct {
		Content []agentproc.ContentBlock `json:"content,omitempty"`
	}{Content: []agentproc.ContentBlock{{Type: "tool_use", ToolUseID: "send-1", ToolName: "Bash", Input: []byte(`{"command":"echo reply"}`)}}}}
}

// replyingAdapter answers every query with one turn that runs the send
// program and then ends with a ResultToken.
func replyingAdapter() *agentproc.FakeAdapter {
	fa := agentproc.NewFakeAdapter()
	fa.OnQuery = func(text string, emit func(agentproc.StreamMessage)) {
		emit(sendToolUse())
		emit(agentproc.StreamMessage{Type: "result"})
	}
	return fa
}

func TestInjectReachesAdapter(t *testing.T) {
	fa := replyingAdapter()
	s := newTestSession(t, fa)

	s.Inject("hi")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(fa.Queries()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	qs := fa.Queries()
	if len(qs) != 1 || qs[0] != "hi" {
		t.Fatalf("expected adapter to receive %q, got %v", "hi", qs)
	}
}

func TestPendingQueriesCountResetsOnResult(t *testing.T) {
	fa := replyingAdapter()
	s := newTestSession(t, fa)

	s.Inject("hi")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.PendingQueriesCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.PendingQueriesCount(); got != 0 {
		t.Fatalf("pending_queries_count = %d, want 0 after ResultToken", got)
	}
}

func TestMergedTurnSingleResult(t *testing.T) {
	fa := agentproc.NewFakeAdapter()
	var held []func(events func(agentproc.StreamMessage))
	_ = held

	var pendingEmits []func()
	fa.OnQuery = func(text string, emit func(agentproc.StreamMessage)) {
		// Defer the ResultToken until both prompts have arrived, simulating
		// a single turn absorbing two injections between tool calls.
		pendingEmits = append(pendingEmits, func() {
			emit(agentproc.StreamMessage{Type: "assistant", Message: struct {
				Content []agentproc.ContentBlock `json:"content,omitempty"`
			}{Content: []agentproc.ContentBlock{{Type: "text", Text: text}}}})
		})
		if len(pendingEmits) == 2 {
			for _, f := range pendingEmits {
				f()
			}
			emit(sendToolUse())
			emit(agentproc.StreamMessage{Type: "result"})
		}
	}

	s := newTestSession(t, fa)
	s.Inject("long_task")
	time.Sleep(20 * time.Millisecond)
	s.Inject("say PING")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.ResultCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	if s.ResultCount() != 1 {
		t.Fatalf("expected exactly 1 result for the merged turn, got %d", s.ResultCount())
	}
	if s.PendingQueriesCount() != 0 {
		t.Fatalf("pending_queries_count must be 0 after the merged turn's result")
	}
	log := s.OutputLog()
	if !contains(log, "long_task") || !contains(log, "PING") {
		t.Fatalf("expected output log to contain both injections, got %q", log)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestIsHealthyFalseWhenErrorCountHigh(t *testing.T) {
	fa := agentproc.NewFakeAdapter()
	s := newTestSession(t, fa)
	s.mu.Lock()
	s.errorCount = 3
	s.mu.Unlock()
	if s.IsHealthy() {
		t.Fatalf("session with error_count>=3 must be unhealthy")
	}
}

func TestPermissionCallbackDeniesWriteForFavorite(t *testing.T) {
	allow, reason := CheckPermission(tier.Favorite, "Write", nil, "whitelisted-helper")
	if allow {
		t.Fatalf("Write must be denied for favorite tier, reason=%q", reason)
	}
}

func TestPermissionCallbackAllowsAdmin(t *testing.T) {
	allow, _ := CheckPermission(tier.Admin, "Write", nil, "whitelisted-helper")
	if !allow {
		t.Fatalf("admin tier must not be subject to the permission callback")
	}
}

func TestPermissionCallbackDeniesSensitiveRead(t *testing.T) {
	input := []byte(`{"file_path":"/home/user/.ssh/id_rsa"}`)
	allow, _ := CheckPermission(tier.Family, "Read", input, "whitelisted-helper")
	if allow {
		t.Fatalf("reading .ssh path must be denied for family tier")
	}
}

func TestPermissionCallbackAllowsWriteForFamily(t *testing.T) {
	allow, reason := CheckPermission(tier.Family, "Write", nil, "whitelisted-helper")
	if !allow {
		t.Fatalf("Write must be allowed for family tier, reason=%q", reason)
	}
	allow, reason = CheckPermission(tier.Family, "Edit", nil, "whitelisted-helper")
	if !allow {
		t.Fatalf("Edit must be allowed for family tier, reason=%q", reason)
	}
}
