package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

type fakeSession struct {
	chatID   string
	alive    bool
	bgOrMstr bool
}

func (f fakeSession) ChatIDString() string        { return f.chatID }
func (f fakeSession) IsAlive() bool               { return f.alive }
func (f fakeSession) IsBackgroundOrMaster() bool   { return f.bgOrMstr }

type fakeTranscript struct {
	byChat map[string]string
}

func (f fakeTranscript) RecentTranscript(chatID string) (string, error) {
	return f.byChat[chatID], nil
}

type fakeClassifier struct {
	fatal  map[string]string
}

func (f fakeClassifier) Classify(_ context.Context, text string) (bool, string, error) {
	if reason, ok := f.fatal[text]; ok {
		return true, reason, nil
	}
	return false, "", nil
}

func TestFastHealthCheckMatchesFatalPattern(t *testing.T) {
	transcript := fakeTranscript{byChat: map[string]string{
		"+15555551234": `{"type":"error","message":"invalid_request_error: 400 bad request"}`,
	}}
	sup := New(transcript, fakeClassifier{}, zerolog.Nop())

	sessions := []SessionView{fakeSession{chatID: "+15555551234", alive: true}}
	restarts := sup.FastHealthCheck(sessions)

	if len(restarts) != 1 || restarts[0] != "+15555551234" {
		t.Fatalf("expected restart for fatal pattern, got %v", restarts)
	}
	if !sup.isRecentlyHealed("+15555551234") {
		t.Fatalf("expected chat to be marked recently-healed")
	}
}

func TestFastHealthCheckExemptsBackgroundAndMaster(t *testing.T) {
	transcript := fakeTranscript{byChat: map[string]string{
		"owner-bg": "invalid_request_error",
	}}
	sup := New(transcript, fakeClassifier{}, zerolog.Nop())
	sessions := []SessionView{fakeSession{chatID: "owner-bg", alive: true, bgOrMstr: true}}
	restarts := sup.FastHealthCheck(sessions)
	if len(restarts) != 0 {
		t.Fatalf("background session must be exempt, got %v", restarts)
	}
}

func TestDeadSessionTriggersRestart(t *testing.T) {
	sup := New(fakeTranscript{}, fakeClassifier{}, zerolog.Nop())
	sessions := []SessionView{fakeSession{chatID: "+1", alive: false}}
	restarts := sup.FastHealthCheck(sessions)
	if len(restarts) != 1 {
		t.Fatalf("dead session must be restarted")
	}
}

func TestDedupHealAcrossTiers(t *testing.T) {
	transcript := fakeTranscript{byChat: map[string]string{"+1": "invalid_request_error"}}
	sup := New(transcript, fakeClassifier{fatal: map[string]string{"invalid_request_error": "looping"}}, zerolog.Nop())
	sessions := []SessionView{fakeSession{chatID: "+1", alive: true}}

	tier1 := sup.FastHealthCheck(sessions)
	skip := map[string]bool{}
	for _, c := range tier1 {
		skip[c] = true
	}
	tier2 := sup.DeepHealthCheck(context.Background(), sessions, skip)
	if len(tier2) != 0 {
		t.Fatalf("a session healed by tier 1 must not be re-healed by tier 2 in the same cycle: %v", tier2)
	}
}

func TestDeepHealthCheckFlagsFatal(t *testing.T) {
	transcript := fakeTranscript{byChat: map[string]string{"+1": "looping forever"}}
	sup := New(transcript, fakeClassifier{fatal: map[string]string{"looping forever": "loop detected"}}, zerolog.Nop())
	sessions := []SessionView{fakeSession{chatID: "+1", alive: true}}
	restarts := sup.DeepHealthCheck(context.Background(), sessions, map[string]bool{})
	if len(restarts) != 1 {
		t.Fatalf("expected tier 2 restart, got %v", restarts)
	}
}
