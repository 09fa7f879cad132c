// Package health implements the two-tier Health Supervisor (§4.5): a fast
// regex scan of transcript text for fatal patterns baked into the
// conversation record, and a deep classifier pass for subjective failure
// modes the regex scan cannot see (looping, silent crashes).
package health

import (
	"bufio"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FatalPattern is one regex the Tier 1 scan matches against recent
// transcript text.
type FatalPattern struct {
	Pattern *regexp.Regexp
	Label   string
}

// defaultPatterns is the fatal-pattern table from §4.5: bad content already
// baked into the conversation record, where retrying only re-sends it.
var defaultPatterns = buildPatterns([]struct{ pattern, label string }{
	{`invalid_request_error`, "invalid_request_400"},
	{`image (dimensions|size) exceed`, "image_too_large"},
	{`context_length_exceeded`, "context_too_long"},
	{`prompt is too long`, "prompt_too_long"},
	{`authentication_failed`, "auth_failed"},
	{`billing_error`, "billing_error"},
	{`content size exceeds`, "content_too_large"},
})

func buildPatterns(raw []struct{ pattern, label string }) []FatalPattern {
	out := make([]FatalPattern, 0, len(raw))
	for _, r := range raw {
		re, err := regexp.Compile("(?i)" + r.pattern)
		if err != nil {
			continue // malformed pattern never reaches production; skip defensively
		}
		out = append(out, FatalPattern{Pattern: re, Label: r.label})
	}
	return out
}

// TranscriptReader reads the portion of a session's transcript written
// since the last scan. Implementations typically seek to the last ~128
// KiB of a JSON-lines file (§6).
type TranscriptReader interface {
	RecentTranscript(chatID string) (string, error)
}

// Classifier sends recent assistant output to a cheap model and returns
// "FATAL: <reason>" or "HEALTHY" (§4.5 Tier 2).
type Classifier interface {
	Classify(ctx context.Context, recentOutput string) (fatal bool, reason string, err error)
}

// SessionView is the subset of session.Session the supervisor needs,
// kept narrow so health doesn't import session (session may later import
// health for restart wiring via the orchestrator instead).
type SessionView interface {
	ChatIDString() string
	IsAlive() bool
	IsBackgroundOrMaster() bool
}

const (
	recentlyHealedTTL = 5 * time.Minute
	tier2OutputWindow = 5 * time.Minute
)

// Supervisor runs the Tier 1 and Tier 2 scans and reports chat_ids needing
// restart; it does not perform the restart itself (the orchestrator owns
// kill/create).
type Supervisor struct {
	patterns   []FatalPattern
	transcript TranscriptReader
	classifier Classifier
	logger     zerolog.Logger

	// OnRestart, when set, is called once per chat_id flagged for restart,
	// tagged with which tier caught it ("fast" or "deep"), for metrics.
	OnRestart func(tierScan, chatID string)

	mu            sync.Mutex
	recentlyHealed map[string]time.Time
}

// New builds a Supervisor with the default fatal-pattern table.
func New(transcript TranscriptReader, classifier Classifier, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		patterns:       defaultPatterns,
		transcript:     transcript,
		classifier:     classifier,
		logger:         logger,
		recentlyHealed: make(map[string]time.Time),
	}
}

// MarkHealed records that chat_id was just restarted, so neither tier
// double-heals it within the TTL window.
func (s *Supervisor) MarkHealed(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentlyHealed[chatID] = time.Now()
}

// isRecentlyHealed prunes expired entries and reports membership.
func (s *Supervisor) isRecentlyHealed(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.recentlyHealed[chatID]
	if !ok {
		return false
	}
	if time.Since(t) > recentlyHealedTTL {
		delete(s.recentlyHealed, chatID)
		return false
	}
	return true
}

// FastHealthCheck is Tier 1: regex scan of every non-exempt session's
// recent transcript plus a liveness probe. Returns the chat_ids needing
// restart, and marks each as recently-healed before returning, so Tier 2
// skips them within the TTL.
func (s *Supervisor) FastHealthCheck(sessions []SessionView) (toRestart []string) {
	for _, sess := range sessions {
		if sess.IsBackgroundOrMaster() {
			continue
		}
		chatID := sess.ChatIDString()
		if s.isRecentlyHealed(chatID) {
			continue
		}
		if !sess.IsAlive() {
			toRestart = append(toRestart, chatID)
			s.MarkHealed(chatID)
			s.notifyRestart("fast", chatID)
			continue
		}
		text, err := s.transcript.RecentTranscript(chatID)
		if err != nil {
			s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("health: transcript read failed")
			continue
		}
		if label, ok := s.matchFatal(text); ok {
			s.logger.Warn().Str("chat_id", chatID).Str("label", label).Msg("health: tier 1 fatal pattern matched")
			toRestart = append(toRestart, chatID)
			s.MarkHealed(chatID)
			s.notifyRestart("fast", chatID)
		}
	}
	return toRestart
}

func (s *Supervisor) notifyRestart(tierScan, chatID string) {
	if s.OnRestart != nil {
		s.OnRestart(tierScan, chatID)
	}
}

func (s *Supervisor) matchFatal(text string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		for _, p := range s.patterns {
			if p.Pattern.MatchString(line) {
				return p.Label, true
			}
		}
	}
	return "", false
}

// DeepHealthCheck is Tier 2: for sessions not hit by Tier 1 (skipSet) and
// not recently healed, classify recent output as FATAL or HEALTHY.
func (s *Supervisor) DeepHealthCheck(ctx context.Context, sessions []SessionView, skipSet map[string]bool) (toRestart []string) {
	for _, sess := range sessions {
		if sess.IsBackgroundOrMaster() {
			continue
		}
		chatID := sess.ChatIDString()
		if skipSet[chatID] || s.isRecentlyHealed(chatID) {
			continue
		}
		text, err := s.transcript.RecentTranscript(chatID)
		if err != nil {
			continue
		}
		fatal, reason, err := s.classifier.Classify(ctx, text)
		if err != nil {
			s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("health: classifier call failed")
			continue
		}
		if fatal {
			s.logger.Warn().Str("chat_id", chatID).Str("reason", reason).Msg("health: tier 2 classifier flagged fatal")
			toRestart = append(toRestart, chatID)
			s.MarkHealed(chatID)
			s.notifyRestart("deep", chatID)
		}
	}
	return toRestart
}

// OutputWindow is the 5-minute look-back period for Tier 2 output.
// DeepHealthCheck does not apply it: the classifier receives whatever
// RecentTranscript returns, with no time filter.
const OutputWindow = tier2OutputWindow
