package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/time/rate"
)

// templateArgs is substituted into a Backend's command templates.
type templateArgs struct {
	ChatID string
	Text   string
	Limit  int
}

// render expands each element of an argv template independently, returning
// the literal argv to exec — never a shell command line. Substituted values
// (chat_id, message text) land in a single argument slot each and can never
// be interpreted as additional flags or shell syntax, regardless of what
// characters they contain.
func render(argvTmpl []string, args templateArgs) ([]string, error) {
	if len(argvTmpl) == 0 {
		return nil, fmt.Errorf("backend: empty command template")
	}
	argv := make([]string, len(argvTmpl))
	for i, tmpl := range argvTmpl {
		t, err := template.New("cmd").Parse(tmpl)
		if err != nil {
			return nil, fmt.Errorf("backend: parse command template: %w", err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, args); err != nil {
			return nil, fmt.Errorf("backend: render command template: %w", err)
		}
		argv[i] = buf.String()
	}
	return argv, nil
}

// SendCommand renders the send-command argv for an individual chat.
func (b Backend) SendCommand(chatID, text string) ([]string, error) {
	return render(b.SendCmdTemplate, templateArgs{ChatID: chatID, Text: text})
}

// GroupSendCommand renders the send-command argv for a group chat.
func (b Backend) GroupSendCommand(chatID, text string) ([]string, error) {
	return render(b.GroupSendCmdTemplate, templateArgs{ChatID: chatID, Text: text})
}

// HistoryCommand renders the reply-history-fetch argv, when the backend
// exposes one.
func (b Backend) HistoryCommand(chatID string, limit int) ([]string, error) {
	return render(b.HistoryCmdTemplate, templateArgs{ChatID: chatID, Limit: limit})
}

// Sender invokes a backend's outbound send command, rate-limited per
// backend so a single runaway session cannot flood an external messaging
// CLI. Limiters are keyed by backend name, so every send through one Sender
// for a backend shares that backend's limit; the orchestrator holds one
// Sender for its direct replies.
type Sender struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// OnInvoke, when set, is called after every Invoke attempt for metrics.
	OnInvoke func(backendName string, err error)
}

// NewSender builds a Sender with a default per-backend rate of 5 sends/s,
// burst 10 — generous for a human-paced conversation, tight enough to
// bound a misbehaving agent loop.
func NewSender() *Sender {
	return &Sender{limiters: make(map[string]*rate.Limiter)}
}

func (s *Sender) limiterFor(name string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		s.limiters[name] = l
	}
	return l
}

// Invoke runs a rendered argv directly (no shell), waiting on the backend's
// rate limiter first. Running argv[0] as a direct child process, rather
// than through "sh -c", matches the spec's treatment of backends as
// external CLIs while keeping agent-authored message text out of any shell
// grammar.
func (s *Sender) Invoke(ctx context.Context, b Backend, argv []string) (err error) {
	if s.OnInvoke != nil {
		defer func() { s.OnInvoke(b.Name, err) }()
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return fmt.Errorf("backend: empty rendered command")
	}
	if err := s.limiterFor(b.Name).Wait(ctx); err != nil {
		return fmt.Errorf("backend: rate limiter wait: %w", err)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("backend: send command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SendTimeout bounds how long an outbound send may take before the caller
// gives up waiting on the external CLI.
const SendTimeout = 10 * time.Second
