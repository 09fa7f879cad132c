// Package session wraps one agent subprocess and presents the mid-turn
// steering interface (§4.2): a prompt injected while a turn is in flight
// reaches the agent between its tool calls, and the turn's single
// terminating ResultToken resolves every prompt merged into it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/events"
	"github.com/hrygo/assistantd/internal/imageprobe"
	"github.com/hrygo/assistantd/internal/tier"
)

// Type is the session's functional role.
type Type string

const (
	TypeIndividual Type = "individual"
	TypeGroup      Type = "group"
	TypeBackground Type = "background"
	TypeMaster     Type = "master"
)

// Model names the agent models a session may run under.
const (
	ModelOpus   = "opus"
	ModelSonnet = "sonnet"
	ModelHaiku  = "haiku"
)

const (
	senderPopTimeout     = 30 * time.Second
	staleWindow          = 10 * time.Minute
	pendingToolMaxAge    = 30 * time.Minute
	maxSendFailures      = 3
	maxBufferSizeDefault = 10 << 20 // 10 MiB
)

// Config is the immutable configuration a Session is built from.
type Config struct {
	ChatID        chatid.ID
	ContactName   string
	Tier          tier.Tier
	Cwd           string
	Type          Type
	SourceBackend backend.Backend
	Model         string
}

type pendingTool struct {
	name      string
	input     json.RawMessage
	startedAt time.Time
}

// Session owns one agent subprocess. Exactly one Session may exist in the
// orchestrator's session map per ChatId at any instant.
type Session struct {
	cfg     Config
	adapter agentproc.Adapter
	queue   *promptQueue
	logger  zerolog.Logger
	cb      events.SafeCallback

	mu                    sync.RWMutex
	createdAt             time.Time
	lastActivity          time.Time
	turnCount             int
	errorCount            int
	consecutiveErrorTurns int
	sessionID             string
	isRunning             bool
	outputLog             strings.Builder
	pendingTools          map[string]pendingTool
	sendCmdSeenThisTurn   bool
	resultCount           int

	pendingQueriesCount int64 // atomic; monotone, reset to 0 only on ResultToken

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Session around adapter, not yet started.
func New(cfg Config, adapter agentproc.Adapter, cb events.Callback, logger zerolog.Logger) *Session {
	return &Session{
		cfg:          cfg,
		adapter:      adapter,
		queue:        newPromptQueue(),
		logger:       logger.With().Str("chat_id", cfg.ChatID.String()).Str("session_type", string(cfg.Type)).Logger(),
		cb:           events.WrapSafe(cb, logger),
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		pendingTools: make(map[string]pendingTool),
		stopCh:       make(chan struct{}),
	}
}

// capabilities resolves the tier.Capabilities a session runs under:
// group sessions always run admin-equivalent (§4.3's group-sessions row).
func (s *Session) capabilities() tier.Capabilities {
	if s.cfg.Type == TypeGroup {
		return tier.ForGroup()
	}
	return tier.For(s.cfg.Tier)
}

// Start connects the subprocess and launches the sender and receiver
// tasks. resumeID, when non-empty, is passed through so the adapter
// resumes that prior conversation. An empty resumeID passes no resume id
// and no explicit session id, so the agent starts a new conversation under
// whatever id it assigns itself (§4.2).
func (s *Session) Start(ctx context.Context, resumeID string) error {
	caps := s.capabilities()
	model := s.cfg.Model
	if model == "" {
		model = ModelOpus
	}

	opts := agentproc.Options{
		Cwd:            s.cfg.Cwd,
		Tools:          caps.Tools,
		PermissionMode: string(caps.PermissionMode),
		Model:          model,
		FallbackModel:  ModelSonnet,
		MaxTurns:       caps.MaxTurns,
		MaxBufferSize:  maxBufferSizeDefault,
		ResumeID:       resumeID,
	}
	if err := s.adapter.Connect(ctx, opts); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}

	s.mu.Lock()
	s.isRunning = true
	s.sessionID = resumeID
	s.mu.Unlock()

	s.wg.Add(2)
	go s.senderLoop()
	go s.receiverLoop()
	return nil
}

// Inject enqueues a prompt for the agent and returns immediately.
func (s *Session) Inject(text string) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.queue.Push(text)
}

// Interrupt asks the underlying subprocess to stop producing output for the
// current turn.
func (s *Session) Interrupt() error {
	return s.adapter.Interrupt()
}

// Stop cancels the receiver, kills the subprocess, and waits for both
// tasks to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.adapter.Disconnect()
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// IsAlive reports whether the subprocess is up and both tasks are active.
func (s *Session) IsAlive() bool {
	s.mu.RLock()
	running := s.isRunning
	s.mu.RUnlock()
	return running && s.adapter.IsAlive()
}

// IsBusy is pending_queries_count > 0 — it resets to 0 exactly when a
// ResultToken arrives, atomically and monotonically; see the package doc.
func (s *Session) IsBusy() bool {
	return atomic.LoadInt64(&s.pendingQueriesCount) > 0
}

// PendingQueriesCount exposes the counter for tests and metrics.
func (s *Session) PendingQueriesCount() int64 {
	return atomic.LoadInt64(&s.pendingQueriesCount)
}

// IsHealthy reports alive AND error_count<3 AND consecutive_error_turns<3
// AND (queue empty OR within the staleness window) — §3's Session
// invariant.
func (s *Session) IsHealthy() bool {
	if !s.IsAlive() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.errorCount >= 3 || s.consecutiveErrorTurns >= 3 {
		return false
	}
	if s.queue.Len() == 0 {
		return true
	}
	return time.Since(s.lastActivity) <= staleWindow
}

// LastActivity, ChatID, Tier, Type, ContactName, SessionID, TurnCount,
// ErrorCount are read-only accessors used by the registry/orchestrator.
func (s *Session) ChatID() chatid.ID   { return s.cfg.ChatID }
func (s *Session) Tier() tier.Tier     { return s.cfg.Tier }
func (s *Session) Type() Type          { return s.cfg.Type }
func (s *Session) ContactName() string { return s.cfg.ContactName }
func (s *Session) Cwd() string         { return s.cfg.Cwd }

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Session) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turnCount
}

// ResultCount is the number of ResultTokens processed so far — used by
// tests asserting that merged turns produce exactly one terminating result.
func (s *Session) ResultCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resultCount
}

func (s *Session) OutputLog() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputLog.String()
}

// senderLoop pulls one prompt at a time, invoking the subprocess query API.
func (s *Session) senderLoop() {
	defer s.wg.Done()
	consecutiveFailures := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		text, ok := s.queue.Pop(senderPopTimeout)
		if !ok {
			continue
		}

		atomic.AddInt64(&s.pendingQueriesCount, 1)
		if err := s.adapter.Query(text); err != nil {
			atomic.AddInt64(&s.pendingQueriesCount, -1)
			s.mu.Lock()
			s.errorCount++
			s.mu.Unlock()
			consecutiveFailures++
			s.logger.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("session: send failed")

			if consecutiveFailures >= maxSendFailures {
				s.mu.Lock()
				s.isRunning = false
				s.mu.Unlock()
				s.logger.Error().Msg("session: giving up after repeated send failures")
				return
			}
			time.Sleep(time.Duration(2*s.errorCountSnapshot()) * time.Second)
			// Retry the same prompt.
			s.queue.pushFront(text)
			continue
		}
		consecutiveFailures = 0
	}
}

func (s *Session) errorCountSnapshot() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorCount
}

// pushFront is used only by the sender's own retry path.
func (q *promptQueue) pushFront(text string) {
	q.mu.Lock()
	q.items = append([]string{text}, q.items...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// receiverLoop drains the subprocess message stream indefinitely,
// classifying each message per §4.2.
func (s *Session) receiverLoop() {
	defer s.wg.Done()
	for msg := range s.adapter.ReceiveMessages() {
		switch msg.Type {
		case "assistant":
			s.handleAssistant(msg)
		case "user":
			s.handleUserToolResult(msg)
		case "result", "error":
			s.handleResult(msg)
		}
	}
	// Channel closed: subprocess reader exited, session is no longer alive.
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	if s.cb != nil {
		s.cb(events.TypeSessionDead, s.cfg.ChatID.String())
	}
}

func (s *Session) handleAssistant(msg agentproc.StreamMessage) {
	argv, _ := s.cfg.SourceBackend.SendCommand(s.cfg.ChatID.Bare(), "")
	var sendProgram string
	if len(argv) > 0 {
		sendProgram = argv[0]
	}

	s.mu.Lock()
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			s.outputLog.WriteString(block.Text)
			s.outputLog.WriteByte('\n')
		case "tool_use":
			s.pendingTools[block.ToolUseID] = pendingTool{name: block.ToolName, input: block.Input, startedAt: time.Now()}
			if sendProgram != "" && strings.Contains(toolCommandText(block), sendProgram) {
				s.sendCmdSeenThisTurn = true
			}
		}
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.cb != nil {
		for _, block := range msg.Message.Content {
			if block.Type == "text" {
				s.cb(events.TypeAssistantText, block.Text)
			}
		}
	}
}

func toolCommandText(block agentproc.ContentBlock) string {
	return string(block.Input)
}

func firstToken(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *Session) handleUserToolResult(msg agentproc.StreamMessage) {
	now := time.Now()
	var timings []events.ToolTiming
	s.mu.Lock()
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		pt, ok := s.pendingTools[block.ToolUseID]
		if !ok {
			continue
		}
		delete(s.pendingTools, block.ToolUseID)
		timings = append(timings, events.ToolTiming{
			ToolName:   pt.name,
			DurationMS: now.Sub(pt.startedAt).Milliseconds(),
			Category:   categorize(pt.name, pt.input),
		})
	}
	s.lastActivity = now
	s.mu.Unlock()

	if s.cb != nil {
		for _, t := range timings {
			s.cb(events.TypeToolResult, t)
		}
	}
}

// categorize derives a coarse structured label from a tool invocation's
// input for metrics, per §4.2: bash command name (first token only; no
// skill name is extracted), file path dir+ext, fetch URL domain.
func categorize(toolName string, input json.RawMessage) string {
	var asMap map[string]any
	_ = json.Unmarshal(input, &asMap)
	switch toolName {
	case "Bash":
		if cmd, ok := asMap["command"].(string); ok {
			return "bash:" + firstToken(cmd)
		}
	case "Read", "Write", "Edit":
		if p, ok := asMap["file_path"].(string); ok {
			return toolName + ":" + filepath.Dir(p) + "/*" + filepath.Ext(p)
		}
	case "WebFetch":
		if u, ok := asMap["url"].(string); ok {
			if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
				return "fetch:" + parsed.Host
			}
		}
	}
	return toolName
}

// handleResult processes a ResultToken: end of turn, possibly merged.
func (s *Session) handleResult(msg agentproc.StreamMessage) {
	atomic.StoreInt64(&s.pendingQueriesCount, 0)

	s.mu.Lock()
	s.errorCount = 0
	s.turnCount++
	if msg.SessionID != "" {
		s.sessionID = msg.SessionID
	}
	if msg.IsError || msg.Type == "error" {
		s.consecutiveErrorTurns++
	} else {
		s.consecutiveErrorTurns = 0
	}
	s.resultCount++
	s.pruneStaleTools()

	sendSeen := s.sendCmdSeenThisTurn
	s.sendCmdSeenThisTurn = false
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// Stop hook (§4.2): if the turn never invoked the backend send-command,
	// remind the agent the user hasn't been updated. Never blocks shutdown.
	if !sendSeen && s.cfg.Type != TypeBackground && s.cfg.Type != TypeMaster {
		s.Inject("[system reminder] the user has not been sent a reply yet this turn — use the send command to reply.")
	}

	if s.cb != nil {
		s.cb(events.TypeTurnResult, msg)
	}
}

// pruneStaleTools drops pending-tool bookkeeping older than 30 minutes — a
// dead edge case (a tool_result that never arrives) that would otherwise
// leak memory forever. Caller must hold s.mu.
func (s *Session) pruneStaleTools() {
	cutoff := time.Now().Add(-pendingToolMaxAge)
	for id, pt := range s.pendingTools {
		if pt.startedAt.Before(cutoff) {
			delete(s.pendingTools, id)
		}
	}
}

// CheckFileReadPreHook implements the PreToolUse image-dimension probe
// (§4.2): denies a Read on an oversized image. agentproc.Options carries no
// hooks, so no running session calls it on the agent's tool calls; it is
// invoked only by direct callers.
func CheckFileReadPreHook(path string) error {
	return imageprobe.Check(path)
}

// CheckPermission implements the runtime permission-callback rules for
// tiers subject to it (§4.3): deny Write/Edit/NotebookEdit for Favorite and
// below (Family is granted those tools directly, per its capability set, and
// never hits this deny branch); allow Bash only when it invokes the one
// whitelisted program; deny Read of sensitive paths. No running session
// calls it on the agent's tool calls (agentproc.Options carries no
// permission callback); it is invoked only by direct callers.
func CheckPermission(t tier.Tier, toolName string, input json.RawMessage, whitelistedProgram string) (allow bool, reason string) {
	if !tier.NeedsPermissionCallback(t) {
		return true, ""
	}
	switch toolName {
	case "Write", "Edit", "NotebookEdit":
		if t == tier.Family {
			return true, ""
		}
		return false, toolName + " is not permitted at this trust tier"
	case "Bash":
		var asMap map[string]any
		_ = json.Unmarshal(input, &asMap)
		cmd, _ := asMap["command"].(string)
		if whitelistedProgram == "" || firstToken(cmd) != whitelistedProgram {
			return false, "only " + whitelistedProgram + " may be invoked at this trust tier"
		}
		return true, ""
	case "Read":
		var asMap map[string]any
		_ = json.Unmarshal(input, &asMap)
		p, _ := asMap["file_path"].(string)
		for _, sensitive := range []string{".ssh", ".env", "credentials", "secrets"} {
			if strings.Contains(p, sensitive) {
				return false, "path touches a sensitive location"
			}
		}
		return true, ""
	default:
		return true, ""
	}
}
