// Package orchestrator owns the session map, routes ingress to sessions,
// enforces one-session-per-chat-id, and coordinates restart/kill (§4.4).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/events"
	"github.com/hrygo/assistantd/internal/idlereaper"
	"github.com/hrygo/assistantd/internal/metrics"
	"github.com/hrygo/assistantd/internal/registry"
	"github.com/hrygo/assistantd/internal/session"
	"github.com/hrygo/assistantd/internal/tier"
)

// MasterChatID is the well-known chat_id of the persistent admin
// super-session, exempt from idle reaping like background sessions.
const MasterChatID = "__master__"

// Contacts resolves tier and display name for a sender, and answers group
// admission questions (§4.4). Backed by a read-only SQLite snapshot in
// production; see internal/contacts.
type Contacts interface {
	Lookup(senderID string) (t tier.Tier, displayName string, ok bool)
	GroupHasBlessedParticipant(participants []string) bool
}

// History resolves a reply-chain for reply-to expansion (§4.4). Backed by
// a read-only SQLite snapshot in production; see internal/history.
type History interface {
	ReplyChain(backendName, chatID, replyToGUID string, limit int) ([]ReplyChainMessage, error)
}

// ReplyChainMessage is one prior message in an expanded reply thread.
type ReplyChainMessage struct {
	Sender string
	Text   string
}

// VisionAnalyzer describes an attachment and returns a free-text
// description for injection as a second, tagged prompt (§4.4).
type VisionAnalyzer interface {
	Analyze(ctx context.Context, imagePath string, contextPrompt string) (string, error)
}

// ContextSources supplies the slow, possibly-subprocess-backed pieces of
// the initial system prompt (§4.4): identity doc, contact notes, memory
// summaries, chat context files, pending-summary reclamation. The
// orchestrator calls only TierRulesReminder (once per wrapped prompt); it
// composes no initial system prompt, and the other methods are not invoked.
type ContextSources interface {
	IdentityDocument() string
	ContactNotes(ctx context.Context, participant string) (string, error)
	MemorySummary(ctx context.Context, participant string) (string, error)
	ChatContextFile(ctx context.Context, chatID string) (string, error)
	ReclaimPendingSummary(ctx context.Context, cwd string) (string, error)
	TierRulesReminder(t tier.Tier) string
}

// AdapterFactory builds a fresh, unconnected Adapter for a new session.
type AdapterFactory func() agentproc.Adapter

// Info is the public snapshot returned by status queries.
type Info struct {
	ChatID       string
	ContactName  string
	Tier         string
	Type         string
	SourceBackend string
	Model        string
	SessionID    string
	IsAlive      bool
	IsHealthy    bool
	IsBusy       bool
	TurnCount    int
	LastActivity time.Time
}

// Orchestrator owns every live Session and the registry they persist to.
type Orchestrator struct {
	reg      *registry.Registry
	contacts Contacts
	history  History
	vision   VisionAnalyzer
	ctxSrc   ContextSources
	sender   *backend.Sender
	newAdapter AdapterFactory
	baseDir  string
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session.Session

	zombieGroup singleflight.Group

	draining bool
	drainMu  sync.Mutex
}

// New builds an Orchestrator. baseDir is the root under which per-session
// working directories ("<baseDir>/<session_name>/") are created.
func New(reg *registry.Registry, contacts Contacts, history History, vision VisionAnalyzer, ctxSrc ContextSources, newAdapter AdapterFactory, baseDir string, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		reg:        reg,
		contacts:   contacts,
		history:    history,
		vision:     vision,
		ctxSrc:     ctxSrc,
		sender:     backend.NewSender(),
		newAdapter: newAdapter,
		baseDir:    baseDir,
		logger:     logger,
		sessions:   make(map[string]*session.Session),
	}
}

// WithMetrics attaches a metrics sink; optional, nil-safe if never called.
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	o.sender.OnInvoke = func(backendName string, err error) {
		m.SendsTotal.WithLabelValues(backendName).Inc()
		if err != nil {
			m.SendFailures.WithLabelValues(backendName).Inc()
		}
	}
	return o
}

func (o *Orchestrator) isDraining() bool {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()
	return o.draining
}

// getOrCreate implements the lazy-session-creation algorithm (§4.4): the
// orchestrator mutex is held only for the check-and-create step, never
// across an agent call or slow subprocess work.
func (o *Orchestrator) getOrCreate(ctx context.Context, id chatid.ID, b backend.Backend, sessType session.Type, contactName string, t tier.Tier, model string) (*session.Session, bool, error) {
	key := id.String()

	o.mu.Lock()
	existing, ok := o.sessions[key]
	if ok && !existing.IsAlive() {
		// Zombie: the subprocess or receiver died without the map noticing.
		delete(o.sessions, key)
		ok = false
		o.mu.Unlock()
		o.zombieGroup.Do(key, func() (any, error) {
			existing.Stop()
			return nil, nil
		})
		o.mu.Lock()
	}
	if ok {
		mismatch := existing.Tier() != t && sessType != session.TypeGroup
		if !mismatch {
			o.mu.Unlock()
			return existing, false, nil
		}
		delete(o.sessions, key)
	}
	o.mu.Unlock()

	if ok {
		// Tier mismatch: restart outside the lock.
		existing.Stop()
		o.logger.Info().Str("chat_id", key).Msg("orchestrator: tier mismatch, restarting session")
	}

	cwd := filepath.Join(o.baseDir, registry.SessionName(b.RegistryPrefix, id))
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, false, fmt.Errorf("orchestrator: mkdir session cwd: %w", err)
	}

	sess := session.New(session.Config{
		ChatID:        id,
		ContactName:   contactName,
		Tier:          t,
		Cwd:           cwd,
		Type:          sessType,
		SourceBackend: b,
		Model:         model,
	}, o.newAdapter(), o.eventCallback(key), o.logger)

	resumeID := ""
	if entry, ok := o.reg.Get(id); ok {
		resumeID = entry.SessionID
	}
	if err := sess.Start(ctx, resumeID); err != nil {
		return nil, false, fmt.Errorf("orchestrator: start session: %w", err)
	}

	o.mu.Lock()
	o.sessions[key] = sess
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SessionsLive.WithLabelValues(t.String(), string(sessType)).Inc()
	}

	_ = o.reg.Register(id, registry.Entry{
		SessionName:   registry.SessionName(b.RegistryPrefix, id),
		Cwd:           cwd,
		SessionType:   string(sessType),
		ContactName:   contactName,
		Tier:          t.String(),
		SourceBackend: b.Name,
		Model:         model,
		SessionID:     resumeID,
	})

	return sess, true, nil
}

func (o *Orchestrator) eventCallback(chatID string) events.Callback {
	return func(eventType string, data any) error {
		switch eventType {
		case events.TypeTurnResult:
			o.reg.UpdateLastMessageTime(chatid.Parse(chatID))
		case events.TypeToolResult:
			if o.metrics != nil {
				if t, ok := data.(events.ToolTiming); ok {
					o.metrics.ObserveToolDuration(t.Category, time.Duration(t.DurationMS)*time.Millisecond)
				}
			}
		}
		return nil
	}
}

// InjectMessage routes a 1:1 chat message to its session, creating it
// lazily on first contact.
func (o *Orchestrator) InjectMessage(ctx context.Context, senderName, rawChatID string, t tier.Tier, text string, attachments []string, audioTranscript, replyTo, source string) error {
	if o.isDraining() {
		return fmt.Errorf("orchestrator: draining, message dropped")
	}
	b := backend.Get(source)
	id := chatid.New(b.RegistryPrefix, rawChatID)

	if intercepted, err := o.tryAdminIntercept(ctx, t, id, text, b); intercepted {
		return err
	}

	sess, created, err := o.getOrCreate(ctx, id, b, session.TypeIndividual, senderName, t, "")
	if err != nil {
		o.logger.Error().Err(err).Str("chat_id", id.String()).Msg("orchestrator: could not create session, dropping message")
		return nil
	}

	prompt := o.wrapIndividualPrompt(ctx, b, senderName, t, id, text, attachments, audioTranscript, replyTo)
	sess.Inject(prompt)
	o.reg.UpdateLastMessageTime(id)

	if created {
		go o.runVisionPipeline(context.Background(), sess, b, id, attachments)
	}
	return nil
}

// InjectGroupMessage routes a group chat message, applying the group
// admission rule (§4.4, §8 property 7) before creating a session. participants
// is the group's known roster as the ingress reader observed it (the sending
// backend may only be able to report a subset); admission checks whether
// any contact across that roster — not just the message's sender — is
// blessed.
func (o *Orchestrator) InjectGroupMessage(ctx context.Context, rawChatID, groupDisplayName, senderName string, participants []string, senderTier tier.Tier, text string, attachments []string, audioTranscript, replyTo, source string) error {
	if o.isDraining() {
		return fmt.Errorf("orchestrator: draining, message dropped")
	}
	b := backend.Get(source)
	id := chatid.New(b.RegistryPrefix, rawChatID)

	key := id.String()
	o.mu.Lock()
	_, sessionExists := o.sessions[key]
	o.mu.Unlock()

	roster := knownRoster(senderName, participants, o.reg, id)

	if !sessionExists {
		if _, regExists := o.reg.Get(id); !regExists {
			if !o.contacts.GroupHasBlessedParticipant(roster) {
				o.logger.Info().Str("chat_id", key).Msg("orchestrator: group message dropped, no established session and no blessed participant")
				return nil
			}
		}
	}

	sess, created, err := o.getOrCreate(ctx, id, b, session.TypeGroup, groupDisplayName, senderTier, "")
	if err != nil {
		o.logger.Error().Err(err).Str("chat_id", key).Msg("orchestrator: could not create group session, dropping message")
		return nil
	}
	o.reg.MergeParticipants(id, roster)

	prompt := o.wrapGroupPrompt(ctx, b, groupDisplayName, senderName, senderTier, id, text, attachments, audioTranscript, replyTo)
	sess.Inject(prompt)
	o.reg.UpdateLastMessageTime(id)

	if created {
		go o.runVisionPipeline(context.Background(), sess, b, id, attachments)
	}
	return nil
}

// knownRoster unions the sender, the participants this delivery observed,
// and any participants already recorded for the chat_id in the registry —
// the accumulated roster across every message the group has sent so far.
func knownRoster(senderName string, participants []string, reg *registry.Registry, id chatid.ID) []string {
	seen := make(map[string]bool, len(participants)+1)
	var roster []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		roster = append(roster, name)
	}
	add(senderName)
	for _, p := range participants {
		add(p)
	}
	if entry, ok := reg.Get(id); ok {
		for _, p := range entry.Participants {
			add(p)
		}
	}
	return roster
}

// InjectConsolidation routes a periodic consolidation prompt into the
// paired background session for a contact.
func (o *Orchestrator) InjectConsolidation(ctx context.Context, contactName, rawChatID string) error {
	b := backend.Default
	id := chatid.New(b.RegistryPrefix, rawChatID).Background()
	sess, _, err := o.getOrCreate(ctx, id, b, session.TypeBackground, contactName, tier.Admin, "")
	if err != nil {
		return err
	}
	sess.Inject(fmt.Sprintf("[background consolidation] run the nightly consolidation pass for %s.", contactName))
	return nil
}

// CreateMasterSession creates (if absent) the persistent admin super-session.
func (o *Orchestrator) CreateMasterSession(ctx context.Context) (*session.Session, error) {
	id := chatid.New("", MasterChatID)
	sess, _, err := o.getOrCreate(ctx, id, backend.Default, session.TypeMaster, "owner", tier.Admin, session.ModelOpus)
	return sess, err
}

// InjectMasterPrompt routes an admin prompt into the master session.
func (o *Orchestrator) InjectMasterPrompt(ctx context.Context, adminID, prompt string) error {
	sess, err := o.CreateMasterSession(ctx)
	if err != nil {
		return err
	}
	sess.Inject(fmt.Sprintf("[%s]: %s", adminID, prompt))
	return nil
}

// KillSession stops and removes a session from the map, keeping the
// registry entry (resume is still possible).
func (o *Orchestrator) KillSession(id chatid.ID) bool {
	o.mu.Lock()
	sess, ok := o.sessions[id.String()]
	if ok {
		delete(o.sessions, id.String())
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	if sid := sess.SessionID(); sid != "" {
		_ = o.reg.UpdateSessionID(id, sid)
	}
	sess.Stop()
	if o.metrics != nil {
		o.metrics.SessionsLive.WithLabelValues(sess.Tier().String(), string(sess.Type())).Dec()
	}
	return true
}

// KillByChatIDString kills a session addressed by its canonical chat_id
// string, for callers (the idle reaper) that only hold a string snapshot.
func (o *Orchestrator) KillByChatIDString(chatID string) bool {
	return o.KillSession(chatid.Parse(chatID))
}

// Snapshot returns a read-only view of every live session, safe to iterate
// without holding the orchestrator's lock (§4.6's idle-reaper contract).
func (o *Orchestrator) Snapshot() []idlereaper.SessionView {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]idlereaper.SessionView, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, idleSessionView{s})
	}
	return out
}

type idleSessionView struct{ s *session.Session }

func (v idleSessionView) ChatIDString() string       { return v.s.ChatID().String() }
func (v idleSessionView) IsAlive() bool              { return v.s.IsAlive() }
func (v idleSessionView) IsBackgroundOrMaster() bool { return v.s.Type() == session.TypeBackground || v.s.Type() == session.TypeMaster }
func (v idleSessionView) LastActivity() time.Time    { return v.s.LastActivity() }

// KillAllSessions stops every live session.
func (o *Orchestrator) KillAllSessions() int {
	o.mu.Lock()
	ids := make([]chatid.ID, 0, len(o.sessions))
	for k := range o.sessions {
		ids = append(ids, chatid.Parse(k))
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.KillSession(id)
	}
	return len(ids)
}

// RestartSession implements the §4.5 restart sequence: snapshot, kill,
// delete the agent-side session index to prevent auto-resume of a
// poisoned conversation, recreate with the snapshot's fields and
// resume_id = prior session_id.
func (o *Orchestrator) RestartSession(ctx context.Context, id chatid.ID, tierOverride *tier.Tier) (*session.Session, error) {
	entry, hadEntry := o.reg.Get(id)
	o.KillSession(id)

	if hadEntry && entry.Cwd != "" {
		_ = os.Remove(filepath.Join(entry.Cwd, "sessions-index.json"))
	}

	b := backend.Get(entry.SourceBackend)
	t := tier.Parse(entry.Tier)
	if tierOverride != nil {
		t = *tierOverride
	}
	sessType := session.Type(entry.SessionType)
	if sessType == "" {
		sessType = session.TypeIndividual
	}

	sess, _, err := o.getOrCreate(ctx, id, b, sessType, entry.ContactName, t, entry.Model)
	return sess, err
}

// GetAllSessions returns an Info snapshot for every live session.
func (o *Orchestrator) GetAllSessions() []Info {
	o.mu.Lock()
	snapshot := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		snapshot = append(snapshot, s)
	}
	o.mu.Unlock()

	out := make([]Info, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, infoFor(s))
	}
	return out
}

// GetSessionInfo returns the Info for one chat_id, if a session exists.
func (o *Orchestrator) GetSessionInfo(id chatid.ID) (Info, bool) {
	o.mu.Lock()
	s, ok := o.sessions[id.String()]
	o.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return infoFor(s), true
}

func infoFor(s *session.Session) Info {
	return Info{
		ChatID:       s.ChatID().String(),
		ContactName:  s.ContactName(),
		Tier:         s.Tier().String(),
		Type:         string(s.Type()),
		SessionID:    s.SessionID(),
		IsAlive:      s.IsAlive(),
		IsHealthy:    s.IsHealthy(),
		IsBusy:       s.IsBusy(),
		TurnCount:    s.TurnCount(),
		LastActivity: s.LastActivity(),
	}
}

// Shutdown implements §4.7: drain, summarize every live session
// concurrently with a 60s/session timeout (best effort), persist
// session_ids, stop every session and remove it from the map, flush the
// registry.
func (o *Orchestrator) Shutdown(ctx context.Context, summarize func(ctx context.Context, cwd string) error) {
	o.drainMu.Lock()
	o.draining = true
	o.drainMu.Unlock()

	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	if summarize != nil {
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range sessions {
			s := s
			g.Go(func() error {
				summaryCtx, cancel := context.WithTimeout(gctx, 60*time.Second)
				defer cancel()
				if err := summarize(summaryCtx, s.Cwd()); err != nil {
					o.logger.Debug().Err(err).Str("chat_id", s.ChatID().String()).Msg("shutdown: summarize failed, continuing")
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, s := range sessions {
		if sid := s.SessionID(); sid != "" {
			_ = o.reg.UpdateSessionID(s.ChatID(), sid)
		}
	}
	for _, s := range sessions {
		s.Stop()
	}
	o.mu.Lock()
	for _, s := range sessions {
		delete(o.sessions, s.ChatID().String())
	}
	o.mu.Unlock()
	_ = o.reg.Flush()
}
