package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/assistantd/internal/agentproc"
	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/tier"
)

// healmeMaxTurns and healmeTimeout bound the ephemeral HEALME diagnostic
// subprocess, by turns and by wall-clock time, so a stuck diagnostic can
// never itself become a zombie (§4.4).
const (
	healmeMaxTurns = 5
	healmeTimeout  = 15 * time.Minute
)

const replyChainLimit = 10

// wrapIndividualPrompt builds the templated prompt a 1:1 message becomes
// before injection (§4.4): sender identity, the backend's send command so
// the agent can reply, a tier/ACL reminder, and an expanded
// reply chain when the message answers an earlier one.
func (o *Orchestrator) wrapIndividualPrompt(ctx context.Context, b backend.Backend, senderName string, t tier.Tier, id chatid.ID, text string, attachments []string, audioTranscript, replyTo string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[message from %s, tier=%s]\n", senderName, t.String())
	if audioTranscript != "" {
		fmt.Fprintf(&sb, "[voice transcription]: %s\n", audioTranscript)
	}
	o.appendReplyChain(ctx, &sb, b, id, replyTo)
	sb.WriteString(text)
	if len(attachments) > 0 {
		fmt.Fprintf(&sb, "\n[%d attachment(s) received, analysis to follow separately]", len(attachments))
	}
	if argv, err := b.SendCommand(id.Bare(), "<your reply text>"); err == nil {
		fmt.Fprintf(&sb, "\n\nTo reply, run: %s", strings.Join(argv, " "))
	}
	if o.ctxSrc != nil {
		sb.WriteString("\n" + o.ctxSrc.TierRulesReminder(t))
	}
	return sb.String()
}

// wrapGroupPrompt mirrors wrapIndividualPrompt for a group chat, naming the
// speaking participant and using the group send command template.
func (o *Orchestrator) wrapGroupPrompt(ctx context.Context, b backend.Backend, groupName, senderName string, t tier.Tier, id chatid.ID, text string, attachments []string, audioTranscript, replyTo string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[group %q, message from %s]\n", groupName, senderName)
	if audioTranscript != "" {
		fmt.Fprintf(&sb, "[voice transcription]: %s\n", audioTranscript)
	}
	o.appendReplyChain(ctx, &sb, b, id, replyTo)
	sb.WriteString(text)
	if len(attachments) > 0 {
		fmt.Fprintf(&sb, "\n[%d attachment(s) received, analysis to follow separately]", len(attachments))
	}
	if argv, err := b.GroupSendCommand(id.Bare(), "<your reply text>"); err == nil {
		fmt.Fprintf(&sb, "\n\nTo reply to the group, run: %s", strings.Join(argv, " "))
	}
	if o.ctxSrc != nil {
		sb.WriteString("\n" + o.ctxSrc.TierRulesReminder(tier.Admin)) // group sessions always run admin-equivalent
	}
	return sb.String()
}

func (o *Orchestrator) appendReplyChain(ctx context.Context, sb *strings.Builder, b backend.Backend, id chatid.ID, replyTo string) {
	if replyTo == "" || o.history == nil {
		return
	}
	chain, err := o.history.ReplyChain(b.Name, id.Bare(), replyTo, replyChainLimit)
	if err != nil || len(chain) == 0 {
		return
	}
	sb.WriteString("[replying to an earlier message thread]\n")
	for _, m := range chain {
		fmt.Fprintf(sb, "  %s: %s\n", m.Sender, m.Text)
	}
}

// runVisionPipeline fires off a best-effort, fire-and-forget attachment
// analysis for a newly created session (§4.4): failures are silent since
// the primary text turn already went through without it.
func (o *Orchestrator) runVisionPipeline(ctx context.Context, sess interface{ Inject(string) }, b backend.Backend, id chatid.ID, attachments []string) {
	if o.vision == nil || len(attachments) == 0 {
		return
	}
	for _, path := range attachments {
		desc, err := o.vision.Analyze(ctx, path, "Describe this image for an assistant with no visual access.")
		if err != nil {
			o.logger.Debug().Err(err).Str("path", path).Msg("orchestrator: vision analysis failed, dropping")
			continue
		}
		sess.Inject(fmt.Sprintf("[vision] %s: %s", path, desc))
	}
}

// tryAdminIntercept handles the HEALME / MASTER / RESTART admin-tier
// keywords (§4.4), which never reach a regular session. Returns
// intercepted=true when the message was fully handled here.
func (o *Orchestrator) tryAdminIntercept(ctx context.Context, t tier.Tier, id chatid.ID, text string, b backend.Backend) (intercepted bool, err error) {
	if t != tier.Admin {
		return false, nil
	}
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.EqualFold(trimmed, "HEALME"):
		return true, o.handleHealMe(ctx, id, b)
	case strings.HasPrefix(strings.ToUpper(trimmed), "MASTER "):
		return true, o.InjectMasterPrompt(ctx, id.String(), strings.TrimSpace(trimmed[len("MASTER "):]))
	case strings.EqualFold(trimmed, "RESTART"):
		return true, o.handleRestartIntercept(ctx, id, b)
	}
	return false, nil
}

// handleHealMe runs a short-lived, bounded ephemeral diagnostic session and
// reports back via the owning backend's send command — it never touches the
// persistent session map.
func (o *Orchestrator) handleHealMe(ctx context.Context, id chatid.ID, b backend.Backend) error {
	handle := shortuuid.New()
	adapter := o.newAdapter()
	diagCtx, cancel := context.WithTimeout(ctx, healmeTimeout)
	defer cancel()
	o.logger.Info().Str("handle", handle).Str("chat_id", id.String()).Msg("orchestrator: healme diagnostic started")

	opts := agentproc.Options{
		Cwd:           o.baseDir,
		Tools:         []string{"Bash", "Read"},
		PermissionMode: string(tier.PermissionBypass),
		MaxTurns:      healmeMaxTurns,
		SystemPrompt:  "You are a bounded diagnostic helper. Report and exit; do not modify anything.",
	}
	if err := adapter.Connect(diagCtx, opts); err != nil {
		return fmt.Errorf("orchestrator: healme connect: %w", err)
	}
	defer adapter.Disconnect()
	if err := adapter.Query("Report current daemon health: list any sessions showing repeated tool failures or timeouts."); err != nil {
		return fmt.Errorf("orchestrator: healme query: %w", err)
	}
	report := "no report produced"
	msgs := adapter.ReceiveMessages()
receive:
	for {
		select {
		case <-diagCtx.Done():
			break receive
		case msg, ok := <-msgs:
			if !ok {
				break receive
			}
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					report = block.Text
				}
			}
			if msg.IsTerminal() {
				break receive
			}
		}
	}
	o.logger.Info().Str("handle", handle).Msg("orchestrator: healme diagnostic finished")
	o.replyDirect(ctx, b, id, "[healme] "+report)
	return nil
}

func (o *Orchestrator) handleRestartIntercept(ctx context.Context, id chatid.ID, b backend.Backend) error {
	// RESTART with no target restarts the sender's own session.
	_, err := o.RestartSession(ctx, id, nil)
	if err != nil {
		o.replyDirect(ctx, b, id, fmt.Sprintf("[restart] failed: %v", err))
		return err
	}
	o.replyDirect(ctx, b, id, "[restart] session restarted")
	return nil
}

// replyDirect sends a confirmation message without going through any agent
// session — used by the admin intercepts, which bypass the session map
// entirely (§4.4).
func (o *Orchestrator) replyDirect(ctx context.Context, b backend.Backend, id chatid.ID, text string) {
	argv, err := b.SendCommand(id.Bare(), text)
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, backend.SendTimeout)
	defer cancel()
	if err := o.sender.Invoke(sendCtx, b, argv); err != nil {
		o.logger.Warn().Err(err).Str("chat_id", id.String()).Msg("orchestrator: direct reply send failed")
	}
}
