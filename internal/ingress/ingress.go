// Package ingress multiplexes every configured messaging backend's inbound
// reader into Orchestrator.InjectMessage/InjectGroupMessage calls. Each
// backend owns how it discovers new messages (a CLI's own polling loop, a
// bot API long-poll, stdin for manual testing); this package only fans
// their output into the single session map.
package ingress

import (
	"context"

	"github.com/rs/zerolog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/assistantd/internal/config"
	"github.com/hrygo/assistantd/internal/message"
	"github.com/hrygo/assistantd/internal/orchestrator"
	"github.com/hrygo/assistantd/internal/tier"
)

// Reader produces inbound messages for one backend until ctx is cancelled.
type Reader interface {
	Name() string
	Run(ctx context.Context, deliver func(message.Message)) error
}

// Multiplexer owns every registered Reader and routes their output into
// the Orchestrator.
type Multiplexer struct {
	orch    *orchestrator.Orchestrator
	readers []Reader
	logger  zerolog.Logger
}

// NewMultiplexer builds the set of readers implied by cfg. The Telegram
// reader only starts if cfg.TelegramBotToken is set — it exists so the
// daemon has a runnable test/voice-demo ingestion path without a real
// iMessage/Signal bridge installed.
func NewMultiplexer(orch *orchestrator.Orchestrator, cfg *config.Config, logger zerolog.Logger) (*Multiplexer, error) {
	m := &Multiplexer{orch: orch, logger: logger}

	if cfg.TelegramBotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return nil, err
		}
		m.readers = append(m.readers, &telegramReader{bot: bot, logger: logger})
	}

	return m, nil
}

// Run starts every reader concurrently and blocks until ctx is cancelled.
func (m *Multiplexer) Run(ctx context.Context) {
	for _, r := range m.readers {
		r := r
		go func() {
			if err := r.Run(ctx, m.deliver); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Str("backend", r.Name()).Msg("ingress: reader exited")
			}
		}()
	}
	<-ctx.Done()
}

func (m *Multiplexer) deliver(msg message.Message) {
	if msg.Empty() {
		return
	}
	ctx := context.Background()
	attachments := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, a.Path)
	}

	var err error
	if msg.IsGroup {
		err = m.orch.InjectGroupMessage(ctx, msg.ChatID.Bare(), msg.GroupName, msg.SenderDisplayName, msg.Participants, msg.Tier, msg.Text, attachments, msg.AudioTranscription, msg.ReplyToGUID, msg.SourceBackend)
	} else {
		err = m.orch.InjectMessage(ctx, msg.SenderDisplayName, msg.ChatID.Bare(), msg.Tier, msg.Text, attachments, msg.AudioTranscription, msg.ReplyToGUID, msg.SourceBackend)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("chat_id", msg.ChatID.String()).Msg("ingress: delivery failed")
	}
}

// defaultTier is applied to senders the deployment hasn't classified yet
// (no contacts database wired, or a genuinely new sender).
const defaultTier = tier.Unknown
