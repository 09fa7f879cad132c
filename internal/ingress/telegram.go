package ingress

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/message"
)

// telegramReader long-polls Telegram's getUpdates endpoint, the voice/test
// demo ingestion path named in the domain stack (no real iMessage/Signal
// bridge is assumed to exist in this environment).
type telegramReader struct {
	bot    *tgbotapi.BotAPI
	logger zerolog.Logger
}

func (t *telegramReader) Name() string { return backend.NameVoice }

func (t *telegramReader) Run(ctx context.Context, deliver func(message.Message)) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.bot.GetUpdatesChan(cfg)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			t.handle(upd.Message, deliver)
		}
	}
}

func (t *telegramReader) handle(m *tgbotapi.Message, deliver func(message.Message)) {
	sender := "unknown"
	if m.From != nil {
		if m.From.UserName != "" {
			sender = m.From.UserName
		} else {
			sender = m.From.FirstName
		}
	}

	isGroup := m.Chat != nil && (m.Chat.IsGroup() || m.Chat.IsSuperGroup())
	msg := message.Message{
		Timestamp:         m.Time(),
		ChatID:            chatid.New(backend.NameVoice, chatIDForTelegram(m)),
		SenderID:          sender,
		SenderDisplayName: sender,
		Tier:              defaultTier,
		Text:              m.Text,
		IsGroup:           isGroup,
		SourceBackend:     backend.NameVoice,
	}
	if isGroup && m.Chat != nil {
		msg.GroupName = m.Chat.Title
		msg.Participants = t.groupParticipants(m.Chat.ID, sender)
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToGUID = chatIDForTelegramMsg(m.ReplyToMessage)
	}
	deliver(msg)
}

// groupParticipants reports the identifiers the bot can actually observe for
// a group: the sender, plus the chat's administrators (the Telegram Bot API
// has no call returning a full member roster, so admins are the closest
// thing to a known participant list it can expose).
func (t *telegramReader) groupParticipants(chatID int64, sender string) []string {
	participants := []string{sender}
	admins, err := t.bot.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		t.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("ingress: could not fetch telegram chat administrators")
		return participants
	}
	for _, admin := range admins {
		if admin.User == nil {
			continue
		}
		name := admin.User.UserName
		if name == "" {
			name = admin.User.FirstName
		}
		if name != "" && name != sender {
			participants = append(participants, name)
		}
	}
	return participants
}

func chatIDForTelegram(m *tgbotapi.Message) string {
	if m.Chat == nil {
		return "unknown"
	}
	return formatInt64(m.Chat.ID)
}

func chatIDForTelegramMsg(m *tgbotapi.Message) string {
	return formatInt64(int64(m.MessageID))
}

func formatInt64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
