package orchestrator

import (
	"context"
	"fmt"

	"github.com/hrygo/assistantd/internal/backend"
	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/ipc"
	"github.com/hrygo/assistantd/internal/tier"
)

func noCtx() context.Context { return context.Background() }

// IPCHandler adapts an Orchestrator to the ipc.Handler interface (§4.8).
type IPCHandler struct {
	o *Orchestrator
}

// NewIPCHandler wraps o for use by an ipc.Server.
func NewIPCHandler(o *Orchestrator) *IPCHandler { return &IPCHandler{o: o} }

func (h *IPCHandler) Status(chatIDStr string) (any, error) {
	info, ok := h.o.GetSessionInfo(chatid.Parse(chatIDStr))
	if !ok {
		return nil, fmt.Errorf("no session for %s", chatIDStr)
	}
	return info, nil
}

func (h *IPCHandler) StatusAll() (any, error) {
	return h.o.GetAllSessions(), nil
}

func (h *IPCHandler) Kill(chatIDStr string) (any, error) {
	if !h.o.KillSession(chatid.Parse(chatIDStr)) {
		return nil, fmt.Errorf("no session for %s", chatIDStr)
	}
	return map[string]string{"status": "killed"}, nil
}

func (h *IPCHandler) KillAll() (any, error) {
	n := h.o.KillAllSessions()
	return map[string]int{"killed": n}, nil
}

func (h *IPCHandler) Restart(chatIDStr string) (any, error) {
	sess, err := h.o.RestartSession(noCtx(), chatid.Parse(chatIDStr), nil)
	if err != nil {
		return nil, err
	}
	return infoFor(sess), nil
}

func (h *IPCHandler) SetModel(chatIDStr, model string) (any, error) {
	return nil, fmt.Errorf("set_model not supported: a session's model is fixed at creation; restart %s with a new model instead", chatIDStr)
}

// Inject routes an admin-issued prompt per the request's flags (§4.8):
// admin=true goes to the persistent master session (chat_id doubles as the
// admin identifier there); bg=true calls InjectConsolidation for
// contact_name, which injects its own fixed consolidation prompt into the
// paired background session (the request's prompt text is not forwarded);
// otherwise it is a normal individual or group injection, picked by whether
// chat_id parses as a group id. sms only affected the original CLI's wire
// formatting — the header every wrapped prompt already carries
// (wrapIndividualPrompt/wrapGroupPrompt) makes a separate SMS-specific
// wrapper unnecessary here.
func (h *IPCHandler) Inject(req ipc.InjectRequest) (any, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("inject: prompt required")
	}
	if req.Admin {
		if req.ChatID == "" {
			return nil, fmt.Errorf("inject: admin injection requires chat_id as the admin identifier")
		}
		if err := h.o.InjectMasterPrompt(noCtx(), req.ChatID, req.Prompt); err != nil {
			return nil, err
		}
		return map[string]string{"status": "injected", "target": "master"}, nil
	}
	if req.ChatID == "" {
		return nil, fmt.Errorf("inject: chat_id required")
	}

	id := chatid.Parse(req.ChatID)
	source := req.Source
	if source == "" {
		source = backend.ForPrefix(id.BackendPrefix()).Name
	}
	t := tier.Parse(req.Tier)

	var err error
	switch {
	case req.Bg:
		err = h.o.InjectConsolidation(noCtx(), req.ContactName, id.Bare())
	case id.IsGroup():
		err = h.o.InjectGroupMessage(noCtx(), id.Bare(), req.ContactName, req.ContactName, nil, t, req.Prompt, nil, "", req.ReplyTo, source)
	default:
		err = h.o.InjectMessage(noCtx(), req.ContactName, id.Bare(), t, req.Prompt, nil, "", req.ReplyTo, source)
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"status": "injected"}, nil
}
