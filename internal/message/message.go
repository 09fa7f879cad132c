// Package message defines the canonical inbound message value the Ingress
// Multiplexer produces and the Orchestrator consumes.
package message

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hrygo/assistantd/internal/chatid"
	"github.com/hrygo/assistantd/internal/tier"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".heic": true, ".heif": true, ".webp": true, ".bmp": true,
}

// Attachment is one piece of media attached to a Message.
type Attachment struct {
	Path      string
	MimeType  string
	Name      string
	SizeBytes int64
}

// IsImage reports whether the attachment's extension names an image format.
func (a Attachment) IsImage() bool {
	return imageExtensions[strings.ToLower(filepath.Ext(a.Path))]
}

// Message is an immutable value describing one inbound message. Construct
// it as a struct literal; a Message must never be mutated after construction — consumers
// that need a derived view (e.g. the wrapped prompt) build a new string
// rather than editing fields in place.
type Message struct {
	RowID              string
	Timestamp          time.Time
	ChatID             chatid.ID
	SenderID           string
	SenderDisplayName  string
	Tier               tier.Tier
	Text               string
	Attachments        []Attachment
	AudioTranscription string
	IsGroup            bool
	GroupName          string
	// Participants is the roster of the group this message belongs to, as
	// far as the backend can report it (may be partial or sender-only).
	Participants       []string
	ReplyToGUID        string
	SourceBackend      string
}

// Empty reports whether the message carries neither text nor attachments,
// nor an audio transcription — such messages are filtered at ingress and
// must never reach the orchestrator (§8 boundary behavior).
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" &&
		strings.TrimSpace(m.AudioTranscription) == "" &&
		len(m.Attachments) == 0
}

// ImageAttachments returns the subset of attachments with an image
// extension, in order, for the vision pipeline and the PreToolUse image
// probe.
func (m Message) ImageAttachments() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.IsImage() {
			out = append(out, a)
		}
	}
	return out
}
