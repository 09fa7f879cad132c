package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyMessage(t *testing.T) {
	assert.True(t, (Message{}).Empty(), "zero-value message must be empty")
	assert.False(t, (Message{Text: "hi"}).Empty(), "message with text must not be empty")
	assert.False(t, (Message{Attachments: []Attachment{{Path: "a.png"}}}).Empty(), "message with attachment must not be empty")
	assert.False(t, (Message{AudioTranscription: "hey"}).Empty(), "message with audio transcription must not be empty")
}

func TestImageAttachments(t *testing.T) {
	m := Message{Attachments: []Attachment{
		{Path: "/tmp/a.HEIC"},
		{Path: "/tmp/b.txt"},
		{Path: "/tmp/c.png"},
	}}
	assert.Len(t, m.ImageAttachments(), 2)
}
