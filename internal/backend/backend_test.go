package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Default.Name, Get("not-a-real-backend").Name)
}

func TestGetIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, NameSignal, Get("SIGNAL").Name)
}

func TestSendCommandRendersChatIDAndText(t *testing.T) {
	b := Get(NameVoice)
	argv, err := b.SendCommand("+15555551234", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"voice-speak", "--chat", "+15555551234", "--text", "hello"}, argv)
}

func TestSendCommandKeepsShellMetacharactersInOneArgument(t *testing.T) {
	b := Get(NameTest)
	argv, err := b.SendCommand("+15555551234", "hello; rm -rf / #")
	require.NoError(t, err)
	require.Len(t, argv, 2)
	assert.Equal(t, "hello; rm -rf / #", argv[1])
}

func TestSenderInvokesWithinRateLimitBurst(t *testing.T) {
	s := NewSender()
	b := Get(NameTest)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Invoke(ctx, b, []string{"true"}), "invoke %d", i)
	}
}

func TestSenderInvokesOnInvokeHookOnEveryAttempt(t *testing.T) {
	s := NewSender()
	b := Get(NameTest)
	var calls []error
	s.OnInvoke = func(backendName string, err error) {
		assert.Equal(t, NameTest, backendName)
		calls = append(calls, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, b, []string{"true"}))
	_ = s.Invoke(ctx, b, []string{})
	require.Len(t, calls, 2)
	assert.NoError(t, calls[0])
	assert.Error(t, calls[1])
}
