package agentproc

import (
	"context"
	"sync"
)

// FakeAdapter is an in-memory Adapter used by the test-harness backend and
// by unit tests exercising Session without spawning a real subprocess.
type FakeAdapter struct {
	mu       sync.Mutex
	alive    bool
	out      chan StreamMessage
	queries  []string
	OnQuery  func(text string, emit func(StreamMessage))
	sessID   string
}

// NewFakeAdapter creates a disconnected fake adapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{}
}

func (f *FakeAdapter) Connect(_ context.Context, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = true
	f.out = make(chan StreamMessage, 64)
	f.sessID = opts.ResumeID
	return nil
}

func (f *FakeAdapter) Query(text string) error {
	f.mu.Lock()
	f.queries = append(f.queries, text)
	emit := f.emit
	hook := f.OnQuery
	f.mu.Unlock()
	if hook != nil {
		hook(text, emit)
	} else {
		emit(StreamMessage{Type: "assistant", Message: struct {
			Content []ContentBlock `json:"content,omitempty"`
		}{Content: []ContentBlock{{Type: "text", Text: "ack: " + text}}}})
		emit(StreamMessage{Type: "result", SessionID: f.sessID})
	}
	return nil
}

func (f *FakeAdapter) emit(msg StreamMessage) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out != nil {
		out <- msg
	}
}

func (f *FakeAdapter) ReceiveMessages() <-chan StreamMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out
}

func (f *FakeAdapter) Interrupt() error { return nil }

func (f *FakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	if f.out != nil {
		close(f.out)
		f.out = nil
	}
	return nil
}

func (f *FakeAdapter) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

// Queries returns every prompt sent via Query, for test assertions.
func (f *FakeAdapter) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

// Emit pushes a message onto the adapter's outbound stream from a test,
// simulating an async agent event independent of Query.
func (f *FakeAdapter) Emit(msg StreamMessage) { f.emit(msg) }
