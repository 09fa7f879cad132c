// Package events centralizes the callback types sessions use to report
// activity (output text, tool timing, health signals) to their owner.
package events

import (
	"github.com/rs/zerolog"
)

// Callback is the unified event-reporting type. It receives an event type
// string and arbitrary event data.
type Callback func(eventType string, eventData any) error

// SafeCallback is a callback variant that does not propagate errors.
type SafeCallback func(eventType string, eventData any)

// NoopCallback does nothing.
var NoopCallback Callback = func(string, any) error { return nil }

// WrapSafe converts a Callback to a SafeCallback, logging and swallowing
// any error rather than propagating it — a session's receiver loop must
// never stall because an observer's callback misbehaved.
func WrapSafe(cb Callback, logger zerolog.Logger) SafeCallback {
	if cb == nil {
		return nil
	}
	return func(eventType string, eventData any) {
		if err := cb(eventType, eventData); err != nil {
			logger.Warn().Err(err).Str("event_type", eventType).Msg("event callback error (swallowed)")
		}
	}
}

// Event type tags emitted by a Session's receiver loop.
const (
	TypeAssistantText = "assistant_text"
	TypeToolStart      = "tool_start"
	TypeToolResult     = "tool_result"
	TypeTurnResult     = "turn_result"
	TypeSessionDead    = "session_dead"
)

// ToolTiming describes one completed tool invocation, emitted on
// TypeToolResult for metrics (§4.2).
type ToolTiming struct {
	ToolName   string
	DurationMS int64
	Category   string // derived: bash command name, file path dir/ext, fetch URL domain
}
