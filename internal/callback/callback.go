// Package callback carries engine events back to the host.
//
// The host implements SpeechSink and/or SynthesisSink. Engines never call a
// sink directly: they emit through a channel, which queues the call on its own
// serial executor and returns at once. Delivery order equals emission order,
// and a slow or panicking sink never blocks the engine loop.
package callback

import (
	"context"
	"log/slog"

	"github.com/nadzzz/speechbridge/internal/dispatch"
)

// SpeechSink receives recognition session events.
type SpeechSink interface {
	// OnReady reports that the recognizer is ready for speech.
	OnReady()
	// OnBegin reports that the user started speaking.
	OnBegin()
	// OnPartial delivers an intermediate, possibly revised transcript.
	OnPartial(text string)
	// OnFinal delivers the final transcript of the session.
	OnFinal(text string)
	// OnError reports a session error with its numeric code and reason.
	OnError(code int, reason string)
	// OnEnd closes the session; it always follows the last content event.
	OnEnd()
}

// SynthesisKind enumerates utterance progress events. The numeric values are
// part of the host wire contract.
type SynthesisKind int

const (
	KindStart  SynthesisKind = 0
	KindFinish SynthesisKind = 1
	KindCancel SynthesisKind = 2
	KindError  SynthesisKind = 5
)

func (k SynthesisKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindFinish:
		return "finish"
	case KindCancel:
		return "cancel"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends an utterance.
func (k SynthesisKind) Terminal() bool {
	return k == KindFinish || k == KindCancel || k == KindError
}

// SynthesisSink receives utterance progress events. utteranceID is empty for
// errors not tied to a specific utterance (e.g. a failed stop).
type SynthesisSink interface {
	OnEvent(kind SynthesisKind, utteranceID string)
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// SpeechChannel emits recognition events to a SpeechSink.
type SpeechChannel struct {
	exec *dispatch.Dispatcher
	sink SpeechSink
}

// NewSpeechChannel creates a channel delivering to sink. A nil sink is valid;
// events are then discarded.
func NewSpeechChannel(sink SpeechSink, logger *slog.Logger) *SpeechChannel {
	return &SpeechChannel{
		exec: dispatch.New("stt-callback", logger),
		sink: sink,
	}
}

func (c *SpeechChannel) emit(fn func(SpeechSink)) {
	if c == nil || c.sink == nil {
		return
	}
	sink := c.sink
	c.exec.Post(func() { fn(sink) })
}

func (c *SpeechChannel) Ready()              { c.emit(func(s SpeechSink) { s.OnReady() }) }
func (c *SpeechChannel) Begin()              { c.emit(func(s SpeechSink) { s.OnBegin() }) }
func (c *SpeechChannel) Partial(text string) { c.emit(func(s SpeechSink) { s.OnPartial(text) }) }
func (c *SpeechChannel) Final(text string)   { c.emit(func(s SpeechSink) { s.OnFinal(text) }) }
func (c *SpeechChannel) End()                { c.emit(func(s SpeechSink) { s.OnEnd() }) }

func (c *SpeechChannel) Error(code int, reason string) {
	c.emit(func(s SpeechSink) { s.OnError(code, reason) })
}

// Flush waits until every event emitted so far has been delivered.
func (c *SpeechChannel) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.exec.Sync(ctx)
}

// Close delivers pending events and stops the channel.
func (c *SpeechChannel) Close() {
	if c != nil {
		c.exec.Close()
	}
}

// Retire stops the channel without waiting. Events already emitted are still
// delivered, so a sink may call back into the engine while it drains.
func (c *SpeechChannel) Retire() {
	if c != nil {
		c.exec.Shutdown()
	}
}

// Done is closed once a closed or retired channel has delivered its last event.
func (c *SpeechChannel) Done() <-chan struct{} {
	if c == nil {
		return closedCh
	}
	return c.exec.Done()
}

// Drained waits until every channel in retired has delivered its last event.
func Drained(ctx context.Context, retired ...<-chan struct{}) error {
	for _, done := range retired {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SynthesisChannel emits utterance events to a SynthesisSink.
type SynthesisChannel struct {
	exec *dispatch.Dispatcher
	sink SynthesisSink
}

// NewSynthesisChannel creates a channel delivering to sink; nil discards.
func NewSynthesisChannel(sink SynthesisSink, logger *slog.Logger) *SynthesisChannel {
	return &SynthesisChannel{
		exec: dispatch.New("tts-callback", logger),
		sink: sink,
	}
}

// Event queues kind for delivery.
func (c *SynthesisChannel) Event(kind SynthesisKind, utteranceID string) {
	if c == nil || c.sink == nil {
		return
	}
	sink := c.sink
	c.exec.Post(func() { sink.OnEvent(kind, utteranceID) })
}

// Flush waits until every event emitted so far has been delivered.
func (c *SynthesisChannel) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.exec.Sync(ctx)
}

// Close delivers pending events and stops the channel.
func (c *SynthesisChannel) Close() {
	if c != nil {
		c.exec.Close()
	}
}

// Retire stops the channel without waiting. Events already emitted are still
// delivered, so a sink may call back into the engine while it drains.
func (c *SynthesisChannel) Retire() {
	if c != nil {
		c.exec.Shutdown()
	}
}

// Done is closed once a closed or retired channel has delivered its last event.
func (c *SynthesisChannel) Done() <-chan struct{} {
	if c == nil {
		return closedCh
	}
	return c.exec.Done()
}
