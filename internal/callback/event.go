package callback

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source identifies which engine produced an Event.
type Source string

const (
	SourceSTT Source = "stt"
	SourceTTS Source = "tts"
)

// Event is the transport-neutral form of a sink call, published to HTTP
// websocket clients and MQTT.
type Event struct {
	Source      Source    `json:"source"`
	Kind        string    `json:"kind"`
	Code        int       `json:"code,omitempty"`
	Text        string    `json:"text,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher receives every event passing through a Fanout.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout implements SpeechSink and SynthesisSink by converting each call into
// an Event and handing it to every attached publisher. It is meant to be the
// sink behind a channel, so calls arrive serialized and in order.
type Fanout struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	publishers map[string]Publisher
}

// NewFanout creates a fanout with no publishers.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		logger:     logger,
		now:        time.Now,
		publishers: make(map[string]Publisher),
	}
}

// Attach registers p under name, replacing any publisher with the same name.
func (f *Fanout) Attach(name string, p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers[name] = p
}

// Detach removes the publisher registered under name.
func (f *Fanout) Detach(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.publishers, name)
}

func (f *Fanout) publish(ev Event) {
	ev.Time = f.now()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for name, p := range f.publishers {
		if err := p.Publish(context.Background(), ev); err != nil {
			f.logger.Warn("event publish failed",
				"publisher", name,
				"source", ev.Source,
				"kind", ev.Kind,
				"error", err)
		}
	}
}

func (f *Fanout) OnReady()              { f.publish(Event{Source: SourceSTT, Kind: "ready"}) }
func (f *Fanout) OnBegin()              { f.publish(Event{Source: SourceSTT, Kind: "begin"}) }
func (f *Fanout) OnPartial(text string) { f.publish(Event{Source: SourceSTT, Kind: "partial", Text: text}) }
func (f *Fanout) OnFinal(text string)   { f.publish(Event{Source: SourceSTT, Kind: "final", Text: text}) }
func (f *Fanout) OnEnd()                { f.publish(Event{Source: SourceSTT, Kind: "end"}) }

func (f *Fanout) OnError(code int, reason string) {
	f.publish(Event{Source: SourceSTT, Kind: "error", Code: code, Reason: reason})
}

func (f *Fanout) OnEvent(kind SynthesisKind, utteranceID string) {
	f.publish(Event{
		Source:      SourceTTS,
		Kind:        kind.String(),
		Code:        int(kind),
		UtteranceID: utteranceID,
	})
}
