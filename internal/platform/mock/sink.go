package mock

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nadzzz/speechbridge/internal/callback"
)

// SpeechSink records recognition callbacks as short strings:
// "ready", "begin", "partial:<text>", "final:<text>", "error:<code>:<reason>", "end".
type SpeechSink struct {
	mu     sync.Mutex
	events []string
}

func (s *SpeechSink) add(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *SpeechSink) OnReady()              { s.add("ready") }
func (s *SpeechSink) OnBegin()              { s.add("begin") }
func (s *SpeechSink) OnPartial(text string) { s.add("partial:" + text) }
func (s *SpeechSink) OnFinal(text string)   { s.add("final:" + text) }
func (s *SpeechSink) OnEnd()                { s.add("end") }

func (s *SpeechSink) OnError(code int, reason string) {
	s.add(fmt.Sprintf("error:%d:%s", code, reason))
}

// Events returns the recorded callbacks.
func (s *SpeechSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// Count returns how many recorded callbacks start with prefix.
func (s *SpeechSink) Count(prefix string) int {
	n := 0
	for _, ev := range s.Events() {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

// SynthesisEvent is one recorded synthesis callback.
type SynthesisEvent struct {
	Kind        callback.SynthesisKind
	UtteranceID string
}

// SynthesisSink records synthesis callbacks.
type SynthesisSink struct {
	mu     sync.Mutex
	events []SynthesisEvent
}

func (s *SynthesisSink) OnEvent(kind callback.SynthesisKind, utteranceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, SynthesisEvent{Kind: kind, UtteranceID: utteranceID})
}

// Events returns the recorded callbacks.
func (s *SynthesisSink) Events() []SynthesisEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SynthesisEvent(nil), s.events...)
}

// Kinds returns the kinds recorded for one utterance, in order.
func (s *SynthesisSink) Kinds(utteranceID string) []callback.SynthesisKind {
	var kinds []callback.SynthesisKind
	for _, ev := range s.Events() {
		if ev.UtteranceID == utteranceID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}
