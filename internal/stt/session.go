package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/dispatch"
)

// Session outcomes reported to an Observer.
const (
	OutcomeFinal       = "final"
	OutcomeError       = "error"
	OutcomeCanceled    = "canceled"
	OutcomeStartFailed = "start_failed"
	OutcomeDestroyed   = "destroyed"
)

// Observer is notified once per session that reached Listening.
type Observer interface {
	ObserveSession(outcome string, elapsed time.Duration)
}

// Config holds the initial recognition settings.
type Config struct {
	Language       string
	PartialResults bool
	PreferOffline  bool
}

// Session is the recognition state machine. Every exported method except
// the read-only accessors posts its work to the dispatcher and returns at
// once; results reach the host through the SpeechSink given to Init.
type Session struct {
	d        *dispatch.Dispatcher
	factory  Factory
	logger   *slog.Logger
	observer Observer

	// Confined to the dispatcher goroutine.
	recognizer Recognizer
	channel    *callback.SpeechChannel
	retired    []<-chan struct{}
	generation uint64
	state      State
	language   string
	partial    bool
	offline    bool
	request    Request
	inflight   Request
	startedAt  time.Time

	// Mirrors readable from any goroutine.
	listening atomic.Bool
	current   atomic.Int32
}

// NewSession creates an uninitialized session whose platform work runs on d.
func NewSession(d *dispatch.Dispatcher, factory Factory, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		d:        d,
		factory:  factory,
		logger:   logger.With("component", "stt"),
		language: normalizeLanguage(cfg.Language),
		partial:  cfg.PartialResults,
		offline:  cfg.PreferOffline,
	}
	s.rebuild()
	return s
}

// SetObserver installs o; call it before Init.
func (s *Session) SetObserver(o Observer) { s.observer = o }

// Init replaces any prior recognizer with a fresh one and routes events to
// sink. A session that was Listening is ended first.
func (s *Session) Init(sink callback.SpeechSink) {
	s.d.Post(func() {
		if s.state == StateEnded {
			return
		}
		s.teardown()
		// The old sink still gets everything emitted so far, on its own
		// goroutine.
		s.retireChannel()
		s.channel = callback.NewSpeechChannel(sink, s.logger)

		if s.factory == nil {
			s.fail(sessionError(CodeNotInitialized, errors.New("no recognition engine configured")))
			return
		}
		r, err := s.factory.NewRecognizer()
		if err != nil {
			s.fail(sessionError(CodeNotInitialized, fmt.Errorf("creating recognizer: %w", err)))
			return
		}
		s.generation++
		r.SetListener(&listener{s: s, generation: s.generation})
		s.recognizer = r
		s.rebuild()
		s.setState(StateIdle)
		s.logger.Info("recognizer initialized", "language", s.request.Language)
	})
}

// SetLanguage sets the language tag for the next Start. Empty selects
// DefaultLanguage.
func (s *Session) SetLanguage(tag string) {
	s.d.Post(func() {
		s.language = normalizeLanguage(tag)
		s.rebuild()
	})
}

// SetPreferOffline toggles on-device recognition for the next Start.
func (s *Session) SetPreferOffline(v bool) {
	s.d.Post(func() {
		s.offline = v
		s.rebuild()
	})
}

// SetPartialResults toggles partial transcripts for the next Start.
func (s *Session) SetPartialResults(v bool) {
	s.d.Post(func() {
		s.partial = v
		s.rebuild()
	})
}

// IsAvailable reports whether the platform can recognize speech.
func (s *Session) IsAvailable() bool {
	return s.factory != nil && s.factory.Available()
}

// IsListening reports whether a session is between Start and its end.
func (s *Session) IsListening() bool { return s.listening.Load() }

// State returns the last state set on the dispatcher.
func (s *Session) State() State { return State(s.current.Load()) }

// Start begins a recognition attempt with the current configuration.
func (s *Session) Start() {
	s.d.Post(func() {
		if s.state == StateEnded {
			return
		}
		if s.recognizer == nil {
			s.fail(sessionError(CodeNotInitialized, errors.New("recognizer not initialized")))
			return
		}
		if s.state == StateListening {
			s.logger.Warn("start ignored, session already listening")
			return
		}

		s.inflight = s.request
		s.startedAt = time.Now()
		s.setState(StateListening)
		s.listening.Store(true)

		req := s.inflight
		if err := guard("start", func() error { return s.recognizer.StartListening(req) }); err != nil {
			s.setState(StateIdle)
			s.listening.Store(false)
			s.fail(sessionError(CodeStartFailed, err))
			s.end(OutcomeStartFailed)
			return
		}
		s.logger.Debug("listening", "language", req.Language, "partial", req.PartialResults)
	})
}

// Stop asks the platform to finalize input. The session stays Listening
// until the final result or error arrives.
func (s *Session) Stop() {
	s.d.Post(func() {
		if s.recognizer == nil {
			return
		}
		if err := guard("stop", s.recognizer.StopListening); err != nil {
			s.fail(sessionError(CodeStopFailed, err))
		}
	})
}

// Cancel aborts the current attempt. The session always ends, even if the
// platform cancel fails.
func (s *Session) Cancel() {
	s.d.Post(func() {
		if s.recognizer == nil {
			return
		}
		err := guard("cancel", s.recognizer.Cancel)
		if s.state != StateListening {
			if err != nil {
				s.logger.Debug("cancel failed outside a session", "error", err)
			}
			return
		}
		if err != nil {
			s.fail(sessionError(CodeCancelFailed, err))
		}
		s.setState(StateIdle)
		s.listening.Store(false)
		s.end(OutcomeCanceled)
	})
}

// Destroy releases the recognizer. Start then reports "not initialized" until
// the next Init.
func (s *Session) Destroy() {
	s.d.Post(func() {
		if s.state == StateEnded {
			return
		}
		s.teardown()
		s.setState(StateUninitialized)
	})
}

// Flush waits until every operation posted so far has run and every
// resulting callback has been delivered.
func (s *Session) Flush(ctx context.Context) error {
	var (
		ch      *callback.SpeechChannel
		retired []<-chan struct{}
	)
	// Platform events raised by earlier tasks queue behind them, hence the
	// second round.
	for range 2 {
		if err := s.d.Call(func() {
			ch = s.channel
			retired = s.pruneRetired()
		}); err != nil {
			return err
		}
	}
	if err := callback.Drained(ctx, retired...); err != nil {
		return err
	}
	return ch.Flush(ctx)
}

// Close destroys the recognizer, delivers pending callbacks and moves the
// session to Ended. Later calls are ignored.
func (s *Session) Close() {
	var (
		ch      *callback.SpeechChannel
		retired []<-chan struct{}
	)
	err := s.d.Call(func() {
		if s.state == StateEnded {
			return
		}
		s.teardown()
		s.setState(StateEnded)
		ch, s.channel = s.channel, nil
		retired, s.retired = s.retired, nil
	})
	if err != nil {
		s.logger.Debug("close after dispatcher shutdown", "error", err)
		return
	}
	ch.Close()
	_ = callback.Drained(context.Background(), retired...)
}

// retireChannel detaches the current channel and lets it drain without
// waiting. It runs on the dispatcher.
func (s *Session) retireChannel() {
	if s.channel == nil {
		return
	}
	s.channel.Retire()
	s.retired = append(s.retired, s.channel.Done())
	s.channel = nil
}

// pruneRetired drops drained channels and returns a copy of the rest.
func (s *Session) pruneRetired() []<-chan struct{} {
	kept := s.retired[:0]
	for _, done := range s.retired {
		select {
		case <-done:
		default:
			kept = append(kept, done)
		}
	}
	s.retired = kept
	return append([]<-chan struct{}(nil), kept...)
}

func (s *Session) rebuild() {
	s.request = Request{
		Language:       s.language,
		PartialResults: s.partial,
		PreferOffline:  s.offline,
		MaxResults:     MaxResults,
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.current.Store(int32(st))
}

// teardown destroys the recognizer and ends a live session.
func (s *Session) teardown() {
	if s.recognizer != nil {
		if err := guard("destroy", s.recognizer.Destroy); err != nil {
			s.logger.Warn("recognizer destroy failed", "error", err)
		}
		s.recognizer = nil
	}
	// Events still queued from the old recognizer are now stale.
	s.generation++
	if s.state == StateListening {
		s.end(OutcomeDestroyed)
	}
	s.listening.Store(false)
	if s.state != StateEnded {
		s.setState(StateUninitialized)
	}
}

func (s *Session) fail(e *Error) {
	s.logger.Warn("recognition error", "code", e.Code, "reason", e.Reason)
	s.channel.Error(e.Code, e.Reason)
}

func (s *Session) end(outcome string) {
	s.channel.End()
	if s.observer != nil {
		s.observer.ObserveSession(outcome, time.Since(s.startedAt))
	}
}

// onEvent runs fn on the dispatcher if the event belongs to the current
// recognizer and a session is live.
func (s *Session) onEvent(generation uint64, fn func()) {
	s.d.Post(func() {
		if generation != s.generation || s.state != StateListening {
			return
		}
		fn()
	})
}

func (s *Session) handleResults(candidates []string) {
	s.setState(StateIdle)
	s.listening.Store(false)
	s.channel.Final(first(candidates))
	s.end(OutcomeFinal)
}

func (s *Session) handleError(code int) {
	s.setState(StateIdle)
	s.listening.Store(false)
	s.fail(platformError(code))
	s.end(OutcomeError)
}

func (s *Session) handlePartial(candidates []string) {
	if !s.inflight.PartialResults || len(candidates) == 0 {
		return
	}
	s.channel.Partial(candidates[0])
}

// listener binds platform events to the recognizer generation that produced
// them.
type listener struct {
	s          *Session
	generation uint64
}

func (l *listener) ReadyForSpeech() {
	l.s.onEvent(l.generation, func() { l.s.channel.Ready() })
}

func (l *listener) BeginningOfSpeech() {
	l.s.onEvent(l.generation, func() { l.s.channel.Begin() })
}

// EndOfSpeech carries no host event; the result or error follows.
func (l *listener) EndOfSpeech() {
	l.s.onEvent(l.generation, func() { l.s.logger.Debug("end of speech") })
}

func (l *listener) PartialResults(candidates []string) {
	c := append([]string(nil), candidates...)
	l.s.onEvent(l.generation, func() { l.s.handlePartial(c) })
}

func (l *listener) Results(candidates []string) {
	c := append([]string(nil), candidates...)
	l.s.onEvent(l.generation, func() { l.s.handleResults(c) })
}

func (l *listener) Error(code int) {
	l.s.onEvent(l.generation, func() { l.s.handleError(code) })
}

// guard calls a platform method, converting a panic into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn()
}

func first(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}

func normalizeLanguage(tag string) string {
	if tag == "" {
		return DefaultLanguage
	}
	return tag
}
