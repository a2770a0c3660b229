package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/dispatch"
	"github.com/nadzzz/speechbridge/internal/waitreg"
)

// DefaultFileTimeout bounds SynthesizeToFile when Config leaves it unset.
const DefaultFileTimeout = 15 * time.Second

// File synthesis results reported to an Observer.
const (
	FileOK       = "ok"
	FileFailed   = "failed"
	FileTimeout  = "timeout"
	FileRejected = "rejected"
	FileCanceled = "canceled"
)

// Observer receives engine telemetry. Methods are called on the dispatcher
// goroutine, except FileSynthesized which runs on the caller's.
type Observer interface {
	StateChanged(s State)
	UtteranceEnded(kind callback.SynthesisKind, elapsed time.Duration)
	FileSynthesized(result string, elapsed time.Duration)
}

// Config holds engine settings.
type Config struct {
	// Language is the initial locale tag.
	Language string

	// VoiceID is the initial default voice.
	VoiceID string

	// CacheDir receives SynthesizeToFile output. Empty uses os.TempDir.
	CacheDir string

	// FileTimeout bounds SynthesizeToFile. Zero uses DefaultFileTimeout.
	FileTimeout time.Duration
}

type record struct {
	id      string
	file    bool
	outcome Outcome
	queued  time.Time

	// Set once the caller gave up on a file request. The platform may still
	// write path, so the record is kept until its terminal event.
	path      string
	abandoned bool
}

// Engine is the synthesis state machine.
type Engine struct {
	d        *dispatch.Dispatcher
	factory  Factory
	waits    *waitreg.Registry
	logger   *slog.Logger
	observer Observer
	newID    func() string

	cacheDir    string
	fileTimeout time.Duration

	// Confined to the dispatcher goroutine.
	synth      Synthesizer
	channel    *callback.SynthesisChannel
	retired    []<-chan struct{}
	generation uint64
	state      State
	locale     string
	voiceID    string
	rate       float64
	pitch      float64
	records    map[string]*record

	current atomic.Int32
}

// NewEngine creates an uninitialized engine whose platform work runs on d.
func NewEngine(d *dispatch.Dispatcher, factory Factory, waits *waitreg.Registry, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if waits == nil {
		waits = waitreg.New()
	}
	timeout := cfg.FileTimeout
	if timeout <= 0 {
		timeout = DefaultFileTimeout
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	return &Engine{
		d:           d,
		factory:     factory,
		waits:       waits,
		logger:      logger.With("component", "tts"),
		newID:       uuid.NewString,
		cacheDir:    cacheDir,
		fileTimeout: timeout,
		locale:      normalizeLanguage(cfg.Language),
		voiceID:     cfg.VoiceID,
		rate:        DefaultRate,
		pitch:       DefaultPitch,
		records:     make(map[string]*record),
	}
}

// SetObserver installs o; call it before Init.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// FileTimeout returns the bound applied to SynthesizeToFile.
func (e *Engine) FileTimeout() time.Duration { return e.fileTimeout }

// State returns the last state set on the dispatcher.
func (e *Engine) State() State { return State(e.current.Load()) }

// Ready reports whether Speak and SynthesizeToFile can succeed.
func (e *Engine) Ready() bool { return e.State() == StateReady }

// Init starts a fresh platform synthesizer, replacing any prior one, and
// routes progress events to sink. The engine becomes Ready once the platform
// reports successful initialization.
func (e *Engine) Init(sink callback.SynthesisSink) {
	e.d.Post(func() {
		e.teardown()
		// The old sink still gets everything emitted so far, on its own
		// goroutine.
		e.retireChannel()
		e.channel = callback.NewSynthesisChannel(sink, e.logger)

		if e.factory == nil {
			e.logger.Error("no synthesis engine configured")
			e.channel.Event(callback.KindError, "")
			return
		}

		e.generation++
		e.setState(StateInitializing)
		l := &listener{e: e, generation: e.generation}
		var s Synthesizer
		err := guard("init", func() (err error) {
			s, err = e.factory.NewSynthesizer(l)
			return err
		})
		if err != nil {
			e.logger.Error("creating synthesizer", "error", err)
			e.setState(StateUninitialized)
			e.channel.Event(callback.KindError, "")
			return
		}
		e.synth = s
	})
}

// SetLanguage sets the fallback locale. Empty selects DefaultLanguage.
func (e *Engine) SetLanguage(tag string) {
	e.d.Post(func() { e.locale = normalizeLanguage(tag) })
}

// SetVoiceID sets the default voice; empty clears it.
func (e *Engine) SetVoiceID(id string) {
	e.d.Post(func() { e.voiceID = id })
}

// IsSpeaking reports whether the platform is currently producing audio.
func (e *Engine) IsSpeaking() bool {
	var speaking bool
	_ = e.d.Call(func() {
		if e.synth == nil {
			return
		}
		_ = guard("is speaking", func() error {
			speaking = e.synth.IsSpeaking()
			return nil
		})
	})
	return speaking
}

// Stop interrupts the playing utterance and drops the queued ones. Each of
// them then reports Cancel.
func (e *Engine) Stop() {
	e.d.Post(func() {
		if e.synth == nil {
			return
		}
		if err := guard("stop", e.synth.Stop); err != nil {
			e.logger.Warn("stop failed", "error", err)
			e.channel.Event(callback.KindError, "")
		}
	})
}

// ListVoices returns the voices the platform offers.
func (e *Engine) ListVoices() ([]Voice, error) {
	var (
		voices []Voice
		err    error
	)
	if callErr := e.d.Call(func() {
		if e.state != StateReady {
			err = ErrNotReady
			return
		}
		err = guard("voices", func() (err error) {
			voices, err = e.synth.Voices()
			return err
		})
	}); callErr != nil {
		return nil, ErrNotReady
	}
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return nil, err
		}
		return nil, fmt.Errorf("listing voices: %w", err)
	}
	return append([]Voice(nil), voices...), nil
}

// Speak submits req for playback and returns the status together with the
// new utterance id (empty unless accepted).
func (e *Engine) Speak(req Request) (Status, string) {
	status, id := StatusNotReady, ""
	_ = e.d.Call(func() {
		if e.state != StateReady || req.Text == "" {
			return
		}
		u := e.prepare(req)
		e.records[u.ID] = &record{id: u.ID, queued: time.Now()}

		if err := guard("speak", func() error { return e.synth.Speak(u, req.Queue) }); err != nil {
			delete(e.records, u.ID)
			e.logger.Warn("speak rejected", "utterance_id", u.ID, "error", err)
			e.channel.Event(callback.KindError, u.ID)
			status = StatusRejected
			return
		}
		e.logger.Debug("speak accepted",
			"utterance_id", u.ID,
			"voice", u.VoiceID,
			"locale", u.Locale,
			"mode", req.Queue.String())
		status, id = StatusAccepted, u.ID
	})
	return status, id
}

// SynthesizeToFile renders req into a new WAV file and blocks until the
// platform finishes, the file timeout elapses or ctx is done. On success the
// caller owns the returned absolute path.
func (e *Engine) SynthesizeToFile(ctx context.Context, req Request) (string, error) {
	began := time.Now()
	var (
		path string
		w    *waitreg.Waiter
		err  error
	)
	if callErr := e.d.Call(func() { path, w, err = e.submitFile(req) }); callErr != nil {
		err = ErrNotReady
	}
	if err != nil {
		e.observeFile(FileRejected, began)
		return "", err
	}

	outcome, waitErr := e.waits.Wait(ctx, w, e.fileTimeout)
	switch {
	case waitErr == nil && outcome == waitreg.Done:
		e.observeFile(FileOK, began)
		return path, nil

	case waitErr == nil:
		removeFile(path, e.logger)
		e.observeFile(FileFailed, began)
		return "", fmt.Errorf("utterance %s: %w", w.ID(), ErrSynthesisFailed)

	default:
		id := w.ID()
		if err := e.d.Call(func() { e.abandon(id, path) }); err != nil {
			removeFile(path, e.logger)
		}
		if errors.Is(waitErr, waitreg.ErrTimeout) {
			e.logger.Warn("file synthesis timed out", "utterance_id", id, "timeout", e.fileTimeout)
			e.observeFile(FileTimeout, began)
			return "", fmt.Errorf("utterance %s after %s: %w", id, e.fileTimeout, ErrTimeout)
		}
		e.observeFile(FileCanceled, began)
		return "", fmt.Errorf("utterance %s: %w", id, waitErr)
	}
}

// Destroy shuts the platform synthesizer down. Pending utterances report
// Cancel and blocked SynthesizeToFile calls fail.
func (e *Engine) Destroy() {
	e.d.Post(e.teardown)
}

// Flush waits until every operation posted so far has run and every
// resulting callback has been delivered.
func (e *Engine) Flush(ctx context.Context) error {
	var (
		ch      *callback.SynthesisChannel
		retired []<-chan struct{}
	)
	// Platform events raised by earlier tasks queue behind them, hence the
	// second round.
	for range 2 {
		if err := e.d.Call(func() {
			ch = e.channel
			retired = e.pruneRetired()
		}); err != nil {
			return err
		}
	}
	if err := callback.Drained(ctx, retired...); err != nil {
		return err
	}
	return ch.Flush(ctx)
}

// Close destroys the engine and delivers pending callbacks. The sinks are
// drained off the dispatcher, so a sink may still call into the engine.
func (e *Engine) Close() {
	var (
		ch      *callback.SynthesisChannel
		retired []<-chan struct{}
	)
	err := e.d.Call(func() {
		e.teardown()
		ch, e.channel = e.channel, nil
		retired, e.retired = e.retired, nil
	})
	if err != nil {
		e.logger.Debug("close after dispatcher shutdown", "error", err)
		return
	}
	ch.Close()
	_ = callback.Drained(context.Background(), retired...)
}

// retireChannel detaches the current channel and lets it drain without
// waiting. It runs on the dispatcher.
func (e *Engine) retireChannel() {
	if e.channel == nil {
		return
	}
	e.channel.Retire()
	e.retired = append(e.retired, e.channel.Done())
	e.channel = nil
}

// pruneRetired drops drained channels and returns a copy of the rest.
func (e *Engine) pruneRetired() []<-chan struct{} {
	kept := e.retired[:0]
	for _, done := range e.retired {
		select {
		case <-done:
		default:
			kept = append(kept, done)
		}
	}
	e.retired = kept
	return append([]<-chan struct{}(nil), kept...)
}

// abandon runs on the dispatcher after a file request timed out or its
// caller went away. The file is removed now and again when the platform
// reports the request, in case it writes the file late.
func (e *Engine) abandon(id, path string) {
	removeFile(path, e.logger)
	if rec, ok := e.records[id]; ok {
		rec.abandoned = true
		rec.path = path
	}
}

// submitFile runs on the dispatcher. The waiter is registered before the
// platform sees the request so a fast completion cannot be missed.
func (e *Engine) submitFile(req Request) (string, *waitreg.Waiter, error) {
	if e.state != StateReady || req.Text == "" {
		return "", nil, ErrNotReady
	}

	f, err := os.CreateTemp(e.cacheDir, "tts_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("creating output file: %v: %w", err, ErrSynthesisFailed)
	}
	path := f.Name()
	_ = f.Close()
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	u := e.prepare(req)
	w, err := e.waits.Register(u.ID)
	if err != nil {
		removeFile(path, e.logger)
		return "", nil, fmt.Errorf("registering utterance %s: %v: %w", u.ID, err, ErrRejected)
	}
	e.records[u.ID] = &record{id: u.ID, file: true, queued: time.Now()}

	if err := guard("synthesize to file", func() error { return e.synth.SynthesizeToFile(u, path) }); err != nil {
		e.waits.Remove(u.ID)
		delete(e.records, u.ID)
		removeFile(path, e.logger)
		e.logger.Warn("file synthesis rejected", "utterance_id", u.ID, "error", err)
		e.channel.Event(callback.KindError, u.ID)
		return "", nil, fmt.Errorf("utterance %s: %v: %w", u.ID, err, ErrRejected)
	}
	e.logger.Debug("file synthesis submitted", "utterance_id", u.ID, "path", path)
	return path, w, nil
}

// prepare clamps the parameters into the engine configuration and resolves
// the voice.
func (e *Engine) prepare(req Request) Utterance {
	e.rate = ClampRate(req.Rate)
	e.pitch = ClampPitch(req.Pitch)

	u := Utterance{
		ID:     e.newID(),
		Text:   req.Text,
		Rate:   e.rate,
		Pitch:  e.pitch,
		Volume: ClampVolume(req.Volume),
	}
	switch {
	case req.Voice != "":
		if e.hasVoice(req.Voice) {
			u.VoiceID = req.Voice
		} else {
			u.Locale = req.Voice
		}
	case e.voiceID != "" && e.hasVoice(e.voiceID):
		u.VoiceID = e.voiceID
	default:
		u.Locale = e.locale
	}
	return u
}

func (e *Engine) hasVoice(id string) bool {
	var voices []Voice
	err := guard("voices", func() (err error) {
		voices, err = e.synth.Voices()
		return err
	})
	if err != nil {
		e.logger.Debug("voice lookup failed", "error", err)
		return false
	}
	for _, v := range voices {
		if v.ID == id {
			return true
		}
	}
	return false
}

// teardown shuts the synthesizer down and settles every outstanding
// utterance. It runs on the dispatcher.
func (e *Engine) teardown() {
	if e.synth != nil {
		if err := guard("shutdown", e.synth.Shutdown); err != nil {
			e.logger.Warn("synthesizer shutdown failed", "error", err)
		}
		e.synth = nil
	}
	e.generation++
	for id, rec := range e.records {
		delete(e.records, id)
		if rec.abandoned {
			removeFile(rec.path, e.logger)
			continue
		}
		if rec.file {
			e.waits.Resolve(id, waitreg.Failed)
		}
		e.finish(rec, callback.KindCancel)
	}
	e.setState(StateUninitialized)
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.current.Store(int32(s))
	if e.observer != nil {
		e.observer.StateChanged(s)
	}
}

func (e *Engine) finish(rec *record, kind callback.SynthesisKind) {
	switch kind {
	case callback.KindFinish:
		rec.outcome = OutcomeDone
	case callback.KindCancel:
		rec.outcome = OutcomeStopped
	default:
		rec.outcome = OutcomeError
	}
	e.channel.Event(kind, rec.id)
	if e.observer != nil {
		e.observer.UtteranceEnded(kind, time.Since(rec.queued))
	}
}

func (e *Engine) observeFile(result string, began time.Time) {
	if e.observer != nil {
		e.observer.FileSynthesized(result, time.Since(began))
	}
}

// onEvent runs fn on the dispatcher if the event comes from the current
// synthesizer.
func (e *Engine) onEvent(generation uint64, fn func()) {
	e.d.Post(func() {
		if generation != e.generation {
			return
		}
		fn()
	})
}

func (e *Engine) handleInitialized(err error) {
	if e.state != StateInitializing {
		return
	}
	if err != nil {
		e.logger.Error("synthesizer initialization failed", "error", err)
		if e.synth != nil {
			_ = guard("shutdown", e.synth.Shutdown)
			e.synth = nil
		}
		e.setState(StateUninitialized)
		return
	}
	e.setState(StateReady)
	e.logger.Info("synthesizer ready", "language", e.locale)
}

func (e *Engine) handleStarted(id string) {
	rec, ok := e.records[id]
	if !ok || rec.abandoned || rec.outcome != OutcomePending {
		return
	}
	rec.outcome = OutcomeStarted
	e.channel.Event(callback.KindStart, id)
}

// handleTerminal settles id exactly once; later events for it find no record.
func (e *Engine) handleTerminal(id string, kind callback.SynthesisKind) {
	rec, ok := e.records[id]
	if !ok {
		return
	}
	delete(e.records, id)
	if rec.abandoned {
		e.logger.Debug("late report for abandoned file", "utterance_id", id, "kind", kind.String())
		removeFile(rec.path, e.logger)
		return
	}
	if rec.file {
		outcome := waitreg.Failed
		if kind == callback.KindFinish {
			outcome = waitreg.Done
		}
		e.waits.Resolve(id, outcome)
	}
	e.finish(rec, kind)
}

type listener struct {
	e          *Engine
	generation uint64
}

func (l *listener) Initialized(err error) {
	l.e.onEvent(l.generation, func() { l.e.handleInitialized(err) })
}

func (l *listener) Started(id string) {
	l.e.onEvent(l.generation, func() { l.e.handleStarted(id) })
}

func (l *listener) Done(id string) {
	l.e.onEvent(l.generation, func() { l.e.handleTerminal(id, callback.KindFinish) })
}

func (l *listener) Failed(id string, err error) {
	l.e.onEvent(l.generation, func() {
		if err != nil {
			l.e.logger.Warn("utterance failed", "utterance_id", id, "error", err)
		}
		l.e.handleTerminal(id, callback.KindError)
	})
}

func (l *listener) Stopped(id string, interrupted bool) {
	l.e.onEvent(l.generation, func() {
		l.e.logger.Debug("utterance stopped", "utterance_id", id, "interrupted", interrupted)
		l.e.handleTerminal(id, callback.KindCancel)
	})
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

func removeFile(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("removing output file", "path", path, "error", err)
	}
}

func normalizeLanguage(tag string) string {
	if tag == "" {
		return DefaultLanguage
	}
	return tag
}
