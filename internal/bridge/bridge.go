// Package bridge owns one speech bridge instance: the dispatcher every engine
// call runs on, the recognition session, the synthesis engine, the wait
// registry for blocking file synthesis and the event fanout that carries
// callbacks to the transports.
package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/dispatch"
	"github.com/nadzzz/speechbridge/internal/stt"
	"github.com/nadzzz/speechbridge/internal/tts"
	"github.com/nadzzz/speechbridge/internal/waitreg"
)

var (
	// ErrSTTDisabled is returned when no recognizer factory was configured.
	ErrSTTDisabled = errors.New("speech recognition is disabled")

	// ErrTTSDisabled is returned when no synthesizer factory was configured.
	ErrTTSDisabled = errors.New("speech synthesis is disabled")
)

// Options configures a Bridge. A nil factory disables that side.
type Options struct {
	STTFactory stt.Factory
	STT        stt.Config
	TTSFactory tts.Factory
	TTS        tts.Config
}

// Bridge is a running speech bridge. All methods are safe for concurrent use.
type Bridge struct {
	d      *dispatch.Dispatcher
	waits  *waitreg.Registry
	events *callback.Fanout
	stt    *stt.Session
	tts    *tts.Engine
	logger *slog.Logger
}

// New starts the dispatcher and creates uninitialized engines.
func New(opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		d:      dispatch.New("bridge", logger),
		waits:  waitreg.New(),
		events: callback.NewFanout(logger.With("component", "events")),
		logger: logger,
	}
	if opts.STTFactory != nil {
		b.stt = stt.NewSession(b.d, opts.STTFactory, opts.STT, logger)
	}
	if opts.TTSFactory != nil {
		b.tts = tts.NewEngine(b.d, opts.TTSFactory, b.waits, opts.TTS, logger)
	}
	return b
}

// Events is the fanout every callback is published through.
func (b *Bridge) Events() *callback.Fanout { return b.events }

// STT returns the recognition session, or ErrSTTDisabled.
func (b *Bridge) STT() (*stt.Session, error) {
	if b.stt == nil {
		return nil, ErrSTTDisabled
	}
	return b.stt, nil
}

// TTS returns the synthesis engine, or ErrTTSDisabled.
func (b *Bridge) TTS() (*tts.Engine, error) {
	if b.tts == nil {
		return nil, ErrTTSDisabled
	}
	return b.tts, nil
}

// SetObservers installs telemetry observers. Call it before InitSTT/InitTTS.
func (b *Bridge) SetObservers(so stt.Observer, to tts.Observer) {
	if b.stt != nil && so != nil {
		b.stt.SetObserver(so)
	}
	if b.tts != nil && to != nil {
		b.tts.SetObserver(to)
	}
}

// InitSTT (re)initializes the recognition session with the event fanout as
// its sink.
func (b *Bridge) InitSTT() error {
	s, err := b.STT()
	if err != nil {
		return err
	}
	s.Init(b.events)
	return nil
}

// InitTTS (re)initializes the synthesis engine with the event fanout as its
// sink.
func (b *Bridge) InitTTS() error {
	e, err := b.TTS()
	if err != nil {
		return err
	}
	e.Init(b.events)
	return nil
}

// Flush waits until every queued engine task and callback has been handled.
func (b *Bridge) Flush(ctx context.Context) error {
	if b.stt != nil {
		if err := b.stt.Flush(ctx); err != nil {
			return err
		}
	}
	if b.tts != nil {
		if err := b.tts.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PendingWaits is the number of blocked file synthesis calls.
func (b *Bridge) PendingWaits() int { return b.waits.Len() }

// Close releases both engines and stops the dispatcher. Pending callbacks
// are delivered first.
func (b *Bridge) Close() {
	if b.stt != nil {
		b.stt.Close()
	}
	if b.tts != nil {
		b.tts.Close()
	}
	b.d.Close()
	b.logger.Info("bridge closed")
}
