// Package whisper implements the platform recognizer on top of a Whisper
// transcription endpoint.
//
// Whisper transcribes whole recordings, so the recognizer buffers the audio a
// host pushes through Factory.Feed while listening and sends it off when the
// attempt stops. With partial results enabled the growing buffer is also
// transcribed periodically. HTTP and network failures are reported through
// the listener as platform error codes.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nadzzz/speechbridge/internal/audio"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/stt"
)

var (
	// ErrNotListening is returned when there is no attempt to feed or stop.
	ErrNotListening = errors.New("recognizer is not listening")

	// ErrBusy is returned by StartListening during an active attempt.
	ErrBusy = errors.New("recognizer busy")

	// ErrDestroyed is returned by every call after Destroy.
	ErrDestroyed = errors.New("recognizer destroyed")

	// ErrFormat is returned for audio that does not match the feed format.
	ErrFormat = errors.New("unsupported audio format")
)

// Factory creates Whisper recognizers and routes pushed audio to them.
type Factory struct {
	cfg         config.WhisperConfig
	transcriber Transcriber
	format      audio.Format
	logger      *slog.Logger

	mu          sync.Mutex
	recognizers map[*Recognizer]struct{}
}

// NewFactory creates a factory whose transcriber is chosen by cfg.Flavor.
func NewFactory(cfg config.WhisperConfig, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whisper")
	t, err := NewTranscriber(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewFactoryWithTranscriber(cfg, t, logger), nil
}

// NewFactoryWithTranscriber is NewFactory with an explicit transcriber.
func NewFactoryWithTranscriber(cfg config.WhisperConfig, t Transcriber, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Factory{
		cfg:         cfg,
		transcriber: t,
		format:      audio.Format{SampleRate: cfg.SampleRate, Channels: 1, Width: 2},
		logger:      logger,
		recognizers: make(map[*Recognizer]struct{}),
	}
}

// Available reports whether a transcriber is configured.
func (f *Factory) Available() bool { return f.transcriber != nil }

// Format is the PCM layout Feed expects.
func (f *Factory) Format() audio.Format { return f.format }

func (f *Factory) NewRecognizer() (stt.Recognizer, error) {
	if f.transcriber == nil {
		return nil, errors.New("no transcriber configured")
	}
	r := &Recognizer{f: f, listener: nopListener{}, logger: f.logger}
	f.mu.Lock()
	f.recognizers[r] = struct{}{}
	f.mu.Unlock()
	return r, nil
}

// Feed hands captured PCM in Format to every listening recognizer.
func (f *Factory) Feed(pcm []byte) error {
	f.mu.Lock()
	rs := make([]*Recognizer, 0, len(f.recognizers))
	for r := range f.recognizers {
		rs = append(rs, r)
	}
	f.mu.Unlock()

	accepted := false
	for _, r := range rs {
		if r.feed(pcm) {
			accepted = true
		}
	}
	if !accepted {
		return ErrNotListening
	}
	return nil
}

// FeedClip is Feed for decoded audio; the clip must match Format.
func (f *Factory) FeedClip(clip *audio.Clip) error {
	if clip.Format != f.format {
		return fmt.Errorf("%w: got %d Hz, %d channel(s), %d-byte samples; want %d Hz mono 16-bit",
			ErrFormat, clip.SampleRate, clip.Channels, clip.Width, f.format.SampleRate)
	}
	return f.Feed(clip.PCM)
}

func (f *Factory) remove(r *Recognizer) {
	f.mu.Lock()
	delete(f.recognizers, r)
	f.mu.Unlock()
}

// attempt is one StartListening..result cycle.
type attempt struct {
	req    stt.Request
	ctx    context.Context
	cancel context.CancelFunc

	pcm        []byte
	heard      bool
	stopped    bool // StopListening seen, transcription in flight
	partialLen int  // buffer length at the last partial transcription

	speechTimer *time.Timer
	maxTimer    *time.Timer
}

// Recognizer implements stt.Recognizer. Listener calls are made with the
// recognizer lock held, so they arrive in order and must not block.
type Recognizer struct {
	f      *Factory
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.Mutex
	listener  stt.Listener
	cur       *attempt
	destroyed bool
}

func (r *Recognizer) SetListener(l stt.Listener) {
	if l == nil {
		l = nopListener{}
	}
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

func (r *Recognizer) StartListening(req stt.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if r.cur != nil {
		if !r.cur.stopped {
			return ErrBusy
		}
		r.end(r.cur)
	}
	if req.PreferOffline {
		r.logger.Debug("prefer_offline has no effect on whisper")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{req: req, ctx: ctx, cancel: cancel}
	r.cur = a
	cfg := r.f.cfg
	if cfg.SpeechTimeout > 0 {
		a.speechTimer = time.AfterFunc(cfg.SpeechTimeout, func() { r.speechTimeout(a) })
	}
	if cfg.MaxDuration > 0 {
		a.maxTimer = time.AfterFunc(cfg.MaxDuration, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.cur == a && !a.stopped {
				r.logger.Debug("max duration reached, stopping")
				r.stop(a)
			}
		})
	}
	if req.PartialResults && cfg.PartialInterval > 0 {
		r.wg.Add(1)
		go r.partials(a, cfg.PartialInterval)
	}
	r.listener.ReadyForSpeech()
	return nil
}

func (r *Recognizer) StopListening() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if r.cur == nil || r.cur.stopped {
		return ErrNotListening
	}
	r.stop(r.cur)
	return nil
}

func (r *Recognizer) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if r.cur != nil {
		r.end(r.cur)
	}
	return nil
}

// Destroy cancels any attempt and waits for background transcriptions.
func (r *Recognizer) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	if r.cur != nil {
		r.end(r.cur)
	}
	r.mu.Unlock()

	r.f.remove(r)
	r.wg.Wait()
	return nil
}

// feed appends pcm to the open attempt. It reports whether one accepted it.
func (r *Recognizer) feed(pcm []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.cur
	if a == nil || a.stopped || len(pcm) == 0 {
		return false
	}
	if !a.heard {
		a.heard = true
		if a.speechTimer != nil {
			a.speechTimer.Stop()
		}
		r.listener.BeginningOfSpeech()
	}
	a.pcm = append(a.pcm, pcm...)
	return true
}

// end retires a. r.mu must be held.
func (r *Recognizer) end(a *attempt) {
	a.cancel()
	if a.speechTimer != nil {
		a.speechTimer.Stop()
	}
	if a.maxTimer != nil {
		a.maxTimer.Stop()
	}
	if r.cur == a {
		r.cur = nil
	}
}

// stop closes the input of a and starts the final transcription. r.mu must
// be held.
func (r *Recognizer) stop(a *attempt) {
	a.stopped = true
	if a.speechTimer != nil {
		a.speechTimer.Stop()
	}
	if a.maxTimer != nil {
		a.maxTimer.Stop()
	}
	r.listener.EndOfSpeech()

	if len(a.pcm) == 0 {
		r.end(a)
		r.listener.Error(stt.PlatformNoMatch)
		return
	}
	pcm := a.pcm
	a.pcm = nil
	r.wg.Add(1)
	go r.finalize(a, pcm)
}

func (r *Recognizer) speechTimeout(a *attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != a || a.stopped || a.heard {
		return
	}
	r.logger.Debug("no speech before timeout")
	r.end(a)
	r.listener.Error(stt.PlatformSpeechTimeout)
}

func (r *Recognizer) transcribe(a *attempt, pcm []byte) (string, error) {
	ctx, cancel := context.WithTimeout(a.ctx, r.f.cfg.RequestTimeout)
	defer cancel()
	return r.f.transcriber.Transcribe(ctx, audio.EncodeWAV(pcm, r.f.format), languageOf(a.req.Language))
}

func (r *Recognizer) finalize(a *attempt, pcm []byte) {
	defer r.wg.Done()
	start := time.Now()
	text, err := r.transcribe(a, pcm)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != a {
		return
	}
	r.end(a)
	switch {
	case err != nil:
		code := codeFor(err)
		r.logger.Warn("transcription failed", "error", err, "code", code)
		r.listener.Error(code)
	case text == "":
		r.listener.Error(stt.PlatformNoMatch)
	default:
		r.logger.Debug("transcription complete", "duration", time.Since(start), "audio", r.f.format.Duration(len(pcm)))
		r.listener.Results([]string{text})
	}
}

func (r *Recognizer) partials(a *attempt, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.cur != a || a.stopped {
			r.mu.Unlock()
			return
		}
		if len(a.pcm) == 0 || len(a.pcm) == a.partialLen {
			r.mu.Unlock()
			continue
		}
		pcm := append([]byte(nil), a.pcm...)
		a.partialLen = len(pcm)
		r.mu.Unlock()

		text, err := r.transcribe(a, pcm)
		if err != nil {
			if a.ctx.Err() == nil {
				r.logger.Debug("partial transcription failed", "error", err)
			}
			continue
		}

		r.mu.Lock()
		if r.cur == a && !a.stopped && text != "" {
			r.listener.PartialResults([]string{text})
		}
		r.mu.Unlock()
	}
}

// languageOf reduces a BCP 47 tag to the ISO-639-1 code Whisper expects.
func languageOf(tag string) string {
	lang, _, _ := strings.Cut(strings.ReplaceAll(tag, "_", "-"), "-")
	return strings.ToLower(lang)
}

type nopListener struct{}

func (nopListener) ReadyForSpeech()         {}
func (nopListener) BeginningOfSpeech()      {}
func (nopListener) EndOfSpeech()            {}
func (nopListener) PartialResults([]string) {}
func (nopListener) Results([]string)        {}
func (nopListener) Error(int)               {}
