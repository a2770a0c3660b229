// Package piper implements the platform synthesizer on top of a Piper Wyoming
// protocol server.
//
// Piper is a fast, local neural text-to-speech system. The linuxserver/piper
// container exposes the Wyoming protocol on TCP port 10200. Utterances are
// synthesized per request and handed to a Player in queue order; file
// requests bypass the playback queue and are written as WAV.
package piper

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
	"github.com/nadzzz/speechbridge/internal/tts"
)

// ErrShutdown is returned by requests made after Shutdown.
var ErrShutdown = errors.New("piper synthesizer shut down")

// Factory creates Piper synthesizers.
type Factory struct {
	endpoint  string            // default host:port of the Piper Wyoming server
	endpoints map[string]string // language -> host:port for per-language Piper instances
	voices    map[string]string // language -> voice name
	client    *client
	player    Player
	logger    *slog.Logger
}

// NewFactory creates a factory from config.
func NewFactory(cfg config.PiperConfig, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	player, err := NewPlayer(cfg.Player, cfg.PlayerCommand)
	if err != nil {
		return nil, err
	}
	return NewFactoryWithPlayer(cfg, player, logger), nil
}

// NewFactoryWithPlayer is NewFactory with an explicit player.
func NewFactoryWithPlayer(cfg config.PiperConfig, player Player, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	// Merge user-configured voices with defaults.
	voices := make(map[string]string, len(defaultVoices))
	for k, v := range defaultVoices {
		voices[k] = v
	}
	for k, v := range cfg.Voices {
		voices[k] = v
	}

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for lang, ep := range cfg.Endpoints {
		endpoints[lang] = cleanEndpoint(ep)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	logger = logger.With("component", "piper")
	return &Factory{
		endpoint:  cleanEndpoint(cfg.Endpoint),
		endpoints: endpoints,
		voices:    voices,
		client:    &client{dialTimeout: dialTimeout, requestTimeout: requestTimeout, logger: logger},
		player:    player,
		logger:    logger,
	}
}

func cleanEndpoint(ep string) string {
	ep = strings.TrimPrefix(ep, "tcp://")
	ep = strings.TrimPrefix(ep, "http://")
	return ep
}

// NewSynthesizer starts a synthesizer. Initialization probes the default
// server with a describe request in the background and reports the result
// through l.
func (f *Factory) NewSynthesizer(l tts.Listener) (tts.Synthesizer, error) {
	if f.endpoint == "" && len(f.endpoints) == 0 {
		return nil, errors.New("no piper endpoint configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synthesizer{
		f:        f,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.playLoop()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Initialized(s.probe())
	}()
	return s, nil
}

type job struct {
	u      tts.Utterance
	ctx    context.Context
	cancel context.CancelFunc
}

// Synthesizer implements tts.Synthesizer against Piper.
type Synthesizer struct {
	f        *Factory
	listener tts.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	voices   []tts.Voice
	queue    []*job
	current  *job
	shutdown bool

	wake chan struct{}
	done chan struct{}
}

// probe loads the voice list. A server that answers describe with no voices
// is still usable with the configured models.
func (s *Synthesizer) probe() error {
	endpoint := s.f.endpoint
	if endpoint == "" {
		for _, ep := range s.f.endpoints {
			endpoint = ep
			break
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.f.client.requestTimeout)
	defer cancel()

	infos, err := s.f.client.describe(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("probing piper at %s: %w", endpoint, err)
	}

	var voices []tts.Voice
	for _, info := range infos {
		if info.Name == "" {
			continue
		}
		voices = append(voices, toVoice(info))
	}
	if len(voices) == 0 {
		voices = configuredVoices(s.f.voices)
	}
	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()
	s.f.logger.Info("piper ready", "endpoint", endpoint, "voices", len(voices))
	return nil
}

func (s *Synthesizer) Voices() ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Voice(nil), s.voices...), nil
}

// resolve picks the model name and server for u.
func (s *Synthesizer) resolve(u tts.Utterance) (voice, endpoint string) {
	voice = u.VoiceID
	if voice == "" {
		s.mu.Lock()
		known := s.voices
		s.mu.Unlock()
		voice = voiceForLocale(u.Locale, known, s.f.voices)
	}
	lang := languageOf(localeOf(voice))
	if u.VoiceID == "" && u.Locale != "" {
		lang = languageOf(u.Locale)
	}
	endpoint = s.f.endpoints[lang]
	if endpoint == "" {
		endpoint = s.f.endpoint
	}
	return voice, endpoint
}

func (s *Synthesizer) Speak(u tts.Utterance, mode tts.QueueMode) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	var flushed []*job
	if mode == tts.QueueFlush {
		flushed = s.takeAll()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.queue = append(s.queue, &job{u: u, ctx: ctx, cancel: cancel})
	s.mu.Unlock()

	s.reportStopped(flushed)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// takeAll cancels the playing job and empties the queue. It returns every
// job that was not yet finished; the caller reports them Stopped. s.mu must
// be held.
func (s *Synthesizer) takeAll() []*job {
	var out []*job
	if s.current != nil {
		s.current.cancel()
	}
	for _, j := range s.queue {
		j.cancel()
		out = append(out, j)
	}
	s.queue = nil
	return out
}

func (s *Synthesizer) reportStopped(jobs []*job) {
	for _, j := range jobs {
		s.listener.Stopped(j.u.ID, false)
	}
}

func (s *Synthesizer) playLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.shutdown {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.ctx.Done():
			}
			s.mu.Lock()
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.current = j
		s.mu.Unlock()

		s.play(j)

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}
}

// play synthesizes and plays one job, reporting exactly one terminal event.
func (s *Synthesizer) play(j *job) {
	defer j.cancel()
	if j.ctx.Err() != nil {
		s.listener.Stopped(j.u.ID, false)
		return
	}
	s.listener.Started(j.u.ID)

	voice, endpoint := s.resolve(j.u)
	clip, err := s.f.client.synthesize(j.ctx, endpoint, j.u.Text, voice)
	if err == nil {
		audio.ScaleVolume(clip.PCM, clip.Width, j.u.Volume)
		err = s.f.player.Play(j.ctx, clip)
	}
	switch {
	case j.ctx.Err() != nil:
		s.listener.Stopped(j.u.ID, true)
	case err != nil:
		s.listener.Failed(j.u.ID, err)
	default:
		s.listener.Done(j.u.ID)
	}
}

// SynthesizeToFile renders u into path without touching the playback queue.
func (s *Synthesizer) SynthesizeToFile(u tts.Utterance, path string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.listener.Started(u.ID)

		ctx, cancel := context.WithTimeout(s.ctx, s.f.client.requestTimeout)
		defer cancel()
		voice, endpoint := s.resolve(u)
		clip, err := s.f.client.synthesize(ctx, endpoint, u.Text, voice)
		if err == nil {
			audio.ScaleVolume(clip.PCM, clip.Width, u.Volume)
			err = audio.WriteFile(path, clip.PCM, clip.Format)
		}
		switch {
		case s.ctx.Err() != nil:
			s.listener.Stopped(u.ID, true)
		case err != nil:
			s.listener.Failed(u.ID, err)
		default:
			s.listener.Done(u.ID)
		}
	}()
	return nil
}

func (s *Synthesizer) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	// The playing job reports itself from play once its context is canceled.
	flushed := s.takeAll()
	s.mu.Unlock()

	s.reportStopped(flushed)
	return nil
}

func (s *Synthesizer) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Shutdown cancels all work and waits for the worker goroutines.
func (s *Synthesizer) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	for _, j := range s.queue {
		j.cancel()
	}
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.wg.Wait()
	return nil
}
