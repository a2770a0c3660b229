package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/stt"
	"github.com/nadzzz/speechbridge/internal/stt/whisper"
	"github.com/nadzzz/speechbridge/internal/tts"
	"github.com/nadzzz/speechbridge/internal/tts/piper"
)

// engines is a bridge together with the concrete backends behind it.
type engines struct {
	bridge  *bridge.Bridge
	whisper *whisper.Factory // nil when recognition is disabled
}

// buildEngines creates the enabled backends and the bridge over them.
// withSTT false leaves recognition out regardless of configuration.
func buildEngines(cfg *config.Config, withSTT bool, logger *slog.Logger) (*engines, error) {
	opts := bridge.Options{
		STT: stt.Config{
			Language:       cfg.STT.Language,
			PartialResults: cfg.STT.PartialResults,
			PreferOffline:  cfg.STT.PreferOffline,
		},
		TTS: tts.Config{
			Language:    cfg.TTS.Language,
			VoiceID:     cfg.TTS.VoiceID,
			CacheDir:    cfg.TTS.CacheDir,
			FileTimeout: cfg.TTS.FileTimeout,
		},
	}
	e := &engines{}

	if withSTT && cfg.STT.Enabled {
		f, err := whisper.NewFactory(cfg.STT.Whisper, logger)
		if err != nil {
			return nil, fmt.Errorf("whisper: %w", err)
		}
		e.whisper = f
		opts.STTFactory = f
		logger.Info("using whisper recognizer",
			"flavor", cfg.STT.Whisper.Flavor,
			"model", cfg.STT.Whisper.Model,
			"sample_rate", f.Format().SampleRate)
	}
	if cfg.TTS.Enabled {
		f, err := piper.NewFactory(cfg.TTS.Piper, logger)
		if err != nil {
			return nil, fmt.Errorf("piper: %w", err)
		}
		opts.TTSFactory = f
		logger.Info("using piper synthesizer",
			"endpoint", cfg.TTS.Piper.Endpoint,
			"endpoints", len(cfg.TTS.Piper.Endpoints),
			"player", cfg.TTS.Piper.Player)
	}

	e.bridge = bridge.New(opts, logger)
	return e, nil
}

// waitReady initializes the synthesis engine and blocks until it is Ready.
func waitReady(ctx context.Context, b *bridge.Bridge) (*tts.Engine, error) {
	engine, err := b.TTS()
	if err != nil {
		return nil, err
	}
	if err := b.InitTTS(); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !engine.Ready() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("synthesis engine did not become ready: %w", tts.ErrNotReady)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return engine, nil
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", f.Name, err))
	}
}
