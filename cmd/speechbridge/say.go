package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nadzzz/speechbridge/internal/audio"
	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/tts"
)

type sayOptions struct {
	voice  string
	rate   float64
	pitch  float64
	volume float64
	out    string
	play   bool
	info   bool
}

func newSayCmd(a *app) *cobra.Command {
	o := &sayOptions{}
	cmd := &cobra.Command{
		Use:   "say TEXT",
		Short: "Synthesize text to a WAV file, or play it with --play",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			e, err := buildEngines(cfg, false, logger)
			if err != nil {
				return err
			}
			defer e.bridge.Close()

			ready, cancel := context.WithTimeout(cmd.Context(), cfg.TTS.FileTimeout)
			defer cancel()
			engine, err := waitReady(ready, e.bridge)
			if err != nil {
				return err
			}

			req := tts.Request{Text: args[0], Voice: o.voice, Rate: o.rate, Pitch: o.pitch, Volume: o.volume}
			if o.play {
				return play(cmd.Context(), e.bridge.Events(), engine, req)
			}
			return synthesize(cmd.Context(), cmd.OutOrStdout(), engine, req, o)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.voice, "voice", "", "voice identifier or locale tag")
	flags.Float64Var(&o.rate, "rate", tts.DefaultRate, "speech rate (0.5 to 2.0)")
	flags.Float64Var(&o.pitch, "pitch", tts.DefaultPitch, "pitch multiplier (0.5 to 2.0)")
	flags.Float64Var(&o.volume, "volume", tts.DefaultVolume, "volume (0.0 to 1.0)")
	flags.StringVarP(&o.out, "out", "o", "", "move the WAV file here")
	flags.BoolVar(&o.play, "play", false, "play through the configured player instead of writing a file")
	flags.BoolVar(&o.info, "info", false, "print the format and duration of the WAV file")
	return cmd
}

func synthesize(ctx context.Context, w io.Writer, engine *tts.Engine, req tts.Request, o *sayOptions) error {
	path, err := engine.SynthesizeToFile(ctx, req)
	if err != nil {
		return err
	}
	if o.out != "" {
		if err := moveFile(path, o.out); err != nil {
			return err
		}
		path = o.out
	}
	fmt.Fprintln(w, path)

	if o.info {
		clip, err := audio.ReadFile(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d Hz, %d channel(s), %d-bit, %s\n",
			clip.SampleRate, clip.Channels, clip.Width*8, clip.Duration())
	}
	return nil
}

// play speaks req and waits for its terminal event.
func play(ctx context.Context, events *callback.Fanout, engine *tts.Engine, req tts.Request) error {
	done := make(chan callback.Event, 8)
	events.Attach("say", callback.PublisherFunc(func(_ context.Context, ev callback.Event) error {
		if ev.Source == callback.SourceTTS && ev.Kind != callback.KindStart.String() {
			select {
			case done <- ev:
			default:
			}
		}
		return nil
	}))
	defer events.Detach("say")

	status, id := engine.Speak(req)
	if status != tts.StatusAccepted {
		return fmt.Errorf("speak: %s", status)
	}
	for {
		select {
		case ev := <-done:
			if ev.UtteranceID != id {
				continue
			}
			if ev.Kind != callback.KindFinish.String() {
				return fmt.Errorf("utterance %s ended with %s", id, ev.Kind)
			}
			return nil
		case <-ctx.Done():
			engine.Stop()
			return ctx.Err()
		}
	}
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}
