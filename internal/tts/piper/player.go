package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/nadzzz/speechbridge/internal/audio"
)

// Player renders a clip. Play blocks until playback finishes or ctx is
// canceled, in which case it returns ctx.Err().
type Player interface {
	Play(ctx context.Context, clip *audio.Clip) error
}

// CommandPlayer pipes the clip as WAV into an external program, e.g.
// ["aplay", "-q", "-"] or ["paplay"].
type CommandPlayer struct {
	Command []string
}

func (p *CommandPlayer) Play(ctx context.Context, clip *audio.Clip) error {
	if len(p.Command) == 0 {
		return errors.New("no player command configured")
	}
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Stdin = bytes.NewReader(audio.EncodeWAV(clip.PCM, clip.Format))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("running %s: %w: %s", p.Command[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// PacedPlayer discards the audio but takes as long as it would play, so
// progress events keep realistic timing on hosts without a sound device.
type PacedPlayer struct {
	// Speed divides the wait; zero or one plays in real time.
	Speed float64
}

func (p *PacedPlayer) Play(ctx context.Context, clip *audio.Clip) error {
	d := clip.Duration()
	if p.Speed > 1 {
		d = time.Duration(float64(d) / p.Speed)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewPlayer builds the player named by kind ("command" or "paced").
func NewPlayer(kind string, command []string) (Player, error) {
	switch kind {
	case "", "paced":
		return &PacedPlayer{}, nil
	case "command":
		if len(command) == 0 {
			return nil, errors.New("player \"command\" needs piper.player_command")
		}
		return &CommandPlayer{Command: command}, nil
	default:
		return nil, fmt.Errorf("unknown player %q", kind)
	}
}
