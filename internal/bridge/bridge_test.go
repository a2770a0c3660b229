package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/platform/mock"
	"github.com/nadzzz/speechbridge/internal/stt"
	"github.com/nadzzz/speechbridge/internal/tts"
)

type collector struct {
	mu     sync.Mutex
	events []callback.Event
}

func (c *collector) Publish(_ context.Context, ev callback.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, string(ev.Source)+":"+ev.Kind)
	}
	return out
}

func flush(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestBridge_EventsReachPublishers(t *testing.T) {
	sttFactory := mock.NewSTTFactory()
	ttsFactory := mock.NewTTSFactory(tts.Voice{ID: "ja-voice", Locale: "ja-JP"})
	b := New(Options{
		STTFactory: sttFactory,
		STT:        stt.Config{PartialResults: true},
		TTSFactory: ttsFactory,
		TTS:        tts.Config{CacheDir: t.TempDir()},
	}, nil)
	defer b.Close()

	events := &collector{}
	b.Events().Attach("test", events)

	require.NoError(t, b.InitSTT())
	require.NoError(t, b.InitTTS())
	flush(t, b)

	session, err := b.STT()
	require.NoError(t, err)
	session.Start()
	flush(t, b)
	rec := sttFactory.Last()
	rec.Ready()
	rec.Results("hello")
	flush(t, b)

	engine, err := b.TTS()
	require.NoError(t, err)
	require.True(t, engine.Ready())
	status, id := engine.Speak(tts.Request{Text: "konnichiwa", Rate: 1, Pitch: 1, Volume: 1})
	require.Equal(t, tts.StatusAccepted, status)
	ttsFactory.Last().Begin(id)
	ttsFactory.Last().Finish(id)
	flush(t, b)

	assert.Equal(t, []string{
		"stt:ready", "stt:final", "stt:end",
		"tts:start", "tts:finish",
	}, events.kinds())
}

func TestBridge_SynthesizeToFileThroughSharedRegistry(t *testing.T) {
	b := New(Options{TTSFactory: mock.NewTTSFactory(), TTS: tts.Config{CacheDir: t.TempDir()}}, nil)
	defer b.Close()
	require.NoError(t, b.InitTTS())
	flush(t, b)

	engine, err := b.TTS()
	require.NoError(t, err)
	path, err := engine.SynthesizeToFile(context.Background(), tts.Request{Text: "file", Rate: 1, Pitch: 1, Volume: 1})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Zero(t, b.PendingWaits())
}

func TestBridge_DisabledSides(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	_, err := b.STT()
	assert.ErrorIs(t, err, ErrSTTDisabled)
	_, err = b.TTS()
	assert.ErrorIs(t, err, ErrTTSDisabled)
	assert.ErrorIs(t, b.InitSTT(), ErrSTTDisabled)
	assert.ErrorIs(t, b.InitTTS(), ErrTTSDisabled)
	flush(t, b)
}

func TestBridge_CloseEndsListeningSession(t *testing.T) {
	factory := mock.NewSTTFactory()
	b := New(Options{STTFactory: factory}, nil)
	events := &collector{}
	b.Events().Attach("test", events)

	require.NoError(t, b.InitSTT())
	session, _ := b.STT()
	session.Start()
	flush(t, b)
	require.True(t, session.IsListening())

	b.Close()
	assert.Equal(t, stt.StateEnded, session.State())
	assert.True(t, factory.Last().Destroyed())
	assert.Equal(t, []string{"stt:end"}, events.kinds())
	b.Close()
}
