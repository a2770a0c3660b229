package tts_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/dispatch"
	"github.com/nadzzz/speechbridge/internal/platform/mock"
	"github.com/nadzzz/speechbridge/internal/tts"
	"github.com/nadzzz/speechbridge/internal/waitreg"
)

var testVoices = []tts.Voice{
	{ID: "ja-jp-x-htm-local", Locale: "ja-JP", Quality: tts.TierHigh, Latency: tts.TierNormal, Name: "ja-jp-x-htm-local"},
	{ID: "en-us-x-sfg-network", Locale: "en-US", Quality: tts.TierNormal, Latency: tts.TierHigh, Name: "en-us-x-sfg-network"},
}

type fixture struct {
	t       *testing.T
	d       *dispatch.Dispatcher
	factory *mock.TTSFactory
	waits   *waitreg.Registry
	engine  *tts.Engine
	sink    *mock.SynthesisSink
	dir     string
}

func newFixture(t *testing.T, cfg tts.Config) *fixture {
	t.Helper()
	d := dispatch.New("test", nil)
	f := &fixture{
		t:       t,
		d:       d,
		factory: mock.NewTTSFactory(testVoices...),
		waits:   waitreg.New(),
		sink:    &mock.SynthesisSink{},
		dir:     t.TempDir(),
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = f.dir
	}
	f.engine = tts.NewEngine(d, f.factory, f.waits, cfg, nil)
	t.Cleanup(func() {
		f.engine.Close()
		d.Close()
	})
	return f
}

func (f *fixture) init() *mock.Synthesizer {
	f.t.Helper()
	f.engine.Init(f.sink)
	f.flush()
	s := f.factory.Last()
	require.NotNil(f.t, s)
	return s
}

func (f *fixture) flush() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(f.t, f.engine.Flush(ctx))
}

func speakReq(text string) tts.Request {
	return tts.Request{Text: text, Rate: 1, Pitch: 1, Volume: 1}
}

func TestEngine_LifecycleReachesReady(t *testing.T) {
	f := newFixture(t, tts.Config{})
	assert.Equal(t, tts.StateUninitialized, f.engine.State())

	f.factory.ManualInit()
	s := f.init()
	assert.Equal(t, tts.StateInitializing, f.engine.State())

	status, id := f.engine.Speak(speakReq("hello"))
	assert.Equal(t, tts.StatusNotReady, status)
	assert.Empty(t, id)

	s.Initialize(nil)
	f.flush()
	assert.Equal(t, tts.StateReady, f.engine.State())
	assert.True(t, f.engine.Ready())
}

func TestEngine_FailedInitStaysUninitialized(t *testing.T) {
	f := newFixture(t, tts.Config{})
	f.factory.FailInit(errors.New("no engine data"))
	s := f.init()

	assert.Equal(t, tts.StateUninitialized, f.engine.State())
	assert.True(t, s.IsShutdown())

	status, _ := f.engine.Speak(speakReq("hello"))
	assert.Equal(t, tts.StatusNotReady, status)
}

func TestEngine_CreateFailureEmitsError(t *testing.T) {
	f := newFixture(t, tts.Config{})
	f.factory.FailCreate(errors.New("missing binary"))
	f.engine.Init(f.sink)
	f.flush()

	assert.Equal(t, tts.StateUninitialized, f.engine.State())
	assert.Equal(t, []mock.SynthesisEvent{{Kind: callback.KindError}}, f.sink.Events())
}

func TestEngine_SpeakRejectsEmptyText(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	status, _ := f.engine.Speak(speakReq(""))
	assert.Equal(t, tts.StatusNotReady, status)
	assert.Empty(t, s.Submissions())
}

func TestEngine_SpeakProgressEvents(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	status, id := f.engine.Speak(speakReq("hello"))
	require.Equal(t, tts.StatusAccepted, status)
	require.NotEmpty(t, id)

	s.Begin(id)
	s.Begin(id)
	s.Finish(id)
	s.Finish(id)
	f.flush()

	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindFinish}, f.sink.Kinds(id))
}

func TestEngine_SpeakClampsParameters(t *testing.T) {
	tests := []struct {
		name                string
		rate, pitch, volume float64
		want                [3]float64
	}{
		{"in range", 1.25, 0.8, 0.5, [3]float64{1.25, 0.8, 0.5}},
		{"too high", 5, 3, 2, [3]float64{2, 2, 1}},
		{"too low", 0.1, 0, -1, [3]float64{0.5, 0.5, 0}},
		{"NaN", math.NaN(), math.NaN(), math.NaN(), [3]float64{1, 1, 1}},
		{"infinite", math.Inf(1), math.Inf(-1), math.Inf(1), [3]float64{2, 0.5, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tts.Config{})
			s := f.init()

			status, _ := f.engine.Speak(tts.Request{Text: "x", Rate: tt.rate, Pitch: tt.pitch, Volume: tt.volume})
			require.Equal(t, tts.StatusAccepted, status)

			subs := s.Submissions()
			require.Len(t, subs, 1)
			u := subs[0].Utterance
			assert.Equal(t, tt.want, [3]float64{u.Rate, u.Pitch, u.Volume})
		})
	}
}

func TestEngine_VoiceResolution(t *testing.T) {
	f := newFixture(t, tts.Config{Language: "en-GB"})
	s := f.init()

	// Configured locale.
	f.engine.Speak(speakReq("a"))
	// Default voice id.
	f.engine.SetVoiceID("en-us-x-sfg-network")
	f.engine.Speak(speakReq("b"))
	// Explicit voice id wins over the default.
	req := speakReq("c")
	req.Voice = "ja-jp-x-htm-local"
	f.engine.Speak(req)
	// Explicit selector matching no voice is a locale.
	req.Voice = "fr-FR"
	f.engine.Speak(req)
	// Unknown default voice falls back to the locale.
	f.engine.SetVoiceID("gone")
	f.engine.SetLanguage("")
	f.engine.Speak(speakReq("e"))

	subs := s.Submissions()
	require.Len(t, subs, 5)
	got := make([][2]string, 0, len(subs))
	for _, sub := range subs {
		got = append(got, [2]string{sub.Utterance.VoiceID, sub.Utterance.Locale})
	}
	assert.Equal(t, [][2]string{
		{"", "en-GB"},
		{"en-us-x-sfg-network", ""},
		{"ja-jp-x-htm-local", ""},
		{"", "fr-FR"},
		{"", tts.DefaultLanguage},
	}, got)
}

func TestEngine_ListedVoiceIDRoundTrips(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	voices, err := f.engine.ListVoices()
	require.NoError(t, err)
	require.Len(t, voices, len(testVoices))

	for _, v := range voices {
		req := speakReq("hi")
		req.Voice = v.ID
		status, _ := f.engine.Speak(req)
		require.Equal(t, tts.StatusAccepted, status)
	}
	subs := s.Submissions()
	require.Len(t, subs, len(voices))
	for i, v := range voices {
		assert.Equal(t, v.ID, subs[i].Utterance.VoiceID)
	}
}

func TestEngine_ListVoicesBeforeReady(t *testing.T) {
	f := newFixture(t, tts.Config{})
	_, err := f.engine.ListVoices()
	assert.ErrorIs(t, err, tts.ErrNotReady)
}

func TestEngine_ListVoicesPlatformError(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()
	s.VoicesErr = errors.New("describe failed")

	_, err := f.engine.ListVoices()
	assert.ErrorContains(t, err, "describe failed")
}

func TestEngine_FlushInterruptsPlayingUtterance(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	_, first := f.engine.Speak(speakReq("one"))
	s.Begin(first)
	req := speakReq("two")
	req.Queue = tts.QueueFlush
	_, second := f.engine.Speak(req)
	s.Begin(second)
	s.Finish(second)
	f.flush()

	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindCancel}, f.sink.Kinds(first))
	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindFinish}, f.sink.Kinds(second))
}

func TestEngine_AppendLetsPriorUtteranceFinish(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	_, first := f.engine.Speak(speakReq("one"))
	s.Begin(first)
	req := speakReq("two")
	req.Queue = tts.QueueAppend
	_, second := f.engine.Speak(req)
	s.Finish(first)
	s.Begin(second)
	s.Finish(second)
	f.flush()

	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindFinish}, f.sink.Kinds(first))
	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindFinish}, f.sink.Kinds(second))

	subs := s.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, tts.QueueAppend, subs[1].Mode)
}

func TestEngine_SpeakRejectedByPlatform(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()
	s.SpeakErr = errors.New("queue full")

	status, id := f.engine.Speak(speakReq("hello"))
	f.flush()

	assert.Equal(t, tts.StatusRejected, status)
	assert.Empty(t, id)
	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, callback.KindError, events[0].Kind)
}

func TestEngine_SpeakPanicIsContained(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()
	s.SpeakPanic = "native crash"

	status, _ := f.engine.Speak(speakReq("hello"))
	assert.Equal(t, tts.StatusRejected, status)

	s.SpeakPanic = nil
	status, _ = f.engine.Speak(speakReq("again"))
	assert.Equal(t, tts.StatusAccepted, status)
}

func TestEngine_StopCancelsEveryPendingUtterance(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	_, a := f.engine.Speak(speakReq("a"))
	req := speakReq("b")
	req.Queue = tts.QueueAppend
	_, b := f.engine.Speak(req)
	s.Begin(a)
	assert.True(t, f.engine.IsSpeaking())

	f.engine.Stop()
	f.flush()

	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindCancel}, f.sink.Kinds(a))
	assert.Equal(t, []callback.SynthesisKind{callback.KindCancel}, f.sink.Kinds(b))
	assert.False(t, f.engine.IsSpeaking())
}

func TestEngine_StopFailureEmitsError(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()
	s.StopErr = errors.New("stop failed")

	f.engine.Stop()
	f.flush()

	assert.Equal(t, []mock.SynthesisEvent{{Kind: callback.KindError}}, f.sink.Events())
}

func TestEngine_SynthesizeToFile(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	path, err := f.engine.SynthesizeToFile(context.Background(), speakReq("file me"))
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, f.dir, filepath.Dir(path))
	assert.Regexp(t, `^tts_.*\.wav$`, filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)

	subs := s.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, path, subs[0].Path)
	assert.Equal(t, 0, f.waits.Len())

	f.flush()
	id := subs[0].Utterance.ID
	assert.Equal(t, []callback.SynthesisKind{callback.KindStart, callback.KindFinish}, f.sink.Kinds(id))
}

func TestEngine_SynthesizeToFileTimesOutWithoutLeak(t *testing.T) {
	f := newFixture(t, tts.Config{FileTimeout: 50 * time.Millisecond})
	s := f.init()
	s.FileMode = mock.FileSilent

	start := time.Now()
	path, err := f.engine.SynthesizeToFile(context.Background(), speakReq("never"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, tts.ErrTimeout)
	assert.Empty(t, path)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, f.waits.Len())

	// A late completion is dropped and the engine keeps working.
	subs := s.Submissions()
	require.Len(t, subs, 1)
	s.Finish(subs[0].Utterance.ID)
	f.flush()
	assert.Empty(t, f.sink.Kinds(subs[0].Utterance.ID))

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	status, _ := f.engine.Speak(speakReq("still ready"))
	assert.Equal(t, tts.StatusAccepted, status)
}

func TestEngine_TimedOutFileWrittenLateIsRemoved(t *testing.T) {
	f := newFixture(t, tts.Config{FileTimeout: 50 * time.Millisecond})
	s := f.init()
	s.FileMode = mock.FileSilent

	_, err := f.engine.SynthesizeToFile(context.Background(), speakReq("slow"))
	require.ErrorIs(t, err, tts.ErrTimeout)

	// The platform finishes after the caller gave up and writes the file.
	subs := s.Submissions()
	require.Len(t, subs, 1)
	require.NoError(t, os.WriteFile(subs[0].Path, []byte("RIFF"), 0o600))
	s.Begin(subs[0].Utterance.ID)
	s.Finish(subs[0].Utterance.ID)
	f.flush()

	assert.NoFileExists(t, subs[0].Path)
	assert.Empty(t, f.sink.Kinds(subs[0].Utterance.ID))
}

func TestEngine_TimedOutFileRemovedOnTeardown(t *testing.T) {
	f := newFixture(t, tts.Config{FileTimeout: 50 * time.Millisecond})
	s := f.init()
	s.FileMode = mock.FileSilent

	_, err := f.engine.SynthesizeToFile(context.Background(), speakReq("slow"))
	require.ErrorIs(t, err, tts.ErrTimeout)

	subs := s.Submissions()
	require.Len(t, subs, 1)
	require.NoError(t, os.WriteFile(subs[0].Path, []byte("RIFF"), 0o600))
	f.engine.Destroy()
	f.flush()

	assert.NoFileExists(t, subs[0].Path)
	assert.Empty(t, f.sink.Kinds(subs[0].Utterance.ID))
}

func TestEngine_SynthesizeToFilePlatformFailure(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()
	s.FileMode = mock.FileFail

	_, err := f.engine.SynthesizeToFile(context.Background(), speakReq("bad"))
	assert.ErrorIs(t, err, tts.ErrSynthesisFailed)
	assert.Equal(t, 0, f.waits.Len())

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, f.engine.Ready())
}

func TestEngine_SynthesizeToFileRejected(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()
	s.FileErr = errors.New("invalid output")

	_, err := f.engine.SynthesizeToFile(context.Background(), speakReq("x"))
	assert.ErrorIs(t, err, tts.ErrRejected)
	assert.Equal(t, 0, f.waits.Len())

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_SynthesizeToFileNotReady(t *testing.T) {
	f := newFixture(t, tts.Config{})
	_, err := f.engine.SynthesizeToFile(context.Background(), speakReq("x"))
	assert.ErrorIs(t, err, tts.ErrNotReady)
}

func TestEngine_SynthesizeToFileHonoursContext(t *testing.T) {
	f := newFixture(t, tts.Config{FileTimeout: time.Minute})
	s := f.init()
	s.FileMode = mock.FileSilent

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.engine.SynthesizeToFile(ctx, speakReq("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.waits.Len())
}

func TestEngine_DestroyFailsBlockedFileSynthesis(t *testing.T) {
	f := newFixture(t, tts.Config{FileTimeout: 5 * time.Second})
	s := f.init()
	s.FileMode = mock.FileSilent

	var wg sync.WaitGroup
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err = f.engine.SynthesizeToFile(context.Background(), speakReq("x"))
	}()

	require.Eventually(t, func() bool { return f.waits.Len() == 1 }, time.Second, 5*time.Millisecond)
	f.engine.Destroy()
	wg.Wait()

	assert.ErrorIs(t, err, tts.ErrSynthesisFailed)
	assert.True(t, s.IsShutdown())
	assert.Equal(t, tts.StateUninitialized, f.engine.State())
}

func TestEngine_DestroyThenSpeakIsNotReady(t *testing.T) {
	f := newFixture(t, tts.Config{})
	s := f.init()

	_, id := f.engine.Speak(speakReq("pending"))
	f.engine.Destroy()
	status, _ := f.engine.Speak(speakReq("after"))
	f.flush()

	assert.Equal(t, tts.StatusNotReady, status)
	assert.Len(t, s.Submissions(), 1)
	assert.Equal(t, []callback.SynthesisKind{callback.KindCancel}, f.sink.Kinds(id))
}

func TestEngine_ReinitReplacesSynthesizer(t *testing.T) {
	f := newFixture(t, tts.Config{})
	first := f.init()
	_, id := f.engine.Speak(speakReq("old"))

	second := f.init()
	require.NotSame(t, first, second)
	assert.True(t, first.IsShutdown())
	assert.True(t, f.engine.Ready())

	// Events from the replaced synthesizer are ignored.
	first.Finish(id)
	f.flush()
	assert.Equal(t, []callback.SynthesisKind{callback.KindCancel}, f.sink.Kinds(id))
}

// reentrantSink parks in its first Finish and then calls back into the engine.
type reentrantSink struct {
	engine *tts.Engine
	parked chan struct{}
	resume chan struct{}
	spoke  chan tts.Status
	once   sync.Once
}

func (r *reentrantSink) OnEvent(kind callback.SynthesisKind, _ string) {
	if kind != callback.KindFinish {
		return
	}
	r.once.Do(func() {
		close(r.parked)
		<-r.resume
		status, _ := r.engine.Speak(speakReq("next"))
		r.spoke <- status
	})
}

func TestEngine_ReinitDoesNotWaitForBusySink(t *testing.T) {
	f := newFixture(t, tts.Config{})
	sink := &reentrantSink{
		engine: f.engine,
		parked: make(chan struct{}),
		resume: make(chan struct{}),
		spoke:  make(chan tts.Status, 1),
	}
	f.engine.Init(sink)
	f.flush()
	s := f.factory.Last()
	require.NotNil(t, s)

	_, id := f.engine.Speak(speakReq("first"))
	s.Finish(id)
	select {
	case <-sink.parked:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received Finish")
	}

	f.engine.Init(f.sink)
	close(sink.resume)
	select {
	case <-sink.spoke:
	case <-time.After(2 * time.Second):
		t.Fatal("sink blocked calling Speak during re-init")
	}

	f.flush()
	assert.True(t, f.engine.Ready())
	status, _ := f.engine.Speak(speakReq("after"))
	assert.Equal(t, tts.StatusAccepted, status)
}

func TestEngine_CloseDoesNotWaitOnDispatcherForSink(t *testing.T) {
	f := newFixture(t, tts.Config{})
	sink := &reentrantSink{
		engine: f.engine,
		parked: make(chan struct{}),
		resume: make(chan struct{}),
		spoke:  make(chan tts.Status, 1),
	}
	f.engine.Init(sink)
	f.flush()
	s := f.factory.Last()

	_, id := f.engine.Speak(speakReq("first"))
	s.Finish(id)
	<-sink.parked

	closed := make(chan struct{})
	go func() {
		f.engine.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return f.engine.State() == tts.StateUninitialized },
		time.Second, 5*time.Millisecond)
	close(sink.resume)

	select {
	case status := <-sink.spoke:
		assert.Equal(t, tts.StatusNotReady, status)
	case <-time.After(2 * time.Second):
		t.Fatal("sink blocked calling Speak during close")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	states []tts.State
	ended  []callback.SynthesisKind
	files  []string
}

func (o *recordingObserver) StateChanged(s tts.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) UtteranceEnded(kind callback.SynthesisKind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, kind)
}

func (o *recordingObserver) FileSynthesized(result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files = append(o.files, result)
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	f := newFixture(t, tts.Config{})
	obs := &recordingObserver{}
	f.engine.SetObserver(obs)
	s := f.init()

	_, id := f.engine.Speak(speakReq("x"))
	s.Finish(id)
	_, err := f.engine.SynthesizeToFile(context.Background(), speakReq("y"))
	require.NoError(t, err)
	f.engine.Destroy()
	f.flush()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []tts.State{tts.StateInitializing, tts.StateReady, tts.StateUninitialized}, obs.states)
	assert.Equal(t, []callback.SynthesisKind{callback.KindFinish, callback.KindFinish}, obs.ended)
	assert.Equal(t, []string{tts.FileOK}, obs.files)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 2.0, tts.ClampRate(5))
	assert.Equal(t, 0.0, tts.ClampVolume(-1))
	assert.Equal(t, 0.5, tts.ClampPitch(0.1))
	assert.Equal(t, tts.DefaultVolume, tts.ClampVolume(math.NaN()))
}
