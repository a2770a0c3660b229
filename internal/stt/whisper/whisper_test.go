package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/speechbridge/internal/audio"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/stt"
)

// fakeTranscriber answers from a script and records what it was sent.
type fakeTranscriber struct {
	mu       sync.Mutex
	calls    []string // language of each call
	clips    []*audio.Clip
	text     string
	err      error
	block    bool // wait for ctx instead of answering
	canceled chan struct{}
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, wav []byte, language string) (string, error) {
	clip, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.calls = append(t.calls, language)
	t.clips = append(t.clips, clip)
	text, terr, block := t.text, t.err, t.block
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		if t.canceled != nil {
			close(t.canceled)
		}
		return "", ctx.Err()
	}
	return text, terr
}

func (t *fakeTranscriber) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// listener records recognizer events.
type listener struct {
	mu     sync.Mutex
	events []string
}

func (l *listener) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *listener) ReadyForSpeech()           { l.add("ready") }
func (l *listener) BeginningOfSpeech()        { l.add("begin") }
func (l *listener) EndOfSpeech()              { l.add("end-of-speech") }
func (l *listener) PartialResults(c []string) { l.add("partial:" + strings.Join(c, "|")) }
func (l *listener) Results(c []string)        { l.add("results:" + strings.Join(c, "|")) }
func (l *listener) Error(code int)            { l.add(fmt.Sprintf("error:%d", code)) }

func (l *listener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *listener) last() string {
	ev := l.snapshot()
	if len(ev) == 0 {
		return ""
	}
	return ev[len(ev)-1]
}

func newRecognizer(t *testing.T, cfg config.WhisperConfig, tr Transcriber) (*Factory, stt.Recognizer, *listener) {
	t.Helper()
	f := NewFactoryWithTranscriber(cfg, tr, nil)
	r, err := f.NewRecognizer()
	require.NoError(t, err)
	l := &listener{}
	r.SetListener(l)
	t.Cleanup(func() { r.Destroy() })
	return f, r, l
}

var pcm = []byte{1, 0, 2, 0, 3, 0, 4, 0}

func TestRecognizer_FinalResult(t *testing.T) {
	tr := &fakeTranscriber{text: "konnichiwa"}
	f, r, l := newRecognizer(t, config.WhisperConfig{}, tr)

	require.NoError(t, r.StartListening(stt.Request{Language: "ja-JP"}))
	require.NoError(t, f.Feed(pcm[:4]))
	require.NoError(t, f.Feed(pcm[4:]))
	require.NoError(t, r.StopListening())

	require.Eventually(t, func() bool { return l.last() == "results:konnichiwa" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ready", "begin", "end-of-speech", "results:konnichiwa"}, l.snapshot())
	assert.Equal(t, []string{"ja"}, tr.calls)
	assert.Equal(t, pcm, tr.clips[0].PCM)
	assert.Equal(t, 16000, tr.clips[0].SampleRate)

	assert.ErrorIs(t, f.Feed(pcm), ErrNotListening)
	assert.ErrorIs(t, r.StopListening(), ErrNotListening)
}

func TestRecognizer_EmptyTranscriptIsNoMatch(t *testing.T) {
	f, r, l := newRecognizer(t, config.WhisperConfig{}, &fakeTranscriber{})

	require.NoError(t, r.StartListening(stt.Request{}))
	require.NoError(t, f.Feed(pcm))
	require.NoError(t, r.StopListening())
	require.Eventually(t, func() bool { return l.last() == "error:7" }, time.Second, 5*time.Millisecond)
}

func TestRecognizer_StopWithoutAudio(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	_, r, l := newRecognizer(t, config.WhisperConfig{}, tr)

	require.NoError(t, r.StartListening(stt.Request{}))
	require.NoError(t, r.StopListening())
	assert.Equal(t, []string{"ready", "end-of-speech", "error:7"}, l.snapshot())
	assert.Zero(t, tr.callCount())
}

func TestRecognizer_SpeechTimeout(t *testing.T) {
	_, r, l := newRecognizer(t, config.WhisperConfig{SpeechTimeout: 20 * time.Millisecond}, &fakeTranscriber{})

	require.NoError(t, r.StartListening(stt.Request{}))
	require.Eventually(t, func() bool { return l.last() == "error:6" }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.StopListening(), ErrNotListening)
}

func TestRecognizer_SpeechTimeoutDisarmedByAudio(t *testing.T) {
	f, r, l := newRecognizer(t, config.WhisperConfig{SpeechTimeout: 20 * time.Millisecond}, &fakeTranscriber{text: "ok"})

	require.NoError(t, r.StartListening(stt.Request{}))
	require.NoError(t, f.Feed(pcm))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"ready", "begin"}, l.snapshot())
}

func TestRecognizer_MaxDurationStops(t *testing.T) {
	f, r, l := newRecognizer(t, config.WhisperConfig{MaxDuration: 30 * time.Millisecond}, &fakeTranscriber{text: "auto"})

	require.NoError(t, r.StartListening(stt.Request{}))
	require.NoError(t, f.Feed(pcm))
	require.Eventually(t, func() bool { return l.last() == "results:auto" }, time.Second, 5*time.Millisecond)
	assert.Contains(t, l.snapshot(), "end-of-speech")
}

func TestRecognizer_Partials(t *testing.T) {
	tr := &fakeTranscriber{text: "so far"}
	f, r, l := newRecognizer(t, config.WhisperConfig{PartialInterval: 10 * time.Millisecond}, tr)

	require.NoError(t, r.StartListening(stt.Request{PartialResults: true}))
	require.NoError(t, f.Feed(pcm))
	require.Eventually(t, func() bool { return l.last() == "partial:so far" }, time.Second, 5*time.Millisecond)

	// An unchanged buffer is not transcribed again.
	calls := tr.callCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, tr.callCount())

	require.NoError(t, r.StopListening())
	require.Eventually(t, func() bool { return l.last() == "results:so far" }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "results:so far", l.last())
}

func TestRecognizer_NoPartialsWhenDisabled(t *testing.T) {
	tr := &fakeTranscriber{text: "x"}
	f, r, _ := newRecognizer(t, config.WhisperConfig{PartialInterval: 5 * time.Millisecond}, tr)

	require.NoError(t, r.StartListening(stt.Request{PartialResults: false}))
	require.NoError(t, f.Feed(pcm))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, tr.callCount())
}

func TestRecognizer_CancelDropsResult(t *testing.T) {
	tr := &fakeTranscriber{block: true, canceled: make(chan struct{})}
	f, r, l := newRecognizer(t, config.WhisperConfig{}, tr)

	require.NoError(t, r.StartListening(stt.Request{}))
	require.NoError(t, f.Feed(pcm))
	require.NoError(t, r.StopListening())
	require.Eventually(t, func() bool { return tr.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Cancel())

	select {
	case <-tr.canceled:
	case <-time.After(time.Second):
		t.Fatal("transcription was not canceled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"ready", "begin", "end-of-speech"}, l.snapshot())
}

func TestRecognizer_TranscriptionErrorMapped(t *testing.T) {
	tr := &fakeTranscriber{err: &TranscriptionError{Flavor: "asr", StatusCode: http.StatusTooManyRequests}}
	f, r, l := newRecognizer(t, config.WhisperConfig{}, tr)

	require.NoError(t, r.StartListening(stt.Request{}))
	require.NoError(t, f.Feed(pcm))
	require.NoError(t, r.StopListening())
	require.Eventually(t, func() bool { return l.last() == "error:8" }, time.Second, 5*time.Millisecond)
}

func TestRecognizer_BusyAndDestroyed(t *testing.T) {
	_, r, _ := newRecognizer(t, config.WhisperConfig{}, &fakeTranscriber{})

	require.NoError(t, r.StartListening(stt.Request{}))
	assert.ErrorIs(t, r.StartListening(stt.Request{}), ErrBusy)

	require.NoError(t, r.Destroy())
	require.NoError(t, r.Destroy())
	assert.ErrorIs(t, r.StartListening(stt.Request{}), ErrDestroyed)
	assert.ErrorIs(t, r.StopListening(), ErrDestroyed)
	assert.ErrorIs(t, r.Cancel(), ErrDestroyed)
}

func TestFactory_FeedClipFormat(t *testing.T) {
	f, r, _ := newRecognizer(t, config.WhisperConfig{SampleRate: 16000}, &fakeTranscriber{})
	require.NoError(t, r.StartListening(stt.Request{}))

	err := f.FeedClip(&audio.Clip{Format: audio.Format{SampleRate: 44100, Channels: 2, Width: 2}, PCM: pcm})
	assert.ErrorIs(t, err, ErrFormat)
	assert.NoError(t, f.FeedClip(&audio.Clip{Format: f.Format(), PCM: pcm}))
}

func TestFactory_Available(t *testing.T) {
	assert.True(t, NewFactoryWithTranscriber(config.WhisperConfig{}, &fakeTranscriber{}, nil).Available())

	f := NewFactoryWithTranscriber(config.WhisperConfig{}, nil, nil)
	assert.False(t, f.Available())
	_, err := f.NewRecognizer()
	assert.Error(t, err)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type refusedErr struct{}

func (refusedErr) Error() string   { return "connection refused" }
func (refusedErr) Timeout() bool   { return false }
func (refusedErr) Temporary() bool { return false }

func TestCodeFor(t *testing.T) {
	status := func(code int) error { return &TranscriptionError{Flavor: "openai", StatusCode: code} }
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), stt.PlatformNetworkTimeout},
		{"rate limited", status(429), stt.PlatformBusy},
		{"unauthorized", status(401), stt.PlatformPermission},
		{"forbidden", status(403), stt.PlatformPermission},
		{"request timeout", status(408), stt.PlatformNetworkTimeout},
		{"bad request", status(400), stt.PlatformClient},
		{"server", status(503), stt.PlatformServer},
		{"net timeout", &TranscriptionError{Flavor: "asr", Err: timeoutErr{}}, stt.PlatformNetworkTimeout},
		{"net", &TranscriptionError{Flavor: "asr", Err: refusedErr{}}, stt.PlatformNetwork},
		{"other", errors.New("boom"), stt.PlatformServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codeFor(tt.err))
		})
	}
}

func TestLanguageOf(t *testing.T) {
	assert.Equal(t, "ja", languageOf("ja-JP"))
	assert.Equal(t, "en", languageOf("EN_us"))
	assert.Equal(t, "", languageOf(""))
}

func TestOpenAITranscriber(t *testing.T) {
	var gotPath, gotModel, gotLang, gotAuth string
	var gotAudio []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotAudio, _ = io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " hello there "})
	}))
	defer srv.Close()

	tr, err := NewTranscriber(config.WhisperConfig{Flavor: "openai", Endpoint: srv.URL + "/v1/", APIKey: "sk-test"}, nil)
	require.NoError(t, err)

	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1, Width: 2})
	text, err := tr.Transcribe(context.Background(), wav, "en")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, "/v1/audio/transcriptions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "en", gotLang)
	assert.Equal(t, wav, gotAudio)
}

func TestOpenAITranscriber_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	tr, err := NewTranscriber(config.WhisperConfig{Flavor: "openai", Endpoint: srv.URL + "/v1"}, nil)
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), []byte("RIFF"), "")
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Equal(t, "bad key", te.Message)
	assert.Equal(t, stt.PlatformPermission, codeFor(err))
}

func TestASRTranscriber(t *testing.T) {
	var gotQuery map[string]string
	var gotAudio []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"task":       q.Get("task"),
			"output":     q.Get("output"),
			"language":   q.Get("language"),
			"vad_filter": q.Get("vad_filter"),
		}
		file, _, err := r.FormFile("audio_file")
		require.NoError(t, err)
		gotAudio, _ = io.ReadAll(file)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "bonjour", "language": "fr"})
	}))
	defer srv.Close()

	tr, err := NewTranscriber(config.WhisperConfig{Flavor: "asr", Endpoint: srv.URL + "/asr", VADFilter: true}, nil)
	require.NoError(t, err)

	text, err := tr.Transcribe(context.Background(), []byte("RIFFdata"), "fr")
	require.NoError(t, err)
	assert.Equal(t, "bonjour", text)
	assert.Equal(t, map[string]string{"task": "transcribe", "output": "json", "language": "fr", "vad_filter": "true"}, gotQuery)
	assert.Equal(t, []byte("RIFFdata"), gotAudio)
}

func TestASRTranscriber_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr, err := NewTranscriber(config.WhisperConfig{Flavor: "asr", Endpoint: srv.URL + "/asr"}, nil)
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), []byte("RIFF"), "")
	assert.ErrorContains(t, err, "model loading")
	assert.Equal(t, stt.PlatformServer, codeFor(err))
}

func TestNewTranscriber_Errors(t *testing.T) {
	_, err := NewTranscriber(config.WhisperConfig{Flavor: "asr"}, nil)
	assert.Error(t, err)
	_, err = NewTranscriber(config.WhisperConfig{Flavor: "grpc"}, nil)
	assert.ErrorContains(t, err, "unknown whisper flavor")
}
