// Package http implements the HTTP/WebSocket transport for speechbridge.
//
// This transport exposes the recognition session and the synthesis engine
// as a REST API, streams callback events over a WebSocket, and accepts
// captured audio for the Whisper recognizer. It is best suited for web
// clients and services that prefer HTTP-based communication.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/nadzzz/speechbridge/docs" // registers the OpenAPI document
	"github.com/nadzzz/speechbridge/internal/audio"
	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/stt"
	"github.com/nadzzz/speechbridge/internal/stt/whisper"
	"github.com/nadzzz/speechbridge/internal/tts"
)

const defaultMaxAudioBytes = 10 << 20

// AudioFeed accepts captured audio for the recognizer, e.g. the Whisper
// factory.
type AudioFeed interface {
	Format() audio.Format
	Feed(pcm []byte) error
	FeedClip(clip *audio.Clip) error
}

// Transport implements transport.Transport over HTTP and WebSocket. It also
// implements callback.Publisher, forwarding events to WebSocket subscribers.
type Transport struct {
	port     int
	maxAudio int64
	feed     AudioFeed
	hub      *hub
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// New creates a new HTTP transport. feed may be nil, in which case
// /v1/stt/audio answers 501.
func New(cfg config.HTTPConfig, feed AudioFeed, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("transport", "http")
	maxAudio := cfg.MaxAudioBytes
	if maxAudio <= 0 {
		maxAudio = defaultMaxAudioBytes
	}
	return &Transport{
		port:     cfg.Port,
		maxAudio: maxAudio,
		feed:     feed,
		hub:      newHub(logger),
		logger:   logger,
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Publish forwards ev to WebSocket subscribers.
func (t *Transport) Publish(ctx context.Context, ev callback.Event) error {
	return t.hub.Publish(ctx, ev)
}

// Handler returns the routes serving b.
func (t *Transport) Handler(b *bridge.Bridge) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/stt/init", func(w http.ResponseWriter, r *http.Request) { t.handleSTTInit(w, r, b) })
	mux.HandleFunc("PUT /v1/stt/config", func(w http.ResponseWriter, r *http.Request) { t.handleSTTConfig(w, r, b) })
	mux.HandleFunc("GET /v1/stt/status", func(w http.ResponseWriter, r *http.Request) { t.handleSTTStatus(w, r, b) })
	mux.HandleFunc("POST /v1/stt/{op}", func(w http.ResponseWriter, r *http.Request) { t.handleSTTOp(w, r, b) })
	mux.HandleFunc("POST /v1/stt/audio", t.handleSTTAudio)

	mux.HandleFunc("POST /v1/tts/init", func(w http.ResponseWriter, r *http.Request) { t.handleTTSInit(w, r, b) })
	mux.HandleFunc("POST /v1/tts/{op}", func(w http.ResponseWriter, r *http.Request) { t.handleTTSOp(w, r, b) })
	mux.HandleFunc("PUT /v1/tts/config", func(w http.ResponseWriter, r *http.Request) { t.handleTTSConfig(w, r, b) })
	mux.HandleFunc("GET /v1/tts/status", func(w http.ResponseWriter, r *http.Request) { t.handleTTSStatus(w, r, b) })
	mux.HandleFunc("GET /v1/tts/voices", func(w http.ResponseWriter, r *http.Request) { t.handleVoices(w, r, b) })
	mux.HandleFunc("POST /v1/tts/speak", func(w http.ResponseWriter, r *http.Request) { t.handleSpeak(w, r, b) })
	mux.HandleFunc("POST /v1/tts/synthesize", func(w http.ResponseWriter, r *http.Request) { t.handleSynthesize(w, r, b) })

	// GET /v1/events: WebSocket stream of callback events.
	mux.HandleFunc("GET /v1/events", t.hub.serve)

	// Swagger UI serves the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	return mux
}

// Listen starts the HTTP server for b.
func (t *Transport) Listen(ctx context.Context, b *bridge.Bridge) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", t.port),
		Handler:           t.Handler(b),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.mu.Lock()
	t.server = srv
	t.mu.Unlock()

	t.logger.Info("http transport listening", "port", t.port)

	go func() {
		<-ctx.Done()
		t.logger.Info("http transport shutting down")
		_ = t.Close()
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Close disconnects WebSocket subscribers and gracefully shuts down the
// HTTP server.
func (t *Transport) Close() error {
	t.hub.closeAll()
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// accepted is the body of every fire-and-forget operation.
type accepted struct {
	Accepted bool   `json:"accepted"`
	Op       string `json:"op"`
}

// sttConfigRequest updates recognition settings; absent fields are kept.
type sttConfigRequest struct {
	Language       *string `json:"language,omitempty" example:"ja-JP"`
	PreferOffline  *bool   `json:"prefer_offline,omitempty"`
	PartialResults *bool   `json:"partial_results,omitempty"`
}

type sttStatus struct {
	Available bool   `json:"available"`
	Listening bool   `json:"listening"`
	State     string `json:"state" example:"idle"`
}

// ttsConfigRequest updates synthesis settings; absent fields are kept.
type ttsConfigRequest struct {
	Language *string `json:"language,omitempty" example:"ja-JP"`
	VoiceID  *string `json:"voice_id,omitempty" example:"ja_JP-test-medium"`
}

type ttsStatus struct {
	State    string `json:"state" example:"ready"`
	Ready    bool   `json:"ready"`
	Speaking bool   `json:"speaking"`
}

// speakRequest is a synthesis request. Rate, pitch and volume default to 1.
type speakRequest struct {
	Text   string   `json:"text" example:"こんにちは"`
	Voice  string   `json:"voice,omitempty" example:"ja-JP"`
	Rate   *float64 `json:"rate,omitempty" example:"1"`
	Pitch  *float64 `json:"pitch,omitempty" example:"1"`
	Volume *float64 `json:"volume,omitempty" example:"1"`
	Queue  string   `json:"queue,omitempty" enums:"flush,append" example:"flush"`
}

type speakResponse struct {
	Status      int    `json:"status" example:"0"`
	StatusName  string `json:"status_name" example:"accepted"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

type synthesizeResponse struct {
	Path string `json:"path" example:"/tmp/speechbridge/3f1c.wav"`
}

type voicesResponse struct {
	Voices []tts.Voice `json:"voices"`
}

type feedResponse struct {
	Bytes    int     `json:"bytes"`
	Duration float64 `json:"duration_seconds"`
}

// handleSTTInit (re)creates the recognizer.
//
// @Summary     Initialize speech recognition
// @Description Tears down any existing recognizer and creates a new one. Listening sessions in progress end.
// @Tags        stt
// @Produce     json
// @Success     202  {object}  accepted
// @Failure     404  {string}  string  "Speech recognition disabled"
// @Router      /v1/stt/init [post]
func (t *Transport) handleSTTInit(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	if err := b.InitSTT(); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: true, Op: "init"})
}

// handleSTTConfig updates recognition settings used by the next start.
//
// @Summary     Configure speech recognition
// @Tags        stt
// @Accept      json
// @Produce     json
// @Param       config  body      sttConfigRequest  true  "Settings to change"
// @Success     200     {object}  sttStatus
// @Failure     400     {string}  string  "Invalid request body"
// @Failure     404     {string}  string  "Speech recognition disabled"
// @Router      /v1/stt/config [put]
func (t *Transport) handleSTTConfig(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	s, err := b.STT()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var req sttConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Language != nil {
		s.SetLanguage(*req.Language)
	}
	if req.PreferOffline != nil {
		s.SetPreferOffline(*req.PreferOffline)
	}
	if req.PartialResults != nil {
		s.SetPartialResults(*req.PartialResults)
	}
	writeJSON(w, http.StatusOK, statusOfSession(s))
}

// handleSTTStatus reports the recognition state.
//
// @Summary     Speech recognition status
// @Tags        stt
// @Produce     json
// @Success     200  {object}  sttStatus
// @Failure     404  {string}  string  "Speech recognition disabled"
// @Router      /v1/stt/status [get]
func (t *Transport) handleSTTStatus(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	s, err := b.STT()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusOfSession(s))
}

// handleSTTOp runs a session operation. Results arrive as events on
// /v1/events.
//
// @Summary     Control a listening session
// @Tags        stt
// @Produce     json
// @Param       op   path      string  true  "Operation"  Enums(start, stop, cancel, destroy)
// @Success     202  {object}  accepted
// @Failure     404  {string}  string  "Unknown operation or speech recognition disabled"
// @Router      /v1/stt/{op} [post]
func (t *Transport) handleSTTOp(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	s, err := b.STT()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	op := r.PathValue("op")
	switch op {
	case "start":
		s.Start()
	case "stop":
		s.Stop()
	case "cancel":
		s.Cancel()
	case "destroy":
		s.Destroy()
	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: true, Op: op})
}

// handleSTTAudio pushes captured audio to the listening recognizer.
//
// @Summary     Feed captured audio
// @Description A WAV body must match the recognizer format (16-bit mono at the configured rate).
// @Description Any other content type is taken as raw PCM in that format.
// @Tags        stt
// @Accept      audio/wav
// @Accept      application/octet-stream
// @Produce     json
// @Success     200  {object}  feedResponse
// @Failure     400  {string}  string  "Unreadable body"
// @Failure     409  {string}  string  "No recognizer is listening"
// @Failure     413  {string}  string  "Body too large"
// @Failure     415  {string}  string  "Unsupported audio format"
// @Failure     501  {string}  string  "No audio feed configured"
// @Router      /v1/stt/audio [post]
func (t *Transport) handleSTTAudio(w http.ResponseWriter, r *http.Request) {
	if t.feed == nil {
		http.Error(w, "audio feed not available for this backend", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxAudio))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "audio body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading audio: "+err.Error(), http.StatusBadRequest)
		return
	}

	pcm := body
	if isWAV(r.Header.Get("Content-Type")) {
		clip, err := audio.DecodeWAV(bytes.NewReader(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		pcm = clip.PCM
		err = t.feed.FeedClip(clip)
		if err != nil {
			t.feedError(w, err)
			return
		}
	} else if err := t.feed.Feed(pcm); err != nil {
		t.feedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{
		Bytes:    len(pcm),
		Duration: t.feed.Format().Duration(len(pcm)).Seconds(),
	})
}

func (t *Transport) feedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, whisper.ErrNotListening):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, whisper.ErrFormat):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	default:
		t.logger.Error("audio feed failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleTTSInit (re)creates the synthesizer.
//
// @Summary     Initialize speech synthesis
// @Description Tears down any existing synthesizer and starts initialization. Poll /v1/tts/status for readiness.
// @Tags        tts
// @Produce     json
// @Success     202  {object}  accepted
// @Failure     404  {string}  string  "Speech synthesis disabled"
// @Router      /v1/tts/init [post]
func (t *Transport) handleTTSInit(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	if err := b.InitTTS(); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: true, Op: "init"})
}

// handleTTSOp runs an engine operation.
//
// @Summary     Control speech synthesis
// @Tags        tts
// @Produce     json
// @Param       op   path      string  true  "Operation"  Enums(stop, destroy)
// @Success     202  {object}  accepted
// @Failure     404  {string}  string  "Unknown operation or speech synthesis disabled"
// @Router      /v1/tts/{op} [post]
func (t *Transport) handleTTSOp(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	e, err := b.TTS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	op := r.PathValue("op")
	switch op {
	case "stop":
		e.Stop()
	case "destroy":
		e.Destroy()
	default:
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted{Accepted: true, Op: op})
}

// handleTTSConfig updates the default language and voice.
//
// @Summary     Configure speech synthesis
// @Tags        tts
// @Accept      json
// @Produce     json
// @Param       config  body      ttsConfigRequest  true  "Settings to change"
// @Success     200     {object}  ttsStatus
// @Failure     400     {string}  string  "Invalid request body"
// @Failure     404     {string}  string  "Speech synthesis disabled"
// @Router      /v1/tts/config [put]
func (t *Transport) handleTTSConfig(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	e, err := b.TTS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var req ttsConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Language != nil {
		e.SetLanguage(*req.Language)
	}
	if req.VoiceID != nil {
		e.SetVoiceID(*req.VoiceID)
	}
	writeJSON(w, http.StatusOK, statusOfEngine(e))
}

// handleTTSStatus reports the engine state.
//
// @Summary     Speech synthesis status
// @Tags        tts
// @Produce     json
// @Success     200  {object}  ttsStatus
// @Failure     404  {string}  string  "Speech synthesis disabled"
// @Router      /v1/tts/status [get]
func (t *Transport) handleTTSStatus(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	e, err := b.TTS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, statusOfEngine(e))
}

// handleVoices lists the synthesizer's voices.
//
// @Summary     List voices
// @Tags        tts
// @Produce     json
// @Success     200  {object}  voicesResponse
// @Failure     404  {string}  string  "Speech synthesis disabled"
// @Failure     503  {string}  string  "Engine not ready"
// @Router      /v1/tts/voices [get]
func (t *Transport) handleVoices(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	e, err := b.TTS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	voices, err := e.ListVoices()
	switch {
	case errors.Is(err, tts.ErrNotReady):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		t.logger.Error("listing voices failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if voices == nil {
		voices = []tts.Voice{}
	}
	writeJSON(w, http.StatusOK, voicesResponse{Voices: voices})
}

// handleSpeak queues an utterance for playback. Progress is reported on
// /v1/events under the returned utterance id.
//
// @Summary     Speak text
// @Description status is 0 (accepted), -1 (not ready or empty text) or -2 (rejected by the synthesizer).
// @Tags        tts
// @Accept      json
// @Produce     json
// @Param       request  body      speakRequest  true  "Utterance"
// @Success     200      {object}  speakResponse
// @Failure     400      {string}  string  "Invalid request body"
// @Failure     404      {string}  string  "Speech synthesis disabled"
// @Router      /v1/tts/speak [post]
func (t *Transport) handleSpeak(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	e, err := b.TTS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	req, err := decodeSpeak(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, id := e.Speak(req)
	writeJSON(w, http.StatusOK, speakResponse{Status: int(status), StatusName: status.String(), UtteranceID: id})
}

// handleSynthesize renders text to a WAV file and waits for it.
//
// @Summary     Synthesize to file
// @Description Blocks until the file is complete. With download=true the WAV bytes are returned and the file is removed;
// @Description otherwise the caller owns the returned path.
// @Tags        tts
// @Accept      json
// @Produce     json
// @Produce     audio/wav
// @Param       request   body      speakRequest  true   "Utterance (queue is ignored)"
// @Param       download  query     bool          false  "Return the WAV bytes"
// @Success     200       {object}  synthesizeResponse
// @Failure     400       {string}  string  "Invalid request body"
// @Failure     404       {string}  string  "Speech synthesis disabled"
// @Failure     422       {string}  string  "Rejected by the synthesizer"
// @Failure     502       {string}  string  "Synthesis failed"
// @Failure     503       {string}  string  "Engine not ready"
// @Failure     504       {string}  string  "Synthesis timed out"
// @Router      /v1/tts/synthesize [post]
func (t *Transport) handleSynthesize(w http.ResponseWriter, r *http.Request, b *bridge.Bridge) {
	e, err := b.TTS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	req, err := decodeSpeak(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path, err := e.SynthesizeToFile(r.Context(), req)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, tts.ErrNotReady):
			code = http.StatusServiceUnavailable
		case errors.Is(err, tts.ErrRejected):
			code = http.StatusUnprocessableEntity
		case errors.Is(err, tts.ErrTimeout):
			code = http.StatusGatewayTimeout
		case errors.Is(err, tts.ErrSynthesisFailed):
			code = http.StatusBadGateway
		}
		t.logger.Warn("file synthesis failed", "error", err, "status", code)
		http.Error(w, err.Error(), code)
		return
	}

	if r.URL.Query().Get("download") != "true" {
		writeJSON(w, http.StatusOK, synthesizeResponse{Path: path})
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			t.logger.Warn("removing synthesized file", "path", path, "error", err)
		}
	}()
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, "reading synthesized file: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decodeSpeak turns a JSON speakRequest into a tts.Request.
func decodeSpeak(body io.Reader) (tts.Request, error) {
	var sr speakRequest
	if err := json.NewDecoder(body).Decode(&sr); err != nil {
		return tts.Request{}, fmt.Errorf("invalid json: %w", err)
	}
	req := tts.Request{
		Text:   sr.Text,
		Voice:  sr.Voice,
		Rate:   valueOr(sr.Rate, tts.DefaultRate),
		Pitch:  valueOr(sr.Pitch, tts.DefaultPitch),
		Volume: valueOr(sr.Volume, tts.DefaultVolume),
	}
	switch sr.Queue {
	case "", "flush":
		req.Queue = tts.QueueFlush
	case "append":
		req.Queue = tts.QueueAppend
	default:
		return tts.Request{}, fmt.Errorf("queue must be \"flush\" or \"append\", got %q", sr.Queue)
	}
	return req, nil
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func statusOfSession(s *stt.Session) sttStatus {
	return sttStatus{Available: s.IsAvailable(), Listening: s.IsListening(), State: s.State().String()}
}

func statusOfEngine(e *tts.Engine) ttsStatus {
	return ttsStatus{State: e.State().String(), Ready: e.Ready(), Speaking: e.IsSpeaking()}
}

func isWAV(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return ct == "audio/wav" || ct == "audio/x-wav" || ct == "audio/wave"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
