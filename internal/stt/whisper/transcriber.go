package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/stt"
)

// Transcriber turns a WAV recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, language string) (string, error)
}

// TranscriptionError is a failed transcription request. StatusCode is zero
// when no HTTP response was received.
type TranscriptionError struct {
	Flavor     string
	StatusCode int
	Message    string
	Err        error
}

func (e *TranscriptionError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s transcription failed (status %d): %s", e.Flavor, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s transcription request: %v", e.Flavor, e.Err)
	default:
		return fmt.Sprintf("%s transcription failed: %s", e.Flavor, e.Message)
	}
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// codeFor maps a transcription failure onto the platform error codes.
func codeFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return stt.PlatformNetworkTimeout
	}
	var te *TranscriptionError
	if errors.As(err, &te) && te.StatusCode != 0 {
		switch {
		case te.StatusCode == http.StatusTooManyRequests:
			return stt.PlatformBusy
		case te.StatusCode == http.StatusUnauthorized, te.StatusCode == http.StatusForbidden:
			return stt.PlatformPermission
		case te.StatusCode == http.StatusRequestTimeout:
			return stt.PlatformNetworkTimeout
		case te.StatusCode >= 500:
			return stt.PlatformServer
		case te.StatusCode >= 400:
			return stt.PlatformClient
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return stt.PlatformNetworkTimeout
		}
		return stt.PlatformNetwork
	}
	return stt.PlatformServer
}

// NewTranscriber builds the transcriber for cfg.Flavor.
func NewTranscriber(cfg config.WhisperConfig, logger *slog.Logger) (Transcriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Flavor {
	case "", "openai":
		return newOpenAITranscriber(cfg, logger), nil
	case "asr":
		if cfg.Endpoint == "" {
			return nil, errors.New("whisper flavor \"asr\" needs an endpoint")
		}
		return &asrTranscriber{
			endpoint:  cfg.Endpoint,
			vadFilter: cfg.VADFilter,
			client:    &http.Client{},
			logger:    logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown whisper flavor %q", cfg.Flavor)
	}
}

// openaiTranscriber talks to the OpenAI audio API or a compatible server
// (whisper.cpp, faster-whisper) selected by the endpoint base URL.
type openaiTranscriber struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func newOpenAITranscriber(cfg config.WhisperConfig, logger *slog.Logger) *openaiTranscriber {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openaiTranscriber{client: openai.NewClientWithConfig(oc), model: model, logger: logger}
}

func (t *openaiTranscriber) Transcribe(ctx context.Context, wav []byte, language string) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		te := &TranscriptionError{Flavor: "openai", Message: err.Error(), Err: err}
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			te.StatusCode = apiErr.HTTPStatusCode
			te.Message = apiErr.Message
		case errors.As(err, &reqErr):
			te.StatusCode = reqErr.HTTPStatusCode
		}
		return "", te
	}

	t.logger.Debug("transcription complete", "text_length", len(resp.Text))
	return strings.TrimSpace(resp.Text), nil
}

// asrTranscriber posts to an ahmetoner/whisper-asr-webservice /asr endpoint.
// API: POST /asr?task=transcribe&language=en&output=json&vad_filter=true
// Body: multipart/form-data with field "audio_file"
type asrTranscriber struct {
	endpoint  string
	vadFilter bool
	client    *http.Client
	logger    *slog.Logger
}

func (t *asrTranscriber) Transcribe(ctx context.Context, wav []byte, language string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio_file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("writing audio: %w", err)
	}
	writer.Close()

	q := make(url.Values)
	q.Set("task", "transcribe")
	q.Set("output", "json")
	q.Set("encode", "true")
	if language != "" {
		q.Set("language", language)
	}
	if t.vadFilter {
		q.Set("vad_filter", "true")
	}

	reqURL := t.endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	t.logger.Debug("whisper-asr request", "url", reqURL)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TranscriptionError{Flavor: "asr", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &TranscriptionError{Flavor: "asr", StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &TranscriptionError{Flavor: "asr", Message: "decoding response", Err: err}
	}

	t.logger.Debug("asr transcription complete", "text_length", len(result.Text), "language", result.Language)
	return strings.TrimSpace(result.Text), nil
}
