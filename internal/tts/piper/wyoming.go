package piper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nadzzz/speechbridge/internal/audio"
)

// Wyoming protocol format (per event):
//
//	<json_length> <payload_length>\n
//	<json_bytes>\n
//	<payload_bytes>   (if payload_length > 0)

type wyomingEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// writeEvent sends a Wyoming event over the connection.
func writeEvent(w io.Writer, evt wyomingEvent, payload []byte) error {
	jsonBytes, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d\n", len(jsonBytes), len(payload))
	buf.Write(jsonBytes)
	buf.WriteByte('\n')
	buf.Write(payload)

	_, err = w.Write(buf.Bytes())
	return err
}

// readEvent reads a Wyoming event from the connection.
func readEvent(r *bufio.Reader) (*wyomingEvent, []byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	parts := strings.Fields(header)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid wyoming header: %q", strings.TrimSpace(header))
	}
	jsonLen, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing json_length: %w", err)
	}
	payloadLen, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing payload_length: %w", err)
	}

	jsonBuf := make([]byte, jsonLen+1) // +1 for the \n
	if _, err := io.ReadFull(r, jsonBuf); err != nil {
		return nil, nil, fmt.Errorf("reading json: %w", err)
	}

	var evt wyomingEvent
	if err := json.Unmarshal(jsonBuf[:jsonLen], &evt); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling event: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("reading payload: %w", err)
		}
	}
	return &evt, payload, nil
}

// client speaks Wyoming to a Piper server, one connection per request.
type client struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// exchange sends req and feeds every reply to handle until it reports done.
func (c *client) exchange(ctx context.Context, endpoint string, req wyomingEvent, handle func(*wyomingEvent, []byte) (bool, error)) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("connecting to piper: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.requestTimeout))
	}
	// Unblock reads when ctx is canceled mid-request.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := writeEvent(conn, req, nil); err != nil {
		return fmt.Errorf("sending %s event: %w", req.Type, err)
	}

	r := bufio.NewReader(conn)
	for {
		evt, payload, err := readEvent(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading piper event: %w", err)
		}
		if evt.Type == "error" {
			msg := "unknown error"
			if text, ok := evt.Data["text"].(string); ok {
				msg = text
			}
			return fmt.Errorf("piper error: %s", msg)
		}
		done, err := handle(evt, payload)
		if err != nil || done {
			return err
		}
	}
}

// synthesize renders text with voice and returns the raw PCM.
func (c *client) synthesize(ctx context.Context, endpoint, text, voice string) (*audio.Clip, error) {
	req := wyomingEvent{
		Type: "synthesize",
		Data: map[string]any{
			"text":  text,
			"voice": map[string]any{"name": voice},
		},
	}

	var (
		pcm    bytes.Buffer
		format = audio.DefaultFormat
	)
	err := c.exchange(ctx, endpoint, req, func(evt *wyomingEvent, payload []byte) (bool, error) {
		switch evt.Type {
		case "audio-start":
			if rate, ok := evt.Data["rate"].(float64); ok {
				format.SampleRate = int(rate)
			}
			if ch, ok := evt.Data["channels"].(float64); ok {
				format.Channels = int(ch)
			}
			if w, ok := evt.Data["width"].(float64); ok {
				format.Width = int(w)
			}
			c.logger.Debug("piper audio-start", "rate", format.SampleRate, "channels", format.Channels, "width", format.Width)
		case "audio-chunk":
			pcm.Write(payload)
		case "audio-stop":
			c.logger.Debug("piper audio-stop", "pcm_bytes", pcm.Len())
			return true, nil
		default:
			c.logger.Debug("piper unknown event", "type", evt.Type)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &audio.Clip{Format: format, PCM: pcm.Bytes()}, nil
}

// voiceInfo is one voice from a Wyoming info event.
type voiceInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Languages   []string `json:"languages"`
	Installed   bool     `json:"installed"`
}

// describe asks the server which voices it serves.
func (c *client) describe(ctx context.Context, endpoint string) ([]voiceInfo, error) {
	var voices []voiceInfo
	err := c.exchange(ctx, endpoint, wyomingEvent{Type: "describe"}, func(evt *wyomingEvent, _ []byte) (bool, error) {
		if evt.Type != "info" {
			return false, nil
		}
		raw, err := json.Marshal(evt.Data["tts"])
		if err != nil {
			return true, fmt.Errorf("re-encoding tts info: %w", err)
		}
		var programs []struct {
			Name   string      `json:"name"`
			Voices []voiceInfo `json:"voices"`
		}
		if err := json.Unmarshal(raw, &programs); err != nil {
			return true, fmt.Errorf("decoding tts info: %w", err)
		}
		for _, p := range programs {
			voices = append(voices, p.Voices...)
		}
		return true, nil
	})
	return voices, err
}
