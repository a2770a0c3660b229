// Package mqtt implements the MQTT transport for speechbridge.
//
// MQTT is well-suited for IoT devices and lightweight pub/sub messaging.
// Every callback event is published as JSON to <topic>/<source>/<kind>.
// When commands are enabled the transport also subscribes to
// <topic>/cmd/# and drives the engines from it:
//
//	<topic>/cmd/stt/{init,start,stop,cancel,destroy}
//	<topic>/cmd/tts/{init,stop,destroy}
//	<topic>/cmd/tts/speak     JSON speak request; reply on <topic>/reply/tts/speak
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/callback"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/tts"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Publish before the broker connection is up.
var ErrNotConnected = errors.New("mqtt client not connected")

// Transport implements transport.Transport and callback.Publisher over MQTT.
type Transport struct {
	cfg       config.MQTTConfig
	newClient func(*paho.ClientOptions) paho.Client
	logger    *slog.Logger

	mu     sync.RWMutex
	client paho.Client
	bridge *bridge.Bridge
}

// New creates a new MQTT transport.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "speechbridge-" + uuid.NewString()
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	return &Transport{
		cfg:       cfg,
		newClient: paho.NewClient,
		logger:    logger.With("transport", "mqtt"),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "mqtt" }

// Listen connects to the broker and, when enabled, subscribes to commands.
// It blocks until the context is cancelled.
func (t *Transport) Listen(ctx context.Context, b *bridge.Bridge) error {
	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c paho.Client) {
			t.logger.Info("mqtt connected", "broker", t.cfg.Broker, "client_id", t.cfg.ClientID)
			if t.cfg.Commands {
				t.subscribe(c)
			}
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.logger.Warn("mqtt connection lost", "error", err)
		})
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}

	t.mu.Lock()
	t.bridge = b
	t.client = t.newClient(opts)
	client := t.client
	t.mu.Unlock()

	t.logger.Info("mqtt transport connecting", "broker", t.cfg.Broker, "topic", t.cfg.Topic)
	// With connect retry the token completes only once connected.
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
	}

	<-ctx.Done()
	return t.Close()
}

// Publish sends ev as JSON to <topic>/<source>/<kind>.
func (t *Transport) Publish(ctx context.Context, ev callback.Event) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	return t.publish(ctx, client, t.EventTopic(ev), data)
}

// EventTopic returns the topic ev is published to.
func (t *Transport) EventTopic(ev callback.Event) string {
	return fmt.Sprintf("%s/%s/%s", t.cfg.Topic, ev.Source, ev.Kind)
}

func (t *Transport) publish(ctx context.Context, client paho.Client, topic string, payload []byte) error {
	tok := client.Publish(topic, t.cfg.QoS, false, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mqtt publish %s: timed out after %s", topic, publishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) subscribe(c paho.Client) {
	filter := t.cfg.Topic + "/cmd/#"
	tok := c.Subscribe(filter, t.cfg.QoS, t.handleCommand)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			t.logger.Error("mqtt subscribe failed", "topic", filter, "error", err)
			return
		}
		t.logger.Info("mqtt subscribed", "topic", filter)
	}()
}

// speakCommand is the payload of <topic>/cmd/tts/speak.
type speakCommand struct {
	RequestID string   `json:"request_id,omitempty"`
	Text      string   `json:"text"`
	Voice     string   `json:"voice,omitempty"`
	Rate      *float64 `json:"rate,omitempty"`
	Pitch     *float64 `json:"pitch,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	Queue     string   `json:"queue,omitempty"`
}

type speakReply struct {
	RequestID   string `json:"request_id,omitempty"`
	Status      int    `json:"status"`
	StatusName  string `json:"status_name"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

func (t *Transport) handleCommand(c paho.Client, msg paho.Message) {
	t.mu.RLock()
	b := t.bridge
	t.mu.RUnlock()
	if b == nil {
		return
	}

	cmd := strings.TrimPrefix(msg.Topic(), t.cfg.Topic+"/cmd/")
	log := t.logger.With("command", cmd)
	if err := t.run(c, b, cmd, msg.Payload()); err != nil {
		log.Warn("mqtt command failed", "error", err)
		return
	}
	log.Debug("mqtt command handled")
}

func (t *Transport) run(c paho.Client, b *bridge.Bridge, cmd string, payload []byte) error {
	switch cmd {
	case "stt/init":
		return b.InitSTT()
	case "tts/init":
		return b.InitTTS()
	case "stt/start", "stt/stop", "stt/cancel", "stt/destroy":
		s, err := b.STT()
		if err != nil {
			return err
		}
		switch cmd {
		case "stt/start":
			s.Start()
		case "stt/stop":
			s.Stop()
		case "stt/cancel":
			s.Cancel()
		default:
			s.Destroy()
		}
		return nil
	case "tts/stop", "tts/destroy":
		e, err := b.TTS()
		if err != nil {
			return err
		}
		if cmd == "tts/stop" {
			e.Stop()
		} else {
			e.Destroy()
		}
		return nil
	case "tts/speak":
		e, err := b.TTS()
		if err != nil {
			return err
		}
		var sc speakCommand
		if err := json.Unmarshal(payload, &sc); err != nil {
			return fmt.Errorf("decoding speak command: %w", err)
		}
		req, err := sc.request()
		if err != nil {
			return err
		}
		status, id := e.Speak(req)
		data, err := json.Marshal(speakReply{
			RequestID:   sc.RequestID,
			Status:      int(status),
			StatusName:  status.String(),
			UtteranceID: id,
		})
		if err != nil {
			return fmt.Errorf("marshalling speak reply: %w", err)
		}
		return t.publish(context.Background(), c, t.cfg.Topic+"/reply/tts/speak", data)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (sc speakCommand) request() (tts.Request, error) {
	req := tts.Request{
		Text:   sc.Text,
		Voice:  sc.Voice,
		Rate:   tts.DefaultRate,
		Pitch:  tts.DefaultPitch,
		Volume: tts.DefaultVolume,
	}
	if sc.Rate != nil {
		req.Rate = *sc.Rate
	}
	if sc.Pitch != nil {
		req.Pitch = *sc.Pitch
	}
	if sc.Volume != nil {
		req.Volume = *sc.Volume
	}
	switch sc.Queue {
	case "", "flush":
	case "append":
		req.Queue = tts.QueueAppend
	default:
		return tts.Request{}, fmt.Errorf("queue must be \"flush\" or \"append\", got %q", sc.Queue)
	}
	return req, nil
}

// Close disconnects from the MQTT broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		t.logger.Info("mqtt transport disconnected")
	}
	return nil
}
