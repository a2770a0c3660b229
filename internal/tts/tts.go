// Package tts defines the text-to-speech side of the bridge.
//
// Engine is the synthesis state machine: it validates and clamps requests,
// resolves the voice, tracks every utterance until its terminal event and
// offers a blocking file-synthesis path on top of the wait registry. The
// platform synthesizer is reached only from the dispatcher goroutine.
package tts

import (
	"errors"
	"math"
)

// DefaultLanguage is used whenever an empty language tag is configured.
const DefaultLanguage = "ja-JP"

// Parameter bounds. Out-of-range values are clamped, never rejected.
const (
	MinRate   = 0.5
	MaxRate   = 2.0
	MinPitch  = 0.5
	MaxPitch  = 2.0
	MinVolume = 0.0
	MaxVolume = 1.0

	DefaultRate   = 1.0
	DefaultPitch  = 1.0
	DefaultVolume = 1.0
)

// QueueMode selects how a new utterance interacts with pending ones.
type QueueMode int

const (
	// QueueFlush drops the playing and queued utterances first.
	QueueFlush QueueMode = iota
	// QueueAppend plays after every pending utterance.
	QueueAppend
)

func (m QueueMode) String() string {
	if m == QueueAppend {
		return "append"
	}
	return "flush"
}

// Status is the synchronous result of Speak. The values are part of the host
// wire contract.
type Status int

const (
	StatusAccepted Status = 0
	StatusNotReady Status = -1
	StatusRejected Status = -2
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusNotReady:
		return "not_ready"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by the engine. Callers match them with errors.Is.
var (
	ErrNotReady        = errors.New("synthesis engine not ready")
	ErrRejected        = errors.New("synthesis request rejected")
	ErrSynthesisFailed = errors.New("synthesis failed")
	ErrTimeout         = errors.New("synthesis timed out")
)

// Request is a host synthesis request.
type Request struct {
	// Text is the input to speak. Empty text is invalid: Speak reports
	// StatusNotReady and SynthesizeToFile ErrNotReady.
	Text string

	// Voice is a voice id from ListVoices, or a locale tag. Empty falls back
	// to the configured voice id, then the configured language.
	Voice string

	Rate   float64
	Pitch  float64
	Volume float64
	Queue  QueueMode
}

// Utterance is a request after validation, clamping and voice resolution,
// as handed to the platform.
type Utterance struct {
	ID   string
	Text string

	// VoiceID is set when a known voice was selected; otherwise Locale is.
	VoiceID string
	Locale  string

	Rate   float64
	Pitch  float64
	Volume float64
}

// Quality and latency tiers of a voice.
const (
	TierVeryLow  = 100
	TierLow      = 200
	TierNormal   = 300
	TierHigh     = 400
	TierVeryHigh = 500
)

// Voice describes one platform voice. ID is stable and accepted unchanged as
// Request.Voice.
type Voice struct {
	ID      string `json:"identifier"`
	Locale  string `json:"language"`
	Quality int    `json:"quality"`
	Latency int    `json:"latency"`
	Name    string `json:"name"`
}

// Factory creates platform synthesizers.
type Factory interface {
	// NewSynthesizer starts a synthesizer that reports to l. Readiness is
	// reported later through l.Initialized.
	NewSynthesizer(l Listener) (Synthesizer, error)
}

// Synthesizer is a platform synthesis engine. Calls never overlap; they all
// come from the engine's dispatcher.
type Synthesizer interface {
	Voices() ([]Voice, error)
	Speak(u Utterance, mode QueueMode) error
	SynthesizeToFile(u Utterance, path string) error
	Stop() error
	IsSpeaking() bool
	Shutdown() error
}

// Listener receives platform progress events. It may be called from any
// goroutine.
type Listener interface {
	Initialized(err error)
	Started(id string)
	Done(id string)
	Failed(id string, err error)
	Stopped(id string, interrupted bool)
}

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Outcome tracks an utterance from submission to its terminal event.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeStarted
	OutcomeDone
	OutcomeError
	OutcomeStopped
)

func clamp(v, lo, hi, def float64) float64 {
	if math.IsNaN(v) {
		return def
	}
	return math.Max(lo, math.Min(hi, v))
}

// ClampRate bounds a speech rate to [MinRate, MaxRate].
func ClampRate(v float64) float64 { return clamp(v, MinRate, MaxRate, DefaultRate) }

// ClampPitch bounds a pitch multiplier to [MinPitch, MaxPitch].
func ClampPitch(v float64) float64 { return clamp(v, MinPitch, MaxPitch, DefaultPitch) }

// ClampVolume bounds a volume to [MinVolume, MaxVolume].
func ClampVolume(v float64) float64 { return clamp(v, MinVolume, MaxVolume, DefaultVolume) }
