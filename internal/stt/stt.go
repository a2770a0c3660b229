// Package stt defines the speech-to-text side of the bridge: the recognition
// session state machine and the interfaces a platform recognizer implements.
//
// A platform recognizer is fire-and-forget. StartListening submits a request
// and returns; progress arrives later through the Listener it was given.
// Session serializes every call into the recognizer and every listener event
// onto one dispatcher, and turns them into host callbacks.
package stt

import (
	"fmt"
	"strconv"
)

const (
	// DefaultLanguage is used whenever an empty language tag is configured.
	DefaultLanguage = "ja-JP"

	// MaxResults is the number of alternatives requested from the platform.
	MaxResults = 3
)

// Request is the immutable recognition descriptor handed to the platform on
// every StartListening. The session rebuilds it whenever configuration changes.
type Request struct {
	Language       string
	PartialResults bool
	PreferOffline  bool
	MaxResults     int
}

// Factory creates platform recognizers.
type Factory interface {
	// Available reports whether recognition can work on this host at all.
	Available() bool

	// NewRecognizer constructs a fresh recognizer instance.
	NewRecognizer() (Recognizer, error)
}

// Recognizer is a platform recognition engine.
type Recognizer interface {
	// SetListener attaches the event listener. It is called once, before the
	// first StartListening.
	SetListener(l Listener)

	// StartListening begins a recognition attempt for req.
	StartListening(req Request) error

	// StopListening asks the engine to finalize the current input.
	StopListening() error

	// Cancel aborts the current attempt without producing a result.
	Cancel() error

	// Destroy releases the engine. No events may be delivered afterwards.
	Destroy() error
}

// Listener receives platform recognition events. Implementations of
// Recognizer may call it from any goroutine.
type Listener interface {
	ReadyForSpeech()
	BeginningOfSpeech()
	EndOfSpeech()
	PartialResults(candidates []string)
	Results(candidates []string)
	Error(code int)
}

// State is the recognition session state.
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateListening
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ErrorCode is a session-level failure reported through OnError. Platform
// failures use the positive platform code instead.
type ErrorCode int

const (
	CodeNotInitialized ErrorCode = -1
	CodeStartFailed    ErrorCode = -2
	CodeStopFailed     ErrorCode = -3
	CodeCancelFailed   ErrorCode = -4
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNotInitialized:
		return "not_initialized"
	case CodeStartFailed:
		return "start_failed"
	case CodeStopFailed:
		return "stop_failed"
	case CodeCancelFailed:
		return "cancel_failed"
	default:
		return "code_" + strconv.Itoa(int(c))
	}
}

// Platform error codes a Recognizer reports through Listener.Error.
const (
	PlatformNetworkTimeout = 1
	PlatformNetwork        = 2
	PlatformAudio          = 3
	PlatformServer         = 4
	PlatformClient         = 5
	PlatformSpeechTimeout  = 6
	PlatformNoMatch        = 7
	PlatformBusy           = 8
	PlatformPermission     = 9
)

// Reason is the symbolic name of a platform error code.
type Reason string

const (
	ReasonNetwork    Reason = "NETWORK"
	ReasonAudio      Reason = "AUDIO"
	ReasonServer     Reason = "SERVER"
	ReasonClient     Reason = "CLIENT"
	ReasonTimeout    Reason = "TIMEOUT"
	ReasonNoMatch    Reason = "NO_MATCH"
	ReasonBusy       Reason = "BUSY"
	ReasonPermission Reason = "PERMISSION"
)

// ReasonFor maps a platform error code to its reason. Unknown codes keep the
// raw value as ERROR_<code>.
func ReasonFor(code int) Reason {
	switch code {
	case PlatformNetwork:
		return ReasonNetwork
	case PlatformAudio:
		return ReasonAudio
	case PlatformServer:
		return ReasonServer
	case PlatformClient:
		return ReasonClient
	case PlatformSpeechTimeout:
		return ReasonTimeout
	case PlatformNoMatch:
		return ReasonNoMatch
	case PlatformBusy:
		return ReasonBusy
	case PlatformPermission:
		return ReasonPermission
	default:
		return Reason("ERROR_" + strconv.Itoa(code))
	}
}

// Error describes a failure delivered to the host as OnError(Code, Reason).
type Error struct {
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stt error %d (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("stt error %d (%s)", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// sessionError builds the Error for a failed session operation; the reason is
// the platform's message.
func sessionError(code ErrorCode, err error) *Error {
	reason := code.String()
	if err != nil && err.Error() != "" {
		reason = err.Error()
	}
	return &Error{Code: int(code), Reason: reason, Err: err}
}

// platformError builds the Error for a Listener.Error event.
func platformError(code int) *Error {
	return &Error{Code: code, Reason: string(ReasonFor(code))}
}
