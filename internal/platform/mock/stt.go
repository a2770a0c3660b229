// Package mock provides scriptable platform engines for tests. The
// recognizer and synthesizer record every call and let the test decide which
// listener events the platform reports and when.
package mock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nadzzz/speechbridge/internal/stt"
)

// STTFactory creates Recognizers.
type STTFactory struct {
	mu          sync.Mutex
	unavailable bool
	err         error
	created     []*Recognizer
	configure   func(*Recognizer)
}

// NewSTTFactory returns an available factory.
func NewSTTFactory() *STTFactory { return &STTFactory{} }

// SetAvailable controls the result of Available.
func (f *STTFactory) SetAvailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = !v
}

// FailNext makes NewRecognizer return err until cleared with nil.
func (f *STTFactory) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Configure runs fn on every recognizer created from now on.
func (f *STTFactory) Configure(fn func(*Recognizer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configure = fn
}

func (f *STTFactory) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unavailable
}

func (f *STTFactory) NewRecognizer() (stt.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := &Recognizer{}
	if f.configure != nil {
		f.configure(r)
	}
	f.created = append(f.created, r)
	return r, nil
}

// Created returns how many recognizers were built.
func (f *STTFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// Last returns the most recently created recognizer, or nil.
func (f *STTFactory) Last() *Recognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Recognizer is a scriptable stt.Recognizer.
type Recognizer struct {
	mu        sync.Mutex
	listener  stt.Listener
	requests  []stt.Request
	calls     []string
	destroyed bool

	StartErr  error
	StopErr   error
	CancelErr error

	// StartPanic makes StartListening panic with this value.
	StartPanic any
}

func (r *Recognizer) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *Recognizer) SetListener(l stt.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Recognizer) StartListening(req stt.Request) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.calls = append(r.calls, "start")
	err, p := r.StartErr, r.StartPanic
	r.mu.Unlock()
	if p != nil {
		panic(p)
	}
	return err
}

func (r *Recognizer) StopListening() error {
	r.record("stop")
	return r.StopErr
}

func (r *Recognizer) Cancel() error {
	r.record("cancel")
	return r.CancelErr
}

func (r *Recognizer) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "destroy")
	r.destroyed = true
	return nil
}

// Calls returns the platform methods invoked so far, in order.
func (r *Recognizer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Requests returns every request passed to StartListening.
func (r *Recognizer) Requests() []stt.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Request(nil), r.requests...)
}

// Destroyed reports whether Destroy was called.
func (r *Recognizer) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *Recognizer) emit(fn func(stt.Listener)) {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		panic(errors.New("mock recognizer: no listener attached"))
	}
	fn(l)
}

// Ready reports ReadyForSpeech.
func (r *Recognizer) Ready() { r.emit(func(l stt.Listener) { l.ReadyForSpeech() }) }

// Begin reports BeginningOfSpeech.
func (r *Recognizer) Begin() { r.emit(func(l stt.Listener) { l.BeginningOfSpeech() }) }

// EndOfSpeech reports EndOfSpeech.
func (r *Recognizer) EndOfSpeech() { r.emit(func(l stt.Listener) { l.EndOfSpeech() }) }

// Partial reports partial candidates.
func (r *Recognizer) Partial(candidates ...string) {
	r.emit(func(l stt.Listener) { l.PartialResults(candidates) })
}

// Results reports final candidates.
func (r *Recognizer) Results(candidates ...string) {
	r.emit(func(l stt.Listener) { l.Results(candidates) })
}

// Fail reports a platform error code.
func (r *Recognizer) Fail(code int) { r.emit(func(l stt.Listener) { l.Error(code) }) }

func (r *Recognizer) String() string {
	return fmt.Sprintf("mock.Recognizer(calls=%v)", r.Calls())
}
