package mock

import (
	"os"
	"sync"

	"github.com/nadzzz/speechbridge/internal/tts"
)

// FileMode selects how a Synthesizer answers SynthesizeToFile.
type FileMode int

const (
	// FileComplete writes the file and reports Started and Done.
	FileComplete FileMode = iota
	// FileFail reports Failed.
	FileFail
	// FileSilent accepts the request and never reports anything.
	FileSilent
)

// TTSFactory creates Synthesizers.
type TTSFactory struct {
	mu      sync.Mutex
	voices  []tts.Voice
	err     error
	initErr error
	manual  bool
	created []*Synthesizer
}

// NewTTSFactory returns a factory whose synthesizers offer voices and report
// successful initialization immediately.
func NewTTSFactory(voices ...tts.Voice) *TTSFactory {
	return &TTSFactory{voices: voices}
}

// FailCreate makes NewSynthesizer return err.
func (f *TTSFactory) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FailInit makes new synthesizers report err as their initialization result.
func (f *TTSFactory) FailInit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// ManualInit stops new synthesizers from reporting initialization; the test
// calls Synthesizer.Initialize instead.
func (f *TTSFactory) ManualInit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = true
}

func (f *TTSFactory) NewSynthesizer(l tts.Listener) (tts.Synthesizer, error) {
	f.mu.Lock()
	if f.err != nil {
		defer f.mu.Unlock()
		return nil, f.err
	}
	s := &Synthesizer{listener: l, voices: append([]tts.Voice(nil), f.voices...)}
	f.created = append(f.created, s)
	manual, initErr := f.manual, f.initErr
	f.mu.Unlock()

	if !manual {
		l.Initialized(initErr)
	}
	return s, nil
}

// Last returns the most recently created synthesizer, or nil.
func (f *TTSFactory) Last() *Synthesizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Created returns how many synthesizers were built.
func (f *TTSFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// Submission is one request the synthesizer accepted.
type Submission struct {
	Utterance tts.Utterance
	Mode      tts.QueueMode
	Path      string
}

// Synthesizer is a scriptable tts.Synthesizer. Speak queues utterances
// without reporting progress; the test drives them with Begin, Finish and
// Fail. Flush mode and Stop report Stopped for every queued utterance.
type Synthesizer struct {
	mu          sync.Mutex
	listener    tts.Listener
	voices      []tts.Voice
	submissions []Submission
	queue       []string
	shutdown    bool

	SpeakErr   error
	FileErr    error
	StopErr    error
	VoicesErr  error
	FileMode   FileMode
	SpeakPanic any
}

// Initialize reports the initialization result.
func (s *Synthesizer) Initialize(err error) { s.listener.Initialized(err) }

func (s *Synthesizer) Voices() ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VoicesErr != nil {
		return nil, s.VoicesErr
	}
	return append([]tts.Voice(nil), s.voices...), nil
}

func (s *Synthesizer) Speak(u tts.Utterance, mode tts.QueueMode) error {
	s.mu.Lock()
	if s.SpeakPanic != nil {
		p := s.SpeakPanic
		s.mu.Unlock()
		panic(p)
	}
	if s.SpeakErr != nil {
		defer s.mu.Unlock()
		return s.SpeakErr
	}
	var flushed []string
	if mode == tts.QueueFlush {
		flushed, s.queue = s.queue, nil
	}
	s.queue = append(s.queue, u.ID)
	s.submissions = append(s.submissions, Submission{Utterance: u, Mode: mode})
	s.mu.Unlock()

	for _, id := range flushed {
		s.listener.Stopped(id, true)
	}
	return nil
}

func (s *Synthesizer) SynthesizeToFile(u tts.Utterance, path string) error {
	s.mu.Lock()
	if s.FileErr != nil {
		defer s.mu.Unlock()
		return s.FileErr
	}
	s.submissions = append(s.submissions, Submission{Utterance: u, Path: path})
	mode := s.FileMode
	s.mu.Unlock()

	switch mode {
	case FileComplete:
		if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
			s.listener.Failed(u.ID, err)
			return nil
		}
		s.listener.Started(u.ID)
		s.listener.Done(u.ID)
	case FileFail:
		s.listener.Failed(u.ID, nil)
	}
	return nil
}

func (s *Synthesizer) Stop() error {
	s.mu.Lock()
	if s.StopErr != nil {
		defer s.mu.Unlock()
		return s.StopErr
	}
	stopped := s.queue
	s.queue = nil
	s.mu.Unlock()

	for i, id := range stopped {
		s.listener.Stopped(id, i == 0)
	}
	return nil
}

func (s *Synthesizer) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *Synthesizer) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	s.queue = nil
	return nil
}

// IsShutdown reports whether Shutdown was called.
func (s *Synthesizer) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Submissions returns every accepted request, in order.
func (s *Synthesizer) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Begin reports Started for id.
func (s *Synthesizer) Begin(id string) { s.listener.Started(id) }

// Finish reports Done for id and removes it from the queue.
func (s *Synthesizer) Finish(id string) {
	s.dequeue(id)
	s.listener.Done(id)
}

// Fail reports Failed for id and removes it from the queue.
func (s *Synthesizer) Fail(id string, err error) {
	s.dequeue(id)
	s.listener.Failed(id, err)
}

func (s *Synthesizer) dequeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}
