package voice

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockMicrophone delivers frames pushed with Feed while started.
type MockMicrophone struct {
	mu       sync.Mutex
	frames   chan []int16
	starts   int
	stops    int
	StartErr error
}

func NewMockMicrophone() *MockMicrophone { return &MockMicrophone{} }

func (m *MockMicrophone) Start(_ context.Context) (<-chan []int16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	if m.frames != nil {
		close(m.frames)
	}
	m.frames = make(chan []int16, 64)
	return m.frames, nil
}

func (m *MockMicrophone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.frames != nil {
		close(m.frames)
		m.frames = nil
	}
	return nil
}

// Feed queues a frame; it reports false when the microphone is off or full.
func (m *MockMicrophone) Feed(frame []int16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		return false
	}
	select {
	case m.frames <- frame:
		return true
	default:
		return false
	}
}

func (m *MockMicrophone) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames != nil
}

func (m *MockMicrophone) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// MockRecognizer hands out sessions whose events are driven by Emit.
type MockRecognizer struct {
	mu        sync.Mutex
	current   *mockRecognition
	starts    int
	startErrs []error
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

// FailNextStart makes the next Start calls fail with errs, in order.
func (r *MockRecognizer) FailNextStart(errs ...error) {
	r.mu.Lock()
	r.startErrs = append(r.startErrs, errs...)
	r.mu.Unlock()
}

func (r *MockRecognizer) Start(_ context.Context) (RecognitionSession, <-chan RecognitionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		return nil, nil, err
	}
	s := &mockRecognition{events: make(chan RecognitionEvent, 64)}
	r.current = s
	return s, s.events, nil
}

// Emit delivers evt on the newest session. It reports false when that session
// is closed.
func (r *MockRecognizer) Emit(evt RecognitionEvent) bool {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.emit(evt)
}

func (r *MockRecognizer) Partial(text string) bool {
	return r.Emit(RecognitionEvent{Type: RecognitionPartial, Text: text})
}

func (r *MockRecognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Open reports whether the newest session is still running.
func (r *MockRecognizer) Open() bool {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

type mockRecognition struct {
	mu     sync.Mutex
	events chan RecognitionEvent
	frames int
	closed bool
}

func (s *mockRecognition) SendAudio(_ []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("recognition closed")
	}
	s.frames++
	return nil
}

func (s *mockRecognition) emit(evt RecognitionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

func (s *mockRecognition) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockSynthesizer records spoken text. With AutoFinish set, utterances
// complete on their own after that long.
type MockSynthesizer struct {
	mu         sync.Mutex
	spoken     []string
	utterances []*MockUtterance
	AutoFinish time.Duration
	SpeakErr   error
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Speak(_ context.Context, text string) (Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakErr != nil {
		return nil, s.SpeakErr
	}
	u := &MockUtterance{
		text: text,
		done: make(chan SpeechResult, 1),
	}
	s.spoken = append(s.spoken, text)
	s.utterances = append(s.utterances, u)
	if s.AutoFinish > 0 {
		time.AfterFunc(s.AutoFinish, u.Finish)
	}
	return u, nil
}

func (s *MockSynthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// Last returns the newest utterance, or nil.
func (s *MockSynthesizer) Last() *MockUtterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.utterances) == 0 {
		return nil
	}
	return s.utterances[len(s.utterances)-1]
}

type MockUtterance struct {
	text    string
	done    chan SpeechResult
	once    sync.Once
	stopped bool
	mu      sync.Mutex
}

func (u *MockUtterance) Text() string              { return u.text }
func (u *MockUtterance) Done() <-chan SpeechResult { return u.done }

// Finish completes playback normally.
func (u *MockUtterance) Finish() {
	u.once.Do(func() { u.done <- SpeechResult{} })
}

func (u *MockUtterance) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	u.once.Do(func() { u.done <- SpeechResult{Cancelled: true} })
}

func (u *MockUtterance) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// MockTones records played tones.
type MockTones struct {
	mu     sync.Mutex
	played []Tone
}

func (t *MockTones) Play(tone Tone) {
	t.mu.Lock()
	t.played = append(t.played, tone)
	t.mu.Unlock()
}

func (t *MockTones) Played() []Tone {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Tone(nil), t.played...)
}
