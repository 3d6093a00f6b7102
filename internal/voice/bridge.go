package voice

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/goose-companion/internal/protocol"
)

// Bridge adapts a connected device to the controller's audio interfaces.
// The device runs recognition and synthesis itself; the bridge turns
// controller calls into outbound commands and device reports into events.
type Bridge struct {
	send func(msg any)

	mu         sync.Mutex
	frames     chan []int16
	recog      *bridgeRecognition
	utterances map[string]*bridgeUtterance
}

func NewBridge(send func(msg any)) *Bridge {
	return &Bridge{
		send:       send,
		utterances: make(map[string]*bridgeUtterance),
	}
}

func (b *Bridge) Microphone() Microphone   { return bridgeMicrophone{b} }
func (b *Bridge) Recognizer() Recognizer   { return bridgeRecognizer{b} }
func (b *Bridge) Synthesizer() Synthesizer { return bridgeSynthesizer{b} }
func (b *Bridge) Tones() TonePlayer        { return bridgeTones{b} }

// DeliverAudio forwards a device level window to the running microphone.
// Frames are dropped when the microphone is off or the consumer lags.
func (b *Bridge) DeliverAudio(samples []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frames == nil {
		return
	}
	select {
	case b.frames <- samples:
	default:
	}
}

// DeliverRecognition forwards a device recognizer report to the running
// recognition session, if any.
func (b *Bridge) DeliverRecognition(evt RecognitionEvent) {
	b.mu.Lock()
	r := b.recog
	b.mu.Unlock()
	if r != nil {
		r.emit(evt)
	}
}

// DeliverSynthesisDone completes the utterance with the given id.
func (b *Bridge) DeliverSynthesisDone(id string, cancelled bool, errText string) {
	b.mu.Lock()
	u, ok := b.utterances[id]
	delete(b.utterances, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if errText != "" {
		err = errors.New(errText)
	}
	u.finish(SpeechResult{Cancelled: cancelled, Err: err})
}

// Close ends any running session and pending utterances.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.frames != nil {
		close(b.frames)
		b.frames = nil
	}
	r := b.recog
	b.recog = nil
	pending := b.utterances
	b.utterances = make(map[string]*bridgeUtterance)
	b.mu.Unlock()

	if r != nil {
		r.close()
	}
	for _, u := range pending {
		u.finish(SpeechResult{Cancelled: true})
	}
}

// DecodePCM16 decodes base64 little-endian PCM16 samples.
func DecodePCM16(encoded string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, errors.New("odd sample byte count")
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

type bridgeMicrophone struct{ b *Bridge }

func (m bridgeMicrophone) Start(_ context.Context) (<-chan []int16, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.b.frames != nil {
		close(m.b.frames)
	}
	m.b.frames = make(chan []int16, 16)
	return m.b.frames, nil
}

func (m bridgeMicrophone) Stop() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.b.frames != nil {
		close(m.b.frames)
		m.b.frames = nil
	}
	return nil
}

type bridgeRecognizer struct{ b *Bridge }

func (r bridgeRecognizer) Start(_ context.Context) (RecognitionSession, <-chan RecognitionEvent, error) {
	s := &bridgeRecognition{b: r.b, events: make(chan RecognitionEvent, 32)}
	r.b.mu.Lock()
	prev := r.b.recog
	r.b.recog = s
	r.b.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	r.b.send(protocol.RecognitionStart{Type: protocol.TypeRecognitionStart})
	return s, s.events, nil
}

type bridgeRecognition struct {
	b      *Bridge
	mu     sync.Mutex
	events chan RecognitionEvent
	closed bool
}

// SendAudio is a no-op: the device feeds its own recognizer.
func (s *bridgeRecognition) SendAudio(_ []int16) error { return nil }

func (s *bridgeRecognition) Close() error {
	s.b.mu.Lock()
	current := s.b.recog == s
	if current {
		s.b.recog = nil
	}
	s.b.mu.Unlock()
	if s.close() && current {
		s.b.send(protocol.RecognitionStop{Type: protocol.TypeRecognitionStop})
	}
	return nil
}

func (s *bridgeRecognition) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}

func (s *bridgeRecognition) emit(evt RecognitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

type bridgeSynthesizer struct{ b *Bridge }

func (s bridgeSynthesizer) Speak(_ context.Context, text string) (Utterance, error) {
	u := &bridgeUtterance{b: s.b, id: uuid.NewString(), done: make(chan SpeechResult, 1)}
	s.b.mu.Lock()
	s.b.utterances[u.id] = u
	s.b.mu.Unlock()
	s.b.send(protocol.Speak{Type: protocol.TypeSpeak, UtteranceID: u.id, Text: text})
	return u, nil
}

type bridgeUtterance struct {
	b    *Bridge
	id   string
	done chan SpeechResult
	once sync.Once
}

func (u *bridgeUtterance) Done() <-chan SpeechResult { return u.done }

func (u *bridgeUtterance) Stop() {
	u.b.mu.Lock()
	_, pending := u.b.utterances[u.id]
	delete(u.b.utterances, u.id)
	u.b.mu.Unlock()
	if pending {
		u.b.send(protocol.SpeakStop{Type: protocol.TypeSpeakStop, UtteranceID: u.id})
	}
	u.finish(SpeechResult{Cancelled: true})
}

func (u *bridgeUtterance) finish(res SpeechResult) {
	u.once.Do(func() { u.done <- res })
}

type bridgeTones struct{ b *Bridge }

func (t bridgeTones) Play(tone Tone) {
	t.b.send(protocol.Tone{Type: protocol.TypeTone, Name: string(tone)})
}
