package voice

import "context"

type RecognitionEventType string

const (
	RecognitionPartial RecognitionEventType = "partial"
	RecognitionFinal   RecognitionEventType = "final"
	RecognitionError   RecognitionEventType = "error"
)

// RecognitionEvent carries the recognizer's best transcript so far. Text is
// the full hypothesis for the session, not a delta.
type RecognitionEvent struct {
	Type   RecognitionEventType
	Text   string
	Code   string
	Detail string
}

type RecognitionSession interface {
	SendAudio(samples []int16) error
	Close() error
}

type Recognizer interface {
	Start(ctx context.Context) (RecognitionSession, <-chan RecognitionEvent, error)
}

// SpeechResult reports how an utterance ended.
type SpeechResult struct {
	Cancelled bool
	Err       error
}

// Utterance is one in-flight synthesis. Done yields exactly one result.
type Utterance interface {
	Done() <-chan SpeechResult
	Stop()
}

type Synthesizer interface {
	Speak(ctx context.Context, text string) (Utterance, error)
}

// Microphone delivers PCM16 frames until stopped.
type Microphone interface {
	Start(ctx context.Context) (<-chan []int16, error)
	Stop() error
}

type Tone string

const (
	ToneStart     Tone = "start"
	ToneSubmit    Tone = "submit"
	ToneInterrupt Tone = "interrupt"
)

type TonePlayer interface {
	Play(tone Tone)
}

// Listener receives controller notifications. Methods run on the controller
// loop and must not call back into the controller synchronously.
type Listener interface {
	TranscriptChanged(text string)
	Submitted(turnID, text string)
	CancelRequested(turnID string)
	StateChanged(from, to State, reason string)
	Failed(err error)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) TranscriptChanged(string)          {}
func (NopListener) Submitted(string, string)          {}
func (NopListener) CancelRequested(string)            {}
func (NopListener) StateChanged(State, State, string) {}
func (NopListener) Failed(error)                      {}
