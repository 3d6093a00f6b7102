package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageVoiceControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"voice_control","action":" Reply ","text":"done"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(VoiceControl)
	if !ok {
		t.Fatalf("message type = %T, want VoiceControl", msg)
	}
	if control.Action != ActionReply || control.Text != "done" {
		t.Fatalf("unexpected voice control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"voice_control","action":"dance"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRecognitionResult(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"recognition_result","text":"hello there","is_final":true}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	res, ok := msg.(RecognitionResult)
	if !ok {
		t.Fatalf("message type = %T, want RecognitionResult", msg)
	}
	if res.Text != "hello there" || !res.IsFinal {
		t.Fatalf("unexpected recognition result: %+v", res)
	}
}

func TestParseClientMessageSynthesisDone(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"synthesis_done","utterance_id":"u1","cancelled":true}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	done, ok := msg.(SynthesisDone)
	if !ok {
		t.Fatalf("message type = %T, want SynthesisDone", msg)
	}
	if done.UtteranceID != "u1" || !done.Cancelled {
		t.Fatalf("unexpected synthesis done: %+v", done)
	}
}

func TestParseClientMessageRejectsInvalidPayloads(t *testing.T) {
	tests := []string{
		`{"type":"recognition_error","code":""}`,
		`{"type":"audio_level","samples_base64":""}`,
		`{"type":"synthesis_done"}`,
		`not json`,
	}
	for _, raw := range tests {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want validation error", raw)
		}
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(Tone{Type: TypeTone, Name: "submit"}); got != TypeTone {
		t.Fatalf("TypeOf(Tone) = %q, want %q", got, TypeTone)
	}
	if got := TypeOf(42); got != "unknown" {
		t.Fatalf("TypeOf(int) = %q, want unknown", got)
	}
}

func BenchmarkParseClientMessageRecognitionResult(b *testing.B) {
	raw := []byte(`{"type":"recognition_result","text":"could you run the tests again please","is_final":false}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientMessage(raw); err != nil {
			b.Fatal(err)
		}
	}
}
