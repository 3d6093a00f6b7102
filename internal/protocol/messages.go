package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Device to server.
const (
	TypeVoiceControl      MessageType = "voice_control"
	TypeRecognitionResult MessageType = "recognition_result"
	TypeRecognitionError  MessageType = "recognition_error"
	TypeAudioLevel        MessageType = "audio_level"
	TypeSynthesisDone     MessageType = "synthesis_done"
)

// Server to device.
const (
	TypeVoiceState       MessageType = "voice_state"
	TypeTranscriptUpdate MessageType = "transcript_update"
	TypeTranscriptSubmit MessageType = "transcript_submit"
	TypeRequestCancel    MessageType = "request_cancel"
	TypeSpeak            MessageType = "speak"
	TypeSpeakStop        MessageType = "speak_stop"
	TypeRecognitionStart MessageType = "recognition_start"
	TypeRecognitionStop  MessageType = "recognition_stop"
	TypeTone             MessageType = "tone"
	TypeVolume           MessageType = "volume"
	TypeErrorEvent       MessageType = "error_event"
)

// Voice control actions.
const (
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionReply   = "reply"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type VoiceControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Text   string      `json:"text,omitempty"`
}

type RecognitionResult struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

type RecognitionError struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

// AudioLevel carries a window of little-endian PCM16 microphone samples used
// only for the volume meter.
type AudioLevel struct {
	Type          MessageType `json:"type"`
	SamplesBase64 string      `json:"samples_base64"`
}

type SynthesisDone struct {
	Type        MessageType `json:"type"`
	UtteranceID string      `json:"utterance_id"`
	Cancelled   bool        `json:"cancelled,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type VoiceState struct {
	Type   MessageType `json:"type"`
	State  string      `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

type TranscriptUpdate struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TranscriptSubmit struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	TurnID string      `json:"turn_id"`
}

type RequestCancel struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
}

type Speak struct {
	Type        MessageType `json:"type"`
	UtteranceID string      `json:"utterance_id"`
	Text        string      `json:"text"`
}

type SpeakStop struct {
	Type        MessageType `json:"type"`
	UtteranceID string      `json:"utterance_id"`
}

type RecognitionStart struct {
	Type MessageType `json:"type"`
}

type RecognitionStop struct {
	Type MessageType `json:"type"`
}

type Tone struct {
	Type MessageType `json:"type"`
	Name string      `json:"name"`
}

type Volume struct {
	Type  MessageType `json:"type"`
	Level float64     `json:"level"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeVoiceControl:
		var msg VoiceControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionEnable, ActionDisable, ActionReply:
		default:
			return nil, fmt.Errorf("invalid voice_control action %q", msg.Action)
		}
		return msg, nil
	case TypeRecognitionResult:
		var msg RecognitionResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRecognitionError:
		var msg RecognitionError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Code == "" {
			return nil, errors.New("invalid recognition_error")
		}
		return msg, nil
	case TypeAudioLevel:
		var msg AudioLevel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SamplesBase64 == "" {
			return nil, errors.New("invalid audio_level")
		}
		return msg, nil
	case TypeSynthesisDone:
		var msg SynthesisDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UtteranceID == "" {
			return nil, errors.New("invalid synthesis_done")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of an outbound message, or "unknown".
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case VoiceState:
		return m.Type
	case TranscriptUpdate:
		return m.Type
	case TranscriptSubmit:
		return m.Type
	case RequestCancel:
		return m.Type
	case Speak:
		return m.Type
	case SpeakStop:
		return m.Type
	case RecognitionStart:
		return m.Type
	case RecognitionStop:
		return m.Type
	case Tone:
		return m.Type
	case Volume:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return "unknown"
	}
}
