package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotAuthorized = errors.New("speech recognition not authorized")
	ErrNotProcessing = errors.New("no turn is awaiting a reply")
	ErrClosed        = errors.New("voice controller closed")
)

// Recognition error codes reported by recognizers.
const (
	CodeTimeout       = "timeout"
	CodeCancelled     = "cancelled"
	CodeNoSpeech      = "no_speech"
	CodeNotAuthorized = "not_authorized"
)

// RecognitionFailure wraps a recognizer error event.
type RecognitionFailure struct {
	Code   string
	Detail string
}

func (e *RecognitionFailure) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("recognition failed: %s", e.Code)
	}
	return fmt.Sprintf("recognition failed: %s: %s", e.Code, e.Detail)
}

func (e *RecognitionFailure) Is(target error) bool {
	return target == ErrNotAuthorized && normalizeCode(e.Code) == CodeNotAuthorized
}

type errorClass int

const (
	errorFatal errorClass = iota
	errorTransient
	errorAuth
)

func (c errorClass) String() string {
	switch c {
	case errorTransient:
		return "transient"
	case errorAuth:
		return "auth"
	default:
		return "fatal"
	}
}

func classifyError(err error) errorClass {
	if err == nil {
		return errorTransient
	}
	if errors.Is(err, ErrNotAuthorized) {
		return errorAuth
	}
	if errors.Is(err, context.Canceled) {
		return errorTransient
	}
	var rf *RecognitionFailure
	if errors.As(err, &rf) {
		switch normalizeCode(rf.Code) {
		case CodeTimeout, CodeCancelled, CodeNoSpeech:
			return errorTransient
		}
	}
	return errorFatal
}

func normalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "_", " ", "_").Replace(code)
}
