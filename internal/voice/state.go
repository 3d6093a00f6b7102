package voice

// State is the controller's interaction mode.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// Active reports whether the microphone may be in use.
func (s State) Active() bool {
	switch s {
	case StateListening, StateProcessing, StateSpeaking:
		return true
	default:
		return false
	}
}
