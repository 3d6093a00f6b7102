package voice

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/goose-companion/internal/protocol"
	"github.com/ent0n29/goose-companion/internal/transcript"
)

type fakeAgent struct {
	mu        sync.Mutex
	asked     []string
	reply     string
	err       error
	block     bool
	cancelled int
}

func (a *fakeAgent) Ask(ctx context.Context, sessionID, text string) (string, error) {
	a.mu.Lock()
	a.asked = append(a.asked, sessionID+":"+text)
	block := a.block
	a.mu.Unlock()
	if block {
		<-ctx.Done()
		a.mu.Lock()
		a.cancelled++
		a.mu.Unlock()
		return "", ctx.Err()
	}
	return a.reply, a.err
}

func (a *fakeAgent) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.asked...)
}

func (a *fakeAgent) cancellations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

type runnerHarness struct {
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc

	mu   sync.Mutex
	seen []any
}

func startRunner(t *testing.T, deps RunnerDeps) *runnerHarness {
	t.Helper()
	r := NewSessionRunner(deps, RunnerConfig{Controller: testConfig(), VolumeInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	h := &runnerHarness{
		inbound:  make(chan any, 16),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-h.outbound:
				h.mu.Lock()
				h.seen = append(h.seen, msg)
				h.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
	go func() { h.done <- r.RunConnection(ctx, "s1", h.inbound, h.outbound) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("RunConnection did not return")
		}
		close(stop)
	})
	return h
}

// waitForMsg returns the first outbound message matching pred.
func (h *runnerHarness) waitForMsg(t *testing.T, what string, pred func(any) bool) any {
	t.Helper()
	var found any
	waitFor(t, 2*time.Second, what, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, msg := range h.seen {
			if pred(msg) {
				found = msg
				return true
			}
		}
		return false
	})
	return found
}

func (h *runnerHarness) count(pred func(any) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, msg := range h.seen {
		if pred(msg) {
			n++
		}
	}
	return n
}

func isState(state State, reason string) func(any) bool {
	return func(msg any) bool {
		m, ok := msg.(protocol.VoiceState)
		return ok && m.State == string(state) && (reason == "" || m.Reason == reason)
	}
}

func isErrorCode(code string) func(any) bool {
	return func(msg any) bool {
		m, ok := msg.(protocol.ErrorEvent)
		return ok && m.Code == code
	}
}

func isSpeak(msg any) bool {
	_, ok := msg.(protocol.Speak)
	return ok
}

// submitTurn enables voice and speaks text until the runner submits it.
func (h *runnerHarness) submitTurn(t *testing.T, text string) protocol.TranscriptSubmit {
	t.Helper()
	h.inbound <- protocol.VoiceControl{Type: protocol.TypeVoiceControl, Action: protocol.ActionEnable}
	h.waitForMsg(t, "listening", isState(StateListening, "enabled"))
	h.inbound <- protocol.RecognitionResult{Type: protocol.TypeRecognitionResult, Text: text}
	msg := h.waitForMsg(t, "transcript submit", func(msg any) bool {
		_, ok := msg.(protocol.TranscriptSubmit)
		return ok
	})
	return msg.(protocol.TranscriptSubmit)
}

func encodePCM(samples []int16) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestRunnerAnswersSubmittedTurn(t *testing.T) {
	agent := &fakeAgent{reply: "All **tests** pass."}
	store := transcript.NewInMemoryStore()
	finished := make(chan string, 1)
	h := startRunner(t, RunnerDeps{
		Agent:        agent,
		Store:        store,
		TurnFinished: func(id string) { finished <- id },
	})

	submit := h.submitTurn(t, "run the tests")
	if submit.Text != "run the tests" || submit.TurnID == "" {
		t.Fatalf("submit = %+v", submit)
	}
	speak := h.waitForMsg(t, "speak", isSpeak).(protocol.Speak)
	if !strings.Contains(speak.Text, "tests pass") || strings.Contains(speak.Text, "*") {
		t.Fatalf("speak text = %q", speak.Text)
	}
	if got := agent.calls(); len(got) != 1 || got[0] != "s1:run the tests" {
		t.Fatalf("agent calls = %v", got)
	}
	select {
	case id := <-finished:
		if id != "s1" {
			t.Fatalf("TurnFinished(%q), want s1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("TurnFinished not called")
	}

	h.inbound <- protocol.SynthesisDone{Type: protocol.TypeSynthesisDone, UtteranceID: speak.UtteranceID}
	h.waitForMsg(t, "listening after reply", isState(StateListening, "reply_done"))

	var records []transcript.TurnRecord
	waitFor(t, time.Second, "two transcript records", func() bool {
		records, _ = store.Recent(context.Background(), "s1", 10)
		return len(records) == 2
	})
	if records[0].Role != transcript.RoleUser || records[0].TurnID != submit.TurnID || records[0].Risk != "medium" {
		t.Fatalf("user record = %+v", records[0])
	}
	if records[1].Role != transcript.RoleAssistant || records[1].Content != "All **tests** pass." {
		t.Fatalf("assistant record = %+v", records[1])
	}
}

func TestRunnerRefusesBlockedRequest(t *testing.T) {
	agent := &fakeAgent{reply: "should not run"}
	store := transcript.NewInMemoryStore()
	h := startRunner(t, RunnerDeps{Agent: agent, Store: store})

	h.submitTurn(t, "read out the api key from the config")
	speak := h.waitForMsg(t, "speak", isSpeak).(protocol.Speak)
	if !strings.Contains(speak.Text, "send that to the agent") {
		t.Fatalf("speak text = %q, want refusal", speak.Text)
	}
	if got := agent.calls(); len(got) != 0 {
		t.Fatalf("agent calls = %v, want none", got)
	}
	records, _ := store.Recent(context.Background(), "s1", 10)
	if len(records) == 0 || records[0].Risk != "blocked" {
		t.Fatalf("records = %+v, want blocked user turn", records)
	}
}

func TestRunnerStopWordCancelsAgentTurn(t *testing.T) {
	agent := &fakeAgent{block: true}
	h := startRunner(t, RunnerDeps{Agent: agent})

	submit := h.submitTurn(t, "run the tests")
	waitFor(t, time.Second, "agent call", func() bool { return len(agent.calls()) == 1 })

	h.inbound <- protocol.RecognitionResult{Type: protocol.TypeRecognitionResult, Text: "run the tests stop"}
	h.waitForMsg(t, "request cancel", func(msg any) bool {
		m, ok := msg.(protocol.RequestCancel)
		return ok && m.TurnID == submit.TurnID
	})
	waitFor(t, time.Second, "agent cancellation", func() bool { return agent.cancellations() == 1 })
	h.waitForMsg(t, "listening after stop word", isState(StateListening, "stop_word"))
	if n := h.count(isSpeak); n != 0 {
		t.Fatalf("speak messages = %d, want 0", n)
	}
}

func TestRunnerSpeaksApologyOnAgentFailure(t *testing.T) {
	agent := &fakeAgent{err: errors.New("provider down")}
	h := startRunner(t, RunnerDeps{Agent: agent})

	h.submitTurn(t, "summarize the diff")
	h.waitForMsg(t, "agent error event", isErrorCode("agent_failed"))
	speak := h.waitForMsg(t, "speak", isSpeak).(protocol.Speak)
	if !strings.Contains(speak.Text, "did not answer") {
		t.Fatalf("speak text = %q", speak.Text)
	}
}

func TestRunnerRejectsReplyOutsideProcessing(t *testing.T) {
	h := startRunner(t, RunnerDeps{Agent: &fakeAgent{}})
	h.inbound <- protocol.VoiceControl{Type: protocol.TypeVoiceControl, Action: protocol.ActionReply, Text: "hi"}
	h.waitForMsg(t, "not_processing error", isErrorCode("not_processing"))
}

func TestRunnerManualReplyAnswersTurn(t *testing.T) {
	agent := &fakeAgent{block: true}
	h := startRunner(t, RunnerDeps{Agent: agent})

	h.submitTurn(t, "what changed")
	h.inbound <- protocol.VoiceControl{Type: protocol.TypeVoiceControl, Action: protocol.ActionReply, Text: "Nothing yet."}
	speak := h.waitForMsg(t, "speak", isSpeak).(protocol.Speak)
	if speak.Text != "Nothing yet." {
		t.Fatalf("speak text = %q", speak.Text)
	}
}

func TestRunnerRejectsBadAudio(t *testing.T) {
	h := startRunner(t, RunnerDeps{Agent: &fakeAgent{}})
	h.inbound <- protocol.AudioLevel{Type: protocol.TypeAudioLevel, SamplesBase64: "AAE"}
	h.waitForMsg(t, "bad_audio error", isErrorCode("bad_audio"))
}

func TestRunnerReportsVolumeWhileListening(t *testing.T) {
	h := startRunner(t, RunnerDeps{Agent: &fakeAgent{}})
	h.inbound <- protocol.VoiceControl{Type: protocol.TypeVoiceControl, Action: protocol.ActionEnable}
	h.waitForMsg(t, "listening", isState(StateListening, ""))

	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 16384
		if i%2 == 1 {
			loud[i] = -16384
		}
	}
	h.inbound <- protocol.AudioLevel{Type: protocol.TypeAudioLevel, SamplesBase64: encodePCM(loud)}
	h.waitForMsg(t, "volume", func(msg any) bool {
		m, ok := msg.(protocol.Volume)
		return ok && m.Level > 0
	})
}

func TestRunnerCancelsPendingTurnWhenInboundCloses(t *testing.T) {
	agent := &fakeAgent{block: true}
	h := startRunner(t, RunnerDeps{Agent: agent})
	h.submitTurn(t, "run the tests")
	waitFor(t, time.Second, "agent call", func() bool { return len(agent.calls()) == 1 })

	close(h.inbound)
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return")
	}
	if agent.cancellations() != 1 {
		t.Fatalf("cancellations = %d, want 1", agent.cancellations())
	}
}

func TestDecodePCM16(t *testing.T) {
	got, err := DecodePCM16(encodePCM([]int16{1, -2, 32767}))
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != -2 || got[2] != 32767 {
		t.Fatalf("DecodePCM16() = %v", got)
	}
	if _, err := DecodePCM16("AA=="); err == nil {
		t.Fatalf("DecodePCM16(odd bytes) error = nil")
	}
}
