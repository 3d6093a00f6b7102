package voice

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ent0n29/goose-companion/internal/logging"
	"github.com/ent0n29/goose-companion/internal/observability"
	"github.com/ent0n29/goose-companion/internal/policy"
	"github.com/ent0n29/goose-companion/internal/protocol"
	"github.com/ent0n29/goose-companion/internal/transcript"
)

// Agent answers a submitted utterance inside an agent session.
type Agent interface {
	Ask(ctx context.Context, sessionID, text string) (string, error)
}

const (
	defaultAgentTimeout   = 5 * time.Minute
	defaultVolumeInterval = 100 * time.Millisecond
	transcriptSaveTimeout = 2 * time.Second
	criticalSendTimeout   = 600 * time.Millisecond

	agentFailureReply = "Sorry, the agent did not answer. Please try again."
)

type RunnerConfig struct {
	Controller     Config
	AgentTimeout   time.Duration
	VolumeInterval time.Duration
}

type RunnerDeps struct {
	Agent   Agent
	Store   transcript.Store
	Metrics *observability.Metrics
	// TurnFinished runs after each agent turn that reached the agent.
	TurnFinished func(sessionID string)
}

// SessionRunner drives one voice controller per device connection, feeding
// submitted turns to the agent and speaking its answers.
type SessionRunner struct {
	deps RunnerDeps
	cfg  RunnerConfig
	log  logging.Logger
}

func NewSessionRunner(deps RunnerDeps, cfg RunnerConfig) *SessionRunner {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaultAgentTimeout
	}
	if cfg.VolumeInterval <= 0 {
		cfg.VolumeInterval = defaultVolumeInterval
	}
	return &SessionRunner{deps: deps, cfg: cfg, log: logging.Named("voice_session")}
}

// RunConnection serves one device until ctx ends or inbound closes.
// Inbound carries parsed client messages; outbound receives server messages.
func (r *SessionRunner) RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error {
	conn := &connection{
		runner:    r,
		sessionID: sessionID,
		outbound:  outbound,
		ctx:       ctx,
		turns:     make(map[string]context.CancelFunc),
	}
	conn.bridge = NewBridge(conn.send)
	conn.ctrl = NewController(Deps{
		Microphone:  conn.bridge.Microphone(),
		Recognizer:  conn.bridge.Recognizer(),
		Synthesizer: conn.bridge.Synthesizer(),
		Tones:       conn.bridge.Tones(),
		Listener:    conn,
		Metrics:     r.deps.Metrics,
	}, r.cfg.Controller)

	r.deps.Metrics.BridgeConnected()
	r.log.Infow("voice connection opened", "session_id", sessionID)
	defer func() {
		_ = conn.ctrl.Close()
		conn.bridge.Close()
		conn.cancelTurns()
		conn.wg.Wait()
		r.deps.Metrics.BridgeDisconnected()
		r.log.Infow("voice connection closed", "session_id", sessionID)
	}()

	ticker := time.NewTicker(r.cfg.VolumeInterval)
	defer ticker.Stop()
	lastLevel := -1.0

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			r.deps.Metrics.ObserveWSMessage("inbound", string(protocol.TypeOf(msg)))
			conn.handle(msg)
		case <-ticker.C:
			if !conn.ctrl.State().Active() {
				lastLevel = -1
				continue
			}
			level := conn.ctrl.Volume()
			if math.Abs(level-lastLevel) < 0.01 {
				continue
			}
			lastLevel = level
			conn.send(protocol.Volume{Type: protocol.TypeVolume, Level: math.Round(level*1000) / 1000})
		}
	}
}

type connection struct {
	runner    *SessionRunner
	sessionID string
	outbound  chan<- any
	ctx       context.Context
	bridge    *Bridge
	ctrl      *Controller

	mu    sync.Mutex
	turns map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func (c *connection) handle(msg any) {
	switch m := msg.(type) {
	case protocol.VoiceControl:
		var err error
		switch m.Action {
		case protocol.ActionEnable:
			err = c.ctrl.Enable()
		case protocol.ActionDisable:
			err = c.ctrl.Disable()
		case protocol.ActionReply:
			err = c.ctrl.Reply(m.Text)
		}
		switch {
		case errors.Is(err, ErrNotProcessing):
			c.sendError("not_processing", err.Error())
		case err != nil && !errors.Is(err, ErrClosed):
			// Enable failures also surface through Failed.
			c.runner.log.Debugw("voice control failed", "action", m.Action, "error", err)
		}
	case protocol.RecognitionResult:
		typ := RecognitionPartial
		if m.IsFinal {
			typ = RecognitionFinal
		}
		c.bridge.DeliverRecognition(RecognitionEvent{Type: typ, Text: m.Text})
	case protocol.RecognitionError:
		c.bridge.DeliverRecognition(RecognitionEvent{Type: RecognitionError, Code: m.Code, Detail: m.Detail})
	case protocol.AudioLevel:
		samples, err := DecodePCM16(m.SamplesBase64)
		if err != nil {
			c.sendError("bad_audio", err.Error())
			return
		}
		c.bridge.DeliverAudio(samples)
	case protocol.SynthesisDone:
		c.bridge.DeliverSynthesisDone(m.UtteranceID, m.Cancelled, m.Error)
	}
}

// Listener notifications run on the controller loop.

func (c *connection) TranscriptChanged(text string) {
	c.send(protocol.TranscriptUpdate{Type: protocol.TypeTranscriptUpdate, Text: text})
}

func (c *connection) Submitted(turnID, text string) {
	c.send(protocol.TranscriptSubmit{Type: protocol.TypeTranscriptSubmit, Text: text, TurnID: turnID})

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.turns[turnID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runTurn(turnCtx, turnID, text)
}

func (c *connection) CancelRequested(turnID string) {
	c.send(protocol.RequestCancel{Type: protocol.TypeRequestCancel, TurnID: turnID})
	c.endTurn(turnID)
}

func (c *connection) StateChanged(_, to State, reason string) {
	c.send(protocol.VoiceState{Type: protocol.TypeVoiceState, State: string(to), Reason: reason})
}

func (c *connection) Failed(err error) {
	code := "voice_failed"
	var rf *RecognitionFailure
	if errors.As(err, &rf) && rf.Code != "" {
		code = normalizeCode(rf.Code)
	} else if errors.Is(err, ErrNotAuthorized) {
		code = CodeNotAuthorized
	}
	c.sendError(code, err.Error())
}

func (c *connection) runTurn(ctx context.Context, turnID, text string) {
	defer c.wg.Done()
	defer c.endTurn(turnID)

	decision := policy.ReviewSpokenRequest(text)
	c.record(turnID, transcript.RoleUser, text, decision.Risk)

	var reply string
	if decision.Blocked {
		c.runner.log.Warnw("spoken request blocked", "session_id", c.sessionID, "turn_id", turnID, "reason", decision.Reason)
		reply = decision.SpokenRefusal()
	} else {
		askCtx, cancel := context.WithTimeout(ctx, c.runner.cfg.AgentTimeout)
		answer, err := c.runner.deps.Agent.Ask(askCtx, c.sessionID, text)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.runner.log.Warnw("agent turn failed", "session_id", c.sessionID, "turn_id", turnID, "error", err)
			c.sendError("agent_failed", err.Error())
			answer = agentFailureReply
		}
		reply = answer
		if c.runner.deps.TurnFinished != nil {
			c.runner.deps.TurnFinished(c.sessionID)
		}
	}

	if err := c.ctrl.ReplyTurn(turnID, reply); err != nil {
		c.runner.log.Debugw("reply dropped", "turn_id", turnID, "error", err)
		return
	}
	c.record(turnID, transcript.RoleAssistant, reply, "")
}

func (c *connection) record(turnID, role, content string, risk policy.Risk) {
	store := c.runner.deps.Store
	if store == nil {
		return
	}
	redacted, changed := policy.Redact(content)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), transcriptSaveTimeout)
	defer cancel()
	err := store.SaveTurn(ctx, transcript.TurnRecord{
		SessionID: c.sessionID,
		TurnID:    turnID,
		Role:      role,
		Content:   redacted,
		Redacted:  changed,
		Risk:      string(risk),
	})
	if err != nil {
		c.runner.deps.Metrics.ObserveTranscriptError("save")
		c.runner.log.Warnw("transcript save failed", "session_id", c.sessionID, "role", role, "error", err)
	}
}

func (c *connection) endTurn(turnID string) {
	c.mu.Lock()
	cancel, ok := c.turns[turnID]
	delete(c.turns, turnID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *connection) cancelTurns() {
	c.mu.Lock()
	pending := c.turns
	c.turns = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
}

func (c *connection) sendError(code, detail string) {
	c.send(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: code, Detail: detail})
}

// send delivers msg without stalling the caller for long. Meter and
// transcript updates are dropped under backpressure; everything else waits
// briefly for room.
func (c *connection) send(msg any) {
	msgType := protocol.TypeOf(msg)
	switch msgType {
	case protocol.TypeVolume, protocol.TypeTranscriptUpdate:
		select {
		case c.outbound <- msg:
			c.runner.deps.Metrics.ObserveWSMessage("outbound", string(msgType))
		default:
			c.runner.deps.Metrics.ObserveWSMessage("dropped", string(msgType))
		}
		return
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		c.runner.deps.Metrics.ObserveWSMessage("outbound", string(msgType))
	case <-timer.C:
		c.runner.deps.Metrics.ObserveWSMessage("dropped", string(msgType))
		c.runner.log.Warnw("outbound message dropped", "session_id", c.sessionID, "type", msgType)
	case <-c.ctx.Done():
	}
}
