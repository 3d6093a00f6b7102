package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/goose-companion/internal/logging"
	"github.com/ent0n29/goose-companion/internal/observability"
)

// Config holds controller timings and the stop vocabulary. Zero fields fall
// back to DefaultConfig.
type Config struct {
	SilenceThreshold time.Duration
	StopWordThrottle time.Duration
	SpeakSettle      time.Duration
	InterruptSettle  time.Duration
	AuthRetryDelay   time.Duration
	StopWords        []string
}

func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 800 * time.Millisecond,
		StopWordThrottle: 300 * time.Millisecond,
		SpeakSettle:      500 * time.Millisecond,
		InterruptSettle:  200 * time.Millisecond,
		AuthRetryDelay:   2 * time.Second,
		StopWords:        append([]string(nil), DefaultStopWords...),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = def.SilenceThreshold
	}
	if c.StopWordThrottle <= 0 {
		c.StopWordThrottle = def.StopWordThrottle
	}
	if c.SpeakSettle <= 0 {
		c.SpeakSettle = def.SpeakSettle
	}
	if c.InterruptSettle <= 0 {
		c.InterruptSettle = def.InterruptSettle
	}
	if c.AuthRetryDelay <= 0 {
		c.AuthRetryDelay = def.AuthRetryDelay
	}
	if len(c.StopWords) == 0 {
		c.StopWords = def.StopWords
	}
	return c
}

// Deps are the audio collaborators a controller drives.
type Deps struct {
	Microphone  Microphone
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Tones       TonePlayer
	Listener    Listener
	Metrics     *observability.Metrics
}

type recognition struct {
	cancel  context.CancelFunc
	session RecognitionSession
}

// Controller runs the hands-free voice loop: listen, submit after silence,
// speak the reply, listen again, with stop-word barge-in at every step.
//
// All state lives on a single loop goroutine. Timers and device callbacks
// post closures tagged with the generation they were scheduled in; anything
// scheduled before the latest mode exit is dropped when it arrives.
type Controller struct {
	mic      Microphone
	rec      Recognizer
	synth    Synthesizer
	tones    TonePlayer
	listener Listener
	metrics  *observability.Metrics
	cfg      Config
	stops    *stopWordMatcher
	log      logging.Logger
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	work      chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Loop-owned.
	state         State
	enabled       bool
	buffer        string
	heard         string
	turnID        string
	submittedAt   time.Time
	epoch         uint64
	recog         *recognition
	recToken      uint64
	silenceTimer  *time.Timer
	silenceSeq    uint64
	utterance     Utterance
	utterToken    uint64
	repliedAt     time.Time
	settleTimer   *time.Timer
	settleToken   uint64
	retryTimer    *time.Timer
	authRetried   bool
	lastStopCheck time.Time
	interruptedAt time.Time

	// Newest stop-word check held back by the throttle.
	stopTimer        *time.Timer
	stopSeq          uint64
	pendingStop      string
	pendingStopState State
	pendingStopToken uint64
	submitAfterCheck bool

	snapMu         sync.RWMutex
	snapState      State
	snapTranscript string
	snapErr        error

	volume VolumeHistory
}

func NewController(deps Deps, cfg Config) *Controller {
	listener := deps.Listener
	if listener == nil {
		listener = NopListener{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		mic:       deps.Microphone,
		rec:       deps.Recognizer,
		synth:     deps.Synthesizer,
		tones:     deps.Tones,
		listener:  listener,
		metrics:   deps.Metrics,
		cfg:       cfg,
		stops:     newStopWordMatcher(cfg.StopWords),
		log:       logging.Named("voice_controller"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		work:      make(chan func(), 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		state:     StateIdle,
		snapState: StateIdle,
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) post(fn func()) {
	select {
	case c.work <- fn:
	case <-c.quit:
	}
}

func (c *Controller) call(fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.work <- func() { done <- fn() }:
	case <-c.quit:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-c.loopDone:
		return ErrClosed
	}
}

// Enable enters continuous listening. It is a no-op when already active and
// recovers from the error state.
func (c *Controller) Enable() error {
	return c.call(func() error {
		if c.state.Active() {
			return nil
		}
		c.cancelRetry()
		c.enabled = true
		c.authRetried = false
		c.setError(nil)
		c.clearBuffer()
		if err := c.startRecognition(); err != nil {
			c.fail(err)
			return err
		}
		c.play(ToneStart)
		c.setState(StateListening, "enabled")
		return nil
	})
}

// Disable returns to idle, releasing the microphone and stopping synthesis
// and timers. It returns after the transition has been applied.
func (c *Controller) Disable() error {
	return c.call(func() error {
		c.shutdown("disabled")
		return nil
	})
}

// Reply speaks text as the answer to the turn awaiting one.
func (c *Controller) Reply(text string) error {
	return c.call(func() error { return c.reply("", text) })
}

// ReplyTurn is Reply for a specific submitted turn. It returns
// ErrNotProcessing when that turn was cancelled or already answered.
func (c *Controller) ReplyTurn(turnID, text string) error {
	return c.call(func() error { return c.reply(turnID, text) })
}

func (c *Controller) reply(turnID, text string) error {
	if c.state != StateProcessing || (turnID != "" && turnID != c.turnID) {
		return ErrNotProcessing
	}
	c.turnID = ""
	c.observeStage(observability.StageSubmitToReply, c.submittedAt)
	spoken := speakableReply(text)
	if spoken == "" {
		c.startListening("empty_reply")
		return nil
	}
	utter, err := c.synth.Speak(c.ctx, spoken)
	if err != nil {
		c.log.Warnw("speech synthesis failed to start", "error", err)
		c.startListening("synthesis_failed")
		return nil
	}
	c.utterToken++
	token := c.utterToken
	c.utterance = utter
	c.repliedAt = c.now()
	c.setState(StateSpeaking, "reply")
	go c.watchUtterance(utter, token)
	return nil
}

// Close disables the controller and stops its loop. Later calls return
// ErrClosed.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		_ = c.call(func() error {
			c.shutdown("closed")
			return nil
		})
		close(c.quit)
		<-c.loopDone
		c.cancel()
	})
	return nil
}

func (c *Controller) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapState
}

func (c *Controller) Transcript() string {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapTranscript
}

// LastError is the error that put the controller in the error state, if any.
func (c *Controller) LastError() error {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapErr
}

// Volume is the smoothed microphone level in [0,1].
func (c *Controller) Volume() float64 {
	return c.volume.Level()
}

func (c *Controller) shutdown(reason string) {
	c.enabled = false
	c.epoch++
	c.cancelRetry()
	c.cancelStopCheck()
	c.stopSilenceTimer()
	c.stopSettleTimer()
	c.stopUtterance()
	c.stopRecognition()
	if c.state == StateProcessing && c.turnID != "" {
		c.listener.CancelRequested(c.turnID)
	}
	c.turnID = ""
	c.clearBuffer()
	c.volume.Reset()
	c.setState(StateIdle, reason)
}

func (c *Controller) startRecognition() error {
	c.stopRecognition()
	c.recToken++
	token := c.recToken
	c.heard = ""

	ctx, cancel := context.WithCancel(c.ctx)
	frames, err := c.mic.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("start microphone: %w", err)
	}
	session, events, err := c.rec.Start(ctx)
	if err != nil {
		cancel()
		_ = c.mic.Stop()
		return fmt.Errorf("start recognition: %w", err)
	}
	c.recog = &recognition{cancel: cancel, session: session}

	go c.pumpAudio(ctx, frames, session)
	go c.forwardRecognition(ctx, token, events)
	return nil
}

func (c *Controller) stopRecognition() {
	if c.recog == nil {
		return
	}
	r := c.recog
	c.recog = nil
	c.recToken++
	r.cancel()
	_ = r.session.Close()
	if err := c.mic.Stop(); err != nil {
		c.log.Debugw("microphone stop failed", "error", err)
	}
}

func (c *Controller) pumpAudio(ctx context.Context, frames <-chan []int16, session RecognitionSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.volume.Add(rms(frame))
			if err := session.SendAudio(frame); err != nil && ctx.Err() == nil {
				c.log.Debugw("recognition audio send failed", "error", err)
			}
		}
	}
}

func (c *Controller) forwardRecognition(ctx context.Context, token uint64, events <-chan RecognitionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				c.postCtx(ctx, func() { c.onRecognitionEnded(token) })
				return
			}
			c.postCtx(ctx, func() { c.onRecognition(token, evt) })
		}
	}
}

func (c *Controller) postCtx(ctx context.Context, fn func()) {
	select {
	case c.work <- fn:
	case <-ctx.Done():
	case <-c.quit:
	}
}

func (c *Controller) onRecognition(token uint64, evt RecognitionEvent) {
	if token != c.recToken || !c.state.Active() {
		return
	}
	if evt.Type == RecognitionError {
		c.onRecognitionError(&RecognitionFailure{Code: evt.Code, Detail: evt.Detail})
		return
	}

	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return
	}
	fresh := text
	if c.state != StateListening && c.heard != "" && strings.HasPrefix(text, c.heard) {
		fresh = strings.TrimSpace(text[len(c.heard):])
	}
	if fresh != "" && c.checkStopWord(fresh) {
		c.interrupt()
		return
	}
	if c.state != StateListening {
		return
	}

	c.heard = text
	c.setBuffer(text)
	c.armSilenceTimer()
}

func (c *Controller) onRecognitionEnded(token uint64) {
	if token != c.recToken || !c.state.Active() {
		return
	}
	c.log.Debugw("recognition ended, restarting", "state", c.state)
	if err := c.startRecognition(); err != nil {
		c.fail(err)
	}
}

func (c *Controller) onRecognitionError(err error) {
	if classifyError(err) == errorTransient {
		c.log.Debugw("transient recognition error", "error", err)
		if restartErr := c.startRecognition(); restartErr != nil {
			c.fail(restartErr)
		}
		return
	}
	c.fail(err)
}

// checkStopWord matches text at most once per throttle window. Text arriving
// inside the window is checked when the window closes; only the newest such
// text is kept.
func (c *Controller) checkStopWord(text string) bool {
	now := c.now()
	if !c.lastStopCheck.IsZero() {
		if wait := c.cfg.StopWordThrottle - now.Sub(c.lastStopCheck); wait > 0 {
			c.deferStopCheck(text, wait)
			return false
		}
	}
	c.cancelStopCheck()
	c.lastStopCheck = now
	return c.stops.Match(text)
}

func (c *Controller) deferStopCheck(text string, wait time.Duration) {
	c.pendingStop = text
	c.pendingStopState = c.state
	c.pendingStopToken = c.recToken
	if c.stopTimer != nil {
		return
	}
	c.stopSeq++
	seq := c.stopSeq
	epoch := c.epoch
	c.stopTimer = time.AfterFunc(wait, func() {
		c.post(func() { c.onDeferredStopCheck(epoch, seq) })
	})
}

func (c *Controller) onDeferredStopCheck(epoch, seq uint64) {
	if epoch != c.epoch || seq != c.stopSeq {
		return
	}
	c.stopTimer = nil
	text := c.pendingStop
	submit := c.submitAfterCheck
	c.pendingStop = ""
	c.submitAfterCheck = false
	if c.pendingStopToken != c.recToken || c.pendingStopState != c.state || !c.state.Active() {
		return
	}

	c.lastStopCheck = c.now()
	if c.stops.Match(text) {
		c.interrupt()
		return
	}
	if submit {
		c.submit()
	}
}

func (c *Controller) cancelStopCheck() {
	c.stopSeq++
	c.pendingStop = ""
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
}

func (c *Controller) interrupt() {
	from := c.state
	c.metrics.ObserveInterrupt(string(from))
	c.log.Infow("stop word detected", "state", from)
	c.interruptedAt = c.now()
	c.cancelStopCheck()

	switch from {
	case StateListening:
		c.clearBuffer()
		c.play(ToneInterrupt)
		c.startListening("stop_word")
	case StateProcessing:
		if c.turnID != "" {
			c.listener.CancelRequested(c.turnID)
		}
		c.turnID = ""
		c.clearBuffer()
		c.play(ToneInterrupt)
		c.startListening("stop_word")
	case StateSpeaking:
		c.stopUtterance()
		c.stopRecognition()
		c.clearBuffer()
		c.play(ToneInterrupt)
		c.settle(c.cfg.InterruptSettle, "stop_word")
	}
}

func (c *Controller) armSilenceTimer() {
	c.stopSilenceTimer()
	c.silenceSeq++
	seq := c.silenceSeq
	epoch := c.epoch
	c.silenceTimer = time.AfterFunc(c.cfg.SilenceThreshold, func() {
		c.post(func() { c.onSilence(epoch, seq) })
	})
}

func (c *Controller) stopSilenceTimer() {
	c.silenceSeq++
	c.submitAfterCheck = false
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

func (c *Controller) onSilence(epoch, seq uint64) {
	if epoch != c.epoch || seq != c.silenceSeq || c.state != StateListening {
		return
	}
	c.silenceTimer = nil
	if strings.TrimSpace(c.buffer) == "" {
		return
	}
	if c.stopTimer != nil {
		// The buffer still has an unchecked tail; submit once it clears.
		c.submitAfterCheck = true
		return
	}
	c.submit()
}

func (c *Controller) submit() {
	text := strings.TrimSpace(c.buffer)
	if text == "" {
		return
	}
	c.turnID = uuid.NewString()
	c.submittedAt = c.now()
	c.clearBuffer()
	c.setState(StateProcessing, "silence")
	c.play(ToneSubmit)
	c.listener.Submitted(c.turnID, text)
}

func (c *Controller) watchUtterance(utter Utterance, token uint64) {
	select {
	case res := <-utter.Done():
		c.post(func() { c.onSpeechDone(token, res) })
	case <-c.ctx.Done():
	}
}

func (c *Controller) onSpeechDone(token uint64, res SpeechResult) {
	if token != c.utterToken || c.state != StateSpeaking {
		return
	}
	c.utterance = nil
	c.observeStage(observability.StageReplyToDone, c.repliedAt)
	if res.Err != nil {
		c.log.Warnw("speech synthesis ended with error", "error", res.Err)
	}
	c.stopRecognition()
	c.settle(c.cfg.SpeakSettle, "reply_done")
}

func (c *Controller) stopUtterance() {
	c.utterToken++
	if c.utterance != nil {
		c.utterance.Stop()
		c.utterance = nil
	}
}

// settle restarts listening after d, letting playback and the audio route
// quiet down first.
func (c *Controller) settle(d time.Duration, reason string) {
	c.stopSettleTimer()
	c.settleToken++
	token := c.settleToken
	epoch := c.epoch
	c.settleTimer = time.AfterFunc(d, func() {
		c.post(func() {
			if epoch != c.epoch || token != c.settleToken || c.state != StateSpeaking {
				return
			}
			c.settleTimer = nil
			c.startListening(reason)
		})
	})
}

func (c *Controller) stopSettleTimer() {
	c.settleToken++
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

func (c *Controller) startListening(reason string) {
	c.stopSilenceTimer()
	c.clearBuffer()
	if err := c.startRecognition(); err != nil {
		c.fail(err)
		return
	}
	if reason == "stop_word" && !c.interruptedAt.IsZero() {
		c.observeStage(observability.StageInterruptGap, c.interruptedAt)
		c.interruptedAt = time.Time{}
	}
	c.setState(StateListening, reason)
}

func (c *Controller) fail(err error) {
	class := classifyError(err)
	c.log.Errorw("voice controller error", "error", err, "class", class.String())

	c.epoch++
	c.cancelStopCheck()
	c.stopSilenceTimer()
	c.stopSettleTimer()
	c.stopUtterance()
	c.stopRecognition()
	if c.state == StateProcessing && c.turnID != "" {
		c.listener.CancelRequested(c.turnID)
	}
	c.turnID = ""
	c.clearBuffer()
	c.setError(err)
	c.setState(StateError, class.String())
	c.listener.Failed(err)

	if class == errorAuth && c.enabled && !c.authRetried {
		c.authRetried = true
		c.scheduleAuthRetry()
	}
}

func (c *Controller) scheduleAuthRetry() {
	c.cancelRetry()
	epoch := c.epoch
	c.retryTimer = time.AfterFunc(c.cfg.AuthRetryDelay, func() {
		c.post(func() {
			if epoch != c.epoch || !c.enabled || c.state != StateError {
				return
			}
			c.retryTimer = nil
			c.log.Infow("retrying voice after authorization error")
			c.setError(nil)
			c.startListening("auth_retry")
		})
	})
}

func (c *Controller) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Controller) setState(next State, reason string) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.snapMu.Lock()
	c.snapState = next
	c.snapMu.Unlock()

	c.metrics.ObserveVoiceTransition(string(prev), string(next))
	c.log.Debugw("voice state changed", "from", prev, "to", next, "reason", reason)
	c.listener.StateChanged(prev, next, reason)
}

func (c *Controller) setBuffer(text string) {
	if c.buffer == text {
		return
	}
	c.buffer = text
	c.snapMu.Lock()
	c.snapTranscript = text
	c.snapMu.Unlock()
	c.listener.TranscriptChanged(text)
}

func (c *Controller) clearBuffer() {
	c.setBuffer("")
}

func (c *Controller) setError(err error) {
	c.snapMu.Lock()
	c.snapErr = err
	c.snapMu.Unlock()
}

func (c *Controller) play(tone Tone) {
	if c.tones != nil {
		c.tones.Play(tone)
	}
}

func (c *Controller) observeStage(stage string, since time.Time) {
	if since.IsZero() {
		return
	}
	c.metrics.ObserveStage(stage, c.now().Sub(since))
}
