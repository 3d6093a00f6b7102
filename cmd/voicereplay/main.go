// Command voicereplay acts as a scripted voice device: it connects to the
// voice websocket for an agent session, speaks each utterance as recognizer
// output, answers synthesis requests, and reports per-turn latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/goose-companion/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	turns          int
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type        string `json:"type"`
	State       string `json:"state,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TurnID      string `json:"turn_id,omitempty"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Code        string `json:"code,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Text        string `json:"text,omitempty"`
}

type turnResult struct {
	Text     string
	Submit   time.Duration
	Speak    time.Duration
	Reply    string
	Canceled bool
}

var defaultUtterances = []string{
	"Reply in three words: what are you working on?",
	"Reply in three words: any failing tests?",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicereplay: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	results, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicereplay: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, results)
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var textsRaw string

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "companion base URL")
	fs.StringVar(&cfg.sessionID, "session", "", "agent session id to talk to")
	fs.IntVar(&cfg.turns, "turns", 2, "number of turns to replay")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 2*time.Minute, "timeout waiting for each spoken reply")
	fs.DurationVar(&cfg.interTurnDelay, "inter-turn", 300*time.Millisecond, "delay between turns")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.sessionID = strings.TrimSpace(cfg.sessionID)
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if cfg.sessionID == "" {
		return options{}, errors.New("session is required")
	}
	if cfg.turns <= 0 {
		return options{}, errors.New("turns must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	if cfg.interTurnDelay < 0 {
		cfg.interTurnDelay = 0
	}

	cfg.texts = splitTexts(textsRaw)
	if strings.TrimSpace(textsRaw) != "" && len(cfg.texts) == 0 {
		return options{}, errors.New("texts produced no non-empty utterances")
	}
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func run(ctx context.Context, cfg options, out io.Writer) ([]turnResult, error) {
	wsURL, err := wsURLForSession(cfg.baseURL, cfg.sessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	if err := conn.WriteJSON(protocol.VoiceControl{Type: protocol.TypeVoiceControl, Action: protocol.ActionEnable}); err != nil {
		return nil, fmt.Errorf("enable voice: %w", err)
	}
	if _, err := await(ctx, events, readErr, cfg.turnTimeout, func(e wsEnvelope) bool {
		return e.Type == string(protocol.TypeVoiceState) && e.State == "listening"
	}); err != nil {
		return nil, fmt.Errorf("await listening: %w", err)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Fprintf(out, "voicereplay: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		res, err := replayTurn(ctx, conn, events, readErr, cfg.turnTimeout, text)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Fprintf(out, "voicereplay: submit=%s speak=%s reply=%q\n", res.Submit.Round(time.Millisecond), res.Speak.Round(time.Millisecond), res.Reply)
		}
		results = append(results, res)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	_ = conn.WriteJSON(protocol.VoiceControl{Type: protocol.TypeVoiceControl, Action: protocol.ActionDisable})
	return results, nil
}

// replayTurn speaks text as one partial result, then lets the silence
// window submit it and acknowledges the spoken reply.
func replayTurn(ctx context.Context, conn *websocket.Conn, events <-chan wsEnvelope, readErr <-chan error, timeout time.Duration, text string) (turnResult, error) {
	res := turnResult{Text: text}
	start := time.Now()
	if err := conn.WriteJSON(protocol.RecognitionResult{Type: protocol.TypeRecognitionResult, Text: text}); err != nil {
		return res, fmt.Errorf("send recognition: %w", err)
	}

	if _, err := await(ctx, events, readErr, timeout, func(e wsEnvelope) bool {
		return e.Type == string(protocol.TypeTranscriptSubmit)
	}); err != nil {
		return res, fmt.Errorf("await transcript_submit: %w", err)
	}
	res.Submit = time.Since(start)

	speak, err := await(ctx, events, readErr, timeout, func(e wsEnvelope) bool {
		return e.Type == string(protocol.TypeSpeak) ||
			(e.Type == string(protocol.TypeVoiceState) && e.State == "listening")
	})
	if err != nil {
		return res, fmt.Errorf("await speak: %w", err)
	}
	res.Speak = time.Since(start) - res.Submit
	if speak.Type != string(protocol.TypeSpeak) {
		res.Canceled = true
		return res, nil
	}
	res.Reply = speak.Text

	done := protocol.SynthesisDone{Type: protocol.TypeSynthesisDone, UtteranceID: speak.UtteranceID}
	if err := conn.WriteJSON(done); err != nil {
		return res, fmt.Errorf("send synthesis_done: %w", err)
	}
	if _, err := await(ctx, events, readErr, timeout, func(e wsEnvelope) bool {
		return e.Type == string(protocol.TypeVoiceState) && e.State == "listening"
	}); err != nil {
		return res, fmt.Errorf("await listening: %w", err)
	}
	return res, nil
}

// await returns the first event matching pred. Error events are printed
// and skipped unless pred wants them.
func await(ctx context.Context, events <-chan wsEnvelope, readErr <-chan error, timeout time.Duration, pred func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e := <-events:
			if e.Type == string(protocol.TypeErrorEvent) {
				fmt.Fprintf(os.Stderr, "voicereplay: error_event code=%s detail=%s\n", e.Code, e.Detail)
			}
			if pred(e) {
				return e, nil
			}
		case err := <-readErr:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return wsEnvelope{}, ctx.Err()
		}
	}
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeVolume) || env.Type == string(protocol.TypeTranscriptUpdate) {
			continue
		}
		events <- env
	}
}

func printSummary(out io.Writer, results []turnResult) {
	if len(results) == 0 {
		return
	}
	speaks := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if !r.Canceled {
			speaks = append(speaks, r.Speak)
		}
	}
	fmt.Fprintf(out, "voicereplay: turns=%d answered=%d", len(results), len(speaks))
	if len(speaks) > 0 {
		fmt.Fprintf(out, " speak_p50=%s speak_max=%s", percentile(speaks, 0.5).Round(time.Millisecond), percentile(speaks, 1).Round(time.Millisecond))
	}
	fmt.Fprintln(out)
}

func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
