package activity

import (
	"context"

	"github.com/ent0n29/goose-companion/internal/session"
)

type probeOutcome string

const (
	probeActive       probeOutcome = "active"
	probeFinished     probeOutcome = "finished"
	probeInconclusive probeOutcome = "inconclusive"
	probeTimeout      probeOutcome = "timeout"
	probeError        probeOutcome = "error"
)

// decisive reports whether the outcome overrides the timestamp heuristic.
func (o probeOutcome) decisive() (Status, bool) {
	switch o {
	case probeActive:
		return StatusActive, true
	case probeFinished:
		return StatusFinished, true
	default:
		return "", false
	}
}

type openResult struct {
	stream session.EventStream
	err    error
}

// probe listens on a fresh session stream until the first decisive event or
// ctx is done. The stream is always closed before probe returns, except when
// Open itself outlives ctx, in which case it is closed once Open returns.
func probe(ctx context.Context, source session.EventSource, sessionID string) probeOutcome {
	opened := make(chan openResult, 1)
	go func() {
		stream, err := source.Open(ctx, sessionID, nil)
		opened <- openResult{stream: stream, err: err}
	}()

	var stream session.EventStream
	select {
	case res := <-opened:
		if res.err != nil {
			if ctx.Err() != nil {
				return probeTimeout
			}
			return probeError
		}
		stream = res.stream
	case <-ctx.Done():
		go func() {
			if res := <-opened; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return probeTimeout
	}
	defer stream.Close()

	events := stream.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return probeInconclusive
			}
			switch evt.Type {
			case session.EventMessage, session.EventModelChange, session.EventNotification:
				return probeActive
			case session.EventFinish:
				return probeFinished
			case session.EventError:
				return probeError
			}
		case <-ctx.Done():
			return probeTimeout
		}
	}
}
