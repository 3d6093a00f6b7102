package goose

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/ent0n29/goose-companion/internal/session"
)

type eventStream struct {
	cancel    context.CancelFunc
	body      io.ReadCloser
	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
}

func startEventStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) *eventStream {
	s := &eventStream{
		cancel: cancel,
		body:   body,
		events: make(chan session.Event, 16),
		done:   make(chan struct{}),
	}
	go s.read(ctx)
	return s
}

func (s *eventStream) Events() <-chan session.Event { return s.events }

func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
	<-s.done
	return nil
}

func (s *eventStream) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	reader := newSSEReader(s.body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.emit(ctx, session.Event{Type: session.EventError, Detail: err.Error()})
			}
			return
		}
		evt, ok := decodeEvent(frame)
		if !ok {
			continue
		}
		if !s.emit(ctx, evt) {
			return
		}
	}
}

func (s *eventStream) emit(ctx context.Context, evt session.Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

type wireEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func decodeEvent(frame sseFrame) (session.Event, bool) {
	if len(strings.TrimSpace(string(frame.Data))) == 0 {
		if t, ok := eventTypeOf(frame.Event); ok {
			return session.Event{Type: t}, true
		}
		return session.Event{}, false
	}

	var w wireEvent
	if err := json.Unmarshal(frame.Data, &w); err != nil {
		return session.Event{Type: session.EventError, Detail: "invalid event payload: " + err.Error()}, true
	}
	name := w.Type
	if name == "" {
		name = frame.Event
	}
	t, ok := eventTypeOf(name)
	if !ok {
		return session.Event{}, false
	}
	evt := session.Event{Type: t, Payload: append(json.RawMessage(nil), frame.Data...)}
	if t == session.EventError {
		evt.Detail = w.Error
	}
	return evt, true
}

func eventTypeOf(name string) (session.EventType, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	switch key {
	case "message":
		return session.EventMessage, true
	case "modelchange":
		return session.EventModelChange, true
	case "notification":
		return session.EventNotification, true
	case "finish":
		return session.EventFinish, true
	case "ping":
		return session.EventPing, true
	case "error":
		return session.EventError, true
	default:
		return "", false
	}
}
