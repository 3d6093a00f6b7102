package goose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/goose-companion/internal/session"
)

var ErrEmptyReply = errors.New("agent finished without a reply")

type userMessage struct {
	Role    string        `json:"role"`
	Created int64         `json:"created"`
	Content []textContent `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageEvent struct {
	Message struct {
		Role    string            `json:"role"`
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
}

// Ask sends text as a user message to the session and returns the assistant
// text streamed back before the finish event.
func (c *Client) Ask(ctx context.Context, sessionID, text string) (string, error) {
	msg, err := json.Marshal(userMessage{
		Role:    "user",
		Created: time.Now().Unix(),
		Content: []textContent{{Type: "text", Text: text}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	stream, err := c.Open(ctx, sessionID, []json.RawMessage{msg})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case evt, ok := <-stream.Events():
			if !ok {
				return finishReply(reply.String())
			}
			switch evt.Type {
			case session.EventMessage:
				reply.WriteString(assistantText(evt.Payload))
			case session.EventFinish:
				return finishReply(reply.String())
			case session.EventError:
				return "", fmt.Errorf("agent error: %s", evt.Detail)
			}
		}
	}
}

func finishReply(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func assistantText(payload json.RawMessage) string {
	var evt messageEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return ""
	}
	if evt.Message.Role != "" && evt.Message.Role != "assistant" {
		return ""
	}
	var b strings.Builder
	for _, raw := range evt.Message.Content {
		var part textContent
		if err := json.Unmarshal(raw, &part); err != nil {
			continue
		}
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
