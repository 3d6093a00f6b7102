package goose

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

type sseFrame struct {
	Event string
	Data  []byte
}

// sseReader splits a text/event-stream body into frames. Comment lines
// (": keepalive") are skipped and a "[DONE]" payload ends the stream.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseReader) Next() (sseFrame, error) {
	var (
		eventName string
		dataLines []string
	)

	emit := func() (sseFrame, error) {
		payload := strings.Join(dataLines, "\n")
		if strings.TrimSpace(payload) == "[DONE]" {
			return sseFrame{}, io.EOF
		}
		return sseFrame{Event: eventName, Data: []byte(payload)}, nil
	}

	for {
		line, err := s.reader.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return sseFrame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				return emit()
			}
			eventName = ""
		case strings.HasPrefix(line, ":"):
		default:
			field, value := splitSSEField(line)
			switch field {
			case "event":
				eventName = value
			case "data":
				dataLines = append(dataLines, value)
			}
		}

		if eof {
			if len(dataLines) == 0 {
				return sseFrame{}, io.EOF
			}
			return emit()
		}
	}
}

func splitSSEField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
