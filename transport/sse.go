package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
)

// sseReader decodes a text/event-stream body.
type sseReader struct {
	br *bufio.Reader
	rc io.Closer
}

func newSSEReader(rc io.ReadCloser) *sseReader {
	return &sseReader{br: bufio.NewReader(rc), rc: rc}
}

// Next returns the next event carrying an id or data. Comment lines and
// empty dispatches are skipped.
func (s *sseReader) Next(ctx context.Context) (Event, error) {
	var (
		event   Event
		dataBuf bytes.Buffer
		hasData bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		line, err := s.br.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return Event{}, io.EOF
			}
			if err == io.EOF {
				return Event{}, io.ErrUnexpectedEOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event.ID == "" && !hasData {
				continue
			}
			if hasData {
				event.Data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			event.ID = value
		case "event":
			event.Type = value
		case "data":
			if hasData {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(value)
			hasData = true
		}
	}
}

func (s *sseReader) Close() error {
	return s.rc.Close()
}
