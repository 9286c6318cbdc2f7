package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// maxLineBytes bounds one field line. Longer lines are discarded and their
// event is reported as oversized; its id still advances the resume point.
const maxLineBytes = 1 << 20

// frame is one dispatched server-sent event.
type frame struct {
	ID        string
	Event     string
	Data      string
	Oversized bool
}

// frameReader splits a text/event-stream body into frames. Comment lines are
// reported through onComment so callers can track liveness.
type frameReader struct {
	reader    *bufio.Reader
	maxLine   int
	onComment func(string)
}

func newFrameReader(body io.Reader, onComment func(string)) *frameReader {
	return &frameReader{
		reader:    bufio.NewReaderSize(body, 4096),
		maxLine:   maxLineBytes,
		onComment: onComment,
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is consumed and reported with tooLong set and no content.
func (r *frameReader) readLine() (line string, tooLong bool, err error) {
	var buffer []byte
	for {
		chunk, err := r.reader.ReadSlice('\n')
		if !tooLong {
			if len(buffer)+len(chunk) > r.maxLine+2 {
				tooLong = true
				buffer = nil
			} else {
				buffer = append(buffer, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return "", true, nil
			}
			return string(bytes.TrimRight(buffer, "\r\n")), false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if len(buffer) > 0 && !tooLong {
				return string(bytes.TrimRight(buffer, "\r\n")), false, nil
			}
			return "", tooLong, err
		}
	}
}

// Next returns the next complete frame, or the read error (io.EOF when the
// server closed the stream cleanly).
func (r *frameReader) Next() (frame, error) {
	var (
		current frame
		data    []string
		hasData bool
		hasName bool
	)
	for {
		line, tooLong, err := r.readLine()
		if err != nil {
			return frame{}, err
		}
		if tooLong {
			current.Oversized = true
			continue
		}
		if line == "" {
			if !hasData && !hasName && current.ID == "" && !current.Oversized {
				continue
			}
			if !current.Oversized {
				current.Data = strings.Join(data, "\n")
			}
			if current.Event == "" {
				current.Event = "message"
			}
			return current, nil
		}
		if strings.HasPrefix(line, ":") {
			if r.onComment != nil {
				r.onComment(strings.TrimSpace(line[1:]))
			}
			continue
		}
		field, value := splitField(line)
		switch field {
		case "id":
			if !strings.ContainsRune(value, 0) {
				current.ID = value
			}
		case "event":
			current.Event = value
			hasName = true
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
}

func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
