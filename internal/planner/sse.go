package planner

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rendis/plangraph/pkg/schema"
)

// maxFrameSize bounds a single SSE line. Node payloads can be large.
const maxFrameSize = 1 << 20

// readFrames decodes a text/event-stream body into frames and sends them on
// out until the body ends, a read fails, or ctx is done. A read failure is
// delivered as a final frame with Err set. out is not closed.
func readFrames(ctx context.Context, body io.Reader, out chan<- schema.StreamFrame) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var event string
	var data []string
	emit := func() bool {
		defer func() { event, data = "", nil }()
		if event == "" && len(data) == 0 {
			return true
		}
		f := schema.StreamFrame{Event: event}
		if f.Event == "" {
			f.Event = "message"
		}
		if len(data) > 0 {
			f.Data = json.RawMessage(strings.Join(data, "\n"))
		}
		return send(ctx, out, f)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if !emit() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() == nil {
			send(ctx, out, schema.StreamFrame{
				Err: schema.NewError(schema.ErrCodeStream, err.Error()).WithCause(err),
			})
		}
		return
	}
	emit()
}

func send(ctx context.Context, out chan<- schema.StreamFrame, f schema.StreamFrame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
