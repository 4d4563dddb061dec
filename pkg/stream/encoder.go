package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// Encode writes ev as one `data: <json>\n\n` record.
func Encode(w io.Writer, ev Event) error {
	frame, err := Frame(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func Frame(ev Event) ([]byte, error) {
	wire, err := toWire(ev)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + len(dataPrefix) + 2)
	buf.WriteString(dataPrefix)
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Encoder writes frames and flushes after each one when the writer supports it.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

func (e *Encoder) Send(ev Event) error {
	if err := Encode(e.w, ev); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// ErrorBody returns a reader holding a single error frame. Callers that fail
// before a stream exists use it so consumers see the same shape either way.
func ErrorBody(msg string) io.ReadCloser {
	frame, _ := Frame(Failure{Error: msg})
	return io.NopCloser(bytes.NewReader(frame))
}

// Headers are set on every streaming response.
var Headers = map[string]string{
	"Content-Type":      "text/event-stream",
	"Cache-Control":     "no-cache",
	"Connection":        "keep-alive",
	"X-Accel-Buffering": "no",
}
