package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
)

const dataPrefix = "data: "

// Decoder reads events from a framed byte stream. Records may be split across
// arbitrary read boundaries. Lines without the data prefix are skipped and a
// payload that does not decode into a known event is logged and dropped.
// A Decoder is single-use: once Next returns an error it keeps returning it.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	err     error
	dropped int
}

func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReader(r), logger: logger}
}

// Next returns the next well-formed event, or io.EOF when the stream ends.
// Read errors other than EOF are returned as is.
func (d *Decoder) Next() (Event, error) {
	for d.err == nil {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			} else {
				d.err = err
				return nil, err
			}
		}
		ev, ok := d.parseLine(line)
		if ok {
			return ev, nil
		}
	}
	return nil, d.err
}

// Dropped counts data lines that were discarded.
func (d *Decoder) Dropped() int { return d.dropped }

func (d *Decoder) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return nil, false
	}
	ev, err := Parse(payload)
	if err != nil {
		d.dropped++
		d.logger.Warn("dropping stream frame", "err", err, "bytes", len(payload))
		return nil, false
	}
	return ev, true
}
