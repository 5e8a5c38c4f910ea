package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// EventPrefix marks a data line in the event-stream body.
	EventPrefix = "data:"
	// SentinelDone is the logical end-of-stream token.
	SentinelDone = "[DONE]"
	// DefaultMaxPendingLine caps how much unparsed event text is held while
	// waiting for a continuation.
	DefaultMaxPendingLine = 256 << 10
)

// ErrMalformedResponse reports event content that never parsed as JSON.
var ErrMalformedResponse = errors.New("stream: malformed response")

// Payload is the subset of a chat-completion chunk the decoder understands.
type Payload struct {
	Choices []Choice `json:"choices"`
}

// Choice carries one candidate's incremental delta.
type Choice struct {
	Delta Delta `json:"delta"`
}

// Delta holds the incremental fields of a streamed chunk. Content is a pointer
// so role-only frames can be told apart from empty text.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Frame is one logical record extracted from the byte stream.
type Frame struct {
	Raw         string
	Payload     *Payload
	SentinelEnd bool
	Comment     bool
}

// Decoder is a two-field state machine: pendingBytes holds bytes after the
// last newline, pendingLine holds an event line whose JSON did not parse yet.
type Decoder struct {
	pendingBytes []byte
	pendingLine  string
	hasPending   bool
	maxPending   int
	discarded    int
	keepAlives   int
}

// DecoderOption customizes a Decoder.
type DecoderOption func(*Decoder)

// WithMaxPendingLine overrides the pending-line cap.
func WithMaxPendingLine(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// NewDecoder returns an empty decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{maxPending: DefaultMaxPendingLine}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Feed appends chunk to the pending buffer and returns every frame completed
// by it. The only error is ErrMalformedResponse when a pending line grows past
// the cap; frames decoded in the same call are still returned.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.pendingBytes = append(d.pendingBytes, chunk...)
	var (
		frames  []Frame
		feedErr error
	)
	for {
		idx := bytes.IndexByte(d.pendingBytes, '\n')
		if idx < 0 {
			break
		}
		line := string(d.pendingBytes[:idx])
		d.pendingBytes = d.pendingBytes[idx+1:]
		frame, ok, err := d.consumeLine(strings.TrimSuffix(line, "\r"))
		if err != nil && feedErr == nil {
			feedErr = err
		}
		if ok {
			frames = append(frames, frame)
		}
	}
	if len(d.pendingBytes) == 0 {
		d.pendingBytes = nil
	}
	return frames, feedErr
}

// Finish flushes the decoder at end of stream. Remaining bytes are treated as
// a final line; anything that still fails to parse is reported as
// ErrMalformedResponse.
func (d *Decoder) Finish() ([]Frame, error) {
	var frames []Frame
	if len(d.pendingBytes) > 0 {
		line := strings.TrimSuffix(string(d.pendingBytes), "\r")
		d.pendingBytes = nil
		frame, ok, err := d.consumeLine(line)
		if ok {
			frames = append(frames, frame)
		}
		if err != nil {
			d.resetPending()
			return frames, err
		}
	}
	if d.hasPending {
		trailing := d.pendingLine
		d.resetPending()
		return frames, fmt.Errorf("%w: trailing content %q", ErrMalformedResponse, truncate(trailing, 120))
	}
	return frames, nil
}

// Pending reports whether an unparsed line is waiting for more bytes.
func (d *Decoder) Pending() bool {
	return d.hasPending || len(d.pendingBytes) > 0
}

// Discarded counts event lines dropped because they never parsed.
func (d *Decoder) Discarded() int {
	return d.discarded
}

// KeepAlives counts comment lines seen so far.
func (d *Decoder) KeepAlives() int {
	return d.keepAlives
}

func (d *Decoder) consumeLine(line string) (Frame, bool, error) {
	switch {
	case d.hasPending && isContinuation(line):
		return d.retryPending(line)
	case strings.TrimSpace(line) == "":
		return Frame{}, false, nil
	case strings.HasPrefix(line, ":"):
		d.keepAlives++
		return Frame{}, false, nil
	case strings.HasPrefix(line, EventPrefix):
		if d.hasPending {
			// a fresh event means the pending one can never complete
			d.discarded++
			d.resetPending()
		}
		return d.parseEvent(line)
	default:
		return Frame{}, false, nil
	}
}

func (d *Decoder) parseEvent(line string) (Frame, bool, error) {
	data := strings.TrimSpace(strings.TrimPrefix(line, EventPrefix))
	if data == SentinelDone {
		return Frame{Raw: line, SentinelEnd: true}, true, nil
	}
	if data == "" {
		return Frame{}, false, nil
	}
	payload, err := parsePayload(data)
	if err != nil {
		return d.hold(data)
	}
	return Frame{Raw: line, Payload: payload}, true, nil
}

func (d *Decoder) retryPending(line string) (Frame, bool, error) {
	candidate := d.pendingLine + "\n" + line
	payload, err := parsePayload(candidate)
	if err != nil {
		d.resetPending()
		return d.hold(candidate)
	}
	d.resetPending()
	return Frame{Raw: EventPrefix + " " + candidate, Payload: payload}, true, nil
}

func (d *Decoder) hold(data string) (Frame, bool, error) {
	if len(data) > d.maxPending {
		d.discarded++
		return Frame{}, false, fmt.Errorf("%w: pending event exceeds %d bytes", ErrMalformedResponse, d.maxPending)
	}
	d.pendingLine = data
	d.hasPending = true
	return Frame{}, false, nil
}

func (d *Decoder) resetPending() {
	d.pendingLine = ""
	d.hasPending = false
}

func isContinuation(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	return !strings.HasPrefix(line, EventPrefix) && !strings.HasPrefix(line, ":")
}

func parsePayload(data string) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
