package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const defaultReadSize = 4 << 10

// Sink receives text appended to an in-flight message.
type Sink interface {
	AppendContent(messageID, delta string) error
}

// Accumulator grows one message from streamed deltas. It keeps nothing but
// the target reference; growth is append-only.
type Accumulator struct {
	sink      Sink
	messageID string
}

// NewAccumulator binds an accumulator to a message.
func NewAccumulator(sink Sink, messageID string) *Accumulator {
	return &Accumulator{sink: sink, messageID: messageID}
}

// MessageID returns the target message.
func (a *Accumulator) MessageID() string {
	return a.messageID
}

// Apply extracts the delta text from payload and appends it. ok is false when
// the payload carries no text (role-only or metadata frames).
func (a *Accumulator) Apply(payload *Payload) (string, bool, error) {
	delta, ok := DeltaText(payload)
	if !ok {
		return "", false, nil
	}
	if a.sink != nil {
		if err := a.sink.AppendContent(a.messageID, delta); err != nil {
			return "", false, err
		}
	}
	return delta, true, nil
}

// DeltaText returns choices[0].delta.content when it is present and non-empty.
func DeltaText(payload *Payload) (string, bool) {
	if payload == nil || len(payload.Choices) == 0 {
		return "", false
	}
	content := payload.Choices[0].Delta.Content
	if content == nil || *content == "" {
		return "", false
	}
	return *content, true
}

// EndReason explains why Pump returned.
type EndReason string

const (
	EndSentinel  EndReason = "sentinel"
	EndEOF       EndReason = "eof"
	EndCancelled EndReason = "cancelled"
	EndError     EndReason = "error"
)

// PumpResult summarises one pumped stream.
type PumpResult struct {
	Reason EndReason
	Deltas int
	// Warning is set when trailing content never parsed; deltas already applied
	// are kept.
	Warning error
}

// Pump reads r until the sentinel, EOF, an error, or ctx cancellation,
// feeding every chunk through dec and every payload through acc. onDelta, when
// set, observes each applied delta.
func Pump(ctx context.Context, r io.Reader, dec *Decoder, acc *Accumulator, onDelta func(string)) (PumpResult, error) {
	if dec == nil {
		dec = NewDecoder()
	}
	result := PumpResult{}
	buf := make([]byte, defaultReadSize)
	for {
		if err := ctx.Err(); err != nil {
			result.Reason = EndCancelled
			return result, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				// late bytes after cancellation are dropped
				result.Reason = EndCancelled
				return result, ctx.Err()
			}
			frames, feedErr := dec.Feed(buf[:n])
			if feedErr != nil {
				result.Warning = feedErr
			}
			done, err := applyFrames(frames, acc, onDelta, &result)
			if err != nil {
				result.Reason = EndError
				return result, err
			}
			if done {
				result.Reason = EndSentinel
				return result, nil
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			frames, finishErr := dec.Finish()
			if finishErr != nil {
				result.Warning = finishErr
			}
			if _, err := applyFrames(frames, acc, onDelta, &result); err != nil {
				result.Reason = EndError
				return result, err
			}
			result.Reason = EndEOF
			return result, nil
		}
		if ctx.Err() != nil {
			result.Reason = EndCancelled
			return result, ctx.Err()
		}
		result.Reason = EndError
		return result, fmt.Errorf("stream: read body: %w", readErr)
	}
}

func applyFrames(frames []Frame, acc *Accumulator, onDelta func(string), result *PumpResult) (bool, error) {
	for _, frame := range frames {
		if frame.SentinelEnd {
			return true, nil
		}
		if frame.Payload == nil || acc == nil {
			continue
		}
		delta, ok, err := acc.Apply(frame.Payload)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		result.Deltas++
		if onDelta != nil {
			onDelta(delta)
		}
	}
	return false, nil
}
