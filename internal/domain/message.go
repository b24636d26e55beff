package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the envelope timestamp format: ISO-8601, UTC, millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Message is a single broker delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Envelope is the unit sent to every streaming client.
// Field order is part of the wire format.
type Envelope struct {
	Topic     string `json:"topic"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope wraps a message, stamping it with the given time.
// Payload bytes are decoded with DecodeText.
func NewEnvelope(msg Message, now time.Time) Envelope {
	return Envelope{
		Topic:     msg.Topic,
		Payload:   DecodeText(msg.Payload),
		Timestamp: now.UTC().Format(TimestampLayout),
	}
}

// Marshal serializes the envelope into a single JSON text frame.
// HTML characters and U+2028/U+2029 are written unescaped, the same bytes
// JSON.stringify produces.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

var (
	escapedLineSeparator      = []byte(`\u2028`)
	escapedParagraphSeparator = []byte(`\u2029`)
	lineSeparator             = []byte("\u2028")
	paragraphSeparator        = []byte("\u2029")
)

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes of encoded JSON
// as raw characters. Escape pairs are skipped whole so an escaped backslash
// followed by the text u2028 is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		rest := data[i:]
		switch {
		case bytes.HasPrefix(rest, escapedLineSeparator):
			out = append(out, lineSeparator...)
			i += len(escapedLineSeparator) - 1
		case bytes.HasPrefix(rest, escapedParagraphSeparator):
			out = append(out, paragraphSeparator...)
			i += len(escapedParagraphSeparator) - 1
		default:
			out = append(out, data[i], data[i+1])
			i++
		}
	}
	return out
}
