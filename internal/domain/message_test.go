package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_Telemetry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := Message{Topic: "classroom/5/telemetry", Payload: []byte(`{"temp":21}`)}

	data, err := NewEnvelope(msg, now).Marshal()
	require.NoError(t, err)

	assert.Equal(t, `{"topic":"classroom/5/telemetry","payload":"{\"temp\":21}","timestamp":"2024-01-01T00:00:00.000Z"}`, string(data))
}

func TestNewEnvelope_TimestampIsUTCWithMillis(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2024, 6, 15, 14, 30, 45, 123456789, loc)

	env := NewEnvelope(Message{Topic: "a"}, now)

	assert.Equal(t, "2024-06-15T13:30:45.123Z", env.Timestamp)
	parsed, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now.Truncate(time.Millisecond)))
}

func TestEnvelope_Marshal_NoHTMLEscaping(t *testing.T) {
	env := Envelope{Topic: "t", Payload: "<b>&</b>", Timestamp: "2024-01-01T00:00:00.000Z"}

	data, err := env.Marshal()
	require.NoError(t, err)

	assert.Equal(t, `{"topic":"t","payload":"<b>&</b>","timestamp":"2024-01-01T00:00:00.000Z"}`, string(data))
}

func TestEnvelope_Marshal_NoTrailingNewline(t *testing.T) {
	data, err := NewEnvelope(Message{Topic: "t", Payload: []byte("x")}, time.Now()).Marshal()
	require.NoError(t, err)
	assert.NotEqual(t, byte('\n'), data[len(data)-1])
}

func TestNewEnvelope_InvalidUTF8Replaced(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msg := Message{Topic: "t", Payload: []byte{'o', 'k', 0xff, 0xfe, 0xe2, 0x82}}

	data, err := NewEnvelope(msg, now).Marshal()
	require.NoError(t, err)

	assert.Equal(t, "{\"topic\":\"t\",\"payload\":\"ok\uFFFD\uFFFD\uFFFD\",\"timestamp\":\"2024-01-01T00:00:00.000Z\"}", string(data))
}

func TestEnvelope_Marshal_RawLineSeparators(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"line separator", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator", "a\u2029b", "\"a\u2029b\""},
		{"escaped backslash before u2028 text", `x\u2028`, `"x\\u2028"`},
		{"other escapes untouched", "q\"\\\n\u2028", "\"q\\\"\\\\\\n\u2028\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Topic: "t", Payload: tt.payload, Timestamp: "2024-01-01T00:00:00.000Z"}

			data, err := env.Marshal()
			require.NoError(t, err)

			assert.Equal(t, `{"topic":"t","payload":`+tt.want+`,"timestamp":"2024-01-01T00:00:00.000Z"}`, string(data))

			var decoded Envelope
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.payload, decoded.Payload)
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	payloads := []string{"", "plain", `{"nested":{"a":[1,2,3]}}`, "ünïcödé ✓", "line\nbreak\ttab"}
	for _, p := range payloads {
		msg := Message{Topic: "classroom/12/telemetry", Payload: []byte(p)}
		data, err := NewEnvelope(msg, time.Now()).Marshal()
		require.NoError(t, err)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Len(t, decoded, 3)
		assert.Equal(t, msg.Topic, decoded["topic"])
		assert.Equal(t, p, decoded["payload"])
	}
}
