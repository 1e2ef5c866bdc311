package sseclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strs(records [][]byte) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, string(r))
	}
	return out
}

func TestDecoder_Feed(t *testing.T) {
	tcases := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "single record",
			input:    "data: {\"type\":\"connected\"}\n\n",
			expected: []string{`{"type":"connected"}`},
		},
		{
			name:     "two records",
			input:    "data: a\n\ndata: b\n\n",
			expected: []string{"a", "b"},
		},
		{
			name:     "no space after marker",
			input:    "data:a\n\n",
			expected: []string{"a"},
		},
		{
			name:     "heartbeat comment",
			input:    ": ping\n\ndata: a\n\n",
			expected: []string{"a"},
		},
		{
			name:     "crlf line endings",
			input:    "data: a\r\n\r\n",
			expected: []string{"a"},
		},
		{
			name:     "multi-line data",
			input:    "data: a\ndata: b\n\n",
			expected: []string{"a\nb"},
		},
		{
			name:     "other fields ignored",
			input:    "event: message\nid: 7\ndata: a\n\n",
			expected: []string{"a"},
		},
		{
			name:     "incomplete trailing record",
			input:    "data: a\n\ndata: b",
			expected: []string{"a"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var d Decoder
			assert.Equal(t, tc.expected, strs(d.Feed([]byte(tc.input))))
		})
	}
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	var d Decoder

	assert.Empty(t, d.Feed([]byte(`data: {"type":"new_`)), "expected partial line to be held")
	assert.Empty(t, d.Feed([]byte(`message"}`+"\n")), "expected record to wait for its blank line")
	assert.Equal(t, []string{`{"type":"new_message"}`}, strs(d.Feed([]byte("\n"))))
}

func TestDecoder_ByteAtATime(t *testing.T) {
	input := "data: one\n\n: ping\n\ndata: two\n\n"

	var d Decoder
	var got []string
	for i := 0; i < len(input); i++ {
		got = append(got, strs(d.Feed([]byte{input[i]}))...)
	}

	assert.Equal(t, []string{"one", "two"}, got)
}

func TestDecoder_Reset(t *testing.T) {
	var d Decoder
	d.Feed([]byte("data: stale\n"))
	d.Reset()

	assert.Equal(t, []string{"fresh"}, strs(d.Feed([]byte("data: fresh\n\n"))))
}
