package tmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeOctal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{"newline tab", `\012\011`, []byte{'\n', '\t'}},
		{"plain text untouched", "hello", []byte("hello")},
		{"mixed", `ls -la\015`, []byte("ls -la\r")},
		{"escaped backslash", `a\134b`, []byte(`a\b`)},
		{"high byte", `\377`, []byte{0xff}},
		{"nul", `\000`, []byte{0}},
		{"truncated escape passes through", `abc\01`, []byte(`abc\01`)},
		{"non octal digits pass through", `\999`, []byte(`\999`)},
		{"overlong escape passes through", `\777`, []byte(`\777`)},
		{"overlong escape does not wrap", `\400`, []byte(`\400`)},
		{"empty", "", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeOctal(tt.input))
		})
	}
}

func TestEncodeOctal(t *testing.T) {
	assert.Equal(t, `\012\011`, EncodeOctal([]byte{'\n', '\t'}))
	assert.Equal(t, "hello", EncodeOctal([]byte("hello")))
	assert.Equal(t, `\134`, EncodeOctal([]byte(`\`)))
}

func TestOctalRoundTrip(t *testing.T) {
	// Every possible byte value must survive encode→decode.
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	assert.Equal(t, all, DecodeOctal(EncodeOctal(all)))

	sequences := [][]byte{
		[]byte("echo \"hi\"\r"),
		{0x1b, '[', '3', '1', 'm'}, // color escape
		[]byte(`C:\path\to\file`),
		{0, 1, 2, 0x7f, 0x80, 0xfe, 0xff},
	}
	for _, seq := range sequences {
		assert.Equal(t, seq, DecodeOctal(EncodeOctal(seq)))
	}
}
