package tmux

import "strings"

// Control mode escapes every non-printable byte (and the backslash itself)
// in %output payloads as a three-digit octal sequence, e.g. "\012" for
// newline. DecodeOctal reverses that transform; anything that is not a
// well-formed escape passes through untouched, including sequences whose
// first digit exceeds 3 (those would not fit in a byte).
func DecodeOctal(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] >= '0' && s[i+1] <= '3' && isOctalDigit(s[i+2]) && isOctalDigit(s[i+3]) {
			value := (s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0')
			out = append(out, value)
			i += 3
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// EncodeOctal renders bytes the way tmux control mode does: printable ASCII
// except backslash stays literal, everything else becomes "\NNN".
func EncodeOctal(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c >= 0x20 && c < 0x7f && c != '\\' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('\\')
		b.WriteByte('0' + (c>>6)&7)
		b.WriteByte('0' + (c>>3)&7)
		b.WriteByte('0' + c&7)
	}
	return b.String()
}

func isOctalDigit(c byte) bool {
	return c >= '0' && c <= '7'
}
