// Package textstream reassembles whole UTF-8 text out of a stream of
// decoded-token byte fragments: a tokenizer decoder emits bytes one token
// at a time, and a multibyte character can straddle a token boundary, so
// incomplete trailing bytes must be held back until the next token
// completes them.
package textstream

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Reassembler buffers decoded-token bytes until they form a valid UTF-8
// prefix, carrying a partial multibyte character across token boundaries.
type Reassembler struct {
	buf []byte
}

// Push appends newly decoded token bytes and returns whatever prefix of
// the buffer now forms complete UTF-8 runes, retaining any trailing
// incomplete multibyte sequence for the next call.
func (r *Reassembler) Push(b []byte) string {
	r.buf = append(r.buf, b...)

	i := 0
	for i < len(r.buf) {
		if !utf8.FullRune(r.buf[i:]) {
			break
		}

		_, size := utf8.DecodeRune(r.buf[i:])
		i += size
	}

	out := string(r.buf[:i])
	r.buf = append([]byte(nil), r.buf[i:]...)

	return norm.NFC.String(out)
}

// FlushLossy returns and clears any remaining buffered bytes, replacing
// incomplete or invalid sequences with the Unicode replacement character
// rather than waiting for bytes that will never arrive.
func (r *Reassembler) FlushLossy() string {
	if len(r.buf) == 0 {
		return ""
	}

	var out []rune

	buf := r.buf
	for len(buf) > 0 {
		rn, size := utf8.DecodeRune(buf)
		out = append(out, rn)
		buf = buf[size:]
	}

	r.buf = nil

	return norm.NFC.String(string(out))
}

// Reset discards any buffered bytes without returning them.
func (r *Reassembler) Reset() {
	r.buf = nil
}
