package runner

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/dontdude/rp2g/internal/domain"
)

// maxHeldEscape bounds how much of an unterminated escape sequence is held back.
const maxHeldEscape = 32

// forward reads src in chunks of at most size bytes and hands each chunk to log as soon
// as it arrives. A multi-byte character, a trailing "\r" or an escape sequence split
// across reads is held back until the next read completes it.
func forward(src io.Reader, size int, log domain.Sink) error {
	buf := make([]byte, size)
	var pending []byte
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			complete, rest := splitPartial(data)
			if len(complete) > 0 {
				log.Log(string(complete))
			}
			pending = append([]byte(nil), rest...)
		}
		if err != nil {
			if len(pending) > 0 {
				log.Log(string(pending))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// splitPartial splits p before a trailing sequence that a later read may still
// change the meaning of.
func splitPartial(p []byte) (complete, rest []byte) {
	complete, rest = splitUTF8(p)
	if len(rest) > 0 {
		return complete, rest
	}
	if i := partialEscape(p); i >= 0 {
		return p[:i], p[i:]
	}
	if n := len(p); n > 0 && p[n-1] == '\r' {
		return p[:n-1], p[n-1:]
	}
	return p, nil
}

// partialEscape returns the offset of a trailing unterminated escape sequence in p,
// or -1.
func partialEscape(p []byte) int {
	i := bytes.LastIndexByte(p, 0x1b)
	if i < 0 || len(p)-i > maxHeldEscape {
		return -1
	}
	tail := p[i+1:]
	if len(tail) == 0 {
		return i
	}
	if tail[0] != '[' {
		return -1
	}
	// Parameter and intermediate bytes only; a final byte ends the sequence.
	for _, b := range tail[1:] {
		if b < 0x20 || b > 0x3f {
			return -1
		}
	}
	return i
}

// splitUTF8 splits p before a trailing incomplete UTF-8 sequence, if any.
func splitUTF8(p []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		start := len(p) - i
		if !utf8.RuneStart(p[start]) {
			continue
		}
		if !utf8.FullRune(p[start:]) {
			return p[:start], p[start:]
		}
		break
	}
	return p, nil
}
