package core

// streaming.go wraps dataset sources for robust CSV decoding without
// buffering whole files:
//
//   - bomReader strips a leading UTF-8 BOM (0xEF 0xBB 0xBF)
//   - sanitizeReader replaces invalid UTF-8 bytes with '?'
//   - countReader tracks bytes consumed for progress reporting
//
// wrapSource applies the three in the only order that works: BOM first,
// then sanitization, counting outermost.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomReader strips a UTF-8 byte order mark from the start of the stream.
// Spreadsheet exports on Windows routinely prepend one.
type bomReader struct {
	br      *bufio.Reader
	checked bool
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{br: bufio.NewReader(r)}
}

func (r *bomReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		head, err := r.br.Peek(len(utf8BOM))
		if err == nil && bytes.Equal(head, utf8BOM) {
			r.br.Discard(len(utf8BOM))
		}
	}
	return r.br.Read(p)
}

// sanitizeReader replaces bytes that do not form valid UTF-8 with '?'.
// A multi-byte rune split across two reads is held in pending until the
// next read completes it, so valid runes are never mangled at buffer
// boundaries.
type sanitizeReader struct {
	r       io.Reader
	pending []byte
}

func newSanitizeReader(r io.Reader) *sanitizeReader {
	return &sanitizeReader{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *sanitizeReader) Read(p []byte) (int, error) {
	if len(p) < utf8.UTFMax {
		// Too small to re-run carryover logic; drain pending bytes raw.
		if len(p) == 0 {
			return 0, nil
		}
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[:copy(s.pending, s.pending[n:])]
			return n, nil
		}
		return s.r.Read(p)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[:0]

	m, err := s.r.Read(p[n:])
	n += m
	if n == 0 {
		return 0, err
	}

	if asciiOnly(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err != nil), err
}

// sanitize rewrites data in place and returns the byte count to surface.
// Unless the stream has ended, an incomplete trailing rune is moved to
// pending instead of being judged invalid.
func (s *sanitizeReader) sanitize(data []byte, atEnd bool) int {
	w := 0
	for i := 0; i < len(data); {
		if data[i] < utf8.RuneSelf {
			data[w] = data[i]
			w++
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			if !atEnd && runeStart(data[i]) && len(data)-i < utf8.UTFMax {
				// Might complete on the next read.
				s.pending = append(s.pending, data[i:]...)
				return w
			}
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}

func asciiOnly(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func runeStart(b byte) bool { return b&0xC0 == 0xC0 }

// countReader counts the bytes consumed from a source so progress can be
// reported while the total row count is unknown.
type countReader struct {
	r     io.Reader
	read  int64
	total int64
}

func newCountReader(r io.Reader, total int64) *countReader {
	return &countReader{r: r, total: total}
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// BytesRead returns the bytes consumed so far.
func (c *countReader) BytesRead() int64 { return c.read }

// wrapSource layers BOM stripping, UTF-8 sanitization and byte counting
// over a raw source stream.
func wrapSource(r io.Reader, total int64) *countReader {
	return newCountReader(newSanitizeReader(newBOMReader(r)), total)
}
