package transcription

import (
	"bufio"
	"errors"
	"io"
)

// maxFragmentBytes caps a single JSON value read from the backend stream.
const maxFragmentBytes = 4 << 20

// ErrFragmentTooLarge is returned when one JSON value exceeds maxFragmentBytes.
var ErrFragmentTooLarge = errors.New("response fragment too large")

// fragmentScanner splits a streamed response body into standalone JSON values.
//
// It accepts a JSON array written incrementally ("[{...},\n{...}]"),
// consecutive top-level values ("{...}{...}" or "[{...}]\n[{...}]"), and
// SSE-style "data: {...}" lines. The outermost array is treated as an envelope
// whose elements are returned one at a time. Bytes between values that cannot
// start a value are skipped, so garbage in the stream costs only itself.
//
// The scanner only balances brackets; it does not validate. A value with
// balanced brackets but broken syntax is returned as-is and rejected later.
// An unbalanced value is cut short at the next element boundary: a line that
// starts with ',' or "data:". Raw newlines cannot occur inside JSON strings,
// so a newline also ends an unterminated string.
type fragmentScanner struct {
	r          *bufio.Reader
	inEnvelope bool
}

func newFragmentScanner(r io.Reader) *fragmentScanner {
	return &fragmentScanner{r: bufio.NewReader(r)}
}

// Next returns the next raw JSON value, or io.EOF at a clean end of stream.
// A stream that ends inside a value yields io.ErrUnexpectedEOF.
func (s *fragmentScanner) Next() ([]byte, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}

		switch {
		case b == '[' && !s.inEnvelope:
			s.inEnvelope = true
		case b == ']' && s.inEnvelope:
			s.inEnvelope = false
		case b == '{' || b == '[':
			return s.readValue(b)
		}
	}
}

func (s *fragmentScanner) readValue(open byte) ([]byte, error) {
	buf := []byte{open}
	depth := 1
	inString, escaped := false, false
	lineStart := false

	for depth > 0 {
		b, err := s.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(buf) >= maxFragmentBytes {
			return nil, ErrFragmentTooLarge
		}

		if b == '\n' {
			inString, escaped = false, false
			lineStart = true
			buf = append(buf, b)
			continue
		}
		if lineStart {
			switch {
			case b == ' ' || b == '\t' || b == '\r':
				buf = append(buf, b)
				continue
			case b == ',' || (b == 'd' && s.peekIs("ata:")):
				// The value never closed; hand back what we have and
				// let Next resume at the following element.
				return buf, nil
			}
			lineStart = false
		}
		buf = append(buf, b)

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return buf, nil
}

func (s *fragmentScanner) peekIs(want string) bool {
	next, err := s.r.Peek(len(want))
	return err == nil && string(next) == want
}
