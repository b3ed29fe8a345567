package smtpserver

import (
	"bufio"
	"errors"
	"io"
)

// ErrMessageTooLarge is returned once the DotReader has consumed more than
// its configured maximum, after it has finished draining the remainder of
// the dot-terminated data so the SMTP dialog stays in sync.
var ErrMessageTooLarge = errors.New("message too large")

// ErrInvalidLineEnding is returned when the input contains a lone '\r' or
// '\n' not part of a "\r\n" pair.
var ErrInvalidLineEnding = errors.New("invalid line ending")

// line-ending state machine states.
const (
	prevOther = iota
	prevCR
	prevCRLF
)

// DotReader implements io.Reader over the SMTP DATA payload, undoing
// dot-stuffing and translating "\r\n" line endings to "\n" as it goes.
// Unlike textproto.Reader's DotReader, it never buffers the whole message:
// bytes are decoded and handed to the caller as they arrive, and only the
// trailing few bytes needed to recognize the "\r\n.\r\n" terminator are
// ever held in memory.
//
// Reads past the end of the message return io.EOF. If the message exceeds
// Max bytes, DotReader keeps consuming (and discarding) input internally
// until it finds the terminator -- so the connection's command stream
// doesn't get desynchronized -- and then returns ErrMessageTooLarge
// instead of io.EOF.
type DotReader struct {
	r   *bufio.Reader
	max int64

	n    int64
	out  int64
	prev int
	last4 [4]byte

	done bool
	err  error
}

// NewDotReader returns a DotReader that reads dot-terminated data from r,
// handing back at most max bytes of decoded output. ErrMessageTooLarge is
// decided on the raw input instead: once more than max bytes have been
// read, counting CRs, stuffing dots and the terminator itself, the
// message is reported as too large.
func NewDotReader(r *bufio.Reader, max int64) *DotReader {
	return &DotReader{r: r, max: max, prev: prevCRLF}
}

// Read implements io.Reader.
func (d *DotReader) Read(p []byte) (int, error) {
	if d.done {
		return 0, d.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	written := 0
	for written < len(p) {
		b, err := d.r.ReadByte()
		if err == io.EOF {
			return written, d.finish(written, io.ErrUnexpectedEOF)
		} else if err != nil {
			return written, d.finish(written, err)
		}
		d.n++

		emit, ok, terminal, empty, lerr := d.step(b)
		if lerr != nil {
			return written, d.finish(written, lerr)
		}
		if empty {
			return written, d.finish(written, io.EOF)
		}
		if terminal {
			if d.n > d.max {
				return written, d.finish(written, ErrMessageTooLarge)
			}
			return written, d.finish(written, io.EOF)
		}

		if ok {
			if d.out >= d.max {
				// Over budget: keep draining for the terminator, but stop
				// handing bytes to the caller.
				continue
			}
			p[written] = emit
			written++
			d.out++
		}
	}
	return written, nil
}

// finish marks the reader as exhausted, recording err so subsequent Read
// calls keep returning it.
func (d *DotReader) finish(written int, err error) error {
	d.done = true
	d.err = err
	return err
}

// step processes one input byte against the line-ending/dot-stuffing
// state machine. It returns the byte to emit (valid only if ok), whether
// to emit it, whether this byte completed the terminator, whether this
// byte completed an *empty* message (a lone ".\r\n" as the first line),
// and any line-ending error.
func (d *DotReader) step(b byte) (emit byte, ok, terminal, empty bool, err error) {
	skip := false

	switch b {
	case '\r':
		if d.prev == prevCR {
			return 0, false, false, false, ErrInvalidLineEnding
		}
		d.prev = prevCR
		skip = true
	case '\n':
		if d.prev != prevCR {
			return 0, false, false, false, ErrInvalidLineEnding
		}
		if d.last4 == [4]byte{'\r', '\n', '.', '\r'} {
			return 0, false, true, false, nil
		}
		if d.n == 3 && d.last4 == [4]byte{0, 0, '.', '\r'} {
			return 0, false, false, true, nil
		}
		d.prev = prevCRLF
	default:
		if d.prev == prevCR {
			return 0, false, false, false, ErrInvalidLineEnding
		}
		if b == '.' && d.prev == prevCRLF {
			// Dot-stuffing: a leading dot on a line is stripped.
			// https://www.rfc-editor.org/rfc/rfc5321#section-4.5.2
			skip = true
		}
		d.prev = prevOther
	}

	d.last4[0], d.last4[1], d.last4[2], d.last4[3] =
		d.last4[1], d.last4[2], d.last4[3], b

	return b, !skip, false, false, nil
}
