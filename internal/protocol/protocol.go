// Package protocol implements the sandgrid wire format: a reliable ordered
// byte stream whose multi-byte fields are read in the byte order negotiated
// once per session by the endianness token exchange.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// EndiannessToken is written by both sides in their native byte order at
	// connect time. A reader seeing the byte-reversed form switches to
	// swapped reads for the rest of the session.
	EndiannessToken        uint32 = 0x12345678
	EndiannessTokenSwapped uint32 = 0x78563412
)

// Client -> server message types on the uplink direction.
const (
	MsgViewerPose uint16 = 0
)

// Protocol failure kinds. Every failure is fatal for its connection; the
// owner decides whether to log or propagate, but the session is never reused.
var (
	ErrBadHandshake      = errors.New("invalid endianness token in handshake")
	ErrBadGeometry       = errors.New("invalid grid geometry")
	ErrDimensionMismatch = errors.New("frame dimensions do not match session geometry")
	ErrCorruptFrame      = errors.New("corrupt compressed frame")
	ErrBadMessage        = errors.New("unknown uplink message type")
)

// Reader reads wire fields from a byte stream, un-swapping multi-byte fields
// when the peer's native order differs from ours.
type Reader struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
}

// NewReader returns a Reader over r. Sessions start reading little-endian
// and switch via SetSwapped after the token exchange.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, order: binary.LittleEndian}
}

// SetSwapped switches all subsequent reads to the peer's byte order.
func (r *Reader) SetSwapped(swapped bool) {
	if swapped {
		r.order = binary.BigEndian
	} else {
		r.order = binary.LittleEndian
	}
}

func (r *Reader) ReadFull(p []byte) error {
	_, err := io.ReadFull(r.r, p)
	return err
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.ReadFull(r.buf[:2]); err != nil {
		return 0, err
	}
	return r.order.Uint16(r.buf[:2]), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.ReadFull(r.buf[:4]); err != nil {
		return 0, err
	}
	return r.order.Uint32(r.buf[:4]), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// Writer writes wire fields in the wire-native order (little-endian) and
// counts bytes for metrics. Flush must be called at message boundaries.
type Writer struct {
	w       *countingWriter
	flusher interface{ Flush() error }
	buf     [8]byte
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// NewWriter wraps w. If w implements Flush (a bufio.Writer does), Flush
// passes through; otherwise Flush is a no-op.
func NewWriter(w io.Writer) *Writer {
	out := &Writer{}
	if f, ok := w.(interface{ Flush() error }); ok {
		out.flusher = f
	}
	out.w = &countingWriter{w: w}
	return out
}

// BytesWritten returns the total bytes handed to the underlying writer.
func (w *Writer) BytesWritten() int64 { return w.w.n }

func (w *Writer) WriteBytes(p []byte) error {
	_, err := w.w.Write(p)
	return err
}

func (w *Writer) WriteUint16(v uint16) error {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	return w.WriteBytes(w.buf[:2])
}

func (w *Writer) WriteUint32(v uint32) error {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	return w.WriteBytes(w.buf[:4])
}

func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) Flush() error {
	if w.flusher == nil {
		return nil
	}
	return w.flusher.Flush()
}

// ClientHandshake negotiates byte order from the client side: send our
// token, read the server's, and configure swapped reads if the server's
// native order differs. Any other response is fatal.
func ClientHandshake(r *Reader, w *Writer) error {
	if err := w.WriteUint32(EndiannessToken); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return readToken(r)
}

// ServerHandshake negotiates byte order from the server side: read the
// client's token, configure swapped reads for the uplink direction, then
// echo our own token back.
func ServerHandshake(r *Reader, w *Writer) error {
	if err := readToken(r); err != nil {
		return err
	}
	if err := w.WriteUint32(EndiannessToken); err != nil {
		return err
	}
	return w.Flush()
}

func readToken(r *Reader) error {
	token, err := r.ReadUint32()
	if err != nil {
		return err
	}
	switch token {
	case EndiannessToken:
		r.SetSwapped(false)
	case EndiannessTokenSwapped:
		r.SetSwapped(true)
	default:
		return fmt.Errorf("%w: 0x%08x", ErrBadHandshake, token)
	}
	return nil
}
