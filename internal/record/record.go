// Package record captures a server's broadcast stream to disk and reads it
// back. A recording file is what a client session would have received: the
// session geometry, one intra-coded triplet, then inter-coded triplets. The
// container is zstd-compressed and every message carries an xxhash64 digest
// so replay detects corruption before feeding the codec.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/protocol"
)

const (
	recMagic   = "SGRC"
	recVersion = 1

	// Message payloads are bounded by the codec's worst case for a triplet
	// plus framing; anything larger is a corrupt container.
	maxMessageBytes = 1 << 28
)

var ErrCorruptRecording = errors.New("corrupt recording")

// Writer appends broadcast messages to a recording file. It implements the
// server's FrameTap and is driven from the broadcast goroutine only.
type Writer struct {
	path    string
	f       *os.File
	zw      *zstd.Encoder
	bw      *bufio.Writer
	started time.Time
	frames  int
	raw     int64
}

// NewWriter creates the recording file and writes the container header.
func NewWriter(path string, geom grid.Geometry) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &Writer{
		path:    path,
		f:       f,
		zw:      zw,
		bw:      bufio.NewWriterSize(zw, 256*1024),
		started: time.Now(),
	}
	if _, err := w.bw.WriteString(recMagic); err != nil {
		return nil, w.abort(err)
	}
	if err := w.bw.WriteByte(recVersion); err != nil {
		return nil, w.abort(err)
	}
	pw := protocol.NewWriter(w.bw)
	if err := protocol.WriteGeometry(pw, geom); err != nil {
		return nil, w.abort(err)
	}
	return w, nil
}

func (w *Writer) abort(err error) error {
	w.zw.Close()
	w.f.Close()
	return err
}

// WriteMessage appends one broadcast message with its length and digest.
func (w *Writer) WriteMessage(b []byte) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(b)))
	binary.LittleEndian.PutUint64(hdr[4:], xxhash.Sum64(b))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	w.frames++
	w.raw += int64(len(b))
	return nil
}

// Path returns the recording file path.
func (w *Writer) Path() string { return w.path }

// StartedAt returns when the recording began.
func (w *Writer) StartedAt() time.Time { return w.started }

// Stats returns the number of messages and uncompressed payload bytes
// written so far.
func (w *Writer) Stats() (frames int, rawBytes int64) {
	return w.frames, w.raw
}

// Close flushes and closes the recording.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader replays a recording file.
type Reader struct {
	f    *os.File
	zr   *zstd.Decoder
	br   *bufio.Reader
	geom grid.Geometry
}

// Open validates the container header and returns a reader positioned at the
// first message.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	br := bufio.NewReaderSize(zr, 256*1024)

	var head [5]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("%w: short header", ErrCorruptRecording)
	}
	if string(head[:4]) != recMagic {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptRecording)
	}
	if head[4] != recVersion {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecording, head[4])
	}
	geom, err := protocol.ReadGeometry(protocol.NewReader(br))
	if err != nil {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecording, err)
	}
	return &Reader{f: f, zr: zr, br: br, geom: geom}, nil
}

// Geometry returns the recorded session geometry.
func (r *Reader) Geometry() grid.Geometry { return r.geom }

// Next returns the next message payload, or io.EOF after the last one. A
// digest mismatch or truncated message is reported as ErrCorruptRecording.
func (r *Reader) Next() ([]byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated message header", ErrCorruptRecording)
	}
	n := binary.LittleEndian.Uint32(hdr[:4])
	if n > maxMessageBytes {
		return nil, fmt.Errorf("%w: message length %d", ErrCorruptRecording, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.br, b); err != nil {
		return nil, fmt.Errorf("%w: truncated message", ErrCorruptRecording)
	}
	if xxhash.Sum64(b) != binary.LittleEndian.Uint64(hdr[4:]) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptRecording)
	}
	return b, nil
}

// Close releases the reader's resources.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}
