package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"sandgrid.dev/internal/grid"
)

func TestHandshakeSameOrder(t *testing.T) {
	var wire bytes.Buffer
	binary.Write(&wire, binary.LittleEndian, EndiannessToken)

	var out bytes.Buffer
	r := NewReader(&wire)
	w := NewWriter(&out)
	if err := ServerHandshake(r, w); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out.Bytes()); got != EndiannessToken {
		t.Fatalf("echoed token = %#x", got)
	}

	// Subsequent fields keep little-endian interpretation.
	binary.Write(&wire, binary.LittleEndian, uint32(0xDEADBEEF))
	v, err := r.ReadUint32()
	if err != nil || v != 0xDEADBEEF {
		t.Fatalf("read after handshake = %#x, %v", v, err)
	}
}

func TestHandshakeSwappedOrder(t *testing.T) {
	var wire bytes.Buffer
	// A big-endian peer writes the token in its native order, which arrives
	// byte-reversed.
	binary.Write(&wire, binary.BigEndian, EndiannessToken)

	var out bytes.Buffer
	r := NewReader(&wire)
	w := NewWriter(&out)
	if err := ServerHandshake(r, w); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// All subsequent reads must now un-swap.
	binary.Write(&wire, binary.BigEndian, uint32(12345))
	v, err := r.ReadUint32()
	if err != nil || v != 12345 {
		t.Fatalf("swapped read = %d, %v", v, err)
	}
	binary.Write(&wire, binary.BigEndian, uint16(7))
	u, err := r.ReadUint16()
	if err != nil || u != 7 {
		t.Fatalf("swapped u16 read = %d, %v", u, err)
	}
	binary.Write(&wire, binary.BigEndian, math.Float32bits(2.5))
	f, err := r.ReadFloat32()
	if err != nil || f != 2.5 {
		t.Fatalf("swapped f32 read = %g, %v", f, err)
	}
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	var wire bytes.Buffer
	binary.Write(&wire, binary.LittleEndian, uint32(0xCAFEBABE))

	r := NewReader(&wire)
	w := NewWriter(&bytes.Buffer{})
	err := ServerHandshake(r, w)
	if !errors.Is(err, ErrBadHandshake) {
		t.Fatalf("err = %v, want ErrBadHandshake", err)
	}
}

func TestClientHandshake(t *testing.T) {
	var toServer, toClient bytes.Buffer
	binary.Write(&toClient, binary.LittleEndian, EndiannessToken)

	r := NewReader(&toClient)
	w := NewWriter(&toServer)
	if err := ClientHandshake(r, w); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if got := binary.LittleEndian.Uint32(toServer.Bytes()); got != EndiannessToken {
		t.Fatalf("client sent token = %#x", got)
	}
}

func TestGeometryRoundTrip(t *testing.T) {
	g := grid.Geometry{
		Width:    644,
		Height:   484,
		CellSize: [2]float32{1.5, 2.5},
		Range:    grid.Range{Min: -10, Max: 15},
	}

	var wire bytes.Buffer
	if err := WriteGeometry(NewWriter(&wire), g); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadGeometry(NewReader(&wire))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != g {
		t.Fatalf("geometry = %+v, want %+v", got, g)
	}
}

func TestGeometrySwappedRead(t *testing.T) {
	g := grid.Geometry{
		Width:    32,
		Height:   24,
		CellSize: [2]float32{1, 1},
		Range:    grid.Range{Min: 0, Max: 10},
	}

	// Hand-build the geometry block in big-endian, as a big-endian server
	// would emit it natively.
	var wire bytes.Buffer
	binary.Write(&wire, binary.BigEndian, g.Width)
	binary.Write(&wire, binary.BigEndian, math.Float32bits(g.CellSize[0]))
	binary.Write(&wire, binary.BigEndian, g.Height)
	binary.Write(&wire, binary.BigEndian, math.Float32bits(g.CellSize[1]))
	binary.Write(&wire, binary.BigEndian, math.Float32bits(g.Range.Min))
	binary.Write(&wire, binary.BigEndian, math.Float32bits(g.Range.Max))

	r := NewReader(&wire)
	r.SetSwapped(true)
	got, err := ReadGeometry(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != g {
		t.Fatalf("geometry = %+v, want %+v", got, g)
	}
}

func TestReadGeometryRejectsInvalid(t *testing.T) {
	g := grid.Geometry{
		Width:    1, // too small
		Height:   24,
		CellSize: [2]float32{1, 1},
		Range:    grid.Range{Min: 0, Max: 10},
	}
	var wire bytes.Buffer
	if err := WriteGeometry(NewWriter(&wire), g); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := ReadGeometry(NewReader(&wire))
	if !errors.Is(err, ErrBadGeometry) {
		t.Fatalf("err = %v, want ErrBadGeometry", err)
	}
}

func TestViewerPoseRoundTrip(t *testing.T) {
	pose := ViewerPose{
		HeadPos: [3]float32{1, 2, 3},
		ViewDir: [3]float32{0, -0.5, -1},
	}
	var wire bytes.Buffer
	if err := WriteViewerPose(NewWriter(&wire), pose); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(&wire)
	typ, err := r.ReadUint16()
	if err != nil || typ != MsgViewerPose {
		t.Fatalf("type = %d, %v", typ, err)
	}
	got, err := ReadViewerPose(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != pose {
		t.Fatalf("pose = %+v, want %+v", got, pose)
	}
}

func TestWriterCountsBytes(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	_ = w.WriteUint16(1)
	_ = w.WriteUint32(2)
	_ = w.WriteFloat32(3)
	_ = w.WriteBytes([]byte{1, 2, 3})
	if w.BytesWritten() != 13 {
		t.Fatalf("BytesWritten = %d, want 13", w.BytesWritten())
	}
	if out.Len() != 13 {
		t.Fatalf("buffer = %d bytes", out.Len())
	}
}
