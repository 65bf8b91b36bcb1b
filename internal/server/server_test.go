package server_test

import (
	"bytes"
	"context"
	"io"
	"log"
	"math"
	"net"
	"testing"
	"time"

	"sandgrid.dev/internal/client"
	"sandgrid.dev/internal/codec"
	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/protocol"
	"sandgrid.dev/internal/server"
)

func testGeometry() grid.Geometry {
	return grid.Geometry{
		Width:    4,
		Height:   3,
		CellSize: [2]float32{1, 1},
		Range:    grid.Range{Min: 0, Max: 10},
	}
}

func startServer(t *testing.T, ctx context.Context, onPose server.PoseFunc) (*server.Server, string) {
	t.Helper()
	g := testGeometry()
	srv, err := server.New(g, log.New(io.Discard, "", 0), onPose)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			t.Errorf("serve: %v", err)
		}
	}()
	return srv, ln.Addr().String()
}

// fillWater sets every water level sample to the elevation of the given
// pixel value, so quantization reproduces it exactly.
func fillWater(g grid.Geometry, gb *grid.GridBuffers, p grid.Pixel) {
	v := grid.Unquantize(p, g.Range)
	for i := range gb.WaterLevel {
		gb.WaterLevel[i] = v
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poses := make(chan protocol.ViewerPose, 1)
	srv, addr := startServer(t, ctx, func(_ uint64, pose protocol.ViewerPose) {
		select {
		case poses <- pose:
		default:
		}
	})
	g := srv.Geometry()

	// The state a mid-stream joiner should receive: water at the midpoint of
	// the elevation range.
	var gb grid.GridBuffers
	gb.Init(g)
	fillWater(g, &gb, 32767)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := client.Connect(dialCtx, addr)
	dialCancel()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if c.Geometry() != g {
		t.Fatalf("geometry = %+v, want %+v", c.Geometry(), g)
	}
	if !c.LockNewGrids() {
		t.Fatalf("no initial snapshot after connect")
	}
	// Pixel 32767 over [0,10] decodes to within one quantization step of 5.
	if got := c.WaterLevel(1.5, 1.5); math.Abs(float64(got)-5) > 1e-3 {
		t.Fatalf("initial water level = %g, want about 5", got)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// Stream one update and wait for it to land.
	fillWater(g, &gb, 13107)
	want := grid.Unquantize(13107, g.Range)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish update: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if c.LockNewGrids() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("update never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	if got := c.WaterLevel(1.5, 1.5); math.Abs(float64(got-want)) > 1e-4 {
		t.Fatalf("updated water level = %g, want %g", got, want)
	}

	// Uplink: a pose sent by the client reaches the server callback.
	pose := protocol.ViewerPose{HeadPos: [3]float32{1, 2, 12}, ViewDir: [3]float32{0, 0, -1}}
	if err := c.SendViewer(pose); err != nil {
		t.Fatalf("send pose: %v", err)
	}
	select {
	case got := <-poses:
		if got != pose {
			t.Fatalf("pose = %+v, want %+v", got, pose)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pose never arrived")
	}

	m := srv.Metrics()
	if m.Sessions != 1 {
		t.Fatalf("sessions = %d", m.Sessions)
	}
	if m.Ticks < 2 {
		t.Fatalf("ticks = %d", m.Ticks)
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatalf("client run did not stop")
	}
}

func TestServerRejectsBadHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startServer(t, ctx, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The server drops the connection without sending anything.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf [1]byte
	if _, err := conn.Read(buf[:]); err == nil {
		t.Fatalf("server responded to a garbage handshake")
	}
}

type captureTap struct {
	msgs chan []byte
}

func (c *captureTap) WriteMessage(b []byte) error {
	cp := append([]byte(nil), b...)
	c.msgs <- cp
	return nil
}

func TestFrameTapSeesDecodableStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, _ := startServer(t, ctx, nil)
	g := srv.Geometry()

	var gb grid.GridBuffers
	gb.Init(g)
	fillWater(g, &gb, 1000)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tap := &captureTap{msgs: make(chan []byte, 8)}
	if err := srv.AttachTap(ctx, tap); err != nil {
		t.Fatalf("attach tap: %v", err)
	}

	// The attach message holds an intra triplet of the current state.
	var intra []byte
	select {
	case intra = <-tap.msgs:
	case <-time.After(5 * time.Second):
		t.Fatalf("no attach message")
	}

	prev := [3][]grid.Pixel{
		make([]grid.Pixel, g.BathymetryCount()),
		make([]grid.Pixel, g.CellCount()),
		make([]grid.Pixel, g.CellCount()),
	}
	r := protocol.NewReader(bytes.NewReader(intra))
	if err := codec.DecodeIntra(r, g.BathymetryWidth(), g.BathymetryHeight(), prev[0]); err != nil {
		t.Fatalf("decode intra bathymetry: %v", err)
	}
	if err := codec.DecodeIntra(r, int(g.Width), int(g.Height), prev[1]); err != nil {
		t.Fatalf("decode intra water: %v", err)
	}
	if err := codec.DecodeIntra(r, int(g.Width), int(g.Height), prev[2]); err != nil {
		t.Fatalf("decode intra snow: %v", err)
	}
	if prev[1][0] != 1000 {
		t.Fatalf("intra water pixel = %d, want 1000", prev[1][0])
	}

	fillWater(g, &gb, 2000)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish update: %v", err)
	}
	var inter []byte
	select {
	case inter = <-tap.msgs:
	case <-time.After(5 * time.Second):
		t.Fatalf("no update message")
	}

	curr := [3][]grid.Pixel{
		make([]grid.Pixel, g.BathymetryCount()),
		make([]grid.Pixel, g.CellCount()),
		make([]grid.Pixel, g.CellCount()),
	}
	r = protocol.NewReader(bytes.NewReader(inter))
	if err := codec.DecodeInter(r, g.BathymetryWidth(), g.BathymetryHeight(), prev[0], curr[0]); err != nil {
		t.Fatalf("decode inter bathymetry: %v", err)
	}
	if err := codec.DecodeInter(r, int(g.Width), int(g.Height), prev[1], curr[1]); err != nil {
		t.Fatalf("decode inter water: %v", err)
	}
	if err := codec.DecodeInter(r, int(g.Width), int(g.Height), prev[2], curr[2]); err != nil {
		t.Fatalf("decode inter snow: %v", err)
	}
	if curr[1][0] != 2000 {
		t.Fatalf("inter water pixel = %d, want 2000", curr[1][0])
	}
}

// gatedTap stalls inside WriteMessage until the test releases it, exposing
// when the broadcast loop is mid-write on a tap.
type gatedTap struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTap) WriteMessage(b []byte) error {
	g.entered <- struct{}{}
	<-g.release
	return nil
}

func TestPublishWaitsForTapWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, _ := startServer(t, ctx, nil)
	g := srv.Geometry()

	tap := &gatedTap{entered: make(chan struct{}), release: make(chan struct{})}
	if err := srv.AttachTap(ctx, tap); err != nil {
		t.Fatalf("attach tap: %v", err)
	}
	// Drain the intra triplet sent on attach.
	select {
	case <-tap.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("no attach write")
	}
	tap.release <- struct{}{}

	var gb grid.GridBuffers
	gb.Init(g)
	fillWater(g, &gb, 1000)
	published := make(chan error, 1)
	go func() { published <- srv.Publish(ctx, &gb) }()

	select {
	case <-tap.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("no update write")
	}
	// The tap write is in flight; the caller must still be blocked, or it
	// could reclaim the buffers while the tap reads the frame.
	select {
	case err := <-published:
		t.Fatalf("publish returned mid-write: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	tap.release <- struct{}{}
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("publish never returned")
	}
}

func TestDetachTapStopsWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, _ := startServer(t, ctx, nil)
	g := srv.Geometry()

	tap := &captureTap{msgs: make(chan []byte, 8)}
	if err := srv.AttachTap(ctx, tap); err != nil {
		t.Fatalf("attach tap: %v", err)
	}
	select {
	case <-tap.msgs:
	case <-time.After(5 * time.Second):
		t.Fatalf("no attach message")
	}

	var gb grid.GridBuffers
	gb.Init(g)
	fillWater(g, &gb, 1000)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-tap.msgs:
	case <-time.After(5 * time.Second):
		t.Fatalf("no update message")
	}

	if err := srv.DetachTap(ctx, tap); err != nil {
		t.Fatalf("detach tap: %v", err)
	}
	fillWater(g, &gb, 2000)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish after detach: %v", err)
	}
	// Publish waits for the tap fan-out, so by now a write would have landed.
	select {
	case <-tap.msgs:
		t.Fatalf("detached tap still received an update")
	default:
	}
}

func TestTwoClientsSeeSameStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, addr := startServer(t, ctx, nil)
	g := srv.Geometry()

	var gb grid.GridBuffers
	gb.Init(g)
	fillWater(g, &gb, 500)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var clients [2]*client.Client
	for i := range clients {
		c, err := client.Connect(ctx, addr)
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		defer c.Close()
		go c.Run(ctx)
		clients[i] = c
	}

	fillWater(g, &gb, 600)
	want := grid.Unquantize(600, g.Range)
	if err := srv.Publish(ctx, &gb); err != nil {
		t.Fatalf("publish update: %v", err)
	}

	for i, c := range clients {
		deadline := time.Now().Add(5 * time.Second)
		for !c.LockNewGrids() || c.LockedGrids().WaterLevel[0] != want {
			if time.Now().After(deadline) {
				t.Fatalf("client %d: update never arrived (water=%g)", i, c.LockedGrids().WaterLevel[0])
			}
			time.Sleep(time.Millisecond)
		}
	}
}
