// Package client connects to a sandgrid server and maintains a live local
// copy of its property grids. A single receive goroutine decodes one update
// triplet per message and publishes it through a triple buffer; the consumer
// locks snapshots and queries them without ever blocking the network side.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"sandgrid.dev/internal/codec"
	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/protocol"
)

// Client is a remote viewer session. All spatial queries operate on the
// snapshot locked by the most recent LockNewGrids call.
type Client struct {
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer

	geom grid.Geometry

	// Quantized double buffers; inter decode reads the current buffer and
	// fills the other, then the index flips.
	bathymetry [2][]grid.Pixel
	waterLevel [2][]grid.Pixel
	snowHeight [2][]grid.Pixel
	current    int

	grids *grid.TripleBuffer[grid.GridBuffers]

	writeMu   sync.Mutex
	connected atomic.Bool
}

// Connect dials a sandgrid server, negotiates byte order, receives the
// session geometry and the initial intra-coded grids, and publishes the
// first snapshot. On any failure no partially-initialized client is
// returned.
func Connect(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: conn,
		r:    protocol.NewReader(bufio.NewReader(conn)),
		w:    protocol.NewWriter(bufio.NewWriter(conn)),
	}

	// A stalled server must not wedge the setup reads past the context.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	err = c.init()
	close(done)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	c.connected.Store(true)
	return c, nil
}

func (c *Client) init() error {
	if err := protocol.ClientHandshake(c.r, c.w); err != nil {
		return err
	}

	geom, err := protocol.ReadGeometry(c.r)
	if err != nil {
		return err
	}
	c.geom = geom

	for i := 0; i < 2; i++ {
		c.bathymetry[i] = make([]grid.Pixel, geom.BathymetryCount())
		c.waterLevel[i] = make([]grid.Pixel, geom.CellCount())
		c.snowHeight[i] = make([]grid.Pixel, geom.CellCount())
	}
	c.grids = grid.NewTripleBuffer[grid.GridBuffers]()
	for i := 0; i < 3; i++ {
		c.grids.Slot(i).Init(geom)
	}

	// Initial frame: one intra-coded grid per property, fixed order.
	c.current = 0
	if err := codec.DecodeIntra(c.r, geom.BathymetryWidth(), geom.BathymetryHeight(), c.bathymetry[0]); err != nil {
		return fmt.Errorf("initial bathymetry: %w", err)
	}
	if err := codec.DecodeIntra(c.r, int(geom.Width), int(geom.Height), c.waterLevel[0]); err != nil {
		return fmt.Errorf("initial water level: %w", err)
	}
	if err := codec.DecodeIntra(c.r, int(geom.Width), int(geom.Height), c.snowHeight[0]); err != nil {
		return fmt.Errorf("initial snow height: %w", err)
	}
	c.publish()
	return nil
}

// publish unquantizes the current quantized grids into a fresh triple buffer
// slot and posts it as the latest complete triplet.
func (c *Client) publish() {
	gb := c.grids.StartNewValue()
	gb.UnquantizeInto(c.geom, c.bathymetry[c.current], c.waterLevel[c.current], c.snowHeight[c.current])
	c.grids.PostNewValue()
}

// ProcessUpdate reads and applies exactly one inter-coded update triplet.
// Any error is fatal for the session: the previous-grid state can no longer
// be trusted to match the encoder's.
func (c *Client) ProcessUpdate() error {
	geom := c.geom
	next := 1 - c.current
	if err := codec.DecodeInter(c.r, geom.BathymetryWidth(), geom.BathymetryHeight(), c.bathymetry[c.current], c.bathymetry[next]); err != nil {
		return fmt.Errorf("bathymetry update: %w", err)
	}
	if err := codec.DecodeInter(c.r, int(geom.Width), int(geom.Height), c.waterLevel[c.current], c.waterLevel[next]); err != nil {
		return fmt.Errorf("water level update: %w", err)
	}
	if err := codec.DecodeInter(c.r, int(geom.Width), int(geom.Height), c.snowHeight[c.current], c.snowHeight[next]); err != nil {
		return fmt.Errorf("snow height update: %w", err)
	}
	c.current = next
	c.publish()
	return nil
}

// Run processes updates until the context is cancelled or the connection
// fails. It owns the receive direction; no other goroutine may read from the
// connection while Run is active. On return the client is disconnected.
func (c *Client) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	for {
		if err := c.ProcessUpdate(); err != nil {
			c.connected.Store(false)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Connected reports whether the session is still usable. It turns false
// permanently once any receive or send fails.
func (c *Client) Connected() bool { return c.connected.Load() }

// Close tears the connection down. Run returns shortly after.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.conn.Close()
}

// Geometry returns the session's fixed grid geometry.
func (c *Client) Geometry() grid.Geometry { return c.geom }

// Domain returns the valid query extent of the cell-centered grids.
func (c *Client) Domain() grid.Box { return c.geom.Domain() }

// BathymetryDomain returns the valid query extent of the bathymetry grid.
func (c *Client) BathymetryDomain() grid.Box { return c.geom.BathymetryDomain() }

// LockNewGrids locks the most recently received grid triplet for the
// consumer. It returns whether the grids changed since the last call.
func (c *Client) LockNewGrids() bool {
	return c.grids.LockNewValue()
}

// LockedGrids returns the currently locked triplet. The triplet never
// changes until the next LockNewGrids call.
func (c *Client) LockedGrids() *grid.GridBuffers {
	return c.grids.LockedValue()
}

// Bathymetry interpolates the locked bathymetry grid at (x, y).
func (c *Client) Bathymetry(x, y float32) float32 {
	return grid.SampleBathymetry(c.grids.LockedValue(), c.geom, x, y)
}

// WaterLevel interpolates the locked water level grid at (x, y).
func (c *Client) WaterLevel(x, y float32) float32 {
	return grid.SampleWaterLevel(c.grids.LockedValue(), c.geom, x, y)
}

// SnowHeight interpolates the locked snow height grid at (x, y).
func (c *Client) SnowHeight(x, y float32) float32 {
	return grid.SampleSnowHeight(c.grids.LockedValue(), c.geom, x, y)
}

// IntersectSegment intersects a line segment with the locked bathymetry
// surface, returning the hit parameter in [0,1) or 1 on a miss.
func (c *Client) IntersectSegment(p0, p1 [3]float32) float32 {
	return grid.IntersectSegment(c.grids.LockedValue(), c.geom, p0, p1)
}

// SendViewer sends the viewer's head position and view direction to the
// server. Concurrent callers are serialized; the receive direction is
// unaffected.
func (c *Client) SendViewer(pose protocol.ViewerPose) error {
	if !c.connected.Load() {
		return fmt.Errorf("send viewer pose: session disconnected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteViewerPose(c.w, pose); err != nil {
		c.connected.Store(false)
		return err
	}
	return nil
}
