// Package server streams the live property grids to remote viewers. One
// broadcast goroutine owns the encode state and the session registry; per
// session a writer goroutine drains an outbound queue and a reader goroutine
// consumes pose uplink messages. Every established session receives the same
// inter-coded bytes, so each update is encoded exactly once.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"sandgrid.dev/internal/codec"
	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/protocol"
)

// PoseFunc is invoked for every viewer pose uplink message. It runs on the
// session's reader goroutine and must not block.
type PoseFunc func(sessionID uint64, pose protocol.ViewerPose)

// FrameTap receives the exact message byte streams a client would: one
// intra-coded triplet when attached, then one inter-coded triplet per tick.
// A tap that returns an error is detached.
type FrameTap interface {
	WriteMessage(b []byte) error
}

// Metrics is a point-in-time snapshot of server counters.
type Metrics struct {
	Sessions     int
	Ticks        uint64
	BytesSent    int64
	LastTickSize int
	LastEncodeMS float64
}

type session struct {
	id     uint64
	conn   net.Conn
	out    chan []byte
	pw     *protocol.Writer
	closed atomic.Bool
}

func (s *session) teardown() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

type publishReq struct {
	grids *grid.GridBuffers
	done  chan struct{}
}

type detachReq struct {
	tap  FrameTap
	done chan struct{}
}

// Server broadcasts grid updates to every connected viewer session.
type Server struct {
	geom   grid.Geometry
	logger *log.Logger
	onPose PoseFunc

	joinCh   chan *session
	leaveCh  chan *session
	pubCh    chan publishReq
	tapCh    chan FrameTap
	detachCh chan detachReq
	loopDone chan struct{}

	nextID atomic.Uint64

	sessions     atomic.Int64
	ticks        atomic.Uint64
	bytesSent    atomic.Int64
	lastTickSize atomic.Int64
	lastEncodeNS atomic.Int64
}

// New creates a server for the given fixed session geometry. onPose may be
// nil if the application has no use for viewer poses.
func New(geom grid.Geometry, logger *log.Logger, onPose PoseFunc) (*Server, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		geom:     geom,
		logger:   logger,
		onPose:   onPose,
		joinCh:   make(chan *session),
		leaveCh:  make(chan *session, 64),
		pubCh:    make(chan publishReq),
		tapCh:    make(chan FrameTap),
		detachCh: make(chan detachReq),
		loopDone: make(chan struct{}),
	}, nil
}

// Geometry returns the fixed session geometry.
func (s *Server) Geometry() grid.Geometry { return s.geom }

// Metrics returns a snapshot of the server counters.
func (s *Server) Metrics() Metrics {
	return Metrics{
		Sessions:     int(s.sessions.Load()),
		Ticks:        s.ticks.Load(),
		BytesSent:    s.bytesSent.Load(),
		LastTickSize: int(s.lastTickSize.Load()),
		LastEncodeMS: float64(s.lastEncodeNS.Load()) / 1e6,
	}
}

// Publish quantizes a fresh grid triplet and broadcasts it as one inter-coded
// update to every established session. It returns once the update has been
// queued to every session and delivered to every tap, so the caller may reuse
// gb immediately afterwards.
func (s *Server) Publish(ctx context.Context, gb *grid.GridBuffers) error {
	req := publishReq{grids: gb, done: make(chan struct{})}
	select {
	case s.pubCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachTap registers a frame tap with the broadcast loop.
func (s *Server) AttachTap(ctx context.Context, tap FrameTap) error {
	select {
	case s.tapCh <- tap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DetachTap removes a previously attached tap. It returns only once the
// broadcast loop can no longer be inside a write on the tap, so the caller
// may close the tap afterwards. A tap unknown to the loop detaches as a
// no-op; once the broadcast loop has exited no writes are in flight and
// DetachTap returns immediately.
func (s *Server) DetachTap(ctx context.Context, tap FrameTap) error {
	req := detachReq{tap: tap, done: make(chan struct{})}
	select {
	case s.detachCh <- req:
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve accepts viewer connections until the context is cancelled. The
// broadcast loop runs for the lifetime of Serve.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.broadcastLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	pr := protocol.NewReader(bufio.NewReader(conn))
	pw := protocol.NewWriter(bufio.NewWriter(conn))

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.ServerHandshake(pr, pw); err != nil {
		s.logger.Printf("handshake from %s rejected: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	sess := &session{
		id:   s.nextID.Add(1),
		conn: conn,
		out:  make(chan []byte, 16),
		pw:   pw,
	}

	select {
	case s.joinCh <- sess:
	case <-ctx.Done():
		conn.Close()
		return
	}

	// Writer: drains the outbound queue. The broadcast loop closes out when
	// it drops the session; a write failure tears the connection down, which
	// also unblocks the reader.
	go func() {
		for b := range sess.out {
			if err := sess.pw.WriteBytes(b); err != nil {
				break
			}
			if err := sess.pw.Flush(); err != nil {
				break
			}
			s.bytesSent.Add(int64(len(b)))
		}
		sess.teardown()
	}()

	// Reader: pose uplink. Any read error or unknown message is fatal for
	// the session.
	err := s.readUplink(pr, sess)
	sess.teardown()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		s.logger.Printf("session %d: %v", sess.id, err)
	}
	select {
	case s.leaveCh <- sess:
	case <-ctx.Done():
	}
}

func (s *Server) readUplink(pr *protocol.Reader, sess *session) error {
	for {
		msgType, err := pr.ReadUint16()
		if err != nil {
			return err
		}
		switch msgType {
		case protocol.MsgViewerPose:
			pose, err := protocol.ReadViewerPose(pr)
			if err != nil {
				return err
			}
			if s.onPose != nil {
				s.onPose(sess.id, pose)
			}
		default:
			return fmt.Errorf("%w: %d", protocol.ErrBadMessage, msgType)
		}
	}
}

// broadcastLoop owns the quantized encode state and the session registry.
// Mid-stream joins are serialized with publishes here, so a new session's
// intra frame always lines up with the broadcast delta chain.
func (s *Server) broadcastLoop(ctx context.Context) {
	defer close(s.loopDone)

	geom := s.geom
	var curr, next [3][]grid.Pixel
	for i := 0; i < 2; i++ {
		buf := &curr
		if i == 1 {
			buf = &next
		}
		buf[0] = make([]grid.Pixel, geom.BathymetryCount())
		buf[1] = make([]grid.Pixel, geom.CellCount())
		buf[2] = make([]grid.Pixel, geom.CellCount())
	}

	sessions := make(map[*session]struct{})
	var taps []FrameTap

	defer func() {
		for sess := range sessions {
			sess.teardown()
			close(sess.out)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sess := <-s.joinCh:
			init, err := s.encodeInit(curr)
			if err != nil {
				s.logger.Printf("session %d: encode init: %v", sess.id, err)
				sess.teardown()
				close(sess.out)
				continue
			}
			sess.out <- init
			sessions[sess] = struct{}{}
			s.sessions.Store(int64(len(sessions)))
			s.logger.Printf("session %d joined from %s", sess.id, sess.conn.RemoteAddr())

		case sess := <-s.leaveCh:
			if _, ok := sessions[sess]; ok {
				delete(sessions, sess)
				close(sess.out)
				s.sessions.Store(int64(len(sessions)))
				s.logger.Printf("session %d left", sess.id)
			}

		case tap := <-s.tapCh:
			msg, err := s.encodeIntraTriplet(curr)
			if err != nil {
				s.logger.Printf("tap attach: %v", err)
				continue
			}
			if err := tap.WriteMessage(msg); err != nil {
				s.logger.Printf("tap attach: %v", err)
				continue
			}
			taps = append(taps, tap)

		case req := <-s.detachCh:
			keep := taps[:0]
			for _, tap := range taps {
				if tap != req.tap {
					keep = append(keep, tap)
				}
			}
			taps = keep
			close(req.done)

		case req := <-s.pubCh:
			start := time.Now()
			s.quantize(req.grids, &next)
			msg, err := s.encodeInterTriplet(curr, next)
			if err != nil {
				// Encode failures are programming errors, not session
				// errors; keep the old state so the delta chain stays
				// intact.
				s.logger.Printf("encode update: %v", err)
				close(req.done)
				continue
			}
			curr, next = next, curr
			s.lastEncodeNS.Store(time.Since(start).Nanoseconds())
			s.lastTickSize.Store(int64(len(msg)))
			s.ticks.Add(1)

			for sess := range sessions {
				select {
				case sess.out <- msg:
				default:
					// A session too slow to keep up can never resync; the
					// lock-step stream has no recovery point.
					s.logger.Printf("session %d stalled, dropping", sess.id)
					delete(sessions, sess)
					close(sess.out)
					sess.teardown()
					s.sessions.Store(int64(len(sessions)))
				}
			}
			keep := taps[:0]
			for _, tap := range taps {
				if err := tap.WriteMessage(msg); err != nil {
					s.logger.Printf("tap detached: %v", err)
					continue
				}
				keep = append(keep, tap)
			}
			taps = keep
			close(req.done)
		}
	}
}

func (s *Server) quantize(gb *grid.GridBuffers, dst *[3][]grid.Pixel) {
	r := s.geom.Range
	for i, v := range gb.Bathymetry {
		dst[0][i] = grid.Quantize(v, r)
	}
	for i, v := range gb.WaterLevel {
		dst[1][i] = grid.Quantize(v, r)
	}
	for i, v := range gb.SnowHeight {
		dst[2][i] = grid.Quantize(v, r)
	}
}

// encodeInit builds a joining session's first bytes: the geometry block
// followed by an intra coding of the current state.
func (s *Server) encodeInit(curr [3][]grid.Pixel) ([]byte, error) {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	if err := protocol.WriteGeometry(w, s.geom); err != nil {
		return nil, err
	}
	if err := s.writeIntraTriplet(w, curr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) encodeIntraTriplet(curr [3][]grid.Pixel) ([]byte, error) {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	if err := s.writeIntraTriplet(w, curr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) writeIntraTriplet(w *protocol.Writer, curr [3][]grid.Pixel) error {
	geom := s.geom
	if err := codec.EncodeIntra(w, geom.BathymetryWidth(), geom.BathymetryHeight(), curr[0]); err != nil {
		return err
	}
	if err := codec.EncodeIntra(w, int(geom.Width), int(geom.Height), curr[1]); err != nil {
		return err
	}
	return codec.EncodeIntra(w, int(geom.Width), int(geom.Height), curr[2])
}

func (s *Server) encodeInterTriplet(curr, next [3][]grid.Pixel) ([]byte, error) {
	geom := s.geom
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	if err := codec.EncodeInter(w, geom.BathymetryWidth(), geom.BathymetryHeight(), curr[0], next[0]); err != nil {
		return nil, err
	}
	if err := codec.EncodeInter(w, int(geom.Width), int(geom.Height), curr[1], next[1]); err != nil {
		return nil, err
	}
	if err := codec.EncodeInter(w, int(geom.Width), int(geom.Height), curr[2], next[2]); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
