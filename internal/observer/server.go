package observer

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sandgrid.dev/internal/grid"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Server fans published grid updates out to JSON/websocket observers. It is
// independent of the binary viewer protocol: updates arrive as unquantized
// grids from the tick loop and are quantized and encoded here once per tick,
// then the same JSON bytes go to every subscriber.
type Server struct {
	geom   grid.Geometry
	logger *log.Logger

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	latest *update
	wakeup chan struct{}
}

// update is an immutable encoded snapshot shared by all connection goroutines.
type update struct {
	tick uint64
	body []byte
}

func NewServer(geom grid.Geometry, logger *log.Logger) *Server {
	return &Server{
		geom:   geom,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wakeup: make(chan struct{}),
	}
}

// Publish quantizes and encodes one update and wakes every waiting
// subscriber. Called from the tick loop; never blocks on slow observers.
func (s *Server) Publish(tick uint64, gb *grid.GridBuffers) {
	msg := GridMsg{
		Type:            TypeGrid,
		ProtocolVersion: Version,
		Tick:            tick,
		Encoding:        EncodingU16Rows,
		Bathymetry:      encodeSamples(s.geom.Range, gb.Bathymetry),
		WaterLevel:      encodeSamples(s.geom.Range, gb.WaterLevel),
		SnowHeight:      encodeSamples(s.geom.Range, gb.SnowHeight),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("observer: encode update: %v", err)
		return
	}

	s.mu.Lock()
	s.latest = &update{tick: tick, body: body}
	wake := s.wakeup
	s.wakeup = make(chan struct{})
	s.mu.Unlock()
	close(wake)
}

func encodeSamples(r grid.Range, samples []float32) string {
	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], grid.Quantize(v, r))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// BootstrapHandler serves the static session parameters an observer needs
// before opening the websocket.
func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := BootstrapResponse{
			ProtocolVersion: Version,
			Grid: GridParams{
				Width:        s.geom.Width,
				Height:       s.geom.Height,
				CellSize:     s.geom.CellSize,
				ElevationMin: s.geom.Range.Min,
				ElevationMax: s.geom.Range.Max,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Printf("observer: bootstrap: %v", err)
		}
	}
}

// WSHandler upgrades the connection and streams grid updates after a
// SUBSCRIBE message.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Printf("observer: upgrade: %v", err)
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	var sub SubscribeMsg
	conn.SetReadDeadline(time.Now().Add(writeTimeout))
	if err := conn.ReadJSON(&sub); err != nil {
		s.logger.Printf("observer: subscribe: %v", err)
		return
	}
	if sub.Type != TypeSubscribe || sub.ProtocolVersion != Version {
		s.logger.Printf("observer: bad subscribe %q version %q", sub.Type, sub.ProtocolVersion)
		return
	}
	every := uint64(sub.EveryTicks)
	if every == 0 {
		every = 1
	}

	// Drain client frames so pongs and close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var lastSent *update
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		s.mu.RLock()
		cur := s.latest
		wake := s.wakeup
		s.mu.RUnlock()

		if cur != nil && cur != lastSent && cur.tick%every == 0 {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, cur.body); err != nil {
				return
			}
			lastSent = cur
		}

		select {
		case <-wake:
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
