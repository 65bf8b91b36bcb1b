package observer

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sandgrid.dev/internal/grid"
)

func testGeometry(t *testing.T) grid.Geometry {
	t.Helper()
	g := grid.Geometry{
		Width:    4,
		Height:   3,
		CellSize: [2]float32{1, 1},
		Range:    grid.Range{Min: 0, Max: 10},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("geometry: %v", err)
	}
	return g
}

func TestBootstrapHandler(t *testing.T) {
	g := testGeometry(t)
	s := NewServer(g, log.New(io.Discard, "", 0))

	rec := httptest.NewRecorder()
	s.BootstrapHandler()(rec, httptest.NewRequest(http.MethodGet, "/observer/bootstrap", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp BootstrapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ProtocolVersion != Version {
		t.Fatalf("protocol_version = %q", resp.ProtocolVersion)
	}
	if resp.Grid.Width != g.Width || resp.Grid.Height != g.Height {
		t.Fatalf("grid dims = %dx%d", resp.Grid.Width, resp.Grid.Height)
	}
	if resp.Grid.ElevationMin != 0 || resp.Grid.ElevationMax != 10 {
		t.Fatalf("elevation range = [%v,%v]", resp.Grid.ElevationMin, resp.Grid.ElevationMax)
	}
}

func TestWSDeliversPublishedGrid(t *testing.T) {
	g := testGeometry(t)
	s := NewServer(g, log.New(io.Discard, "", 0))

	hs := httptest.NewServer(s.WSHandler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := SubscribeMsg{Type: TypeSubscribe, ProtocolVersion: Version}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var gb grid.GridBuffers
	gb.Init(g)
	for i := range gb.WaterLevel {
		gb.WaterLevel[i] = 5
	}

	// The subscriber may not have reached its wait loop yet; publishing a
	// few times with a pause keeps the test free of server-side hooks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s.Publish(uint64(i+1), &gb)
			time.Sleep(10 * time.Millisecond)
		}
	}()
	defer func() { <-done }()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg GridMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read grid: %v", err)
	}
	if msg.Type != TypeGrid || msg.Encoding != EncodingU16Rows {
		t.Fatalf("msg type=%q encoding=%q", msg.Type, msg.Encoding)
	}

	raw, err := base64.StdEncoding.DecodeString(msg.WaterLevel)
	if err != nil {
		t.Fatalf("decode water level: %v", err)
	}
	if len(raw) != int(g.CellCount())*2 {
		t.Fatalf("water level bytes = %d, want %d", len(raw), g.CellCount()*2)
	}
	px := binary.LittleEndian.Uint16(raw)
	want := grid.Quantize(5, g.Range)
	if px != want {
		t.Fatalf("water level pixel = %d, want %d", px, want)
	}
}
