package observer

// Version is the observer protocol version (separate from the binary viewer
// protocol; this side is JSON for browser renderers).
const Version = "1.0"

// Client -> server. First message on the observer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: deliver every Nth update only (default 1).
	EveryTicks int `json:"every_ticks,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string     `json:"protocol_version"`
	Grid            GridParams `json:"grid"`
}

type GridParams struct {
	Width        uint32     `json:"width"`
	Height       uint32     `json:"height"`
	CellSize     [2]float32 `json:"cell_size"`
	ElevationMin float32    `json:"elevation_min"`
	ElevationMax float32    `json:"elevation_max"`
}

// Server -> client. Sent for every published update the subscriber asked
// for. Encoding "B64_U16LE_ROWS" means: decode base64 to bytes and interpret
// them as row-major little-endian uint16 quantized samples. The bathymetry
// grid is (width-1) x (height-1); the other two are width x height.
type GridMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Encoding        string `json:"encoding"`
	Bathymetry      string `json:"bathymetry"`
	WaterLevel      string `json:"water_level"`
	SnowHeight      string `json:"snow_height"`
}

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeGrid      = "GRID"

	EncodingU16Rows = "B64_U16LE_ROWS"
)
