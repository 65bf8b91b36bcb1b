package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sandgrid.dev/internal/grid"
)

type Config struct {
	Listen     string `yaml:"listen"`
	HTTPListen string `yaml:"http_listen"`

	GridWidth    uint32    `yaml:"grid_width"`
	GridHeight   uint32    `yaml:"grid_height"`
	CellSize     []float32 `yaml:"cell_size"`
	ElevationMin float32   `yaml:"elevation_min"`
	ElevationMax float32   `yaml:"elevation_max"`

	TickRateHz int   `yaml:"tick_rate_hz"`
	Seed       int64 `yaml:"seed"`

	Record Record `yaml:"record"`
}

type Record struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Index   string `yaml:"index"`
}

// Defaults mirrors the AR sandbox camera crop this started from: a
// 644x484 depth image over a one-unit cell pitch.
func Defaults() Config {
	return Config{
		Listen:       ":26000",
		HTTPListen:   ":26080",
		GridWidth:    644,
		GridHeight:   484,
		CellSize:     []float32{1, 1},
		ElevationMin: -10,
		ElevationMax: 15,
		TickRateHz:   30,
		Seed:         1337,
		Record: Record{
			Enabled: false,
			Dir:     "recordings",
			Index:   "recordings/index.db",
		},
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c Config) Geometry() (grid.Geometry, error) {
	if len(c.CellSize) != 2 {
		return grid.Geometry{}, fmt.Errorf("cell_size wants 2 entries, got %d", len(c.CellSize))
	}
	g := grid.Geometry{
		Width:    c.GridWidth,
		Height:   c.GridHeight,
		CellSize: [2]float32{c.CellSize[0], c.CellSize[1]},
		Range:    grid.Range{Min: c.ElevationMin, Max: c.ElevationMax},
	}
	if err := g.Validate(); err != nil {
		return grid.Geometry{}, err
	}
	return g, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.TickRateHz <= 0 || c.TickRateHz > 240 {
		return fmt.Errorf("tick_rate_hz %d out of range", c.TickRateHz)
	}
	if _, err := c.Geometry(); err != nil {
		return err
	}
	if c.Record.Enabled && c.Record.Dir == "" {
		return fmt.Errorf("record.dir is empty")
	}
	return nil
}
