package grid

import (
	"fmt"
	"math"
)

// Pixel is a quantized elevation sample. The codomain [0, 65535] maps
// affinely onto the session's calibrated elevation range.
type Pixel = uint16

// Range is a calibrated elevation interval shared by all three property grids.
type Range struct {
	Min float32
	Max float32
}

// Scale returns the elevation covered by one quantization step.
func (r Range) Scale() float32 {
	return (r.Max - r.Min) / 65535
}

// Quantize clamps v to the range and maps it to the nearest pixel value.
// NaN clamps to the lower bound.
func Quantize(v float32, r Range) Pixel {
	if math.IsNaN(float64(v)) || v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	scale := r.Scale()
	if scale <= 0 {
		return 0
	}
	q := math.Round(float64(v-r.Min) / float64(scale))
	if q >= 65535 {
		return 65535
	}
	if q <= 0 {
		return 0
	}
	return Pixel(q)
}

// Unquantize maps a pixel value back to an elevation.
func Unquantize(p Pixel, r Range) float32 {
	return float32(p)*r.Scale() + r.Min
}

// Geometry fixes a session's grid dimensions, cell size, and elevation range.
// Water level and snow height grids are cell-centered (Width x Height); the
// bathymetry grid is vertex-centered and one smaller per axis.
type Geometry struct {
	Width    uint32
	Height   uint32
	CellSize [2]float32
	Range    Range
}

func (g Geometry) BathymetryWidth() int  { return int(g.Width) - 1 }
func (g Geometry) BathymetryHeight() int { return int(g.Height) - 1 }

// CellCount is the sample count of the cell-centered grids.
func (g Geometry) CellCount() int { return int(g.Width) * int(g.Height) }

// BathymetryCount is the sample count of the vertex-centered bathymetry grid.
func (g Geometry) BathymetryCount() int {
	return g.BathymetryWidth() * g.BathymetryHeight()
}

func (g Geometry) Validate() error {
	if g.Width < 2 || g.Height < 2 {
		return fmt.Errorf("grid size %dx%d too small", g.Width, g.Height)
	}
	if g.Width > 1<<14 || g.Height > 1<<14 {
		return fmt.Errorf("grid size %dx%d too large", g.Width, g.Height)
	}
	if g.CellSize[0] <= 0 || g.CellSize[1] <= 0 {
		return fmt.Errorf("invalid cell size %gx%g", g.CellSize[0], g.CellSize[1])
	}
	if !(g.Range.Min < g.Range.Max) {
		return fmt.Errorf("invalid elevation range [%g, %g]", g.Range.Min, g.Range.Max)
	}
	return nil
}

// Box is a 2D axis-aligned extent in world coordinates.
type Box struct {
	Min [2]float32
	Max [2]float32
}

func (b Box) Contains(x, y float32) bool {
	return x >= b.Min[0] && x <= b.Max[0] && y >= b.Min[1] && y <= b.Max[1]
}

// Domain returns the valid query extent of the cell-centered grids. They
// extend from (0, 0) but can only be evaluated from cell center to cell
// center.
func (g Geometry) Domain() Box {
	var b Box
	for i := 0; i < 2; i++ {
		dim := float32(g.Width)
		if i == 1 {
			dim = float32(g.Height)
		}
		b.Min[i] = 0.5 * g.CellSize[i]
		b.Max[i] = (dim - 0.5) * g.CellSize[i]
	}
	return b
}

// BathymetryDomain returns the valid query extent of the vertex-centered
// bathymetry grid, which extends from (1, 1) in grid coordinates.
func (g Geometry) BathymetryDomain() Box {
	var b Box
	for i := 0; i < 2; i++ {
		dim := float32(g.BathymetryWidth())
		if i == 1 {
			dim = float32(g.BathymetryHeight())
		}
		b.Min[i] = g.CellSize[i]
		b.Max[i] = dim * g.CellSize[i]
	}
	return b
}

// GridBuffers is one complete triplet of unquantized property grids, the unit
// of consistency handed to readers. Once published through a triple buffer a
// GridBuffers is never mutated again until the slot is recycled.
type GridBuffers struct {
	Bathymetry []float32
	WaterLevel []float32
	SnowHeight []float32
}

// Init sizes the three grids for the given geometry.
func (gb *GridBuffers) Init(g Geometry) {
	gb.Bathymetry = make([]float32, g.BathymetryCount())
	gb.WaterLevel = make([]float32, g.CellCount())
	gb.SnowHeight = make([]float32, g.CellCount())
}

// UnquantizeInto fills gb from the quantized grids using the geometry's
// elevation range.
func (gb *GridBuffers) UnquantizeInto(g Geometry, bathymetry, waterLevel, snowHeight []Pixel) {
	scale := g.Range.Scale()
	offset := g.Range.Min
	for i, p := range bathymetry {
		gb.Bathymetry[i] = float32(p)*scale + offset
	}
	for i, p := range waterLevel {
		gb.WaterLevel[i] = float32(p)*scale + offset
	}
	for i, p := range snowHeight {
		gb.SnowHeight[i] = float32(p)*scale + offset
	}
}
