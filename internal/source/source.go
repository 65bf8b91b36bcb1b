// Package source defines the producer side of the grid pipeline. The real
// producer (sensor fusion, water simulation) lives outside this repository;
// the server only needs something that fills a GridBuffers each tick.
package source

import (
	"math"

	"sandgrid.dev/internal/grid"
)

// Source produces one fresh triplet of unquantized property grids per tick.
// Generate must fill all three grids completely; the caller owns gb and will
// not touch it concurrently.
type Source interface {
	Generate(tick uint64, gb *grid.GridBuffers)
}

// Synthetic is a deterministic stand-in producer: dune-shaped bathymetry, a
// slowly sloshing water table with a travelling ripple, and snow accumulating
// on the high ground. Useful for demos and end-to-end tests.
type Synthetic struct {
	Geom grid.Geometry
	Seed int64
}

func (s *Synthetic) Generate(tick uint64, gb *grid.GridBuffers) {
	g := s.Geom
	lo := float64(g.Range.Min)
	span := float64(g.Range.Max - g.Range.Min)
	t := float64(tick) * 0.05
	phase := float64(s.Seed%997) * 0.1

	bw := g.BathymetryWidth()
	bh := g.BathymetryHeight()
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			u := float64(x) / float64(bw)
			v := float64(y) / float64(bh)
			dune := 0.5 + 0.35*math.Sin(4*math.Pi*u+phase)*math.Cos(3*math.Pi*v)
			gb.Bathymetry[y*bw+x] = float32(lo + span*0.6*dune)
		}
	}

	w := int(g.Width)
	h := int(g.Height)
	level := 0.35 + 0.05*math.Sin(t*0.7)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := float64(x) / float64(w)
			v := float64(y) / float64(h)
			ripple := 0.02 * math.Sin(8*math.Pi*u-t) * math.Sin(6*math.Pi*v-t*0.8)
			gb.WaterLevel[y*w+x] = float32(lo + span*(level+ripple))

			crest := 0.5 + 0.35*math.Sin(4*math.Pi*u+phase)*math.Cos(3*math.Pi*v)
			snow := 0.0
			if crest > 0.7 {
				snow = (crest - 0.7) * (0.6 + 0.4*math.Sin(t*0.3)) * 0.2
			}
			gb.SnowHeight[y*w+x] = float32(lo + span*snow)
		}
	}
}
