package grid

import "math"

// Grid-coordinate offsets for the two sample placement conventions. The
// cell-centered grids place sample (0,0) half a cell into the domain; the
// vertex-centered bathymetry grid is shifted a full cell.
const (
	cellCenteredOffset   = 0.5
	vertexCenteredOffset = 1.0
)

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// bilinear samples data (w x h, row-major) at world position (x, y). Cell
// indices are clamped so the 2x2 stencil stays inside the grid, and the
// fractional weights are clamped to [0,1] so out-of-domain queries return the
// boundary value instead of extrapolating.
func bilinear(data []float32, w, h int, cellSize [2]float32, offset, x, y float32) float32 {
	dx := x/cellSize[0] - offset
	gx := clampInt(int(math.Floor(float64(dx))), 0, w-2)
	fx := clamp32(dx-float32(gx), 0, 1)
	dy := y/cellSize[1] - offset
	gy := clampInt(int(math.Floor(float64(dy))), 0, h-2)
	fy := clamp32(dy-float32(gy), 0, 1)

	cell := gy*w + gx
	b0 := data[cell]*(1-fx) + data[cell+1]*fx
	cell += w
	b1 := data[cell]*(1-fx) + data[cell+1]*fx
	return b0*(1-fy) + b1*fy
}

// SampleBathymetry interpolates the vertex-centered bathymetry grid at (x, y).
func SampleBathymetry(gb *GridBuffers, g Geometry, x, y float32) float32 {
	return bilinear(gb.Bathymetry, g.BathymetryWidth(), g.BathymetryHeight(), g.CellSize, vertexCenteredOffset, x, y)
}

// SampleWaterLevel interpolates the cell-centered water level grid at (x, y).
func SampleWaterLevel(gb *GridBuffers, g Geometry, x, y float32) float32 {
	return bilinear(gb.WaterLevel, int(g.Width), int(g.Height), g.CellSize, cellCenteredOffset, x, y)
}

// SampleSnowHeight interpolates the cell-centered snow height grid at (x, y).
func SampleSnowHeight(gb *GridBuffers, g Geometry, x, y float32) float32 {
	return bilinear(gb.SnowHeight, int(g.Width), int(g.Height), g.CellSize, cellCenteredOffset, x, y)
}

// IntersectSegment intersects the line segment p0-p1 (world coordinates, with
// z as elevation) against the bathymetry surface. It returns the line
// parameter in [0,1) of the first intersection, or 1 if the segment misses
// the surface. The segment is clipped to the grid extent, then walked cell by
// cell; within each cell the bilinear patch intersection reduces to a
// quadratic in the line parameter.
func IntersectSegment(gb *GridBuffers, g Geometry, p0, p1 [3]float32) float32 {
	bw := g.BathymetryWidth()
	bh := g.BathymetryHeight()
	bsize := [2]int{bw, bh}

	// Convert the endpoints to bathymetry grid coordinates.
	gp0 := [3]float32{p0[0]/g.CellSize[0] - 1, p0[1]/g.CellSize[1] - 1, p0[2]}
	gp1 := [3]float32{p1[0]/g.CellSize[0] - 1, p1[1]/g.CellSize[1] - 1, p1[2]}
	gd := [3]float32{gp1[0] - gp0[0], gp1[1] - gp0[1], gp1[2] - gp0[2]}

	// Clip the segment against the grid's boundaries.
	l0 := float32(0)
	l1 := float32(1)
	for i := 0; i < 2; i++ {
		b := float32(0)
		if gp0[i] < b {
			if gp1[i] > b {
				l0 = max32(l0, (b-gp0[i])/gd[i])
			} else {
				return 1
			}
		} else if gp1[i] < b {
			if gp0[i] > b {
				l1 = min32(l1, (b-gp0[i])/gd[i])
			} else {
				return 1
			}
		}
		b = float32(bsize[i] - 1)
		if gp0[i] > b {
			if gp1[i] < b {
				l0 = max32(l0, (b-gp0[i])/gd[i])
			} else {
				return 1
			}
		} else if gp1[i] > b {
			if gp0[i] < b {
				l1 = min32(l1, (b-gp0[i])/gd[i])
			} else {
				return 1
			}
		}
	}
	if l0 >= l1 {
		return 1
	}

	// Find the cell containing the entry point.
	var cp [2]int
	for i := 0; i < 2; i++ {
		e := gp0[i] + gd[i]*l0
		cp[i] = clampInt(int(math.Floor(float64(e))), 0, bsize[i]-2)
	}

	cl0 := l0
	for cl0 < l1 {
		// Parameter at which the segment leaves the current cell.
		cl1 := l1
		exit := -1
		for i := 0; i < 2; i++ {
			el := cl1
			if gp0[i] < gp1[i] {
				el = (float32(cp[i]+1) - gp0[i]) / gd[i]
			} else if gp0[i] > gp1[i] {
				el = (float32(cp[i]) - gp0[i]) / gd[i]
			}
			if cl1 > el {
				cl1 = el
				exit = i
			}
		}

		// Intersect against the bilinear patch spanning the cell.
		cell := cp[1]*bw + cp[0]
		c0 := gb.Bathymetry[cell]
		c1 := gb.Bathymetry[cell+1]
		c2 := gb.Bathymetry[cell+bw]
		c3 := gb.Bathymetry[cell+bw+1]
		cx0 := float32(cp[0])
		cx1 := float32(cp[0] + 1)
		cy0 := float32(cp[1])
		cy1 := float32(cp[1] + 1)
		fxy := c0 - c1 + c3 - c2
		fx := (c1-c0)*cy1 - (c3-c2)*cy0
		fy := (c2-c0)*cx1 - (c3-c1)*cx0
		f := (c0*cx1-c1*cx0)*cy1 - (c2*cx1-c3*cx0)*cy0
		a := fxy * gd[0] * gd[1]
		bc0 := fxy*gp0[1] + fx
		bc1 := fxy*gp0[0] + fy
		b := bc0*gd[0] + bc1*gd[1] - gd[2]
		c := bc0*gp0[0] + bc1*gp0[1] - gp0[2] - fxy*gp0[0]*gp0[1] + f

		il := cl1
		if a != 0 {
			det := b*b - 4*a*c
			if det >= 0 {
				det = float32(math.Sqrt(float64(det)))
				if a > 0 {
					// Test the smaller root first.
					if b >= 0 {
						il = (-b - det) / (2 * a)
					} else {
						il = (2 * c) / (-b + det)
					}
					if il < cl0 {
						if b >= 0 {
							il = (2 * c) / (-b - det)
						} else {
							il = (-b + det) / (2 * a)
						}
					}
				} else {
					if b >= 0 {
						il = (2 * c) / (-b - det)
					} else {
						il = (-b + det) / (2 * a)
					}
					if il < cl0 {
						if b >= 0 {
							il = (-b - det) / (2 * a)
						} else {
							il = (2 * c) / (-b + det)
						}
					}
				}
			}
		} else if b != 0 {
			il = -c / b
		}

		if il >= cl0 && il < cl1 {
			return il
		}

		// Step into the neighboring cell across the exit edge.
		if exit >= 0 {
			if gd[exit] < 0 {
				cp[exit]--
			} else {
				cp[exit]++
			}
		}
		cl0 = cl1
	}

	return 1
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
