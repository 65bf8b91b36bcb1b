package protocol

import (
	"fmt"

	"sandgrid.dev/internal/grid"
)

// WriteGeometry sends the session's fixed grid geometry: per axis the
// cell-centered dimension and cell size, then the elevation range.
func WriteGeometry(w *Writer, g grid.Geometry) error {
	dims := [2]uint32{g.Width, g.Height}
	for i := 0; i < 2; i++ {
		if err := w.WriteUint32(dims[i]); err != nil {
			return err
		}
		if err := w.WriteFloat32(g.CellSize[i]); err != nil {
			return err
		}
	}
	if err := w.WriteFloat32(g.Range.Min); err != nil {
		return err
	}
	return w.WriteFloat32(g.Range.Max)
}

// ReadGeometry receives and validates the session geometry.
func ReadGeometry(r *Reader) (grid.Geometry, error) {
	var g grid.Geometry
	var dims [2]uint32
	for i := 0; i < 2; i++ {
		var err error
		if dims[i], err = r.ReadUint32(); err != nil {
			return g, err
		}
		if g.CellSize[i], err = r.ReadFloat32(); err != nil {
			return g, err
		}
	}
	g.Width, g.Height = dims[0], dims[1]
	var err error
	if g.Range.Min, err = r.ReadFloat32(); err != nil {
		return g, err
	}
	if g.Range.Max, err = r.ReadFloat32(); err != nil {
		return g, err
	}
	if err := g.Validate(); err != nil {
		return g, fmt.Errorf("%w: %v", ErrBadGeometry, err)
	}
	return g, nil
}

// ViewerPose is the client's head position and view direction in grid
// coordinates, sent on demand (typically once per render frame).
type ViewerPose struct {
	HeadPos [3]float32
	ViewDir [3]float32
}

// WriteViewerPose sends a pose uplink message and flushes it immediately.
func WriteViewerPose(w *Writer, p ViewerPose) error {
	if err := w.WriteUint16(MsgViewerPose); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := w.WriteFloat32(p.HeadPos[i]); err != nil {
			return err
		}
	}
	for i := 0; i < 3; i++ {
		if err := w.WriteFloat32(p.ViewDir[i]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadViewerPose reads the body of a pose message after its type field.
func ReadViewerPose(r *Reader) (ViewerPose, error) {
	var p ViewerPose
	var err error
	for i := 0; i < 3; i++ {
		if p.HeadPos[i], err = r.ReadFloat32(); err != nil {
			return p, err
		}
	}
	for i := 0; i < 3; i++ {
		if p.ViewDir[i], err = r.ReadFloat32(); err != nil {
			return p, err
		}
	}
	return p, nil
}
