package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"sandgrid.dev/internal/codec"
	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/protocol"
	"sandgrid.dev/internal/record"
)

// Replays a recorded grid stream offline: verifies every message digest,
// decodes the full intra+inter chain, and reports what came out. With -list
// it prints the recordings index instead.
func main() {
	var (
		path      = flag.String("path", "", "recording to replay")
		indexPath = flag.String("index", "", "recordings index db (for -list)")
		list      = flag.Bool("list", false, "list indexed recordings and exit")
		verbose   = flag.Bool("v", false, "log every frame")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[replay] ", log.LstdFlags)

	if *list {
		if *indexPath == "" {
			logger.Fatalf("-list needs -index")
		}
		listRecordings(*indexPath, logger)
		return
	}
	if *path == "" {
		logger.Fatalf("nothing to do: pass -path or -list")
	}
	if err := replay(*path, *verbose, logger); err != nil {
		logger.Fatalf("replay %s: %v", *path, err)
	}
}

func listRecordings(indexPath string, logger *log.Logger) {
	idx, err := record.OpenIndex(indexPath)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	defer idx.Close()

	recs, err := idx.Recordings()
	if err != nil {
		logger.Fatalf("list: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("no recordings")
		return
	}
	for _, r := range recs {
		state := "unfinished"
		if r.Frames > 0 {
			state = fmt.Sprintf("%d frames, %d raw bytes", r.Frames, r.RawBytes)
		}
		fmt.Printf("%s  %dx%d  %s  %s\n",
			r.Started.Format(time.RFC3339), r.GridW, r.GridH, state, r.Path)
	}
}

func replay(path string, verbose bool, logger *log.Logger) error {
	rr, err := record.Open(path)
	if err != nil {
		return err
	}
	defer rr.Close()

	g := rr.Geometry()
	logger.Printf("geometry: %dx%d grid, elevation [%g,%g]", g.Width, g.Height, g.Range.Min, g.Range.Max)

	var prev, curr [3][]grid.Pixel
	for i := 0; i < 2; i++ {
		buf := &prev
		if i == 1 {
			buf = &curr
		}
		buf[0] = make([]grid.Pixel, g.BathymetryCount())
		buf[1] = make([]grid.Pixel, g.CellCount())
		buf[2] = make([]grid.Pixel, g.CellCount())
	}

	var frames int
	var totalBytes int64
	for {
		msg, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", frames, err)
		}

		r := protocol.NewReader(bytes.NewReader(msg))
		if frames == 0 {
			err = decodeIntraTriplet(r, g, &curr)
		} else {
			err = decodeInterTriplet(r, g, prev, &curr)
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", frames, err)
		}
		prev, curr = curr, prev

		frames++
		totalBytes += int64(len(msg))
		if verbose {
			logger.Printf("frame %d: %d bytes", frames-1, len(msg))
		}
	}
	if frames == 0 {
		return fmt.Errorf("recording holds no frames")
	}

	// prev holds the last decoded triplet after the final swap.
	lo, hi := pixelBounds(prev[0])
	logger.Printf("%d frames, %d compressed bytes (%.1f per frame)", frames, totalBytes, float64(totalBytes)/float64(frames))
	logger.Printf("final bathymetry spans [%.3f,%.3f]", grid.Unquantize(lo, g.Range), grid.Unquantize(hi, g.Range))
	return nil
}

func decodeIntraTriplet(r *protocol.Reader, g grid.Geometry, dst *[3][]grid.Pixel) error {
	if err := codec.DecodeIntra(r, g.BathymetryWidth(), g.BathymetryHeight(), dst[0]); err != nil {
		return fmt.Errorf("bathymetry: %w", err)
	}
	if err := codec.DecodeIntra(r, int(g.Width), int(g.Height), dst[1]); err != nil {
		return fmt.Errorf("water level: %w", err)
	}
	if err := codec.DecodeIntra(r, int(g.Width), int(g.Height), dst[2]); err != nil {
		return fmt.Errorf("snow height: %w", err)
	}
	return nil
}

func decodeInterTriplet(r *protocol.Reader, g grid.Geometry, prev [3][]grid.Pixel, dst *[3][]grid.Pixel) error {
	if err := codec.DecodeInter(r, g.BathymetryWidth(), g.BathymetryHeight(), prev[0], dst[0]); err != nil {
		return fmt.Errorf("bathymetry: %w", err)
	}
	if err := codec.DecodeInter(r, int(g.Width), int(g.Height), prev[1], dst[1]); err != nil {
		return fmt.Errorf("water level: %w", err)
	}
	if err := codec.DecodeInter(r, int(g.Width), int(g.Height), prev[2], dst[2]); err != nil {
		return fmt.Errorf("snow height: %w", err)
	}
	return nil
}

func pixelBounds(pixels []grid.Pixel) (lo, hi grid.Pixel) {
	lo, hi = pixels[0], pixels[0]
	for _, p := range pixels[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return lo, hi
}
