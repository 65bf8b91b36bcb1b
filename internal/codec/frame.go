// Package codec implements the sandgrid entropy coder: per-frame canonical
// Huffman codes over prediction residuals of quantized grids. Intra frames
// predict spatially and are self-contained; inter frames predict each sample
// from the previous frame and form a strict lock-step chain.
package codec

import (
	"fmt"
	"math/bits"

	"sandgrid.dev/internal/grid"
	"sandgrid.dev/internal/protocol"
)

// Frame header on the wire: declared width and height (checked against the
// negotiated session geometry), the 18 code lengths packed as nibbles, and
// the payload byte count. The sample count follows from the dimensions, so
// the header and payload suffice for a bit-exact decode.
const lenTableBytes = numClasses / 2

// maxPayloadBytes bounds a declared payload length for n samples. The widest
// coded sample is a 15-bit code plus 16 extra bits.
func maxPayloadBytes(samples int) int {
	return samples*4 + 64
}

func encodeResiduals(w *protocol.Writer, width, height int, residuals []uint32) error {
	var freq [numClasses]uint32
	for _, z := range residuals {
		freq[bits.Len32(z)]++
	}
	lens := buildCodeLengths(&freq)
	codes := canonicalCodes(&lens)

	bw := newBitWriter(len(residuals)/4 + 16)
	for _, z := range residuals {
		k := uint8(bits.Len32(z))
		bw.writeCode(codes[k])
		if k >= 2 {
			bw.writeBits(uint64(z)&(1<<(k-1)-1), k-1)
		}
	}
	payload := bw.bytes()

	if err := w.WriteUint32(uint32(width)); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(height)); err != nil {
		return err
	}
	var table [lenTableBytes]byte
	for i := 0; i < numClasses; i += 2 {
		table[i/2] = lens[i] | lens[i+1]<<4
	}
	if err := w.WriteBytes(table[:]); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(len(payload))); err != nil {
		return err
	}
	return w.WriteBytes(payload)
}

func decodeResiduals(r *protocol.Reader, width, height int) ([]uint32, error) {
	dw, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	dh, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(dw) != width || int(dh) != height {
		return nil, fmt.Errorf("%w: declared %dx%d, session %dx%d",
			protocol.ErrDimensionMismatch, dw, dh, width, height)
	}

	var table [lenTableBytes]byte
	if err := r.ReadFull(table[:]); err != nil {
		return nil, err
	}
	var lens [numClasses]uint8
	for i := 0; i < numClasses; i += 2 {
		lens[i] = table[i/2] & 0x0F
		lens[i+1] = table[i/2] >> 4
	}
	dec, err := newHuffDecoder(&lens)
	if err != nil {
		return nil, err
	}

	plen, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	count := width * height
	if int(plen) > maxPayloadBytes(count) {
		return nil, fmt.Errorf("%w: payload length %d", protocol.ErrCorruptFrame, plen)
	}
	payload := make([]byte, plen)
	if err := r.ReadFull(payload); err != nil {
		return nil, err
	}

	br := newBitReader(payload)
	residuals := make([]uint32, count)
	for i := range residuals {
		k, err := dec.decode(br)
		if err != nil {
			return nil, err
		}
		switch {
		case k == 0:
			residuals[i] = 0
		case k == 1:
			residuals[i] = 1
		case int(k) < numClasses:
			extra, err := br.readBits(k - 1)
			if err != nil {
				return nil, err
			}
			residuals[i] = 1<<(k-1) | uint32(extra)
		default:
			return nil, fmt.Errorf("%w: residual class %d", protocol.ErrCorruptFrame, k)
		}
	}
	return residuals, nil
}

// intraPredict returns the spatial predictor for sample i: the left neighbor,
// or the sample above for the first column, or zero at the origin.
func intraPredict(pixels []grid.Pixel, width, i int) grid.Pixel {
	switch {
	case i == 0:
		return 0
	case i%width == 0:
		return pixels[i-width]
	default:
		return pixels[i-1]
	}
}

// EncodeIntra writes one self-contained frame of the given quantized grid.
func EncodeIntra(w *protocol.Writer, width, height int, pixels []grid.Pixel) error {
	residuals := make([]uint32, len(pixels))
	for i, p := range pixels {
		residuals[i] = zigzag(int32(p) - int32(intraPredict(pixels, width, i)))
	}
	return encodeResiduals(w, width, height, residuals)
}

// DecodeIntra reads one intra frame into dst, which must hold width*height
// samples. The declared dimensions are checked against the arguments.
func DecodeIntra(r *protocol.Reader, width, height int, dst []grid.Pixel) error {
	residuals, err := decodeResiduals(r, width, height)
	if err != nil {
		return err
	}
	for i, z := range residuals {
		v := int32(intraPredict(dst, width, i)) + unzigzag(z)
		if v < 0 || v > 65535 {
			return fmt.Errorf("%w: sample %d out of range", protocol.ErrCorruptFrame, i)
		}
		dst[i] = grid.Pixel(v)
	}
	return nil
}

// EncodeInter writes one frame of curr coded as residuals against prev. Both
// grids must have identical dimensions; the decoder must hold a bit-identical
// copy of prev or the stream desynchronizes permanently.
func EncodeInter(w *protocol.Writer, width, height int, prev, curr []grid.Pixel) error {
	residuals := make([]uint32, len(curr))
	for i, p := range curr {
		residuals[i] = zigzag(int32(p) - int32(prev[i]))
	}
	return encodeResiduals(w, width, height, residuals)
}

// DecodeInter reads one inter frame into dst by applying the decoded
// residuals to prev. prev is left untouched; the caller flips buffers after
// a successful decode.
func DecodeInter(r *protocol.Reader, width, height int, prev, dst []grid.Pixel) error {
	residuals, err := decodeResiduals(r, width, height)
	if err != nil {
		return err
	}
	for i, z := range residuals {
		v := int32(prev[i]) + unzigzag(z)
		if v < 0 || v > 65535 {
			return fmt.Errorf("%w: sample %d out of range", protocol.ErrCorruptFrame, i)
		}
		dst[i] = grid.Pixel(v)
	}
	return nil
}
