package codec

import (
	"container/heap"
	"fmt"
	"math/bits"

	"sandgrid.dev/internal/protocol"
)

// Residuals are zigzag-mapped and bucketed into bit-length classes: class k
// holds residuals whose zigzag value has k significant bits, so a coded
// sample is the Huffman code for its class followed by k-1 raw bits (the top
// bit is implied). Quantized samples are 16-bit, so residuals span
// [-65535, 65535] and zigzag values need at most 17 bits.
const (
	numClasses = 18
	maxCodeLen = 15
)

func zigzag(d int32) uint32 {
	return uint32((d << 1) ^ (d >> 31))
}

func unzigzag(z uint32) int32 {
	return int32(z>>1) ^ -int32(z&1)
}

// huffNode is a tree node during construction. Leaves carry symbol ids below
// numClasses; ties on frequency break on the lower node id so encoder output
// never depends on map or heap iteration order.
type huffNode struct {
	freq  uint64
	id    int32
	left  int32
	right int32
}

type nodeHeap struct {
	nodes []huffNode
	order []int32
}

func (h *nodeHeap) Len() int { return len(h.order) }
func (h *nodeHeap) Less(i, j int) bool {
	a, b := h.nodes[h.order[i]], h.nodes[h.order[j]]
	if a.freq != b.freq {
		return a.freq < b.freq
	}
	return a.id < b.id
}
func (h *nodeHeap) Swap(i, j int)      { h.order[i], h.order[j] = h.order[j], h.order[i] }
func (h *nodeHeap) Push(x any)         { h.order = append(h.order, x.(int32)) }
func (h *nodeHeap) Pop() any {
	old := h.order
	n := len(old)
	x := old[n-1]
	h.order = old[:n-1]
	return x
}

// buildCodeLengths derives one code length per symbol class from the frame's
// class histogram. Unused classes get length 0. Lengths are limited to
// maxCodeLen with a deterministic overflow fixup so both codec directions
// always agree on the canonical code.
func buildCodeLengths(freq *[numClasses]uint32) [numClasses]uint8 {
	var lens [numClasses]uint8

	h := &nodeHeap{}
	for sym := int32(0); sym < numClasses; sym++ {
		if freq[sym] == 0 {
			continue
		}
		h.nodes = append(h.nodes, huffNode{freq: uint64(freq[sym]), id: sym, left: -1, right: -1})
		h.order = append(h.order, int32(len(h.nodes)-1))
	}
	switch len(h.order) {
	case 0:
		return lens
	case 1:
		lens[h.nodes[h.order[0]].id] = 1
		return lens
	}

	heap.Init(h)
	nextID := int32(numClasses)
	for h.Len() > 1 {
		a := heap.Pop(h).(int32)
		b := heap.Pop(h).(int32)
		h.nodes = append(h.nodes, huffNode{
			freq:  h.nodes[a].freq + h.nodes[b].freq,
			id:    nextID,
			left:  a,
			right: b,
		})
		nextID++
		heap.Push(h, int32(len(h.nodes)-1))
	}

	// Walk the tree to assign depths.
	type walk struct {
		node  int32
		depth uint8
	}
	stack := []walk{{node: h.order[0], depth: 0}}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := h.nodes[w.node]
		if n.left < 0 {
			lens[n.id] = w.depth
			continue
		}
		stack = append(stack, walk{n.left, w.depth + 1}, walk{n.right, w.depth + 1})
	}

	limitCodeLengths(&lens)
	return lens
}

// limitCodeLengths clamps lengths to maxCodeLen and restores the Kraft sum by
// lengthening the shallowest affected codes, lowest symbol first.
func limitCodeLengths(lens *[numClasses]uint8) {
	over := false
	for i := range lens {
		if lens[i] > maxCodeLen {
			lens[i] = maxCodeLen
			over = true
		}
	}
	if !over {
		return
	}
	kraft := func() uint32 {
		var total uint32
		for _, l := range lens {
			if l > 0 {
				total += 1 << (maxCodeLen - l)
			}
		}
		return total
	}
	for kraft() > 1<<maxCodeLen {
		adjusted := false
		for l := uint8(maxCodeLen - 1); l >= 1 && !adjusted; l-- {
			for i := range lens {
				if lens[i] == l {
					lens[i]++
					adjusted = true
					break
				}
			}
		}
		if !adjusted {
			return
		}
	}
}

// huffCode is a canonical code value with its most significant bit first.
type huffCode struct {
	bits uint16
	len  uint8
}

// canonicalCodes assigns canonical code values: codes are numbered in
// (length, symbol) order, exactly as the decoder reconstructs them from the
// transmitted lengths.
func canonicalCodes(lens *[numClasses]uint8) [numClasses]huffCode {
	var codes [numClasses]huffCode
	var count [maxCodeLen + 1]uint16
	for _, l := range lens {
		count[l]++
	}
	count[0] = 0
	var next [maxCodeLen + 1]uint16
	code := uint16(0)
	for l := 1; l <= maxCodeLen; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
	}
	for sym, l := range lens {
		if l == 0 {
			continue
		}
		codes[sym] = huffCode{bits: next[l], len: l}
		next[l]++
	}
	return codes
}

// writeCode emits a canonical code into the LSB-first bit stream. The code's
// bits are reversed so the decoder, reading one bit at a time, sees the most
// significant code bit first.
func (w *bitWriter) writeCode(c huffCode) {
	rev := bits.Reverse16(c.bits) >> (16 - c.len)
	w.writeBits(uint64(rev), c.len)
}

// huffDecoder decodes canonical codes from the code lengths alone.
type huffDecoder struct {
	count  [maxCodeLen + 1]uint16
	first  [maxCodeLen + 1]uint16
	offset [maxCodeLen + 1]uint16
	syms   []uint8
}

func newHuffDecoder(lens *[numClasses]uint8) (*huffDecoder, error) {
	d := &huffDecoder{}
	for _, l := range lens {
		if l > maxCodeLen {
			return nil, fmt.Errorf("%w: code length %d", protocol.ErrCorruptFrame, l)
		}
		d.count[l]++
	}
	d.count[0] = 0

	// Reject over-subscribed length sets before building tables.
	var kraft uint32
	for l := 1; l <= maxCodeLen; l++ {
		kraft += uint32(d.count[l]) << (maxCodeLen - l)
	}
	if kraft > 1<<maxCodeLen {
		return nil, fmt.Errorf("%w: over-subscribed code lengths", protocol.ErrCorruptFrame)
	}

	code := uint16(0)
	pos := uint16(0)
	for l := 1; l <= maxCodeLen; l++ {
		code = (code + d.count[l-1]) << 1
		d.first[l] = code
		d.offset[l] = pos
		pos += d.count[l]
	}
	d.syms = make([]uint8, 0, pos)
	for l := uint8(1); l <= maxCodeLen; l++ {
		for sym, sl := range lens {
			if sl == l {
				d.syms = append(d.syms, uint8(sym))
			}
		}
	}
	return d, nil
}

func (d *huffDecoder) decode(br *bitReader) (uint8, error) {
	code := uint16(0)
	for l := 1; l <= maxCodeLen; l++ {
		b, err := br.readBits(1)
		if err != nil {
			return 0, err
		}
		code = code<<1 | uint16(b)
		if d.count[l] != 0 && code >= d.first[l] && code-d.first[l] < d.count[l] {
			return d.syms[d.offset[l]+(code-d.first[l])], nil
		}
	}
	return 0, fmt.Errorf("%w: invalid code", protocol.ErrCorruptFrame)
}
