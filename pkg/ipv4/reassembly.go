package ipv4

import (
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
)

// reassemblyKey identifies one in-progress datagram (SPEC_FULL.md
// §3.5): source, destination, IP identification field and protocol.
type reassemblyKey struct {
	Src, Dst netip.Addr
	ID       uint16
	Proto    uint8
}

// fragRange is one received byte range within the reassembling
// datagram, used to detect overlaps and completeness.
type fragRange struct {
	start, end int // end exclusive
	chain      *buf.Buf
}

// reassemblyBlock is per-in-progress-datagram scratch state.
type reassemblyBlock struct {
	key       reassemblyKey
	ranges    []fragRange
	totalLen  int // 0 until the last fragment (MF=0) has been seen
	haveLast  bool
	age       int
	discarded bool
}

// reassembler owns the fixed-capacity set of in-progress reassembly
// blocks (SPEC_FULL.md §4.2's "reassembly header" pool and §4.3 step 4).
type reassembler struct {
	blocks  []*reassemblyBlock
	maxAge  int
	maxSize int
}

func newReassembler(capacity, maxAgeTicks, maxSize int) *reassembler {
	return &reassembler{blocks: make([]*reassemblyBlock, 0, capacity), maxAge: maxAgeTicks, maxSize: maxSize}
}

func (r *reassembler) find(k reassemblyKey) *reassemblyBlock {
	for _, b := range r.blocks {
		if b.key == k {
			return b
		}
	}
	return nil
}

// admit integrates one fragment. Returns the completed, offset-ordered
// chain and true once every fragment has arrived; the caller owns the
// returned chain and must not use fragChain again after a true return
// (ownership transferred into the reassembled whole). Overlapping
// fragments or a block that would exceed maxSize discard the whole
// block per SPEC_FULL.md §8 ("Overlapping fragments cause the block to
// be discarded").
func (r *reassembler) admit(k reassemblyKey, offset int, moreFragments bool, fragChain *buf.Buf) (*buf.Buf, bool) {
	b := r.find(k)
	if b == nil {
		if len(r.blocks) >= cap(r.blocks) {
			buf.Free(fragChain)
			return nil, false
		}
		b = &reassemblyBlock{key: k}
		r.blocks = append(r.blocks, b)
	}
	if b.discarded {
		buf.Free(fragChain)
		return nil, false
	}

	start := offset
	end := offset + fragChain.TotLen()
	if end > r.maxSize {
		r.discard(b)
		buf.Free(fragChain)
		return nil, false
	}
	for _, existing := range b.ranges {
		if start < existing.end && existing.start < end {
			r.discard(b)
			buf.Free(fragChain)
			return nil, false
		}
	}
	b.ranges = append(b.ranges, fragRange{start: start, end: end, chain: fragChain})
	if !moreFragments {
		b.haveLast = true
		b.totalLen = end
	}
	b.age = 0

	if !b.haveLast {
		return nil, false
	}
	// Check full coverage [0, totalLen).
	covered := 0
	ordered := sortedRanges(b.ranges)
	for _, fr := range ordered {
		if fr.start > covered {
			return nil, false
		}
		if fr.end > covered {
			covered = fr.end
		}
	}
	if covered < b.totalLen {
		return nil, false
	}

	head := ordered[0].chain
	for _, fr := range ordered[1:] {
		buf.Concat(head, fr.chain)
	}
	r.remove(b)
	return head, true
}

func sortedRanges(ranges []fragRange) []fragRange {
	out := append([]fragRange(nil), ranges...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].start < out[j-1].start; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (r *reassembler) discard(b *reassemblyBlock) {
	for _, fr := range b.ranges {
		buf.Free(fr.chain)
	}
	b.ranges = nil
	b.discarded = true
	r.remove(b)
}

func (r *reassembler) remove(b *reassemblyBlock) {
	for i, existing := range r.blocks {
		if existing == b {
			r.blocks = append(r.blocks[:i], r.blocks[i+1:]...)
			return
		}
	}
}

// AgeTick expires blocks older than maxAge (SPEC_FULL.md §3.5: "Expired
// blocks are freed").
func (r *reassembler) AgeTick() {
	for i := 0; i < len(r.blocks); {
		b := r.blocks[i]
		b.age++
		if b.age > r.maxAge {
			for _, fr := range b.ranges {
				buf.Free(fr.chain)
			}
			r.blocks = append(r.blocks[:i], r.blocks[i+1:]...)
			continue
		}
		i++
	}
}
