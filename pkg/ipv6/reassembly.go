package ipv6

import (
	"net/netip"

	"github.com/simeonmiteff/nanostack/pkg/buf"
)

// reassemblyKey identifies one in-progress datagram per RFC 8200 §4.5:
// source, destination and the 32-bit fragment identification field
// (unlike IPv4, the upper-layer protocol is not part of the key — it
// travels inside the reassembled datagram itself).
type reassemblyKey struct {
	Src, Dst netip.Addr
	ID       uint32
}

type fragRange struct {
	start, end int
	chain      *buf.Buf
}

type reassemblyBlock struct {
	key       reassemblyKey
	nextHdr   uint8
	ranges    []fragRange
	totalLen  int
	haveLast  bool
	age       int
	discarded bool
}

// reassembler mirrors pkg/ipv4's reassembler, adapted to the wider key
// and the fragment header's own next-header carry-through, since an
// IPv6 fragment's upper-layer protocol is recorded on the fragment
// header rather than the base header once fragmentation is in play.
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

// admit integrates one fragment, recording nextHdr (the upper-layer
// protocol following the fragment header) from the offset-zero fragment.
// Returns the completed chain, its upper-layer protocol and true once
// every fragment has arrived; overlapping fragments or a block that
// would exceed maxSize discard the whole block, matching the IPv4
// reassembler's policy.
func (r *reassembler) admit(k reassemblyKey, nextHdr uint8, offset int, moreFragments bool, fragChain *buf.Buf) (*buf.Buf, uint8, bool) {
	b := r.find(k)
	if b == nil {
		if len(r.blocks) >= cap(r.blocks) {
			buf.Free(fragChain)
			return nil, 0, false
		}
		b = &reassemblyBlock{key: k}
		r.blocks = append(r.blocks, b)
	}
	if b.discarded {
		buf.Free(fragChain)
		return nil, 0, false
	}
	if offset == 0 {
		b.nextHdr = nextHdr
	}

	start := offset
	end := offset + fragChain.TotLen()
	if end > r.maxSize {
		r.discard(b)
		buf.Free(fragChain)
		return nil, 0, false
	}
	for _, existing := range b.ranges {
		if start < existing.end && existing.start < end {
			r.discard(b)
			buf.Free(fragChain)
			return nil, 0, false
		}
	}
	b.ranges = append(b.ranges, fragRange{start: start, end: end, chain: fragChain})
	if !moreFragments {
		b.haveLast = true
		b.totalLen = end
	}
	b.age = 0

	if !b.haveLast {
		return nil, 0, false
	}
	covered := 0
	ordered := sortedRanges(b.ranges)
	for _, fr := range ordered {
		if fr.start > covered {
			return nil, 0, false
		}
		if fr.end > covered {
			covered = fr.end
		}
	}
	if covered < b.totalLen {
		return nil, 0, false
	}

	head := ordered[0].chain
	for _, fr := range ordered[1:] {
		buf.Concat(head, fr.chain)
	}
	nextHdr = b.nextHdr
	r.remove(b)
	return head, nextHdr, true
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

// AgeTick expires blocks older than maxAge.
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
