package replication

// plru is the doubly-linked PLRU list: head is the MRU entry's slot
// (fwd == noneNode), tail is the LRU entry's slot (back == noneNode).
// Grounded on original_source/betree/src/replication/lru.rs's Plru<T>
// (init/touch/insert/evict/remove, sharing cut_node_and_stitch between
// touch and remove).
type plru struct {
	nodes    []byte // capacity*nodeSize bytes, a slice of the mapped file
	capacity uint32

	head, tail uint32
	count      uint32
	usedBytes  uint64

	freeSlots []uint32
}

// newPlru initializes an empty list over a freshly zeroed node table.
func newPlru(nodes []byte, capacity uint32) *plru {
	p := &plru{nodes: nodes, capacity: capacity, head: noneNode, tail: noneNode}
	p.freeSlots = make([]uint32, capacity)
	for i := range p.freeSlots {
		p.freeSlots[i] = capacity - 1 - uint32(i)
	}
	return p
}

func (p *plru) slotBytes(slot uint32) []byte {
	off := int(slot) * nodeSize
	return p.nodes[off : off+nodeSize]
}

func (p *plru) get(slot uint32) plruNode    { return decodeNode(p.slotBytes(slot)) }
func (p *plru) put(slot uint32, n plruNode) { encodeNode(p.slotBytes(slot), n) }

// cutNodeAndStitch removes slot from wherever it currently sits in the
// chain, joining its neighbors, without touching freeSlots or counts.
func (p *plru) cutNodeAndStitch(slot uint32) plruNode {
	n := p.get(slot)
	if n.fwd != noneNode {
		f := p.get(n.fwd)
		f.back = n.back
		p.put(n.fwd, f)
	} else {
		p.head = n.back
	}
	if n.back != noneNode {
		b := p.get(n.back)
		b.fwd = n.fwd
		p.put(n.back, b)
	} else {
		p.tail = n.fwd
	}
	return n
}

// touch moves an already-present slot to the MRU end.
func (p *plru) touch(slot uint32) {
	if p.head == slot {
		return
	}
	n := p.cutNodeAndStitch(slot)
	n.fwd = noneNode
	n.back = p.head
	p.put(slot, n)
	if p.head != noneNode {
		h := p.get(p.head)
		h.fwd = slot
		p.put(p.head, h)
	}
	p.head = slot
	if p.tail == noneNode {
		p.tail = slot
	}
}

// insert claims a free slot, installs it at the MRU end and returns its
// index. ok is false if every slot is occupied (spec.md §4.5's node
// budget, independent of the byte-budgeted arena).
func (p *plru) insert(hash uint64, dataOffset uint64, dataLen uint32, size uint64, baggage []byte) (uint32, bool) {
	if len(p.freeSlots) == 0 {
		return 0, false
	}
	slot := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]

	n := plruNode{fwd: noneNode, back: p.head, inUse: true, hash: hash, dataOffset: dataOffset, dataLen: dataLen, baggage: baggage}
	p.put(slot, n)
	if p.head != noneNode {
		h := p.get(p.head)
		h.fwd = slot
		p.put(p.head, h)
	}
	p.head = slot
	if p.tail == noneNode {
		p.tail = slot
	}
	p.count++
	p.usedBytes += size
	return slot, true
}

// remove unlinks slot, frees it for reuse and updates the running byte
// budget by size.
func (p *plru) remove(slot uint32, size uint64) {
	p.cutNodeAndStitch(slot)
	var zero plruNode
	p.put(slot, zero)
	p.freeSlots = append(p.freeSlots, slot)
	p.count--
	p.usedBytes -= size
}

// peekTail returns the current LRU (eviction-candidate) slot without
// removing it, mirroring lru.rs's evict, which only peeks: the caller
// must call remove itself once it has decided the eviction may proceed
// (spec.md §4.5's all-or-nothing insertion needs to know the full victim
// set before committing to any of them).
func (p *plru) peekTail() (uint32, bool) {
	if p.tail == noneNode {
		return 0, false
	}
	return p.tail, true
}
