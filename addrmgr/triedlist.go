// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

// slotHandle is a stable index into a slotArena.
type slotHandle int32

// noSlot is the nil handle.
const noSlot slotHandle = -1

// slotNode is a tried list node.  Nodes are linked through handles rather than
// pointers so the lists never form reference cycles.
type slotNode struct {
	ka         *KnownAddress
	prev, next slotHandle
}

// slotArena owns every tried list node.  Released nodes are recycled through
// a free list so handles stay small and stable for the life of an entry.
type slotArena struct {
	nodes []slotNode
	free  []slotHandle
}

func (a *slotArena) alloc(ka *KnownAddress) slotHandle {
	node := slotNode{ka: ka, prev: noSlot, next: noSlot}
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.nodes[h] = node
		return h
	}
	a.nodes = append(a.nodes, node)
	return slotHandle(len(a.nodes) - 1)
}

func (a *slotArena) release(h slotHandle) {
	a.nodes[h] = slotNode{prev: noSlot, next: noSlot}
	a.free = append(a.free, h)
}

func (a *slotArena) reset() {
	a.nodes = a.nodes[:0]
	a.free = a.free[:0]
}

// triedList is a doubly linked list of tried addresses backed by an arena.
type triedList struct {
	head, tail slotHandle
	size       int
}

func newTriedList() triedList {
	return triedList{head: noSlot, tail: noSlot}
}

// pushBack appends ka and records its handle on the entry.
func (l *triedList) pushBack(a *slotArena, ka *KnownAddress) {
	h := a.alloc(ka)
	a.nodes[h].prev = l.tail
	if l.tail != noSlot {
		a.nodes[l.tail].next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.size++
	ka.slot = h
}

// remove unlinks the node referenced by h in constant time.
func (l *triedList) remove(a *slotArena, h slotHandle) {
	node := a.nodes[h]
	if node.prev != noSlot {
		a.nodes[node.prev].next = node.next
	} else {
		l.head = node.next
	}
	if node.next != noSlot {
		a.nodes[node.next].prev = node.prev
	} else {
		l.tail = node.prev
	}
	node.ka.slot = noSlot
	a.release(h)
	l.size--
}

// nth returns the entry at position n.
func (l *triedList) nth(a *slotArena, n int) *KnownAddress {
	h := l.head
	for ; n > 0 && h != noSlot; n-- {
		h = a.nodes[h].next
	}
	if h == noSlot {
		return nil
	}
	return a.nodes[h].ka
}

// forEach calls fn for each entry from head to tail.
func (l *triedList) forEach(a *slotArena, fn func(ka *KnownAddress)) {
	for h := l.head; h != noSlot; h = a.nodes[h].next {
		fn(a.nodes[h].ka)
	}
}

// oldest returns the entry with the oldest timestamp.  The first one scanned
// wins ties.
func (l *triedList) oldest(a *slotArena) *KnownAddress {
	var oldest *KnownAddress
	l.forEach(a, func(ka *KnownAddress) {
		if oldest == nil || ka.na.Timestamp.Before(oldest.na.Timestamp) {
			oldest = ka
		}
	})
	return oldest
}
