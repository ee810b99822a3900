// ABOUTME: Page recycling list persisted inside the data file
// ABOUTME: Unrolled linked list of page pointers with a commit fence on reuse

package storage

import (
	"encoding/binary"
)

const (
	freeNodeHeader = 8 // next pointer
	freeNodeCap    = (BTREE_PAGE_SIZE - freeNodeHeader) / 8

	// freeListMetaSize is the encoded size of the list state in the meta page
	freeListMetaSize = 40
)

// freeNode is one page of the list: a next pointer then freeNodeCap slots
type freeNode []byte

func (n freeNode) next() uint64 {
	return binary.LittleEndian.Uint64(n[0:8])
}

func (n freeNode) setNext(next uint64) {
	binary.LittleEndian.PutUint64(n[0:8], next)
}

func (n freeNode) slot(i int) uint64 {
	return binary.LittleEndian.Uint64(n[freeNodeHeader+i*8:])
}

func (n freeNode) setSlot(i int, ptr uint64) {
	binary.LittleEndian.PutUint64(n[freeNodeHeader+i*8:], ptr)
}

// freeList holds pages released by earlier commits. Pages are pushed at the
// tail and popped at the head; sequence numbers count slots ever used.
type freeList struct {
	read   func(uint64) []byte
	append func([]byte) uint64
	write  func(uint64, []byte)

	headPage uint64
	headSeq  uint64
	tailPage uint64
	tailSeq  uint64

	// fence is the first sequence freed by the running write. Those pages
	// belong to the last durable root and are not handed out until commit.
	fence uint64
}

// len returns the number of recyclable pages
func (fl *freeList) len() int {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	return int(fl.tailSeq - fl.headSeq)
}

// pop returns a reusable page, or 0 when none is available
func (fl *freeList) pop() uint64 {
	if fl.headSeq >= fl.tailSeq || fl.headSeq >= fl.fence || fl.headPage == 0 {
		return 0
	}

	node := freeNode(fl.read(fl.headPage))
	ptr := node.slot(int(fl.headSeq % freeNodeCap))
	fl.headSeq++

	// An exhausted head node is itself recycled
	if fl.headSeq%freeNodeCap == 0 {
		if next := node.next(); next != 0 {
			fl.push(fl.headPage)
			fl.headPage = next
		}
	}
	return ptr
}

// push records ptr as free
func (fl *freeList) push(ptr uint64) {
	if fl.tailPage == 0 {
		fl.tailPage = fl.append(make([]byte, BTREE_PAGE_SIZE))
		fl.headPage = fl.tailPage
	}

	i := int(fl.tailSeq % freeNodeCap)
	var drained uint64
	if i == 0 && fl.tailSeq > 0 {
		tail := fl.append(make([]byte, BTREE_PAGE_SIZE))
		fl.update(fl.tailPage, func(n freeNode) { n.setNext(tail) })
		if fl.headPage == fl.tailPage && fl.headSeq == fl.tailSeq {
			// the head consumed every slot of the old tail
			drained = fl.tailPage
			fl.headPage = tail
		}
		fl.tailPage = tail
	}

	fl.update(fl.tailPage, func(n freeNode) { n.setSlot(i, ptr) })
	fl.tailSeq++

	if drained != 0 {
		fl.push(drained)
	}
}

// update applies fn to a copy of page ptr; mapped pages are read-only
func (fl *freeList) update(ptr uint64, fn func(freeNode)) {
	page := make([]byte, BTREE_PAGE_SIZE)
	copy(page, fl.read(ptr))
	fn(freeNode(page))
	fl.write(ptr, page)
}

// freeze fences off everything pushed from now on
func (fl *freeList) freeze() {
	fl.fence = fl.tailSeq
}

func (fl *freeList) encode() []byte {
	data := make([]byte, freeListMetaSize)
	binary.LittleEndian.PutUint64(data[0:], fl.headPage)
	binary.LittleEndian.PutUint64(data[8:], fl.headSeq)
	binary.LittleEndian.PutUint64(data[16:], fl.tailPage)
	binary.LittleEndian.PutUint64(data[24:], fl.tailSeq)
	binary.LittleEndian.PutUint64(data[32:], fl.fence)
	return data
}

func (fl *freeList) decode(data []byte) {
	fl.headPage = binary.LittleEndian.Uint64(data[0:])
	fl.headSeq = binary.LittleEndian.Uint64(data[8:])
	fl.tailPage = binary.LittleEndian.Uint64(data[16:])
	fl.tailSeq = binary.LittleEndian.Uint64(data[24:])
	fl.fence = binary.LittleEndian.Uint64(data[32:])
}
