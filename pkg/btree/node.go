// ABOUTME: Page layout of a B+tree node and the primitives that fill it
// ABOUTME: Header, child pointers, offsets and length-prefixed key/value pairs

package btree

import (
	"bytes"
	"encoding/binary"
)

// Node types
const (
	BNODE_NODE = 1 // internal: keys and child pointers
	BNODE_LEAF = 2 // leaf: keys and values
)

// Layout limits. A leaf holding one pair of maximum size still fits a page.
const (
	HEADER             = 4
	BTREE_PAGE_SIZE    = 4096
	BTREE_MAX_KEY_SIZE = 1000
	BTREE_MAX_VAL_SIZE = 3000
)

// BNode is one page:
//
//	| type | nkeys | pointers   | offsets    | pairs |
//	|  2B  |  2B   | nkeys * 8B | nkeys * 2B | ...   |
//
// and each pair is | klen 2B | vlen 2B | key | val |. Offset i is where pair
// i ends relative to the first pair; pair 0 starts at offset 0.
type BNode []byte

var le = binary.LittleEndian

func (node BNode) btype() uint16 { return le.Uint16(node[0:2]) }

func (node BNode) nkeys() uint16 { return le.Uint16(node[2:4]) }

func (node BNode) setHeader(btype uint16, nkeys uint16) {
	le.PutUint16(node[0:2], btype)
	le.PutUint16(node[2:4], nkeys)
}

func (node BNode) checkIndex(idx uint16) {
	if idx >= node.nkeys() {
		panic("btree: index out of range")
	}
}

func (node BNode) getPtr(idx uint16) uint64 {
	node.checkIndex(idx)
	return le.Uint64(node[HEADER+8*idx:])
}

func (node BNode) setPtr(idx uint16, ptr uint64) {
	node.checkIndex(idx)
	le.PutUint64(node[HEADER+8*idx:], ptr)
}

// offsetAt locates the stored offset of pair idx, 1 <= idx <= nkeys
func (node BNode) offsetAt(idx uint16) []byte {
	if idx < 1 || idx > node.nkeys() {
		panic("btree: offset index out of range")
	}
	return node[HEADER+8*node.nkeys()+2*(idx-1):]
}

func (node BNode) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return le.Uint16(node.offsetAt(idx))
}

func (node BNode) setOffset(idx uint16, offset uint16) {
	le.PutUint16(node.offsetAt(idx), offset)
}

// kvPos is the byte position of pair idx; idx == nkeys gives the end
func (node BNode) kvPos(idx uint16) uint16 {
	if idx > node.nkeys() {
		panic("btree: pair index out of range")
	}
	return HEADER + 10*node.nkeys() + node.getOffset(idx)
}

func (node BNode) getKey(idx uint16) []byte {
	node.checkIndex(idx)
	pos := node.kvPos(idx)
	klen := le.Uint16(node[pos:])
	return node[pos+4:][:klen]
}

func (node BNode) getVal(idx uint16) []byte {
	node.checkIndex(idx)
	pos := node.kvPos(idx)
	klen := le.Uint16(node[pos:])
	vlen := le.Uint16(node[pos+2:])
	return node[pos+4+klen:][:vlen]
}

// nbytes is the used size of the node
func (node BNode) nbytes() uint16 {
	return node.kvPos(node.nkeys())
}

// nodeLookupLE returns the index of the last key <= key. The first key of
// every node is a lower bound copied from its parent, so 0 is the floor.
func nodeLookupLE(node BNode, key []byte) uint16 {
	lo, hi := uint16(1), node.nkeys()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(node.getKey(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// nodeAppendRange copies n pairs (and pointers) of old starting at srcOld
// into new starting at dstNew. new's header must already count them.
func nodeAppendRange(new BNode, old BNode, dstNew uint16, srcOld uint16, n uint16) {
	if srcOld+n > old.nkeys() || dstNew+n > new.nkeys() {
		panic("btree: range out of bounds")
	}
	if n == 0 {
		return
	}

	if old.btype() == BNODE_NODE {
		for i := uint16(0); i < n; i++ {
			new.setPtr(dstNew+i, old.getPtr(srcOld+i))
		}
	}

	shift := new.getOffset(dstNew) - old.getOffset(srcOld)
	for i := uint16(1); i <= n; i++ {
		new.setOffset(dstNew+i, old.getOffset(srcOld+i)+shift)
	}

	copy(new[new.kvPos(dstNew):], old[old.kvPos(srcOld):old.kvPos(srcOld+n)])
}

// nodeAppendKV writes pair idx and the offset that ends it
func nodeAppendKV(new BNode, idx uint16, ptr uint64, key []byte, val []byte) {
	new.setPtr(idx, ptr)

	pos := new.kvPos(idx)
	le.PutUint16(new[pos:], uint16(len(key)))
	le.PutUint16(new[pos+2:], uint16(len(val)))
	n := copy(new[pos+4:], key)
	copy(new[pos+4+uint16(n):], val)

	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(len(key)+len(val)))
}

func init() {
	if HEADER+8+2+4+BTREE_MAX_KEY_SIZE+BTREE_MAX_VAL_SIZE > BTREE_PAGE_SIZE {
		panic("btree: largest pair does not fit a page")
	}
}
