// ABOUTME: Ordered iteration over the B+tree
// ABOUTME: SeekLE positions on a key, Next walks forward across leaves

package btree

import "bytes"

// frame is one node on the path from the root with the position taken in it
type frame struct {
	node BNode
	pos  uint16
}

// BIter walks keys in order. It reads pages as it goes, so the tree must
// not change while it is in use.
type BIter struct {
	tree  *BTree
	stack []frame // root first, leaf last
}

// NewIterator returns an unpositioned iterator
func (tree *BTree) NewIterator() *BIter {
	return &BIter{tree: tree, stack: make([]frame, 0, 8)}
}

// SeekLE positions the iterator on the last key <= key, which may be the
// empty sentinel. It returns false for an empty tree.
func (iter *BIter) SeekLE(key []byte) bool {
	iter.stack = iter.stack[:0]
	if iter.tree.root == 0 {
		return false
	}

	node := iter.tree.page(iter.tree.root)
	for {
		idx := nodeLookupLE(node, key)
		iter.stack = append(iter.stack, frame{node: node, pos: idx})
		if node.btype() == BNODE_LEAF {
			return true
		}
		node = iter.tree.page(node.getPtr(idx))
	}
}

func (iter *BIter) leaf() *frame {
	if len(iter.stack) == 0 {
		return nil
	}
	return &iter.stack[len(iter.stack)-1]
}

// Valid reports whether the iterator is on a key
func (iter *BIter) Valid() bool {
	f := iter.leaf()
	return f != nil && f.pos < f.node.nkeys()
}

// Key returns the current key, nil when not Valid
func (iter *BIter) Key() []byte {
	if !iter.Valid() {
		return nil
	}
	f := iter.leaf()
	return f.node.getKey(f.pos)
}

// Val returns the current value, nil when not Valid
func (iter *BIter) Val() []byte {
	if !iter.Valid() {
		return nil
	}
	f := iter.leaf()
	return f.node.getVal(f.pos)
}

// Next moves to the following key. It returns false at the end of the tree.
func (iter *BIter) Next() bool {
	if len(iter.stack) == 0 {
		return false
	}

	// climb to the deepest node that still has an entry to the right
	level := len(iter.stack) - 1
	for ; level >= 0; level-- {
		f := &iter.stack[level]
		if f.pos+1 < f.node.nkeys() {
			f.pos++
			break
		}
	}
	if level < 0 {
		iter.stack = iter.stack[:0]
		return false
	}

	// then down the leftmost edge of that subtree
	iter.stack = iter.stack[:level+1]
	for top := iter.stack[level]; top.node.btype() == BNODE_NODE; {
		child := iter.tree.page(top.node.getPtr(top.pos))
		top = frame{node: child}
		iter.stack = append(iter.stack, top)
	}
	return true
}

// Scan calls fn for every key >= start in order until fn returns false.
// The empty sentinel is never reported.
func (tree *BTree) Scan(start []byte, fn func(key, val []byte) bool) {
	iter := tree.NewIterator()
	if !iter.SeekLE(start) {
		return
	}
	if key := iter.Key(); len(key) == 0 || bytes.Compare(key, start) < 0 {
		if !iter.Next() {
			return
		}
	}
	for iter.Valid() {
		if !fn(iter.Key(), iter.Val()) || !iter.Next() {
			return
		}
	}
}
