// ABOUTME: Copy-on-write B+tree over fixed-size pages
// ABOUTME: Point lookups, upserts and deletes that never modify a page in place

package btree

import (
	"bytes"
)

const errBadNode = "btree: bad node type"

// BTree is a copy-on-write B+tree. Pages are reached through callbacks so
// the same code runs over the mmap file and over in-memory page maps. A
// mutation writes new pages along the path to the root and releases the
// pages it replaced.
type BTree struct {
	root uint64
	get  func(uint64) []byte // read a page
	new  func([]byte) uint64 // store a page, returning its pointer
	del  func(uint64)        // release a page
}

func (tree *BTree) page(ptr uint64) BNode {
	return BNode(tree.get(ptr))
}

// Get returns the value stored under key
func (tree *BTree) Get(key []byte) ([]byte, bool) {
	if tree.root == 0 {
		return nil, false
	}
	node := tree.page(tree.root)
	for {
		idx := nodeLookupLE(node, key)
		switch node.btype() {
		case BNODE_NODE:
			node = tree.page(node.getPtr(idx))
		case BNODE_LEAF:
			if !bytes.Equal(node.getKey(idx), key) {
				return nil, false
			}
			return node.getVal(idx), true
		default:
			panic(errBadNode)
		}
	}
}

// Insert stores val under key, replacing any previous value
func (tree *BTree) Insert(key []byte, val []byte) {
	if tree.root == 0 {
		leaf := BNode(make([]byte, BTREE_PAGE_SIZE))
		leaf.setHeader(BNODE_LEAF, 2)
		nodeAppendKV(leaf, 0, 0, nil, nil) // empty sentinel sorts before every key
		nodeAppendKV(leaf, 1, 0, key, val)
		tree.root = tree.new(leaf)
		return
	}

	parts := splitPage(tree.insert(tree.page(tree.root), key, val))
	tree.del(tree.root)
	if len(parts) == 1 {
		tree.root = tree.new(parts[0])
		return
	}

	// the root split: grow a level
	root := BNode(make([]byte, BTREE_PAGE_SIZE))
	root.setHeader(BNODE_NODE, uint16(len(parts)))
	tree.appendLinks(root, 0, parts)
	tree.root = tree.new(root)
}

// insert returns a copy of node holding key. The copy may need up to two
// pages; splitPage cuts it down.
func (tree *BTree) insert(node BNode, key []byte, val []byte) BNode {
	out := BNode(make([]byte, 2*BTREE_PAGE_SIZE))
	idx := nodeLookupLE(node, key)

	switch node.btype() {
	case BNODE_LEAF:
		front := idx + 1
		if bytes.Equal(node.getKey(idx), key) {
			front = idx // overwrite in place
		}
		rest := node.nkeys() - idx - 1
		out.setHeader(BNODE_LEAF, front+1+rest)
		nodeAppendRange(out, node, 0, 0, front)
		nodeAppendKV(out, front, 0, key, val)
		nodeAppendRange(out, node, front+1, idx+1, rest)
	case BNODE_NODE:
		child := node.getPtr(idx)
		parts := splitPage(tree.insert(tree.page(child), key, val))
		tree.del(child)
		tree.replaceLinks(out, node, idx, 1, parts)
	default:
		panic(errBadNode)
	}
	return out
}

// appendLinks stores kids and writes a link to each into dst from position at
func (tree *BTree) appendLinks(dst BNode, at uint16, kids []BNode) {
	for i, kid := range kids {
		nodeAppendKV(dst, at+uint16(i), tree.new(kid), kid.getKey(0), nil)
	}
}

// replaceLinks copies the internal node src into dst with drop links from
// idx replaced by links to kids
func (tree *BTree) replaceLinks(dst, src BNode, idx, drop uint16, kids []BNode) {
	n := src.nkeys()
	add := uint16(len(kids))
	dst.setHeader(BNODE_NODE, n-drop+add)
	nodeAppendRange(dst, src, 0, 0, idx)
	tree.appendLinks(dst, idx, kids)
	nodeAppendRange(dst, src, idx+add, idx+drop, n-idx-drop)
}

// splitPage cuts a node into at most three pieces that each fit a page
func splitPage(node BNode) []BNode {
	if node.nbytes() <= BTREE_PAGE_SIZE {
		return []BNode{node[:BTREE_PAGE_SIZE]}
	}
	left := BNode(make([]byte, 2*BTREE_PAGE_SIZE))
	right := BNode(make([]byte, BTREE_PAGE_SIZE))
	splitInTwo(left, right, node)
	if left.nbytes() <= BTREE_PAGE_SIZE {
		return []BNode{left[:BTREE_PAGE_SIZE], right}
	}

	first := BNode(make([]byte, BTREE_PAGE_SIZE))
	second := BNode(make([]byte, BTREE_PAGE_SIZE))
	splitInTwo(first, second, left)
	return []BNode{first, second, right}
}

// splitInTwo moves the entries of node into left and right. right always
// fits a page; left may not, in which case it is split again.
func splitInTwo(left, right, node BNode) {
	n := node.nkeys()
	sizeOfFirst := func(k uint16) uint16 {
		return HEADER + 10*k + node.getOffset(k)
	}

	k := n / 2
	for k > 1 && sizeOfFirst(k) > BTREE_PAGE_SIZE {
		k--
	}
	for k < n-1 && node.nbytes()-sizeOfFirst(k)+HEADER > BTREE_PAGE_SIZE {
		k++
	}

	left.setHeader(node.btype(), k)
	nodeAppendRange(left, node, 0, 0, k)
	right.setHeader(node.btype(), n-k)
	nodeAppendRange(right, node, 0, k, n-k)
}

// Delete removes key, reporting whether it was present
func (tree *BTree) Delete(key []byte) bool {
	if tree.root == 0 {
		return false
	}
	shrunk := tree.remove(tree.page(tree.root), key)
	if shrunk == nil {
		return false
	}

	tree.del(tree.root)
	if shrunk.btype() == BNODE_NODE && shrunk.nkeys() == 1 {
		tree.root = shrunk.getPtr(0) // drop a level
	} else {
		tree.root = tree.new(shrunk)
	}
	return true
}

// remove returns a copy of node without key, or nil when key is absent
func (tree *BTree) remove(node BNode, key []byte) BNode {
	idx := nodeLookupLE(node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if !bytes.Equal(node.getKey(idx), key) {
			return nil
		}
		n := node.nkeys()
		out := BNode(make([]byte, BTREE_PAGE_SIZE))
		out.setHeader(BNODE_LEAF, n-1)
		nodeAppendRange(out, node, 0, 0, idx)
		nodeAppendRange(out, node, idx, idx+1, n-idx-1)
		return out
	case BNODE_NODE:
		return tree.removeBelow(node, idx, key)
	default:
		panic(errBadNode)
	}
}

// removeBelow deletes key under the idx-th child of node. A child that
// shrinks below a quarter page is merged into a neighbour when they fit
// one page together.
func (tree *BTree) removeBelow(node BNode, idx uint16, key []byte) BNode {
	child := node.getPtr(idx)
	shrunk := tree.remove(tree.page(child), key)
	if shrunk == nil {
		return nil
	}
	tree.del(child)

	out := BNode(make([]byte, BTREE_PAGE_SIZE))
	switch side, sibling := tree.mergeTarget(node, idx, shrunk); {
	case side < 0:
		merged := concat(sibling, shrunk)
		tree.del(node.getPtr(idx - 1))
		tree.replaceLinks(out, node, idx-1, 2, []BNode{merged})
	case side > 0:
		merged := concat(shrunk, sibling)
		tree.del(node.getPtr(idx + 1))
		tree.replaceLinks(out, node, idx, 2, []BNode{merged})
	case shrunk.nkeys() == 0:
		// an only child emptied out; the parent merges this node upwards
		out.setHeader(BNODE_NODE, 0)
	default:
		tree.replaceLinks(out, node, idx, 1, []BNode{shrunk})
	}
	return out
}

// mergeTarget picks the neighbour a shrunk child merges into: -1 for the
// left one, +1 for the right one, 0 for none
func (tree *BTree) mergeTarget(node BNode, idx uint16, shrunk BNode) (int, BNode) {
	if shrunk.nbytes() > BTREE_PAGE_SIZE/4 {
		return 0, nil
	}
	fits := func(sibling BNode) bool {
		return sibling.nbytes()+shrunk.nbytes()-HEADER <= BTREE_PAGE_SIZE
	}
	if idx > 0 {
		if left := tree.page(node.getPtr(idx - 1)); fits(left) {
			return -1, left
		}
	}
	if idx+1 < node.nkeys() {
		if right := tree.page(node.getPtr(idx + 1)); fits(right) {
			return +1, right
		}
	}
	return 0, nil
}

// concat joins two adjacent nodes of the same type into one page
func concat(left, right BNode) BNode {
	out := BNode(make([]byte, BTREE_PAGE_SIZE))
	out.setHeader(right.btype(), left.nkeys()+right.nkeys())
	nodeAppendRange(out, left, 0, 0, left.nkeys())
	nodeAppendRange(out, right, left.nkeys(), 0, right.nkeys())
	return out
}

// GetRoot returns the root page pointer, 0 for an empty tree
func (tree *BTree) GetRoot() uint64 {
	return tree.root
}

// SetRoot points the tree at an existing root page
func (tree *BTree) SetRoot(root uint64) {
	tree.root = root
}

// SetCallbacks wires page access
func (tree *BTree) SetCallbacks(
	getFunc func(uint64) []byte,
	newFunc func([]byte) uint64,
	delFunc func(uint64),
) {
	tree.get = getFunc
	tree.new = newFunc
	tree.del = delFunc
}
