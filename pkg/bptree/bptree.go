// File: bptree.go
package bptree

import (
	"bytes"
	"sync"
)

// DefaultOrder is the fallback branching factor if a user-supplied order is too small.
const DefaultOrder = 32

// findChildIndex determines which child pointer to follow
// (or where to insert a new key) in an internal node.
func findChildIndex(keys [][]byte, searchKey []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(searchKey, keys[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// leafIndex returns the position of key in a leaf, or where it would go.
func leafIndex(keys [][]byte, key []byte) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(keys) && bytes.Equal(keys[lo], key)
}

// BPlusTree maps byte-string keys to values in unsigned lexicographic
// order. Leaves are linked so the whole tree can be walked in key order.
// All methods are safe for concurrent use.
type BPlusTree[V any] struct {
	root   *node[V]
	order  int
	height int
	size   int
	m      sync.RWMutex
}

// node represents both internal and leaf nodes in the B+Tree.
type node[V any] struct {
	isLeaf   bool
	keys     [][]byte
	children []*node[V] // used if !isLeaf
	values   []V        // used if isLeaf
	parent   *node[V]
	next     *node[V] // leaf-link pointer, for range scans
}

// NewBPlusTree creates and returns a B+Tree with the given order.
// If the specified order < 3, we fall back to DefaultOrder.
func NewBPlusTree[V any](order int) *BPlusTree[V] {
	if order < 3 {
		order = DefaultOrder
	}
	return &BPlusTree[V]{
		root: &node[V]{
			isLeaf: true,
			keys:   make([][]byte, 0, order),
			values: make([]V, 0, order),
		},
		order:  order,
		height: 1,
	}
}

// Height returns the number of levels, counting the leaf level.
func (tree *BPlusTree[V]) Height() int {
	tree.m.RLock()
	defer tree.m.RUnlock()
	return tree.height
}

// Len returns the number of keys stored.
func (tree *BPlusTree[V]) Len() int {
	tree.m.RLock()
	defer tree.m.RUnlock()
	return tree.size
}

func (tree *BPlusTree[V]) findLeaf(key []byte) *node[V] {
	current := tree.root
	for !current.isLeaf {
		current = current.children[findChildIndex(current.keys, key)]
	}
	return current
}

// Search locates the value associated with key.
func (tree *BPlusTree[V]) Search(key []byte) (V, bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	leaf := tree.findLeaf(key)
	if i, ok := leafIndex(leaf.keys, key); ok {
		return leaf.values[i], true
	}
	var zero V
	return zero, false
}

// Insert adds a (key, value) pair, replacing the value of an existing key.
// The key is copied.
func (tree *BPlusTree[V]) Insert(key []byte, value V) {
	tree.m.Lock()
	defer tree.m.Unlock()

	leaf := tree.findLeaf(key)
	idx, exists := leafIndex(leaf.keys, key)
	if exists {
		leaf.values[idx] = value
		return
	}

	k := append([]byte(nil), key...)
	leaf.keys = append(leaf.keys, nil)
	copy(leaf.keys[idx+1:], leaf.keys[idx:])
	leaf.keys[idx] = k

	var zero V
	leaf.values = append(leaf.values, zero)
	copy(leaf.values[idx+1:], leaf.values[idx:])
	leaf.values[idx] = value
	tree.size++

	if len(leaf.keys) > tree.order {
		tree.splitLeaf(leaf)
	}
}

// Ascend calls fn for every pair in ascending key order until fn returns
// false. The tree is read-locked for the duration, so fn must not modify it.
func (tree *BPlusTree[V]) Ascend(fn func(key []byte, value V) bool) {
	tree.m.RLock()
	defer tree.m.RUnlock()

	leaf := tree.root
	for !leaf.isLeaf {
		leaf = leaf.children[0]
	}
	for ; leaf != nil; leaf = leaf.next {
		for i, k := range leaf.keys {
			if !fn(k, leaf.values[i]) {
				return
			}
		}
	}
}

// splitLeaf handles splitting a leaf node that has overflowed.
func (tree *BPlusTree[V]) splitLeaf(leaf *node[V]) {
	mid := len(leaf.keys) / 2

	newLeaf := &node[V]{
		isLeaf: true,
		keys:   append([][]byte{}, leaf.keys[mid:]...),
		values: append([]V{}, leaf.values[mid:]...),
		next:   leaf.next,
		parent: leaf.parent,
	}

	// Adjust the original leaf
	leaf.keys = leaf.keys[:mid:mid]
	leaf.values = leaf.values[:mid:mid]
	leaf.next = newLeaf

	// If the leaf is the root (no parent), create a new root
	if leaf.parent == nil {
		newRoot := &node[V]{
			keys:     [][]byte{newLeaf.keys[0]},
			children: []*node[V]{leaf, newLeaf},
		}
		leaf.parent = newRoot
		newLeaf.parent = newRoot
		tree.root = newRoot
		tree.height++
		return
	}

	tree.insertKeyInParent(leaf.parent, newLeaf.keys[0], newLeaf)
}

// insertKeyInParent inserts key and links rightChild after it in parent.
func (tree *BPlusTree[V]) insertKeyInParent(parent *node[V], key []byte, rightChild *node[V]) {
	idx := findChildIndex(parent.keys, key)

	parent.keys = append(parent.keys, nil)
	copy(parent.keys[idx+1:], parent.keys[idx:])
	parent.keys[idx] = key

	parent.children = append(parent.children, nil)
	copy(parent.children[idx+2:], parent.children[idx+1:])
	parent.children[idx+1] = rightChild

	rightChild.parent = parent

	if len(parent.keys) > tree.order {
		tree.splitInternalNode(parent)
	}
}

// splitInternalNode handles splitting an internal node that has overflowed.
func (tree *BPlusTree[V]) splitInternalNode(internal *node[V]) {
	mid := len(internal.keys) / 2
	splitKey := internal.keys[mid]

	newInternal := &node[V]{
		keys:     append([][]byte{}, internal.keys[mid+1:]...),
		children: append([]*node[V]{}, internal.children[mid+1:]...),
		parent:   internal.parent,
	}
	for _, child := range newInternal.children {
		child.parent = newInternal
	}

	internal.keys = internal.keys[:mid:mid]
	internal.children = internal.children[: mid+1 : mid+1]

	if internal.parent == nil {
		newRoot := &node[V]{
			keys:     [][]byte{splitKey},
			children: []*node[V]{internal, newInternal},
		}
		internal.parent = newRoot
		newInternal.parent = newRoot
		tree.root = newRoot
		tree.height++
		return
	}

	tree.insertKeyInParent(internal.parent, splitKey, newInternal)
}
