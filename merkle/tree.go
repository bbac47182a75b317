// Package merkle builds and verifies the commit trees that summarise a
// batch of record hashes under a writer-signed root.
//
// A commit tree covers the sequence [A, R1, ..., Rn] where A is the
// carry-in additional hash: the previous commit's root, or the capsule
// name for the first commit. Layers are grouped left to right with a fixed
// fanout, the final group padded with the null hash, and each interior
// node is named by the hash of its child tuple. Because A is the leftmost
// leaf, every commit chains to the one before it, and a single signed root
// transitively covers the whole history.
package merkle

import (
	"github.com/datacapsule/go-capsulelog/capsule"
)

// Fanout is the branching factor of commit trees.
const Fanout = 4

// Node is the child tuple of one interior tree node.
type Node [Fanout]capsule.Hash

// Hash names the node: the hash of the concatenated child tuple.
func (n Node) Hash() capsule.Hash {
	return capsule.HashChildren(n[:])
}

// RecordParent records the tree parent of one committed record hash.
type RecordParent struct {
	Name   capsule.Hash
	Parent capsule.Hash
}

// TreeNode is one interior node as it will be persisted. Parent is nil for
// the root until a later commit stitches it under its own tree.
type TreeNode struct {
	Name     capsule.Hash
	Parent   *capsule.Hash
	Children Node
}

// RootInfo marks the highest node of a commit tree: its depth and the
// writer's signature over its name.
type RootInfo struct {
	Depth     uint8             `cbor:"1,keyasint"`
	Signature capsule.Signature `cbor:"2,keyasint"`
}

// StoredNode is the persisted form of a tree node.
type StoredNode struct {
	Parent   *capsule.Hash `cbor:"1,keyasint,omitempty"`
	Root     *RootInfo     `cbor:"2,keyasint,omitempty"`
	Children Node          `cbor:"3,keyasint"`
}

// Plan is the full storage plan for one commit: every record's parent
// pointer, every interior node, the parent the additional hash would have
// under this tree, the root name, and the tree depth.
type Plan struct {
	Records          []RecordParent
	Nodes            []TreeNode
	AdditionalParent capsule.Hash
	Root             capsule.Hash
	Depth            uint8
}

// Root computes just the root hash of the commit tree over hashes with
// carry-in additional. It is what a writer signs before asking the server
// to commit.
func Root(hashes []capsule.Hash, additional capsule.Hash) capsule.Hash {
	layer := make([]capsule.Hash, 0, len(hashes)+1)
	layer = append(layer, additional)
	layer = append(layer, hashes...)
	for {
		layer = nextLayer(layer, nil)
		if len(layer) == 1 {
			return layer[0]
		}
	}
}

// Build computes the storage plan for the commit tree over hashes with
// carry-in additional.
func Build(hashes []capsule.Hash, additional capsule.Hash) Plan {
	plan := Plan{}

	layer := make([]capsule.Hash, 0, len(hashes)+1)
	layer = append(layer, additional)
	layer = append(layer, hashes...)

	depth := uint8(0)
	for {
		next := nextLayer(layer, &plan.Nodes)

		if depth == 0 {
			plan.AdditionalParent = next[0]
			for i := 1; i < len(layer); i++ {
				plan.Records = append(plan.Records, RecordParent{
					Name:   layer[i],
					Parent: next[i/Fanout],
				})
			}
		} else {
			// the nodes of the previous layer sit just before this layer's
			// nodes in plan.Nodes
			start := len(plan.Nodes) - len(next) - len(layer)
			for i := range layer {
				parent := next[i/Fanout]
				plan.Nodes[start+i].Parent = &parent
			}
		}

		layer = next
		depth++
		if len(layer) == 1 {
			break
		}
	}

	plan.Root = layer[0]
	plan.Depth = depth
	return plan
}

// nextLayer groups layer into fanout-sized nodes, padding the last group
// with the null hash. When nodes is non-nil the new interior nodes are
// appended to it.
func nextLayer(layer []capsule.Hash, nodes *[]TreeNode) []capsule.Hash {
	count := (len(layer)-1)/Fanout + 1
	next := make([]capsule.Hash, 0, count)
	for i := 0; i < count; i++ {
		var children Node
		copy(children[:], layer[i*Fanout:min(len(layer), (i+1)*Fanout)])
		name := children.Hash()
		next = append(next, name)
		if nodes != nil {
			*nodes = append(*nodes, TreeNode{Name: name, Children: children})
		}
	}
	return next
}
