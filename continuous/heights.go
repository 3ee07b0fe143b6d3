package continuous

import (
	"fmt"
	"math"

	"bitbucket.org/Davydov/contrait/tree"
)

// NodeHeights exposes heights of internal nodes of a tree as a
// parameter vector. Elements follow internal nodes ordered by id.
// Tip heights are fixed; changing a height changes the lengths of the
// adjacent branches.
type NodeHeights struct {
	name   string
	tree   *tree.Tree
	nodes  []*tree.Node
	stored []float64
}

// NewNodeHeights creates the heights vector of a tree.
func NewNodeHeights(name string, t *tree.Tree) *NodeHeights {
	h := &NodeHeights{name: name, tree: t}
	for _, node := range t.Nodes() {
		if !node.IsTerminal() {
			h.nodes = append(h.nodes, node)
		}
	}
	return h
}

func (h *NodeHeights) Name() string {
	return h.name
}

func (h *NodeHeights) Dim() int {
	return len(h.nodes)
}

func (h *NodeHeights) Get(i int) float64 {
	return h.tree.Heights()[h.nodes[i].Id]
}

func (h *NodeHeights) Values(v []float64) []float64 {
	heights := h.tree.Heights()
	v = v[:0]
	for _, node := range h.nodes {
		v = append(v, heights[node.Id])
	}
	return v
}

// Set changes one height. It panics if the height is not between the
// heights of the parent and the children.
func (h *NodeHeights) Set(i int, v float64) {
	if err := h.tree.SetHeight(h.nodes[i].Id, v); err != nil {
		panic(err)
	}
}

// SetValues changes all the heights at once.
func (h *NodeHeights) SetValues(v []float64) error {
	if len(v) != len(h.nodes) {
		return fmt.Errorf("%d heights for %d nodes", len(v), len(h.nodes))
	}
	if !h.ValuesInRange(v) {
		return fmt.Errorf("heights are inconsistent with the tree")
	}
	heights := h.heights(v)
	for _, node := range h.tree.Nodes() {
		if node.Parent != nil {
			l := heights[node.Parent.Id] - heights[node.Id]
			if l != node.BranchLength() {
				node.SetBranchLength(l)
			}
		}
	}
	return nil
}

// heights returns heights of all the nodes with internal nodes taken
// from v.
func (h *NodeHeights) heights(v []float64) []float64 {
	heights := h.tree.Heights()
	for i, node := range h.nodes {
		heights[node.Id] = v[i]
	}
	return heights
}

func (h *NodeHeights) ElementName(i int) string {
	node := h.nodes[i]
	if node.Name != "" {
		return fmt.Sprintf("%s[%s]", h.name, node.Name)
	}
	return fmt.Sprintf("%s[%d]", h.name, node.Id)
}

// Min returns the height of the highest child.
func (h *NodeHeights) Min(i int) float64 {
	heights := h.tree.Heights()
	min := 0.0
	for _, child := range h.nodes[i].ChildNodes() {
		min = math.Max(min, heights[child.Id])
	}
	return min
}

// Max returns the height of the parent.
func (h *NodeHeights) Max(i int) float64 {
	node := h.nodes[i]
	if node.Parent == nil {
		return math.Inf(+1)
	}
	return h.tree.Heights()[node.Parent.Id]
}

// ValuesInRange checks that every node is not below its children.
func (h *NodeHeights) ValuesInRange(v []float64) bool {
	if len(v) != len(h.nodes) {
		return false
	}
	heights := h.heights(v)
	for _, node := range h.tree.Nodes() {
		if math.IsNaN(heights[node.Id]) || math.IsInf(heights[node.Id], 0) {
			return false
		}
		if node.Parent != nil && heights[node.Parent.Id] < heights[node.Id] {
			return false
		}
	}
	return true
}

func (h *NodeHeights) InRange() bool {
	return true
}

// Store saves branch lengths.
func (h *NodeHeights) Store() {
	h.stored = h.stored[:0]
	for _, node := range h.tree.Nodes() {
		h.stored = append(h.stored, node.BranchLength())
	}
}

// Restore brings back the saved branch lengths.
func (h *NodeHeights) Restore() {
	if h.stored == nil {
		return
	}
	for i, node := range h.tree.Nodes() {
		if node.BranchLength() != h.stored[i] {
			node.SetBranchLength(h.stored[i])
		}
	}
	h.stored = nil
}

func (h *NodeHeights) Accept() {
	h.stored = nil
}

// fromLengths converts derivatives with respect to branch lengths
// (indexed by node id) into derivatives with respect to heights.
func (h *NodeHeights) fromLengths(gl []float64) []float64 {
	grad := make([]float64, len(h.nodes))
	for i, node := range h.nodes {
		for _, child := range node.ChildNodes() {
			grad[i] += gl[child.Id]
		}
		if node.Parent != nil {
			grad[i] -= gl[node.Id]
		}
	}
	return grad
}
