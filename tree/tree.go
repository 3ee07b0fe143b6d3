// Package tree implements the phylogenetic tree used by the trait
// likelihood: Newick parsing, node ids, branch lengths, node heights
// and materialized traversal orders.
package tree

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

type Mode int

const (
	NORMAL Mode = iota
	LENGTH
	CLASS
)

// versionCounter hands out version tokens for branch lengths and
// topologies. Tokens are unique across all trees.
var versionCounter uint64

func nextVersion() uint64 {
	return atomic.AddUint64(&versionCounter, 1)
}

type Tree struct {
	*Node
	nNodes    int
	nodes     []*Node
	nodeOrder []*Node
	postOrder []*Node
	preOrder  []*Node
	levels    [][]*Node
	depths    [][]*Node
	topology  uint64
}

// ClearCache drops all the cached node lists. It has to be called
// after any topology change.
func (tree *Tree) ClearCache() {
	tree.nNodes = 0
	tree.nodes = nil
	tree.nodeOrder = nil
	tree.postOrder = nil
	tree.preOrder = nil
	tree.levels = nil
	tree.depths = nil
	tree.topology = nextVersion()
}

// Topology returns the version token of the current topology.
func (tree *Tree) Topology() uint64 {
	if tree.topology == 0 {
		tree.topology = nextVersion()
	}
	return tree.topology
}

func (tree *Tree) NNodes() int {
	if tree.nNodes == 0 {
		tree.nNodes = tree.NSubNodes()
	}
	return tree.nNodes
}

// Nodes returns all the nodes indexed by their id.
func (tree *Tree) Nodes() []*Node {
	if tree.nodes == nil {
		tree.nodes = make([]*Node, tree.NNodes())
		for _, node := range tree.PreOrder() {
			if node.Id < 0 || node.Id >= len(tree.nodes) || tree.nodes[node.Id] != nil {
				panic("node id mismatch")
			}
			tree.nodes[node.Id] = node
		}
	}
	return tree.nodes
}

func (tree *Tree) Terminals() <-chan *Node {
	return tree.Walker(func(n *Node) bool {
		return n.IsTerminal()
	})
}

func (tree *Tree) NonTerminals() <-chan *Node {
	return tree.Walker(func(node *Node) bool {
		return !node.IsTerminal()
	})
}

func (tree *Tree) ClassNodes(class int) <-chan *Node {
	return tree.Walker(func(node *Node) bool {
		return node.Class == class
	})
}

func (tree *Tree) NLeaves() (i int) {
	for range tree.Terminals() {
		i++
	}
	return
}

// NClasses returns the number of branch categories, i.e. maximum
// class plus one.
func (tree *Tree) NClasses() int {
	max := 0
	for _, node := range tree.Nodes() {
		if node.Class > max {
			max = node.Class
		}
	}
	return max + 1
}

// Walker returns a channel with all the nodes passing the filter in
// pre-order.
func (tree *Tree) Walker(filter func(*Node) bool) <-chan *Node {
	ch := make(chan *Node, tree.NNodes())
	for _, node := range tree.PreOrder() {
		if filter == nil || filter(node) {
			ch <- node
		}
	}
	close(ch)
	return ch
}

// Copy creates independent copy of the tree.
func (tree *Tree) Copy() (newTree *Tree) {
	nNodes := tree.NNodes()
	newTree = &Tree{
		nNodes: nNodes,
		nodes:  make([]*Node, nNodes),
	}

	// Create node list.
	for i, node := range tree.Nodes() {
		if i != node.Id {
			panic("node id mismatch")
		}
		newTree.nodes[i] = node.Copy()
	}

	// Rewire node/parent connections.
	for i, node := range tree.Nodes() {
		newNode := newTree.nodes[i]
		for _, child := range node.childNodes {
			newChild := newTree.nodes[child.Id]
			newNode.AddChild(newChild)
		}
	}

	newTree.Node = newTree.nodes[tree.Node.Id]

	return
}

// NodeOrder returns internal nodes in post-order.
func (tree *Tree) NodeOrder() []*Node {
	if tree.nodeOrder == nil {
		tree.nodeOrder = make([]*Node, 0, tree.NNodes())
		for _, node := range tree.PostOrder() {
			if !node.IsTerminal() {
				tree.nodeOrder = append(tree.nodeOrder, node)
			}
		}
	}
	return tree.nodeOrder
}

// PreOrder returns all the nodes, every parent before its children.
func (tree *Tree) PreOrder() []*Node {
	if tree.preOrder == nil {
		order := make([]*Node, 0, tree.nNodes)
		stack := []*Node{tree.Node}
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			order = append(order, node)
			for i := len(node.childNodes) - 1; i >= 0; i-- {
				stack = append(stack, node.childNodes[i])
			}
		}
		tree.preOrder = order
		checkPreOrder(order)
	}
	return tree.preOrder
}

// PostOrder returns all the nodes, every child before its parent.
func (tree *Tree) PostOrder() []*Node {
	if tree.postOrder == nil {
		pre := tree.PreOrder()
		order := make([]*Node, len(pre))
		// Reversed pre-order with reversed children is a post-order.
		stack := []*Node{tree.Node}
		i := len(order) - 1
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			order[i] = node
			i--
			stack = append(stack, node.childNodes...)
		}
		tree.postOrder = order
		checkPostOrder(order)
	}
	return tree.postOrder
}

// Levels groups nodes by the length of the longest path down to a
// tip. All the children of a node belong to lower levels.
func (tree *Tree) Levels() [][]*Node {
	if tree.levels == nil {
		level := make(map[*Node]int, tree.NNodes())
		max := 0
		for _, node := range tree.PostOrder() {
			l := 0
			for _, child := range node.childNodes {
				if level[child]+1 > l {
					l = level[child] + 1
				}
			}
			level[node] = l
			if l > max {
				max = l
			}
		}
		tree.levels = make([][]*Node, max+1)
		for _, node := range tree.PostOrder() {
			tree.levels[level[node]] = append(tree.levels[level[node]], node)
		}
	}
	return tree.levels
}

// Depths groups nodes by the number of branches from the root.
func (tree *Tree) Depths() [][]*Node {
	if tree.depths == nil {
		depth := make(map[*Node]int, tree.NNodes())
		for _, node := range tree.PreOrder() {
			d := 0
			if node.Parent != nil {
				d = depth[node.Parent] + 1
			}
			depth[node] = d
			if d >= len(tree.depths) {
				tree.depths = append(tree.depths, nil)
			}
			tree.depths[d] = append(tree.depths[d], node)
		}
	}
	return tree.depths
}

func checkPreOrder(order []*Node) {
	seen := make(map[*Node]bool, len(order))
	for _, node := range order {
		if node.Parent != nil && !seen[node.Parent] {
			panic("traversal order inconsistent with tree")
		}
		seen[node] = true
	}
}

func checkPostOrder(order []*Node) {
	seen := make(map[*Node]bool, len(order))
	for _, node := range order {
		for _, child := range node.childNodes {
			if !seen[child] {
				panic("traversal order inconsistent with tree")
			}
		}
		seen[node] = true
	}
}

// Heights returns node heights indexed by node id. A height is the
// distance from the node to the most distant tip minus the distance
// from the node to the root, so the deepest tip has height zero.
func (tree *Tree) Heights() []float64 {
	nodes := tree.Nodes()
	depth := make([]float64, len(nodes))
	max := 0.0
	for _, node := range tree.PreOrder() {
		if node.Parent != nil {
			depth[node.Id] = depth[node.Parent.Id] + node.length
		}
		if depth[node.Id] > max {
			max = depth[node.Id]
		}
	}
	for i := range depth {
		depth[i] = max - depth[i]
	}
	return depth
}

// SetHeight moves a node to a new height keeping all the other node
// heights. Branch lengths of the node and its children are updated.
func (tree *Tree) SetHeight(id int, h float64) error {
	nodes := tree.Nodes()
	if id < 0 || id >= len(nodes) {
		return fmt.Errorf("node %d does not exist", id)
	}
	node := nodes[id]
	heights := tree.Heights()
	if node.Parent != nil && h > heights[node.Parent.Id] {
		return fmt.Errorf("height %v is above the parent height %v", h, heights[node.Parent.Id])
	}
	for _, child := range node.childNodes {
		if h < heights[child.Id] {
			return fmt.Errorf("height %v is below the child height %v", h, heights[child.Id])
		}
	}
	if node.Parent != nil {
		node.SetBranchLength(heights[node.Parent.Id] - h)
	}
	for _, child := range node.childNodes {
		child.SetBranchLength(h - heights[child.Id])
	}
	return nil
}

// Length returns the sum of all the branch lengths.
func (tree *Tree) Length() (l float64) {
	for _, node := range tree.Nodes() {
		if node.Parent != nil {
			l += node.length
		}
	}
	return
}

// Branches returns all non-root nodes ordered by id. The position
// of a node in this list is its branch index.
func (tree *Tree) Branches() []*Node {
	branches := make([]*Node, 0, tree.NNodes()-1)
	for _, node := range tree.Nodes() {
		if node.Parent != nil {
			branches = append(branches, node)
		}
	}
	return branches
}

// Reorder permutes children of a node. The new order of children is
// perm[0], perm[1], ... of the old order.
func (tree *Tree) Reorder(id int, perm []int) error {
	node := tree.Nodes()[id]
	if len(perm) != len(node.childNodes) {
		return errors.New("permutation length mismatch")
	}
	children := make([]*Node, len(perm))
	used := make([]bool, len(perm))
	for i, j := range perm {
		if j < 0 || j >= len(perm) || used[j] {
			return errors.New("incorrect permutation")
		}
		used[j] = true
		children[i] = node.childNodes[j]
	}
	node.childNodes = children
	tree.ClearCache()
	return nil
}

// TipNames returns tip names indexed by leaf id.
func (tree *Tree) TipNames() []string {
	names := make([]string, tree.NLeaves())
	for node := range tree.Terminals() {
		names[node.LeafId] = node.Name
	}
	return names
}

// BrString returns the tree with branches labeled by node ids.
func (tree *Tree) BrString() string {
	return tree.Node.StringBr()
}

// ClassString returns the tree with branch lengths and classes.
func (tree *Tree) ClassString() string {
	return tree.Node.classString()
}

type Node struct {
	Name       string
	Parent     *Node
	childNodes []*Node
	Id         int
	LeafId     int
	Class      int
	length     float64
	version    uint64
}

func NewNode(parent *Node, nodeId int) (node *Node) {
	node = &Node{Parent: parent, Id: nodeId, version: nextVersion()}
	return
}

// Copy creates copy of node with empty parent and children. The copy
// keeps the version token since it has the same branch length.
func (node *Node) Copy() *Node {
	return &Node{
		Name:       node.Name,
		length:     node.length,
		version:    node.version,
		childNodes: make([]*Node, 0, len(node.childNodes)),
		Id:         node.Id,
		LeafId:     node.LeafId,
		Class:      node.Class,
	}
}

func (node *Node) AddChild(subNode *Node) {
	subNode.Parent = node
	node.childNodes = append(node.childNodes, subNode)
}

// BranchLength returns the length of the branch leading to the node.
func (node *Node) BranchLength() float64 {
	return node.length
}

// SetBranchLength changes the branch length and the version token.
func (node *Node) SetBranchLength(l float64) {
	if l == node.length {
		return
	}
	node.length = l
	node.version = nextVersion()
}

// Version returns the version token of the branch length.
func (node *Node) Version() uint64 {
	return node.version
}

func (node *Node) StringBr() (s string) {
	if node.IsTerminal() {
		return fmt.Sprintf("%s#br%d", node.Name, node.Id)
	}
	s += "("
	for i, child := range node.childNodes {
		s += child.StringBr()
		if i != len(node.childNodes)-1 {
			s += ","
		}
	}
	s += fmt.Sprintf(")#br%d", node.Id)
	if node.IsRoot() {
		s += ";"
	}
	return s
}

func (node *Node) classString() (s string) {
	class := ""
	if node.Class != 0 {
		class = fmt.Sprintf("#%d", node.Class)
	}
	if node.IsTerminal() {
		return fmt.Sprintf("%s%s:%0.6f", node.Name, class, node.length)
	}
	s += "("
	for i, child := range node.childNodes {
		s += child.classString()
		if i != len(node.childNodes)-1 {
			s += ","
		}
	}
	s += fmt.Sprintf(")%s:%0.6f", class, node.length)
	if node.IsRoot() {
		s += ";"
	}
	return s
}

// Annotated returns the newick string with a comment produced by
// annotate after every node.
func (node *Node) Annotated(annotate func(*Node) string) (s string) {
	if !node.IsTerminal() {
		s += "("
		for i, child := range node.childNodes {
			s += child.Annotated(annotate)
			if i != len(node.childNodes)-1 {
				s += ","
			}
		}
		s += ")"
	}
	s += node.Name
	if a := annotate(node); a != "" {
		s += "[&" + a + "]"
	}
	s += fmt.Sprintf(":%0.6f", node.length)
	if node.IsRoot() {
		s += ";"
	}
	return s
}

func (node *Node) String() (s string) {
	if node.IsTerminal() {
		return fmt.Sprintf("%s:%0.6f", node.Name, node.length)
	}
	s += "("
	for i, child := range node.childNodes {
		s += child.String()
		if i != len(node.childNodes)-1 {
			s += ","
		}
	}
	s += fmt.Sprintf("):%0.6f", node.length)
	if node.IsRoot() {
		s += ";"
	}
	return s
}

func (node *Node) LongString() (s string) {
	s = "<"
	if node.Parent == nil {
		s += "root, "
	}
	if node.Name != "" {
		s += "name=" + node.Name + ", "
	}
	s += fmt.Sprintf("Id=%v, BranchLength=%v", node.Id, node.length)
	if node.IsTerminal() {
		s += fmt.Sprintf(", TipId=%v", node.LeafId)
	}
	if node.Class != 0 {
		s += fmt.Sprintf(", Class=%v", node.Class)
	}
	s += ">"
	return
}

func (node *Node) FullString() string {
	return strings.TrimSpace(node.prefixString(""))
}

func (node *Node) prefixString(prefix string) (s string) {
	s = prefix + node.LongString() + "\n"
	for _, node := range node.childNodes {
		s += node.prefixString(prefix + "    ")
	}
	return
}

func (node *Node) ChildNodes() []*Node {
	return node.childNodes
}

// NSubNodes returns the number of nodes in the subtree including
// the node itself.
func (node *Node) NSubNodes() (size int) {
	stack := []*Node{node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		size++
		stack = append(stack, n.childNodes...)
	}
	return size
}

func (node *Node) IsRoot() bool {
	return node.Parent == nil
}

func (node *Node) IsTerminal() bool {
	return len(node.childNodes) == 0
}

func IsSpecial(c rune) bool {
	switch c {
	case '(', ')', ':', '#', ';', ',':
		return true
	}
	return false

}
func NewickSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	// Skip leading spaces; and return 1-char tokens.
	for width := 0; start < len(data); start += width {
		var r rune
		r, width = utf8.DecodeRune(data[start:])
		if IsSpecial(r) {
			return start + width, data[start : start+width], nil
		}
		if !unicode.IsSpace(r) {
			break
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// Scan until space or special character.
	for width, i := 0, start; i < len(data); i += width {
		var r rune
		r, width = utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) || IsSpecial(r) {
			return i, data[start:i], nil
		}
	}
	// If we're at EOF, we have a final, non-empty, non-terminated word. Return it.
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	// Request more data.
	return 0, nil, nil
}

func ParseNewick(rd io.Reader) (tree *Tree, err error) {
	scanner := bufio.NewScanner(rd)

	scanner.Split(NewickSplit)

	nodeId := 0

	node := NewNode(nil, nodeId)
	tree = &Tree{Node: node}
	nodeId++

	mode := NORMAL

	for scanner.Scan() {
		text := scanner.Text()
		switch text {
		case "(":
			subNode := NewNode(nil, nodeId)
			nodeId++
			node.AddChild(subNode)
			node = subNode

		case ",":
			if node.Parent == nil {
				return nil, errors.New("top level comma mismatch")
			}
			subNode := NewNode(nil, nodeId)
			nodeId++

			node.Parent.AddChild(subNode)
			node = subNode

		case ")":
			if node.Parent == nil {
				return nil, errors.New("brackets mismatch")
			}
			node = node.Parent
		case "#":
			mode = CLASS
		case ":":
			mode = LENGTH
		case ";":
			return tree.finish()
		default:
			switch mode {
			case LENGTH:
				l, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, err
				}
				if l < 0 || math.IsNaN(l) || math.IsInf(l, 0) {
					return nil, fmt.Errorf("incorrect branch length: %s", text)
				}
				node.SetBranchLength(l)
				mode = NORMAL
			case CLASS:
				cl, err := strconv.ParseInt(text, 0, 0)
				if err != nil {
					return nil, err
				}
				if cl < 0 {
					return nil, fmt.Errorf("negative class: %s", text)
				}
				node.Class = int(cl)
				mode = NORMAL
			default:
				node.Name = text
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return tree.finish()
}

// finish numbers the leaves of a parsed tree.
func (tree *Tree) finish() (*Tree, error) {
	tree.ClearCache()
	leafId := 0
	for _, node := range tree.Nodes() {
		if node.IsTerminal() {
			if node.Name == "" {
				return nil, fmt.Errorf("tip %d has no name", node.Id)
			}
			node.LeafId = leafId
			leafId++
		}
	}
	return tree, nil
}
