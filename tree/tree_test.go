package tree

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tree2 = "((a:1,b:2)#1:3,c:1):0;"
	tree3 = "(c#1:1,(a:1,b:2):3):0;"
)

func parse(tst *testing.T, s string) *Tree {
	t, err := ParseNewick(bytes.NewBufferString(s))
	require.NoError(tst, err)
	return t
}

func TestParse(tst *testing.T) {
	t := parse(tst, tree2)
	assert.Equal(tst, 5, t.NNodes())
	assert.Equal(tst, 3, t.NLeaves())
	assert.Equal(tst, 2, t.NClasses())
	assert.Equal(tst, []string{"a", "b", "c"}, t.TipNames())
	assert.Equal(tst, "((a:1.000000,b:2.000000):3.000000,c:1.000000):0.000000;", t.String())
	assert.Equal(tst, "((a:1.000000,b:2.000000)#1:3.000000,c:1.000000):0.000000;", t.ClassString())

	for _, bad := range []string{"a:1);", "(a:1,b:-2):0;", "(a:1,:2):0;", "(a#x:1,b:1);"} {
		_, err := ParseNewick(bytes.NewBufferString(bad))
		assert.Error(tst, err, bad)
	}
}

func TestTraversal(tst *testing.T) {
	t := parse(tst, tree1)
	pos := make(map[*Node]int)
	for i, node := range t.PostOrder() {
		pos[node] = i
	}
	for _, node := range t.Nodes() {
		for _, child := range node.ChildNodes() {
			assert.Less(tst, pos[child], pos[node])
		}
	}
	assert.Len(tst, t.PreOrder(), t.NNodes())
	assert.Equal(tst, t.Node, t.PreOrder()[0])

	level := make(map[*Node]int)
	n := 0
	for l, nodes := range t.Levels() {
		for _, node := range nodes {
			level[node] = l
			n++
		}
	}
	assert.Equal(tst, t.NNodes(), n)
	for _, node := range t.Nodes() {
		for _, child := range node.ChildNodes() {
			assert.Less(tst, level[child], level[node])
		}
	}

	n = 0
	for d, nodes := range t.Depths() {
		for _, node := range nodes {
			if node.Parent != nil {
				assert.Contains(tst, t.Depths()[d-1], node.Parent)
			}
			n++
		}
	}
	assert.Equal(tst, t.NNodes(), n)
	assert.Len(tst, t.Branches(), t.NNodes()-1)
}

func TestHeights(tst *testing.T) {
	t := parse(tst, tree3)
	h := t.Heights()
	// c is at depth 1, a at 4, b at 5
	assert.InDelta(tst, 5, h[t.Node.Id], 1e-12)
	for _, node := range t.Nodes() {
		if node.Name == "b" {
			assert.InDelta(tst, 0, h[node.Id], 1e-12)
		}
		if node.Name == "c" {
			assert.InDelta(tst, 4, h[node.Id], 1e-12)
		}
	}

	inner := t.Node.ChildNodes()[1]
	require.NoError(tst, t.SetHeight(inner.Id, 3))
	assert.InDelta(tst, 2, inner.BranchLength(), 1e-12)
	assert.InDelta(tst, 2, inner.ChildNodes()[0].BranchLength(), 1e-12)
	assert.InDelta(tst, 3, inner.ChildNodes()[1].BranchLength(), 1e-12)
	assert.InDelta(tst, 3, t.Heights()[inner.Id], 1e-12)

	assert.Error(tst, t.SetHeight(inner.Id, 6))
	assert.Error(tst, t.SetHeight(inner.Id, -1))
	assert.Error(tst, t.SetHeight(100, 1))
	assert.InDelta(tst, 2+2+3+1, t.Length(), 1e-12)
}

func TestReorder(tst *testing.T) {
	t := parse(tst, tree2)
	top := t.Topology()
	require.NoError(tst, t.Reorder(t.Node.Id, []int{1, 0}))
	assert.NotEqual(tst, top, t.Topology())
	assert.Equal(tst, "(c:1.000000,(a:1.000000,b:2.000000):3.000000):0.000000;", t.String())
	assert.Error(tst, t.Reorder(t.Node.Id, []int{0, 0}))
	assert.Error(tst, t.Reorder(t.Node.Id, []int{0}))
}

func TestAnnotated(tst *testing.T) {
	t := parse(tst, "(a:1,b:2):0;")
	s := t.Annotated(func(node *Node) string {
		if node.IsTerminal() {
			return ""
		}
		return "x=1"
	})
	assert.Equal(tst, "(a:1.000000,b:2.000000)[&x=1]:0.000000;", s)
}

func TestBranchVersion(tst *testing.T) {
	t := parse(tst, tree2)
	node := t.Nodes()[1]
	v := node.Version()
	node.SetBranchLength(node.BranchLength())
	assert.Equal(tst, v, node.Version())
	node.SetBranchLength(math.Pi)
	assert.NotEqual(tst, v, node.Version())
}
