package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/Davydov/contrait/config"
	"bitbucket.org/Davydov/contrait/continuous"
	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/traits"
	"bitbucket.org/Davydov/contrait/tree"
)

func init() {
	logging.SetLevel(logging.CRITICAL, "contrait")
}

func writeFile(tst *testing.T, name, content string) string {
	fn := filepath.Join(tst.TempDir(), name)
	require.NoError(tst, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestReadStart(tst *testing.T) {
	p := parameter.New("x", 0, 0)

	fn := writeFile(tst, "trajectory", "iteration\tlikelihood\tx[0]\tx[1]\n0\t-3.5\t1\t2\n10\t-1.25\t1.5\t2.5\n")
	require.NoError(tst, readStart(p, fn))
	assert.Equal(tst, []float64{1.5, 2.5}, p.Values(nil))

	fn = writeFile(tst, "start.json", `{"x[0]":-1,"x[1]":4}`)
	require.NoError(tst, readStart(p, fn))
	assert.Equal(tst, []float64{-1, 4}, p.Values(nil))

	fn = writeFile(tst, "short", "0\t-3.5\t1\n")
	assert.Error(tst, readStart(p, fn))
	assert.Error(tst, readStart(p, filepath.Join(tst.TempDir(), "missing")))
}

func TestPhenogram(tst *testing.T) {
	t, err := tree.ParseNewick(strings.NewReader("((a:1,b:2):0.5,c:1.5):0;"))
	require.NoError(tst, err)
	nodes := make([]continuous.NodeTrait, t.NNodes())
	for _, node := range t.Nodes() {
		nodes[node.Id] = continuous.NodeTrait{Node: node.Id, Name: node.Name, Mean: []float64{float64(node.Id), -1}}
	}
	fn := filepath.Join(tst.TempDir(), "trait.png")
	require.NoError(tst, phenogram(t, nodes, 0, fn))
	st, err := os.Stat(fn)
	require.NoError(tst, err)
	assert.Greater(tst, st.Size(), int64(0))

	assert.Error(tst, phenogram(t, nodes, 2, fn))
	assert.Error(tst, phenogram(t, nil, 0, fn))
}

func TestEngineOptions(tst *testing.T) {
	t, err := tree.ParseNewick(strings.NewReader("((a:1,b:2):0.5,c:1.5):0;"))
	require.NoError(tst, err)
	table, err := traits.ParseTable(strings.NewReader("taxon x\na 0.1\nb -0.4\nc 1.2\n"))
	require.NoError(tst, err)
	m, err := config.Load(strings.NewReader("diffusion: {variance: [[1]]}\n"))
	require.NoError(tst, err)

	for threads, want := range map[int]int{0: 1, 1: 1, 4: 4} {
		w, err := m.Build(t, table, engineOptions(continuous.NewMetrics(nil), threads)...)
		require.NoError(tst, err)
		assert.Equal(tst, want, w.Delegate.Workers(), "threads=%d", threads)
	}
}
