package traits

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table1 = `# body size and wing length
taxon	size	wing
a	1.5	-0.2
b	NA	3e-1

c	2	?
`

func TestParseTable(tst *testing.T) {
	t, err := ParseTable(strings.NewReader(table1))
	require.NoError(tst, err)
	assert.Equal(tst, []string{"a", "b", "c"}, t.Names)
	assert.Equal(tst, []string{"size", "wing"}, t.Traits)
	assert.Equal(tst, [][]float64{{1.5, -0.2}, {0, 0.3}, {2, 0}}, t.Values)
	assert.Equal(tst, [][]bool{{false, false}, {true, false}, {false, true}}, t.Missing)
	assert.Equal(tst, 2, t.NMissing())

	p := t.Parameter("traits")
	assert.Equal(tst, 3, p.Rows())
	assert.Equal(tst, 2, p.Cols())
	assert.Equal(tst, 0.3, p.At(1, 1))
}

func TestParseErrors(tst *testing.T) {
	for _, bad := range []string{
		"",
		"# only a comment\n",
		"taxon\n",
		"taxon x y\na 1\n",
		"taxon x\na 1\na 2\n",
		"taxon x\na one\n",
	} {
		_, err := ParseTable(strings.NewReader(bad))
		assert.Error(tst, err, bad)
	}
}

func TestWrite(tst *testing.T) {
	t, err := ParseTable(strings.NewReader(table1))
	require.NoError(tst, err)
	var buf bytes.Buffer
	require.NoError(tst, t.Write(&buf))
	assert.Equal(tst, "taxon\tsize\twing\na\t1.5\t-0.2\nb\tNA\t0.3\nc\t2\tNA\n", buf.String())

	t2, err := ParseTable(&buf)
	require.NoError(tst, err)
	assert.Equal(tst, t, t2)
}
