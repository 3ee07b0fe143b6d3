package continuous

import (
	"sync"
	"sync/atomic"

	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/tree"
)

var serialCounter uint64

func nextSerial() uint64 {
	return atomic.AddUint64(&serialCounter, 1)
}

// entry is the cached state of a node: its post-order message and
// the message extended across its branch, with the dependency key
// they were built for. Entries are immutable.
type entry struct {
	serial uint64

	// dependency key
	t         float64
	class     int
	diffusion uint64
	tip       uint64
	topology  uint64
	children  []uint64

	below *message
	up    *message
	tr    *transition
}

func (e *entry) sameKey(k *entry) bool {
	if e.t != k.t || e.class != k.class || e.diffusion != k.diffusion ||
		e.tip != k.tip || e.topology != k.topology || len(e.children) != len(k.children) {
		return false
	}
	for i, s := range e.children {
		if k.children[i] != s {
			return false
		}
	}
	return true
}

// CachingController keeps node entries between evaluations and
// decides which of them are stale. A node is stale if its dependency
// key changed: the effective branch time, the diffusion version of its
// category, the tip data version, the serials of child entries or the
// topology.
type CachingController struct {
	entries []*entry
	stored  []*entry

	// changed is set by parameter listeners.
	changed  bool
	valid    bool
	last     Result
	topology uint64
	lengths  uint64

	storedState cacheState

	mu      sync.Mutex
	rebuilt []int
}

type cacheState struct {
	valid    bool
	last     Result
	topology uint64
	lengths  uint64
}

func newCachingController(n int) *CachingController {
	return &CachingController{entries: make([]*entry, n)}
}

// Watch subscribes to parameter changes.
func (c *CachingController) Watch(ps ...*parameter.Parameter) {
	for _, p := range ps {
		if p != nil {
			p.Subscribe(func(string, uint64) {
				c.changed = true
			})
		}
	}
}

func lengthsVersion(t *tree.Tree) (v uint64) {
	for _, node := range t.Nodes() {
		if w := node.Version(); w > v {
			v = w
		}
	}
	return
}

// fresh returns the last result if nothing changed since it was
// computed.
func (c *CachingController) fresh(t *tree.Tree) (Result, bool) {
	if !c.valid || c.changed || c.topology != t.Topology() || c.lengths != lengthsVersion(t) {
		return Result{}, false
	}
	return c.last, true
}

func (c *CachingController) begin(t *tree.Tree) {
	if len(c.entries) != t.NNodes() {
		c.entries = make([]*entry, t.NNodes())
	}
	c.changed = false
	c.rebuilt = c.rebuilt[:0]
}

func (c *CachingController) finish(t *tree.Tree, r Result) {
	c.last = r
	c.valid = true
	c.topology = t.Topology()
	c.lengths = lengthsVersion(t)
}

func (c *CachingController) get(id int) *entry {
	return c.entries[id]
}

// set stores a rebuilt entry. It is safe to call concurrently for
// different nodes.
func (c *CachingController) set(id int, e *entry) {
	c.entries[id] = e
	c.mu.Lock()
	c.rebuilt = append(c.rebuilt, id)
	c.mu.Unlock()
}

// Rebuilt returns ids of the nodes rebuilt by the last evaluation.
func (c *CachingController) Rebuilt() []int {
	return append([]int(nil), c.rebuilt...)
}

// Invalidate drops all the entries.
func (c *CachingController) Invalidate() {
	for i := range c.entries {
		c.entries[i] = nil
	}
	c.valid = false
}

// Store saves the current entries.
func (c *CachingController) Store() {
	c.stored = append(c.stored[:0], c.entries...)
	c.storedState = cacheState{c.valid, c.last, c.topology, c.lengths}
}

// Restore brings back the stored entries. Entries are immutable, so
// this is a swap of pointers.
func (c *CachingController) Restore() {
	if c.stored == nil {
		c.Invalidate()
		return
	}
	c.entries, c.stored = c.stored, c.entries
	c.valid, c.last = c.storedState.valid, c.storedState.last
	c.topology, c.lengths = c.storedState.topology, c.storedState.lengths
	c.changed = true
	c.stored = nil
}

// Accept drops the stored entries.
func (c *CachingController) Accept() {
	c.stored = nil
}
