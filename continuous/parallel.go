package continuous

import (
	"golang.org/x/sync/errgroup"

	"bitbucket.org/Davydov/contrait/tree"
)

// forLevels runs f for every node, level by level. Nodes of one level
// run concurrently on at most workers goroutines; a level starts after
// the previous one is complete. The first failure stops the pass.
func forLevels(levels [][]*tree.Node, workers int, f func(*tree.Node) Failure) Result {
	for _, level := range levels {
		var g errgroup.Group
		g.SetLimit(workers)
		for _, node := range level {
			node := node
			g.Go(func() error {
				if fail := f(node); fail != None {
					return &FailureError{Reason: fail, Node: node.Id}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			fe := err.(*FailureError)
			return failed(fe.Reason, fe.Node)
		}
	}
	return Result{}
}

// postOrderParallel updates entries starting from tips; all the
// children of a node belong to lower levels.
func (d *Delegate) postOrderParallel() Result {
	return forLevels(d.tree.Levels(), d.workers, d.update)
}
