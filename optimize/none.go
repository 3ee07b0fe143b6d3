package optimize

// None is an optimizer which computes initial value and exits.
type None struct {
	BaseOptimizer
}

// NewNone creates an optimizer which computes initial likelihood only.
func NewNone() *None {
	return &None{BaseOptimizer{method: "none"}}
}

// Run computes the likelihood at the current values.
func (n *None) Run(iterations int) error {
	n.start()
	n.evaluate(n.parameters.Values(nil))
	n.i = 0
	n.l = n.maxL
	n.PrintLine()
	n.finish()
	return nil
}
