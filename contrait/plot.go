package main

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"bitbucket.org/Davydov/contrait/continuous"
	"bitbucket.org/Davydov/contrait/tree"
)

// phenogram draws the reconstructed values of one trait against the
// time from the root. Every branch is a line from the parent to the
// child, tips are labeled.
func phenogram(t *tree.Tree, nodes []continuous.NodeTrait, trait int, fn string) error {
	if len(nodes) == 0 || trait < 0 || trait >= len(nodes[0].Mean) {
		return fmt.Errorf("trait %d does not exist", trait)
	}
	heights := t.Heights()
	root := heights[t.Node.Id]

	p := plot.New()
	p.Title.Text = fmt.Sprintf("trait %d", trait)
	p.X.Label.Text = "time from the root"
	p.Y.Label.Text = "value"

	var tips plotter.XYLabels
	for _, node := range t.Nodes() {
		x := root - heights[node.Id]
		y := nodes[node.Id].Mean[trait]
		if node.IsTerminal() {
			tips.XYs = append(tips.XYs, plotter.XY{X: x, Y: y})
			tips.Labels = append(tips.Labels, node.Name)
		}
		if node.Parent == nil {
			continue
		}
		pid := node.Parent.Id
		line, err := plotter.NewLine(plotter.XYs{
			{X: root - heights[pid], Y: nodes[pid].Mean[trait]},
			{X: x, Y: y},
		})
		if err != nil {
			return err
		}
		line.Color = color.Gray{Y: 64}
		p.Add(line)
	}

	scatter, err := plotter.NewScatter(tips)
	if err != nil {
		return err
	}
	labels, err := plotter.NewLabels(tips)
	if err != nil {
		return err
	}
	p.Add(scatter, labels)

	return p.Save(6*vg.Inch, 4*vg.Inch, fn)
}
