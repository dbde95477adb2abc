// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stagegraph

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

var kindShapes = [NumKinds]string{"invhouse", "box3d", "plaintext", "ellipse", "house", "box"}

// WriteDOT writes the graph in Graphviz DOT format, for debugging.
func (g *Graph) WriteDOT(w io.Writer, name string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph %s {\n", strconv.Quote(name))
	for _, n := range g.Nodes {
		style := ""
		if n.Remat {
			style = `, style=dashed`
		}
		label := fmt.Sprintf("%s\n%s", n.Label, n.Shape)
		fmt.Fprintf(bw, "  n%d [label=%s, shape=%s%s];\n", n.ID, strconv.Quote(label), kindShapes[n.Kind], style)
	}
	for _, e := range g.Edges {
		fmt.Fprintf(bw, "  n%d -> n%d;\n", e.From, e.To)
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
