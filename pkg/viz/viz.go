// Package viz renders diagram graphs for debugging: as DOT text, or as SVG through graphviz.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

// label is the display text of an element: its name attribute when it has one, else its id, followed by its kind.
func label(id, kind string, attrs diagram.Attributes) string {
	text := id
	if name, ok := attrs["name"].(string); ok && name != "" {
		text = name
	}
	if kind != "" {
		text += " <" + kind + ">"
	}
	return text
}

func RenderGraphToSvg(g *diagram.Graph, outputPath string) error {
	gv := graphviz.New()
	defer gv.Close()

	graph, err := gv.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		cn, err := graph.CreateNode(id)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		cn.SetShape(cgraph.BoxShape)
		cn.SetLabel(label(id, n.Kind, n.Attributes))
		nodeMap[id] = cn
	}
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		source, target := nodeMap[e.Source], nodeMap[e.Target]
		if source == nil || target == nil {
			continue
		}
		ce, err := graph.CreateEdge(id, source, target)
		if err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		if e.Kind != "" {
			ce.SetLabel(e.Kind)
		}
	}

	var buff bytes.Buffer
	if err := gv.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(g *diagram.Graph) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderGraphToSvg(g, tf); err != nil {
		return "", err
	}
	return tf, nil
}

// WriteDot writes g as a DOT digraph with nodes and edges in id order.
func WriteDot(w io.Writer, name string, g *diagram.Graph) error {
	var buff bytes.Buffer
	fmt.Fprintf(&buff, "digraph %s {\n", strconv.Quote(name))
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		fmt.Fprintf(&buff, "    %s [shape=box label=%s]\n", strconv.Quote(id), strconv.Quote(label(id, n.Kind, n.Attributes)))
	}
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		if e.Kind != "" {
			fmt.Fprintf(&buff, "    %s -> %s [label=%s]\n", strconv.Quote(e.Source), strconv.Quote(e.Target), strconv.Quote(e.Kind))
		} else {
			fmt.Fprintf(&buff, "    %s -> %s\n", strconv.Quote(e.Source), strconv.Quote(e.Target))
		}
	}
	buff.WriteString("}\n")
	_, err := w.Write(buff.Bytes())
	return err
}
