// Package viz renders the change graph of a document, one node per change labelled with the
// text as of that change.
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

	"github.com/astromechza/theme-collab/pkg/crdt"
)

const maxLabelText = 32

// Label is the node label used for a revision.
func Label(r crdt.Revision) string {
	text := []rune(r.Text)
	if len(text) > maxLabelText {
		text = append(text[:maxLabelText], '…')
	}
	return fmt.Sprintf("%s %s@%d %s", r.Hash.String()[:8], r.Actor, r.Seq, strconv.Quote(string(text)))
}

// Render writes the revision graph to w in the given format.
func Render(revisions []crdt.Revision, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(revisions))
	edges := 0
	for _, r := range revisions {
		n, err := graph.CreateNode(r.Hash.String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(r))
		nodes[r.Hash.String()] = n

		for _, dep := range r.Dependencies {
			parent, ok := nodes[dep.String()]
			if !ok {
				return fmt.Errorf("revision %s depends on unknown %s", r.Hash, dep)
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderSVG(revisions []crdt.Revision, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(revisions, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// RenderToTemp renders an SVG into the temp dir and returns its path.
func RenderToTemp(revisions []crdt.Revision) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderSVG(revisions, tf); err != nil {
		return "", err
	}
	return tf, nil
}
