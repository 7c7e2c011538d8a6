// Package core turns a loaded mesh source into the flat buffers a renderer
// consumes: reprojected triangle vertices and per-triangle field values.
package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/dfsu-stream/model"
)

var (
	// ErrUnknownNode is returned when an element references a node id that is
	// absent from the coordinate arrays.
	ErrUnknownNode = errors.New("element references unknown node")
	// ErrUnsupportedElement is returned for elements that are neither
	// triangles nor quads.
	ErrUnsupportedElement = errors.New("unsupported element")
	// ErrMalformedMesh is returned when coordinate or value arrays do not
	// line up with the node and element tables.
	ErrMalformedMesh = errors.New("malformed mesh")
)

// Triangle is one emitted triangle: the element it came from and the
// indices of its three nodes in the coordinate arrays.
type Triangle struct {
	Element int
	Nodes   [3]int
}

// WalkTriangles visits every triangle of src in emission order. A triangle
// element yields (0,1,2); a quad yields (0,1,2) then (0,2,3). Vertex
// extraction and field encoding both iterate through here so that geometry
// and values stay index aligned.
func WalkTriangles(src *model.MeshSource, fn func(Triangle) error) error {
	nodes := len(src.NodeIDs)
	if len(src.X) != nodes || len(src.Y) != nodes || len(src.Z) != nodes {
		return fmt.Errorf("%w: %d node ids but %d/%d/%d coordinates",
			ErrMalformedMesh, nodes, len(src.X), len(src.Y), len(src.Z))
	}

	index := src.NodeIndex()
	lookup := func(elem, id int) (int, error) {
		i, ok := index[id]
		if !ok {
			return 0, fmt.Errorf("%w: element %d node %d", ErrUnknownNode, elem, id)
		}
		return i, nil
	}

	for ei, e := range src.Elements {
		if len(e) != 3 && len(e) != 4 {
			return fmt.Errorf("%w: element %d has %d nodes", ErrUnsupportedElement, ei, len(e))
		}
		var n [4]int
		for k, id := range e {
			i, err := lookup(ei, id)
			if err != nil {
				return err
			}
			n[k] = i
		}

		if err := fn(Triangle{Element: ei, Nodes: [3]int{n[0], n[1], n[2]}}); err != nil {
			return err
		}
		if e.IsQuad() {
			if err := fn(Triangle{Element: ei, Nodes: [3]int{n[0], n[2], n[3]}}); err != nil {
				return err
			}
		}
	}
	return nil
}

// TriangleElements returns, for each emitted triangle, the index of the
// element it belongs to.
func TriangleElements(src *model.MeshSource) ([]int, error) {
	out := make([]int, 0, src.TriangleCount())
	err := WalkTriangles(src, func(tri Triangle) error {
		out = append(out, tri.Element)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
