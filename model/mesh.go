package model

import (
	"errors"
	"fmt"
)

const (
	// SentinelValue marks "no data" in encoded field buffers. It bypasses
	// significant-digit rounding and is rendered in a fixed neutral color.
	SentinelValue float32 = -999.9

	// DefaultDeleteValue is the DFS delete value for single precision items.
	DefaultDeleteValue float32 = 1e-35
)

var (
	// ErrItemNotFound is returned when a field item number is out of range.
	ErrItemNotFound = errors.New("field item not found")
	// ErrTimestepNotFound is returned when a timestep index is out of range.
	ErrTimestepNotFound = errors.New("timestep not found")
)

// Element is an ordered list of 3 (triangle) or 4 (quad) node ids.
type Element []int

// IsQuad reports whether the element is split into two triangles.
func (e Element) IsQuad() bool { return len(e) == 4 }

// FieldItem is one scalar quantity stored on the mesh, with one value per
// element for every timestep.
type FieldItem struct {
	Name  string
	Times []float64
	// Steps is indexed [timestep][element].
	Steps [][]float32
}

// TimeStepCount returns the number of stored timesteps.
func (f *FieldItem) TimeStepCount() int {
	if f == nil {
		return 0
	}
	return len(f.Steps)
}

// MeshSource is a loaded mesh file: node coordinates in the source CRS,
// the element table and any field items. It is immutable once loaded and
// may be shared read-only across goroutines.
type MeshSource struct {
	Path string
	// CRS is a PROJ.4 string or WKT describing X and Y.
	CRS string

	NodeIDs []int
	X       []float64
	Y       []float64
	Z       []float64

	Elements []Element
	Items    []FieldItem

	// DeleteValue is the source's missing-data marker; values equal to it are
	// replaced by SentinelValue during field encoding.
	DeleteValue float32
}

// IsDeleted reports whether v is the source's missing-data marker. A zero
// DeleteValue means the source has no marker.
func (m *MeshSource) IsDeleted(v float32) bool {
	return m.DeleteValue != 0 && v == m.DeleteValue
}

// NodeIndex maps node ids to their position in the coordinate arrays.
func (m *MeshSource) NodeIndex() map[int]int {
	idx := make(map[int]int, len(m.NodeIDs))
	for i, id := range m.NodeIDs {
		idx[id] = i
	}
	return idx
}

// QuadCount returns the number of 4-node elements.
func (m *MeshSource) QuadCount() int {
	n := 0
	for _, e := range m.Elements {
		if e.IsQuad() {
			n++
		}
	}
	return n
}

// TriangleCount returns the number of triangles after quads are split.
func (m *MeshSource) TriangleCount() int {
	return len(m.Elements) + m.QuadCount()
}

// Item returns the 1-indexed field item.
func (m *MeshSource) Item(number int) (*FieldItem, error) {
	if number < 1 || number > len(m.Items) {
		return nil, fmt.Errorf("%w: item %d of %d", ErrItemNotFound, number, len(m.Items))
	}
	return &m.Items[number-1], nil
}

// ReadItemTimeStep returns the per-element values of item number at
// timestep t. The returned slice must not be modified.
func (m *MeshSource) ReadItemTimeStep(number, t int) ([]float32, error) {
	item, err := m.Item(number)
	if err != nil {
		return nil, err
	}
	if t < 0 || t >= len(item.Steps) {
		return nil, fmt.Errorf("%w: timestep %d of item %q", ErrTimestepNotFound, t, item.Name)
	}
	return item.Steps[t], nil
}
