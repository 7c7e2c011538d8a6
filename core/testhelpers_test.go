package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// harbourMesh is a quad (nodes 1-4) followed by a triangle (2,5,3), with one
// field item of two timesteps.
func harbourMesh() *model.MeshSource {
	return &model.MeshSource{
		Path:    "harbour.msh",
		CRS:     WGS84,
		NodeIDs: []int{1, 2, 3, 4, 5},
		X:       []float64{0, 1, 1, 0, 2},
		Y:       []float64{0, 0, 1, 1, 0.5},
		Z:       []float64{-1, -2, -3, -4, -5},
		Elements: []model.Element{
			{1, 2, 3, 4},
			{2, 5, 3},
		},
		Items: []model.FieldItem{{
			Name:  "DO",
			Times: []float64{0, 3600},
			Steps: [][]float32{
				{0.123, model.DefaultDeleteValue},
				{0, 14.56},
			},
		}},
		DeleteValue: model.DefaultDeleteValue,
	}
}

// gridMesh builds a mesh with tris triangles and quads quads on a strip of
// nodes; the element order interleaves the two kinds.
func gridMesh(tris, quads, timesteps int) *model.MeshSource {
	src := &model.MeshSource{CRS: WGS84, DeleteValue: model.DefaultDeleteValue}
	total := tris + quads
	for i := 0; i < total+3; i++ {
		src.NodeIDs = append(src.NodeIDs, 100+i)
		src.X = append(src.X, float64(i))
		src.Y = append(src.Y, float64(i%2))
		src.Z = append(src.Z, -float64(i))
	}
	t, q := tris, quads
	for i := 0; i < total; i++ {
		base := 100 + i
		if q > 0 && (t == 0 || i%2 == 0) {
			src.Elements = append(src.Elements, model.Element{base, base + 1, base + 2, base + 3})
			q--
		} else {
			src.Elements = append(src.Elements, model.Element{base, base + 1, base + 2})
			t--
		}
	}
	item := model.FieldItem{Name: "item"}
	for ts := 0; ts < timesteps; ts++ {
		step := make([]float32, total)
		for e := range step {
			step[e] = float32(ts*1000 + e)
		}
		item.Steps = append(item.Steps, step)
		item.Times = append(item.Times, float64(ts))
	}
	src.Items = []model.FieldItem{item}
	return src
}

type failingProjector struct{ after int }

func (p *failingProjector) Project(x, y float64) (float64, float64, error) {
	if p.after <= 0 {
		return 0, 0, fmt.Errorf("%w: degenerate", ErrProjection)
	}
	p.after--
	return x, y, nil
}

var errStop = errors.New("stop")
