package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/dfsu-stream/model"
)

var tracer = otel.Tracer("github.com/signalsfoundry/dfsu-stream/core")

// TriangleVertexBuffer holds x, y, z for every vertex of every triangle,
// non-indexed. Its length is always 9 × triangle count.
type TriangleVertexBuffer []float32

// TriangleCount returns the number of triangles in the buffer.
func (b TriangleVertexBuffer) TriangleCount() int { return len(b) / 9 }

// ExtractVertices reprojects and tessellates src into a flat triangle list.
// X and Y go through p; Z is copied unreprojected. Any projection failure
// or dangling node reference aborts the whole extraction.
func ExtractVertices(ctx context.Context, src *model.MeshSource, p Projector) (TriangleVertexBuffer, error) {
	_, span := tracer.Start(ctx, "core.ExtractVertices")
	defer span.End()

	triangles := src.TriangleCount()
	span.SetAttributes(
		attribute.Int("mesh.elements", len(src.Elements)),
		attribute.Int("mesh.triangles", triangles),
	)

	// Nodes are shared by several elements; project each one once.
	projected := make([][2]float32, len(src.NodeIDs))
	done := make([]bool, len(src.NodeIDs))
	project := func(i int) ([2]float32, error) {
		if done[i] {
			return projected[i], nil
		}
		x, y, err := p.Project(src.X[i], src.Y[i])
		if err != nil {
			return [2]float32{}, err
		}
		projected[i] = [2]float32{float32(x), float32(y)}
		done[i] = true
		return projected[i], nil
	}

	out := make(TriangleVertexBuffer, 0, 9*triangles)
	err := WalkTriangles(src, func(tri Triangle) error {
		for _, n := range tri.Nodes {
			xy, err := project(n)
			if err != nil {
				return err
			}
			out = append(out, xy[0], xy[1], float32(src.Z[n]))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}
