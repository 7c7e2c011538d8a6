package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// FieldOptions tunes EncodeField.
type FieldOptions struct {
	// SignificantDigits for lossy rounding; zero or less disables rounding.
	SignificantDigits int
	// TimeStepCount limits how many timesteps are encoded; zero means all.
	TimeStepCount int
}

// DefaultFieldOptions rounds to DefaultSignificantDigits and encodes every
// timestep.
func DefaultFieldOptions() FieldOptions {
	return FieldOptions{SignificantDigits: DefaultSignificantDigits}
}

// ScalarFieldSeries is the wire form of a field item: one value per
// triangle for every timestep, ordered by timestep then triangle.
type ScalarFieldSeries struct {
	Values     []float32
	Descriptor model.MeshDescriptor
}

// Timestep returns the per-triangle values of timestep t.
func (s ScalarFieldSeries) Timestep(t int) ([]float32, error) {
	if t < 0 || t >= s.Descriptor.TimeStepCount {
		return nil, fmt.Errorf("%w: %d of %d", model.ErrTimestepNotFound, t, s.Descriptor.TimeStepCount)
	}
	n := s.Descriptor.TriangleCount
	return s.Values[t*n : (t+1)*n], nil
}

// Describe returns the descriptor of field item number without reading
// values beyond the timestep count.
func Describe(src *model.MeshSource, itemNumber int) (model.MeshDescriptor, error) {
	item, err := src.Item(itemNumber)
	if err != nil {
		return model.MeshDescriptor{}, err
	}
	return model.MeshDescriptor{
		TimeStepCount: item.TimeStepCount(),
		TriangleCount: src.TriangleCount(),
	}, nil
}

// EncodeField reads field item number of src, replaces the delete value
// with the sentinel, duplicates quad values for their second triangle and
// concatenates all timesteps. Values are then rounded to
// opts.SignificantDigits.
func EncodeField(ctx context.Context, src *model.MeshSource, itemNumber int, opts FieldOptions) (ScalarFieldSeries, error) {
	_, span := tracer.Start(ctx, "core.EncodeField")
	defer span.End()

	series, err := encodeField(src, itemNumber, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ScalarFieldSeries{}, err
	}
	span.SetAttributes(
		attribute.Int("field.item", itemNumber),
		attribute.Int("field.timesteps", series.Descriptor.TimeStepCount),
		attribute.Int("mesh.triangles", series.Descriptor.TriangleCount),
	)
	return series, nil
}

func encodeField(src *model.MeshSource, itemNumber int, opts FieldOptions) (ScalarFieldSeries, error) {
	desc, err := Describe(src, itemNumber)
	if err != nil {
		return ScalarFieldSeries{}, err
	}
	if opts.TimeStepCount > 0 {
		if opts.TimeStepCount > desc.TimeStepCount {
			return ScalarFieldSeries{}, fmt.Errorf("%w: requested %d timesteps, item has %d",
				model.ErrTimestepNotFound, opts.TimeStepCount, desc.TimeStepCount)
		}
		desc.TimeStepCount = opts.TimeStepCount
	}

	owners, err := TriangleElements(src)
	if err != nil {
		return ScalarFieldSeries{}, err
	}

	n := desc.TriangleCount
	values := make([]float32, desc.TimeStepCount*n)
	for t := 0; t < desc.TimeStepCount; t++ {
		perElement, err := src.ReadItemTimeStep(itemNumber, t)
		if err != nil {
			return ScalarFieldSeries{}, err
		}
		if len(perElement) != len(src.Elements) {
			return ScalarFieldSeries{}, fmt.Errorf("%w: item %d timestep %d has %d values for %d elements",
				ErrMalformedMesh, itemNumber, t, len(perElement), len(src.Elements))
		}

		dst := values[t*n : (t+1)*n]
		for j, e := range owners {
			v := perElement[e]
			if src.IsDeleted(v) {
				v = model.SentinelValue
			}
			dst[j] = v
		}
	}

	CompressTimestep(values, opts.SignificantDigits)
	return ScalarFieldSeries{Values: values, Descriptor: desc}, nil
}

// ExpandPerVertex repeats every per-triangle value three times so the
// series can be bound as a per-vertex attribute next to a
// TriangleVertexBuffer.
func ExpandPerVertex(values []float32) []float32 {
	out := make([]float32, 3*len(values))
	for i, v := range values {
		out[3*i] = v
		out[3*i+1] = v
		out[3*i+2] = v
	}
	return out
}
