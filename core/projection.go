package core

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/geom/proj"
)

// WGS84 is the geographic reference the renderer expects: longitude and
// latitude in degrees.
const WGS84 = "+proj=longlat +datum=WGS84 +no_defs"

// ErrProjection covers invalid reference systems and failed transforms.
// There is no fallback projection.
var ErrProjection = errors.New("reprojection failed")

// Projector maps planar source coordinates into the target reference.
type Projector interface {
	Project(x, y float64) (float64, float64, error)
}

type projProjector struct {
	transform proj.Transformer
}

// NewProjector builds a Projector between two reference systems, each given
// as a PROJ.4 string or WKT.
func NewProjector(srcCRS, dstCRS string) (Projector, error) {
	if strings.TrimSpace(srcCRS) == "" {
		return nil, fmt.Errorf("%w: source reference system is empty", ErrProjection)
	}
	src, err := proj.Parse(srcCRS)
	if err != nil {
		return nil, fmt.Errorf("%w: parse source reference system: %v", ErrProjection, err)
	}
	dst, err := proj.Parse(dstCRS)
	if err != nil {
		return nil, fmt.Errorf("%w: parse target reference system: %v", ErrProjection, err)
	}
	t, err := src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("%w: create transform: %v", ErrProjection, err)
	}
	return &projProjector{transform: t}, nil
}

func (p *projProjector) Project(x, y float64) (float64, float64, error) {
	px, py, err := p.transform(x, y)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: (%g, %g): %v", ErrProjection, x, y, err)
	}
	if !finite(px) || !finite(py) {
		return 0, 0, fmt.Errorf("%w: (%g, %g) maps to non-finite (%g, %g)", ErrProjection, x, y, px, py)
	}
	return px, py, nil
}

// IdentityProjector passes coordinates through; used for sources that are
// already geographic.
type IdentityProjector struct{}

func (IdentityProjector) Project(x, y float64) (float64, float64, error) { return x, y, nil }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
