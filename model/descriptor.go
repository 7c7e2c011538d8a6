package model

// MeshDescriptor is what a renderer needs before it can slice a field
// buffer into timesteps.
type MeshDescriptor struct {
	TimeStepCount int `json:"timeStepCount"`
	TriangleCount int `json:"triangleCount"`
}

// ValuesPerTimestep returns the number of wire values per timestep.
func (d MeshDescriptor) ValuesPerTimestep() int { return d.TriangleCount }

// VertexCount returns the number of non-indexed vertices drawn per frame.
func (d MeshDescriptor) VertexCount() int { return 3 * d.TriangleCount }

// ViewState is the ephemeral interactive state of a viewer. It is passed
// explicitly into every render call.
type ViewState struct {
	CurrentTimestep   int
	DepthExaggeration bool
	DepthScale        float32
	PointerX          float32
}
