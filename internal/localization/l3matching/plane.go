package l3matching

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// ICPPointToPlane minimises distances along the target normals using the
// small-angle linearisation. Without target normals it behaves as
// point-to-point.
type ICPPointToPlane struct {
	ICPParams `mapstructure:",squash"`
}

func (m *ICPPointToPlane) Name() string { return "icp_point_to_plane" }

func (m *ICPPointToPlane) Align(ctx context.Context, source *cloud.PointCloud, target Target, guess geometry.Pose) (Attempt, error) {
	if !target.Cloud.HasNormals() {
		return iterate(ctx, m.ICPParams, source, target, guess, kabsch)
	}
	return iterate(ctx, m.ICPParams, source, target, guess, pointToPlaneStep)
}

// pointToPlaneStep solves the 6x6 normal equations for [ω, t] with
// residual (p + ω×p + t − q)·n.
func pointToPlaneStep(pairs []pair) (geometry.Pose, bool) {
	ata := mat.NewSymDense(6, nil)
	atb := mat.NewVecDense(6, nil)
	used := 0
	for _, p := range pairs {
		if !p.hasN {
			continue
		}
		n := p.normal
		c := p.src.Cross(n)
		row := [6]float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z}
		b := p.dst.Sub(p.src).Dot(n)
		for i := 0; i < 6; i++ {
			atb.SetVec(i, atb.AtVec(i)+row[i]*b)
			for j := i; j < 6; j++ {
				ata.SetSym(i, j, ata.At(i, j)+row[i]*row[j])
			}
		}
		used++
	}
	if used < 6 {
		return kabsch(pairs)
	}

	var x mat.VecDense
	if err := x.SolveVec(ata, atb); err != nil {
		return geometry.Pose{}, false
	}
	rot := geometry.FromRPY(x.AtVec(0), x.AtVec(1), x.AtVec(2))
	return geometry.NewPose(r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}, rot), true
}
