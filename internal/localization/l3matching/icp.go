package l3matching

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// ICPParams are shared by both ICP variants.
type ICPParams struct {
	MaxIterations             int     `mapstructure:"max_iterations"`
	MaxCorrespondenceDistance float64 `mapstructure:"max_correspondence_distance"`
	// TransformationEpsilon bounds the per-iteration translation (metres)
	// and RotationEpsilon the per-iteration rotation (radians) at convergence.
	TransformationEpsilon float64 `mapstructure:"transformation_epsilon"`
	RotationEpsilon       float64 `mapstructure:"rotation_epsilon"`
	MinCorrespondences    int     `mapstructure:"min_correspondences"`
}

func defaultICPParams() ICPParams {
	return ICPParams{
		MaxIterations:             30,
		MaxCorrespondenceDistance: 1.0,
		TransformationEpsilon:     1e-4,
		RotationEpsilon:           1e-4,
		MinCorrespondences:        10,
	}
}

// pair is a source point after transformation and its nearest target point.
type pair struct {
	src, dst r3.Vector
	normal   r3.Vector
	hasN     bool
	dist     float64
}

// correspond pairs every transformed source point with its nearest target
// point within maxDist.
func correspond(source *cloud.PointCloud, target Target, pose geometry.Pose, maxDist float64) []pair {
	pairs := make([]pair, 0, source.Len())
	for _, p := range source.Points {
		q := pose.Apply(p.Position)
		nb, ok := target.Index.Nearest(q)
		if !ok || nb.Distance > maxDist {
			continue
		}
		t := target.Cloud.Points[nb.Index]
		pairs = append(pairs, pair{src: q, dst: t.Position, normal: t.Normal, hasN: t.HasNormal, dist: nb.Distance})
	}
	return pairs
}

func rmse(pairs []pair) float64 {
	if len(pairs) == 0 {
		return math.Inf(1)
	}
	sq := make([]float64, len(pairs))
	for i, p := range pairs {
		sq[i] = p.dist * p.dist
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

// kabsch returns the rigid transform best mapping src onto dst in the
// least-squares sense.
func kabsch(pairs []pair) (geometry.Pose, bool) {
	n := float64(len(pairs))
	var cs, cd r3.Vector
	for _, p := range pairs {
		cs = cs.Add(p.src)
		cd = cd.Add(p.dst)
	}
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	for _, p := range pairs {
		a := p.src.Sub(cs)
		b := p.dst.Sub(cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				h.Set(i, j, h.At(i, j)+av[i]*bv[j])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return geometry.Pose{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	rot := geometry.NewPose(r3.Vector{}, geometry.QuaternionFromDense(&r))
	t := cd.Sub(rot.Rotate(cs))
	return geometry.NewPose(t, rot.Rotation), true
}

// ICPPointToPoint is classic ICP with closed-form SVD updates.
type ICPPointToPoint struct {
	ICPParams `mapstructure:",squash"`
}

func (m *ICPPointToPoint) Name() string { return "icp_point_to_point" }

func (m *ICPPointToPoint) Align(ctx context.Context, source *cloud.PointCloud, target Target, guess geometry.Pose) (Attempt, error) {
	return iterate(ctx, m.ICPParams, source, target, guess, kabsch)
}

// iterate runs the shared ICP loop with the given update step.
func iterate(ctx context.Context, p ICPParams, source *cloud.PointCloud, target Target, guess geometry.Pose, step func([]pair) (geometry.Pose, bool)) (Attempt, error) {
	att := Attempt{Pose: guess}
	if target.Index == nil || target.Cloud.Len() == 0 || source.Len() == 0 {
		return att, nil
	}

	pose := guess
	small := false
	for att.Iterations < p.MaxIterations {
		if err := ctx.Err(); err != nil {
			return att, err
		}
		pairs := correspond(source, target, pose, p.MaxCorrespondenceDistance)
		if len(pairs) < 3 {
			break
		}
		delta, ok := step(pairs)
		att.Iterations++
		if !ok {
			break
		}
		pose = delta.Compose(pose)
		if delta.TranslationNorm() < p.TransformationEpsilon && delta.RotationAngle() < p.RotationEpsilon {
			small = true
			break
		}
	}

	final := correspond(source, target, pose, p.MaxCorrespondenceDistance)
	att.Pose = withMeta(pose, guess)
	att.RMSE = rmse(final)
	att.Correspondences = len(final)
	att.Converged = small && len(final) >= p.MinCorrespondences
	return att, nil
}
