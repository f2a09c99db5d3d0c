package l3matching

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// CentroidAlignment is a coarse global matcher. It moves the source
// centroid onto the target centroid and tries YawSteps evenly spaced
// headings about the vertical axis, keeping the one with the highest
// inlier fraction.
type CentroidAlignment struct {
	YawSteps          int     `mapstructure:"yaw_steps"`
	InlierDistance    float64 `mapstructure:"inlier_distance"`
	MinInlierFraction float64 `mapstructure:"min_inlier_fraction"`
	SamplePoints      int     `mapstructure:"sample_points"`
}

func (m *CentroidAlignment) Name() string { return "centroid_alignment" }

func (m *CentroidAlignment) Align(ctx context.Context, source *cloud.PointCloud, target Target, guess geometry.Pose) (Attempt, error) {
	att := Attempt{Pose: guess}
	if target.Index == nil || target.Cloud.Len() == 0 || source.Len() == 0 {
		return att, nil
	}

	moved := sample(source, m.SamplePoints)
	for i, p := range moved {
		moved[i] = guess.Apply(p)
	}
	var cs r3.Vector
	for _, p := range moved {
		cs = cs.Add(p)
	}
	cs = cs.Mul(1 / float64(len(moved)))
	ct := target.Cloud.Centroid()

	steps := m.YawSteps
	if steps < 1 {
		steps = 1
	}
	best := -1.0
	var bestDelta geometry.Pose
	var bestDists []float64
	for s := 0; s < steps; s++ {
		if err := ctx.Err(); err != nil {
			return att, err
		}
		yaw := 2 * math.Pi * float64(s) / float64(steps)
		// Rotate about the source centroid, then translate onto the target centroid.
		rot := geometry.NewPose(r3.Vector{}, geometry.FromRPY(0, 0, yaw))
		delta := geometry.NewPose(ct.Sub(rot.Rotate(cs)), rot.Rotation)

		inliers := 0
		dists := make([]float64, 0, len(moved))
		for _, p := range moved {
			nb, ok := target.Index.Nearest(delta.Apply(p))
			if ok && nb.Distance <= m.InlierDistance {
				inliers++
				dists = append(dists, nb.Distance)
			}
		}
		frac := float64(inliers) / float64(len(moved))
		if frac > best {
			best, bestDelta, bestDists = frac, delta, dists
		}
		att.Iterations++
	}

	att.Pose = withMeta(bestDelta.Compose(guess), guess)
	att.Correspondences = len(bestDists)
	att.RMSE = math.Inf(1)
	if len(bestDists) > 0 {
		var sum float64
		for _, d := range bestDists {
			sum += d * d
		}
		att.RMSE = math.Sqrt(sum / float64(len(bestDists)))
	}
	att.Converged = best >= m.MinInlierFraction
	return att, nil
}

// sample returns up to n positions taken at an even stride.
func sample(c *cloud.PointCloud, n int) []r3.Vector {
	if n <= 0 || c.Len() <= n {
		return c.Positions()
	}
	if n == 1 {
		return []r3.Vector{c.Points[0].Position}
	}
	out := make([]r3.Vector, n)
	step := float64(c.Len()-1) / float64(n-1)
	for i := range out {
		out[i] = c.Points[int(float64(i)*step)].Position
	}
	return out
}
