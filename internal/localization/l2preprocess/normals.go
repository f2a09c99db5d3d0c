package l2preprocess

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// PCANormals estimates each normal as the eigenvector of the smallest
// eigenvalue of the neighbourhood covariance. Neighbourhoods are the K
// nearest points, or every point within Radius when Radius is set. Normals
// are flipped to face Viewpoint, the sensor origin by default.
type PCANormals struct {
	K         int       `mapstructure:"k"`
	Radius    float64   `mapstructure:"radius"`
	Viewpoint []float64 `mapstructure:"viewpoint"`
}

func (e *PCANormals) Name() string { return "pca" }

func (e *PCANormals) Estimate(c, surface *cloud.PointCloud, idx *cloud.SpatialIndex) (*cloud.PointCloud, error) {
	if e.K < 3 && e.Radius <= 0 {
		return nil, fmt.Errorf("pca: k must be at least 3 or radius positive")
	}
	var vp r3.Vector
	if len(e.Viewpoint) == 3 {
		vp = r3.Vector{X: e.Viewpoint[0], Y: e.Viewpoint[1], Z: e.Viewpoint[2]}
	}

	out := c.Clone()
	found := 0
	for i := range out.Points {
		p := &out.Points[i]
		nbs := e.neighbours(idx, p.Position)
		res, ok := fitPlane(surface, nbs)
		if !ok {
			p.HasNormal = false
			continue
		}
		if res.normal.Dot(vp.Sub(p.Position)) < 0 {
			res.normal = res.normal.Mul(-1)
		}
		p.Normal = res.normal
		p.Curvature = res.curvature
		p.HasNormal = true
		found++
	}
	if found == 0 && out.Len() > 0 {
		return nil, fmt.Errorf("pca: %w: no point has 3 neighbours", ErrTooFewPoints)
	}
	return out, nil
}

func (e *PCANormals) neighbours(idx *cloud.SpatialIndex, q r3.Vector) []cloud.Neighbor {
	if e.Radius > 0 {
		return idx.Radius(q, e.Radius)
	}
	return idx.KNearest(q, e.K)
}

// PrincipalCurvature sets each point's curvature to the surface variation
// λmin / Σλ of its K nearest neighbours, leaving normals untouched.
type PrincipalCurvature struct {
	K int `mapstructure:"k"`
}

func (e *PrincipalCurvature) Name() string { return "principal" }

func (e *PrincipalCurvature) Estimate(c *cloud.PointCloud, idx *cloud.SpatialIndex) (*cloud.PointCloud, error) {
	if e.K < 3 {
		return nil, fmt.Errorf("principal: k must be at least 3, got %d", e.K)
	}
	out := c.Clone()
	for i := range out.Points {
		p := &out.Points[i]
		if res, ok := fitPlane(c, idx.KNearest(p.Position, e.K)); ok {
			p.Curvature = res.curvature
		}
	}
	return out, nil
}

type planeFit struct {
	normal    r3.Vector
	curvature float64
}

// fitPlane runs PCA over the neighbour positions in src.
func fitPlane(src *cloud.PointCloud, nbs []cloud.Neighbor) (planeFit, bool) {
	if len(nbs) < 3 {
		return planeFit{}, false
	}

	var centroid r3.Vector
	for _, nb := range nbs {
		centroid = centroid.Add(src.Points[nb.Index].Position)
	}
	n := float64(len(nbs))
	centroid = centroid.Mul(1 / n)

	var cov [9]float64 // 3x3 row-major
	for _, nb := range nbs {
		d := src.Points[nb.Index].Position.Sub(centroid)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[4] += d.Y * d.Y
		cov[5] += d.Y * d.Z
		cov[8] += d.Z * d.Z
	}
	cov[3], cov[6], cov[7] = cov[1], cov[2], cov[5]
	for i := range cov {
		cov[i] /= n
	}

	var eigen mat.EigenSym
	if !eigen.Factorize(mat.NewSymDense(3, cov[:]), true) {
		return planeFit{}, false
	}
	vals := eigen.Values(nil)
	var vecs mat.Dense
	eigen.VectorsTo(&vecs)

	// Eigenvalues are ascending; column 0 is the normal.
	normal := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if normal.Norm() == 0 {
		return planeFit{}, false
	}
	var curvature float64
	if sum := vals[0] + vals[1] + vals[2]; sum > 1e-15 {
		curvature = vals[0] / sum
	}
	return planeFit{normal: normal.Normalize(), curvature: curvature}, true
}
