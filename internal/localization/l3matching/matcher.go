package l3matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

var (
	// ErrNotConverged is returned when a matcher in the chain did not converge.
	ErrNotConverged = errors.New("matcher did not converge")
	// ErrDegenerateTransform is returned when a matcher produced a pose that
	// is not a finite rigid transform.
	ErrDegenerateTransform = geometry.ErrDegenerateTransform
	// ErrUnknownStrategy is returned for an unregistered matcher type.
	ErrUnknownStrategy = errors.New("unknown matcher")
)

// Target is the reference side of a registration.
type Target struct {
	Cloud *cloud.PointCloud
	Index *cloud.SpatialIndex
}

// NewTarget indexes c.
func NewTarget(c *cloud.PointCloud) Target {
	return Target{Cloud: c, Index: c.Index()}
}

// Attempt is one matcher's outcome.
type Attempt struct {
	// Pose maps the source cloud onto the target.
	Pose            geometry.Pose
	Converged       bool
	Iterations      int
	RMSE            float64
	Correspondences int
}

// Matcher registers a source cloud against a target starting from guess.
// A matcher that cannot converge returns an Attempt with Converged unset
// rather than an error; errors are reserved for invalid input.
type Matcher interface {
	Name() string
	Align(ctx context.Context, source *cloud.PointCloud, target Target, guess geometry.Pose) (Attempt, error)
}

// StageResult records one matcher's run within a chain.
type StageResult struct {
	Name            string        `json:"name"`
	Iterations      int           `json:"iterations"`
	RMSE            float64       `json:"rmse"`
	Correspondences int           `json:"correspondences"`
	Converged       bool          `json:"converged"`
	Duration        time.Duration `json:"duration"`
}

// Result aggregates a chain run. On failure it holds the stages that ran.
type Result struct {
	Pose       geometry.Pose
	Correction geometry.Pose
	Iterations int
	// Converged, RMSE and Correspondences come from the last matcher that ran.
	Converged       bool
	RMSE            float64
	Correspondences int
	Stages          []StageResult
	Duration        time.Duration
}

// Run executes matchers in order, feeding each pose to the next as its
// guess. The chain stops at the first error, non-converged attempt or
// invalid pose. An empty chain passes guess through as converged.
func Run(ctx context.Context, matchers []Matcher, source *cloud.PointCloud, target Target, guess geometry.Pose) (Result, error) {
	res := Result{Pose: guess, Correction: geometry.Identity(), Converged: true}
	cur := guess

	for _, m := range matchers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()
		att, err := m.Align(ctx, source, target, cur)
		elapsed := time.Since(start)

		res.Stages = append(res.Stages, StageResult{
			Name:            m.Name(),
			Iterations:      att.Iterations,
			RMSE:            att.RMSE,
			Correspondences: att.Correspondences,
			Converged:       att.Converged && err == nil,
			Duration:        elapsed,
		})
		res.Iterations += att.Iterations
		res.Duration += elapsed
		res.Converged = att.Converged && err == nil
		res.RMSE = att.RMSE
		res.Correspondences = att.Correspondences

		if err != nil {
			return res, fmt.Errorf("%s: %w", m.Name(), err)
		}
		if !att.Converged {
			return res, fmt.Errorf("%s: %w", m.Name(), ErrNotConverged)
		}
		if !att.Pose.IsValid() {
			res.Converged = false
			return res, fmt.Errorf("%s: %w", m.Name(), ErrDegenerateTransform)
		}
		cur = withMeta(att.Pose, guess)
	}

	res.Pose = cur
	res.Correction = geometry.Correction(guess, cur)
	return res, nil
}

// withMeta copies frame and timestamp from ref.
func withMeta(p, ref geometry.Pose) geometry.Pose {
	p.Frame = ref.Frame
	p.Timestamp = ref.Timestamp
	return p
}
