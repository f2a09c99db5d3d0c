package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/frames"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/localization/l1admission"
	"github.com/banshee-data/dynamic-localization/internal/localization/l2preprocess"
	"github.com/banshee-data/dynamic-localization/internal/localization/l3matching"
	"github.com/banshee-data/dynamic-localization/internal/localization/l4outliers"
	"github.com/banshee-data/dynamic-localization/internal/localization/l5validation"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
	"github.com/banshee-data/dynamic-localization/internal/timeutil"
)

// cycleContext is the state of one cycle. Nothing in it outlives the cycle.
type cycleContext struct {
	now   time.Time
	start time.Time
	st    *stages
	snap  *refmap.Snapshot
	cloud *cloud.PointCloud
	// origin is the sensor position in the base frame.
	origin r3.Vector
	d      *localization.Diagnostics
	// accepted is set once the tracking machine has taken this cycle's pose.
	accepted bool
}

// ProcessCloud runs one synchronous cycle on c and returns its record.
func (l *Localizer) ProcessCloud(ctx context.Context, c *cloud.PointCloud) localization.Diagnostics {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	d := l.cycle(ctx, c, 0)
	l.emit(d)
	return d
}

// cycle must be called with cycleMu held.
func (l *Localizer) cycle(ctx context.Context, c *cloud.PointCloud, dropped int) (d localization.Diagnostics) {
	snap := timeutil.Take(l.clock)
	cc := &cycleContext{
		now:   snap.Now,
		start: time.Now(),
		st:    l.stages.Load(),
		snap:  l.maps.Current(),
		cloud: c,
		d: &localization.Diagnostics{
			CycleID:   uuid.NewString(),
			CycleTime: snap.Now,
			Dropped:   dropped,
		},
	}
	if c != nil {
		cc.d.Source = c.Source
		cc.d.CloudTime = c.Timestamp
		cc.d.RawPoints = c.Len()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Opsf("panic in cycle %s: %v\n%s", cc.d.CycleID, r, debug.Stack())
			cc.d.Reason = fmt.Sprint(r)
			if !cc.accepted {
				l.fail(cc)
				cc.d.Pose, cc.d.Correction = nil, nil
			}
			d = l.finish(cc, localization.StatusExceptionRaised)
		}
	}()

	status := l.run(ctx, cc)
	return l.finish(cc, status)
}

// run executes the stages in order and returns the cycle's status.
func (l *Localizer) run(ctx context.Context, cc *cycleContext) localization.Status {
	if tr := l.machine.CheckTimeout(cc.now); tr != nil {
		cc.d.Transition = tr
	}
	if cc.cloud == nil {
		return localization.StatusWaitingForSensorData
	}
	st := cc.st
	cfg := st.cfg

	// Admission.
	t := time.Now()
	dec := st.gate.Check(l1admission.Input{
		Timestamp: cc.cloud.Timestamp,
		Points:    cc.cloud.Len(),
		Source:    cc.cloud.Source,
	}, l1admission.State{
		SubscribersEnabled: l.subscribersEnabled.Load(),
		LastCloudTime:      l.lastCloudTime,
		LastRegistration:   l.lastRegistration,
		ProcessedCount:     l.processed,
		LastPoseTime:       l.lastPoseTime,
		Tracking:           l.machine.Mode() == localization.ModeTracking,
	}, cc.now)
	cc.d.Durations.Admission = time.Since(t)
	if !dec.Accepted {
		if dec.Status == localization.StatusPointCloudDiscarded {
			// Continuity with the last pose is lost; count it against tracking.
			cc.d.Reason = "cloud too far from the last accepted pose"
			if tr := l.machine.Fail(cc.now); tr != nil {
				cc.d.Transition = tr
			}
		}
		return dec.Status
	}
	l.lastCloudTime = cc.cloud.Timestamp
	l.lastRegistration = cc.now
	l.processed++

	// Frame transform into the base frame.
	t = time.Now()
	base := cfg.GetBaseFrame()
	in, origin, err := l.toBase(cc.cloud, base, cfg.GetSensorFrame())
	cc.d.Durations.Transform = time.Since(t)
	if err != nil {
		cc.d.Reason = err.Error()
		return localization.StatusFailedTFTransform
	}
	cc.cloud, cc.origin = in, origin

	if l.accum != nil {
		merged, missing := l.accum.Add(cc.cloud)
		if merged == nil {
			if len(missing) > 0 {
				cc.d.Reason = "waiting for " + strings.Join(missing, ", ")
			} else {
				cc.d.Reason = fmt.Sprintf("%d points buffered", l.accum.Len())
			}
			return localization.StatusFillingCircularBufferWithMsgsFromAllTopics
		}
		cc.cloud = merged
	}

	if cc.snap == nil {
		if cfg.GetUpdateMode() != config.UpdateModeNoIntegration && !cfg.GetMapRequired() {
			return l.bootstrap(cc)
		}
		cc.d.Reason = refmap.ErrNoReference.Error()
		return localization.StatusMissingReferencePointCloud
	}

	// Preprocessing.
	t = time.Now()
	if !cc.snap.Prepared {
		if status, ok := l.prepareReference(cc); !ok {
			cc.d.Durations.Preprocess = time.Since(t)
			return status
		}
	}
	mode := l.machine.Mode()
	out, err := st.preprocess.Run(cc.cloud, mode)
	cc.d.Durations.Preprocess = time.Since(t)
	if err != nil {
		cc.d.Reason = err.Error()
		l.fail(cc)
		return preprocessStatus(err)
	}
	cc.d.FilteredPoints = out.Cloud.Len()
	cc.d.KeypointPoints = out.Keypoints.Len()
	cc.d.ReferencePoints = cc.snap.Len()

	if path := cfg.GetFilteredCloudSavePath(); path != "" {
		if err := cloud.WritePCDFile(out.Cloud, path, cloud.PCDBinary); err != nil {
			logger.Opsf("save filtered cloud to %s: %v", path, err)
		} else if cfg.GetStopAfterSavingFilteredCloud() {
			l.subscribersEnabled.Store(false)
			logger.Diagw("filtered cloud saved, processing stopped", "path", path)
			return localization.StatusSuccessfulPreprocessing
		}
	}

	// Matching.
	guess := l.guess(cc)
	t = time.Now()
	res, err := l.match(ctx, cc, mode, out, guess)
	cc.d.Durations.Matching = time.Since(t)
	l.recordMatching(cc, res)
	if err != nil {
		cc.d.Reason = err.Error()
		l.fail(cc)
		if mode == localization.ModeInitialPoseEstimation {
			return localization.StatusFailedInitialPoseEstimation
		}
		return localization.StatusFailedPoseEstimation
	}

	// Outlier classification.
	t = time.Now()
	target := l3matching.Target{Cloud: cc.snap.Cloud, Index: cc.snap.Index}
	registered := out.OutlierCloud.Transformed(res.Pose)
	report, err := st.classifier.Classify(registered, target, res.Pose.Apply(cc.origin))
	if err != nil {
		cc.d.Durations.Outliers = time.Since(t)
		cc.d.Reason = err.Error()
		l.fail(cc)
		return localization.StatusFailedPoseEstimation
	}
	var refPct float64
	computeRef := cfg.GetComputeReferenceOutliers()
	if computeRef {
		if refPct, err = st.classifier.ClassifyReference(cc.snap.Cloud, registered); err != nil {
			cc.d.Durations.Outliers = time.Since(t)
			cc.d.Reason = err.Error()
			l.fail(cc)
			return localization.StatusFailedPoseEstimation
		}
	}
	cc.d.Durations.Outliers = time.Since(t)
	l.recordOutliers(cc, report, refPct)

	// Validation.
	t = time.Now()
	err = l5validation.Validate(st.validators.For(mode), l5validation.Input{
		Guess:                      guess,
		Corrected:                  res.Pose,
		RMSE:                       report.InlierRMSE,
		Inliers:                    report.InlierCount(),
		OutlierPercentage:          report.OutlierPercentage,
		ReferenceOutlierPercentage: refPct,
		ReferenceComputed:          computeRef,
		InlierAngularCoverage:      report.InlierAngularCoverage,
		AngularComputed:            report.AngularComputed,
	})
	cc.d.Durations.Validation = time.Since(t)
	if err != nil {
		cc.d.Reason = err.Error()
		l.fail(cc)
		return localization.StatusPoseEstimationRejectedByTransformationValidators
	}

	// Post-processing, covariance and acceptance.
	var last *geometry.Pose
	if p, _, ok := l.machine.LastAccepted(); ok && mode != localization.ModeInitialPoseEstimation {
		last = &p.Pose
	}
	pose, err := postProcess(st.post, guess, res.Pose, last)
	if err != nil {
		cc.d.Reason = err.Error()
		l.fail(cc)
		return localization.StatusFailedTransformationAligner
	}
	accepted := geometry.PoseWithCovariance{
		Pose:       pose,
		Covariance: st.covariance.Estimate(CovarianceInput{InlierRMSE: report.InlierRMSE, Inliers: report.Inliers}),
	}
	correction := geometry.Correction(guess, pose)
	if tr := l.machine.Accept(accepted, correction, cc.now); tr != nil {
		cc.d.Transition = tr
	}
	cc.accepted = true
	l.lastPoseTime = cc.cloud.Timestamp
	cc.d.Pose = &accepted
	cc.d.Correction = correctionDiagnostics(st.post, correction)
	rmse := report.InlierRMSE
	if report.InlierCount() == 0 {
		rmse = -1
	}
	cc.d.Quality = geometry.GradeRMSE(rmse)

	// Map integration.
	if updateMode := cfg.GetUpdateMode(); updateMode != config.UpdateModeNoIntegration {
		t = time.Now()
		integrated, err := l.maps.Integrate(updateMode, out.Cloud.Transformed(pose), reregister(report, res.Pose, pose), cc.now)
		cc.d.Durations.Integration = time.Since(t)
		if err != nil {
			logger.Opsf("cycle %s: map integration: %v", cc.d.CycleID, err)
		} else if integrated.Added > 0 {
			cc.d.MapVersion = integrated.Snapshot.Version
		}
	}
	return localization.StatusSuccessfulPoseEstimation
}

// reregister moves the classified subsets, registered at the matcher pose,
// to the accepted pose.
func reregister(r l4outliers.Report, matched, accepted geometry.Pose) l4outliers.Report {
	delta := accepted.Compose(matched.Inverse())
	if delta.TranslationNorm() == 0 && delta.RotationAngle() == 0 {
		return r
	}
	if r.Inliers != nil {
		r.Inliers = r.Inliers.Transformed(delta)
	}
	if r.Outliers != nil {
		r.Outliers = r.Outliers.Transformed(delta)
	}
	return r
}

// finish fills the fields every record carries and refreshes the status.
func (l *Localizer) finish(cc *cycleContext, status localization.Status) localization.Diagnostics {
	d := cc.d
	d.Status = status
	d.Mode = l.machine.Mode()
	d.AcceptedCorrections = l.machine.HistoryLen()
	if d.MapVersion == 0 && cc.snap != nil {
		d.MapVersion = cc.snap.Version
	}
	if d.ReferencePoints == 0 {
		d.ReferencePoints = cc.snap.Len()
	}
	d.Durations.Total = time.Since(cc.start)
	sanitize(d)
	l.refreshStatusLocked()
	return *d
}

// fail feeds a pipeline failure to the tracking machine.
func (l *Localizer) fail(cc *cycleContext) {
	if tr := l.machine.Fail(cc.now); tr != nil {
		cc.d.Transition = tr
	}
	if l.accum != nil && l.accum.Params().ClearOnFailure {
		l.accum.DiscardLast()
	}
}

// toBase maps c into the base frame and returns the sensor origin there.
// Clouds without a frame are taken to be in the base frame already.
func (l *Localizer) toBase(c *cloud.PointCloud, base, sensor string) (*cloud.PointCloud, r3.Vector, error) {
	var origin r3.Vector
	if c.Frame == "" || c.Frame == base {
		if sensor != "" && sensor != base && l.frames != nil {
			if p, err := l.frames.Lookup(base, sensor, c.Timestamp); err == nil {
				origin = p.Translation
			}
		}
		return c, origin, nil
	}
	if l.frames == nil {
		return nil, origin, fmt.Errorf("no transform from %s to %s: %w", c.Frame, base, frames.ErrNoPath)
	}
	p, err := l.frames.Lookup(base, c.Frame, c.Timestamp)
	if err != nil {
		return nil, origin, err
	}
	out := c.Transformed(p)
	out.Frame = base
	return out, p.Translation, nil
}

// bootstrap turns the first admitted cloud into the reference map and
// accepts the guess as the first pose.
func (l *Localizer) bootstrap(cc *cycleContext) localization.Status {
	cfg := cc.st.cfg
	guess := l.machine.Guess()
	guess.Frame = cfg.GetMapFrame()
	guess.Timestamp = cc.cloud.Timestamp

	t := time.Now()
	out, err := cc.st.preprocess.RunReference(cc.cloud.Transformed(guess))
	cc.d.Durations.Preprocess = time.Since(t)
	if err != nil {
		cc.d.Reason = err.Error()
		return preprocessStatus(err)
	}
	s, err := l.maps.Set(out.Cloud, "slam:"+cc.cloud.Source, cc.now)
	if err != nil {
		cc.d.Reason = err.Error()
		return localization.StatusMissingReferencePointCloud
	}
	if s, err = l.maps.Prepare(s.Version, out.Cloud, out.Keypoints); err != nil {
		cc.d.Reason = err.Error()
		return localization.StatusMissingReferencePointCloud
	}
	l.recordMapLoad(s)
	cc.snap = s
	cc.d.FilteredPoints = out.Cloud.Len()
	cc.d.ReferencePoints = s.Len()

	accepted := geometry.PoseWithCovariance{Pose: guess}
	if tr := l.machine.Accept(accepted, geometry.Identity(), cc.now); tr != nil {
		cc.d.Transition = tr
	}
	l.lastPoseTime = cc.cloud.Timestamp
	cc.d.Pose = &accepted
	logger.Diagw("reference map bootstrapped from first cloud", "source", cc.cloud.Source, "points", s.Len())
	return localization.StatusFirstPointCloudInSlamMode
}

// prepareReference runs reference preprocessing once per map version.
func (l *Localizer) prepareReference(cc *cycleContext) (localization.Status, bool) {
	out, err := cc.st.preprocess.RunReference(cc.snap.Cloud)
	if err != nil {
		cc.d.Reason = "reference: " + err.Error()
		logger.Opsf("preprocess reference map v%d: %v", cc.snap.Version, err)
		return preprocessStatus(err), false
	}
	s, err := l.maps.Prepare(cc.snap.Version, out.Cloud, out.Keypoints)
	if err != nil {
		cc.d.Reason = err.Error()
		return localization.StatusMissingReferencePointCloud, false
	}
	cc.snap = s
	return "", true
}

// guess selects the starting pose, adding odometry motion since the last
// accepted pose when configured.
func (l *Localizer) guess(cc *cycleContext) geometry.Pose {
	cfg := cc.st.cfg
	g := l.machine.Guess()
	_, pending := l.machine.InitialPose()
	if cfg.GetAddOdometryDisplacement() && l.frames != nil && !pending && !l.lastPoseTime.IsZero() {
		if _, _, ok := l.machine.LastAccepted(); ok {
			delta, err := frames.Displacement(l.frames, cfg.GetOdomFrame(), cfg.GetBaseFrame(), l.lastPoseTime, cc.cloud.Timestamp)
			if err != nil {
				logger.Tracef("cycle %s: odometry displacement unavailable: %v", cc.d.CycleID, err)
			} else {
				g = g.Compose(delta)
			}
		}
	}
	g.Frame = cfg.GetMapFrame()
	g.Timestamp = cc.cloud.Timestamp
	return g
}

// match runs the chain for mode. In InitialPoseEstimation the feature
// matchers align keypoints first and the point matchers refine on the
// full clouds.
func (l *Localizer) match(ctx context.Context, cc *cycleContext, mode localization.TrackingMode, out l2preprocess.Output, guess geometry.Pose) (l3matching.Result, error) {
	sets := cc.st.matchers
	target := l3matching.Target{Cloud: cc.snap.Cloud, Index: cc.snap.Index}
	if mode != localization.ModeInitialPoseEstimation {
		return l3matching.Run(ctx, sets.For(mode), out.Cloud, target, guess)
	}

	start := guess
	var feature l3matching.Result
	if len(sets.InitialFeature) > 0 {
		kp := cc.snap.Keypoints
		if kp == nil {
			kp = cc.snap.Cloud
		}
		var err error
		feature, err = l3matching.Run(ctx, sets.InitialFeature, out.Keypoints, l3matching.NewTarget(kp), guess)
		if err != nil {
			return feature, err
		}
		start = feature.Pose
	}
	point, err := l3matching.Run(ctx, sets.InitialPoint, out.Cloud, target, start)
	point.Stages = append(feature.Stages, point.Stages...)
	point.Iterations += feature.Iterations
	point.Duration += feature.Duration
	point.Correction = geometry.Correction(guess, point.Pose)
	return point, err
}

func (l *Localizer) recordMatching(cc *cycleContext, res l3matching.Result) {
	d := cc.d
	for _, s := range res.Stages {
		d.Matchers = append(d.Matchers, localization.MatcherDiagnostics{
			Name:            s.Name,
			Iterations:      s.Iterations,
			Converged:       s.Converged,
			RMSE:            s.RMSE,
			Correspondences: s.Correspondences,
			Duration:        s.Duration,
		})
	}
	d.MatcherIterations = res.Iterations
	d.LastCorrespondenceRMSE = res.RMSE
	d.LastCorrespondences = res.Correspondences
	if n := len(res.Stages); n > 0 {
		last := res.Stages[n-1]
		if last.Converged {
			d.LastConvergence = last.Name + ": converged"
		} else {
			d.LastConvergence = last.Name + ": not converged"
		}
	}
}

func (l *Localizer) recordOutliers(cc *cycleContext, r l4outliers.Report, refPct float64) {
	d := cc.d
	d.Inliers = r.InlierCount()
	d.Outliers = len(r.OutlierIndices)
	d.InlierRMSE = r.InlierRMSE
	d.OutlierPercentage = r.OutlierPercentage
	d.ReferenceOutlierPercentage = refPct
	d.InlierAngularDistribution = r.InlierAngularCoverage
	d.OutlierAngularDistribution = r.OutlierAngularCoverage
}

func preprocessStatus(err error) localization.Status {
	if errors.Is(err, l2preprocess.ErrNormalEstimationFailed) {
		return localization.StatusFailedNormalEstimation
	}
	return localization.StatusPointCloudFilteringFailed
}

// sanitize replaces non-finite metrics, which JSON cannot encode, with -1.
func sanitize(d *localization.Diagnostics) {
	fix := func(v *float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = -1
		}
	}
	fix(&d.LastCorrespondenceRMSE)
	fix(&d.InlierRMSE)
	fix(&d.OutlierPercentage)
	fix(&d.ReferenceOutlierPercentage)
	fix(&d.InlierAngularDistribution)
	fix(&d.OutlierAngularDistribution)
	for i := range d.Matchers {
		fix(&d.Matchers[i].RMSE)
	}
	if d.Correction != nil {
		fix(&d.Correction.Translation)
		fix(&d.Correction.Rotation)
	}
}
