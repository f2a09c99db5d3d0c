package config

import (
	"strings"
	"time"
)

// Map update modes.
const (
	UpdateModeNoIntegration       = "NoIntegration"
	UpdateModeFullIntegration     = "FullIntegration"
	UpdateModeInliersIntegration  = "InliersIntegration"
	UpdateModeOutliersIntegration = "OutliersIntegration"
)

// UpdateModes lists the accepted map update modes.
var UpdateModes = []string{
	UpdateModeNoIntegration,
	UpdateModeFullIntegration,
	UpdateModeInliersIntegration,
	UpdateModeOutliersIntegration,
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// Admission

// GetMaxAge returns the maximum age of an incoming cloud. Zero disables the check.
func (c *Config) GetMaxAge() time.Duration {
	return durationOr(c.Admission.MaxAge, 3*time.Second)
}

// GetMinInterval returns the minimum spacing between admitted cloud timestamps.
func (c *Config) GetMinInterval() time.Duration {
	return durationOr(c.Admission.MinInterval, 0)
}

func (c *Config) GetAdmissionMinPoints() int {
	return intOr(c.Admission.MinPoints, 10)
}

// GetProcessingLimit returns the maximum number of processed clouds; 0 is unlimited.
func (c *Config) GetProcessingLimit() int {
	return intOr(c.Admission.ProcessingLimit, 0)
}

func (c *Config) GetMaxOffsetToLastPose() time.Duration {
	return durationOr(c.Admission.MaxOffsetToLastPose, 0)
}

func (c *Config) GetProcessWhenDisabled() bool {
	return boolOr(c.Admission.ProcessWhenDisabled, false)
}

func (c *Config) GetStartDisabled() bool {
	return boolOr(c.Admission.StartDisabled, false)
}

// Preprocessing

func (c *Config) GetPreprocessMinPoints() int {
	return intOr(c.Preprocess.MinPoints, 10)
}

func (c *Config) GetUseFilteredCloudAsNormalSurface() bool {
	return boolOr(c.Preprocess.UseFilteredCloudAsNormalSurface, true)
}

// ComputeNormals reports whether normals are estimated in the named mode.
// Mode names follow localization.TrackingMode.
func (c *Config) ComputeNormals(mode string) bool {
	return c.Preprocess.ComputeNormals.get(mode, true, false, false)
}

// ComputeKeypoints reports whether keypoints are detected in the named mode.
func (c *Config) ComputeKeypoints(mode string) bool {
	return c.Preprocess.ComputeKeypoints.get(mode, true, false, false)
}

func (p PerMode) get(mode string, initial, tracking, recovery bool) bool {
	switch mode {
	case "InitialPoseEstimation":
		return boolOr(p.Initial, initial)
	case "Tracking":
		return boolOr(p.Tracking, tracking)
	case "TrackingRecovery":
		return boolOr(p.Recovery, recovery)
	}
	return false
}

// Outliers

func (c *Config) GetComputeReferenceOutliers() bool {
	return boolOr(c.Outliers.ComputeReference, false)
}

func (c *Config) GetComputeAngularDistribution() bool {
	return boolOr(c.Outliers.ComputeAngularDistribution, true)
}

func (c *Config) GetAngularBins() int {
	return intOr(c.Outliers.AngularBins, 8)
}

// Map

func (c *Config) GetMapSource() string {
	return stringOr(c.Map.Source, "")
}

// GetUpdateMode returns the map update mode, defaulting to NoIntegration.
func (c *Config) GetUpdateMode() string {
	return stringOr(c.Map.UpdateMode, UpdateModeNoIntegration)
}

func (c *Config) GetUseIncrementalUpdate() bool {
	return boolOr(c.Map.UseIncrementalUpdate, false)
}

func (c *Config) GetMapMinPoints() int {
	return intOr(c.Map.MinPoints, 10)
}

func (c *Config) GetMapRequired() bool {
	return boolOr(c.Map.Required, true)
}

func (c *Config) GetMinIntervalBetweenUpdates() time.Duration {
	return durationOr(c.Map.MinIntervalBetweenUpdates, 0)
}

func (c *Config) GetMapSavePath() string {
	return stringOr(c.Map.SavePath, "")
}

func (c *Config) GetMapSaveBinary() bool {
	return boolOr(c.Map.SaveBinary, true)
}

func (c *Config) GetS3Region() string {
	return stringOr(c.Map.S3.Region, "us-east-1")
}

func (c *Config) GetS3Endpoint() string {
	return stringOr(c.Map.S3.Endpoint, "")
}

func (c *Config) GetS3PathStyle() bool {
	return boolOr(c.Map.S3.PathStyle, false)
}

// Tracking

// Window is a resolved FailureWindow.
type Window struct {
	MinFailures int
	MaxFailures int
	Timeout     time.Duration
}

// GetTrackingWindow returns the failure window applied in Tracking.
func (c *Config) GetTrackingWindow() Window {
	return c.Tracking.resolve(3, 10, 0)
}

// GetRecoveryWindow returns the failure window applied in TrackingRecovery.
func (c *Config) GetRecoveryWindow() Window {
	return c.Recovery.resolve(3, 10, 0)
}

func (w FailureWindow) resolve(min, max int, timeout time.Duration) Window {
	return Window{
		MinFailures: intOr(w.MinFailures, min),
		MaxFailures: intOr(w.MaxFailures, max),
		Timeout:     durationOr(w.Timeout, timeout),
	}
}

func (c *Config) GetLostTimeout() time.Duration {
	return durationOr(c.LostTimeout, 0)
}

func (c *Config) GetResetInitialPoseWhenTrackingLost() bool {
	return boolOr(c.ResetInitialPoseWhenTrackingLost, false)
}

func (c *Config) GetCorrectionsHistory() int {
	return intOr(c.CorrectionsHistory, 100)
}

func (c *Config) GetFilteredCloudSavePath() string {
	return stringOr(c.FilteredCloudSavePath, "")
}

func (c *Config) GetStopAfterSavingFilteredCloud() bool {
	return boolOr(c.StopAfterSavingFilteredCloud, false)
}

// Frames

func (c *Config) GetMapFrame() string {
	return stringOr(c.Frames.Map, "map")
}

func (c *Config) GetOdomFrame() string {
	return stringOr(c.Frames.Odom, "odom")
}

func (c *Config) GetBaseFrame() string {
	return stringOr(c.Frames.Base, "base_link")
}

// GetSensorFrame returns the sensor frame override; empty uses the cloud's frame.
func (c *Config) GetSensorFrame() string {
	return stringOr(c.Frames.Sensor, "")
}

func (c *Config) GetAddOdometryDisplacement() bool {
	return boolOr(c.Frames.AddOdometryDisplacement, false)
}

// Pose

func (c *Config) GetIgnoreHeightCorrections() bool {
	return boolOr(c.Pose.IgnoreHeightCorrections, false)
}

// GetWeightedMeanFilter returns the weight given to the previous pose when
// smoothing; 0 disables smoothing.
func (c *Config) GetWeightedMeanFilter() float64 {
	if c.Pose.WeightedMeanFilter == nil {
		return 0
	}
	return *c.Pose.WeightedMeanFilter
}

func (c *Config) GetPlanarAligner() bool {
	return boolOr(c.Pose.PlanarAligner, false)
}

// Backlog

func (c *Config) GetPerSourceCapacity() int {
	return intOr(c.Backlog.PerSourceCapacity, 2)
}

func (c *Config) GetAccumulatorEnabled() bool {
	return boolOr(c.Backlog.Accumulator.Enabled, false)
}

func (c *Config) GetAccumulatorRequireAllSources() bool {
	return boolOr(c.Backlog.Accumulator.RequireAllSources, false)
}

func (c *Config) GetAccumulatorMaxPoints() int {
	return intOr(c.Backlog.Accumulator.MaxPoints, 100000)
}

func (c *Config) GetAccumulatorMinPoints() int {
	return intOr(c.Backlog.Accumulator.MinPoints, 0)
}

func (c *Config) GetAccumulatorClearOnFailure() bool {
	return boolOr(c.Backlog.Accumulator.ClearOnFailure, false)
}

// Diagnostics

func (c *Config) GetUseMillimeters() bool {
	return boolOr(c.Diagnostics.UseMillimeters, false)
}

func (c *Config) GetUseDegrees() bool {
	return boolOr(c.Diagnostics.UseDegrees, false)
}

func (c *Config) GetRecentRecords() int {
	return intOr(c.Diagnostics.RecentRecords, 500)
}

// Logging

func (c *Config) GetLogLevel() string {
	return strings.ToLower(stringOr(c.Logging.Level, "info"))
}

func (c *Config) GetLogDevelopment() bool {
	return boolOr(c.Logging.Development, false)
}

func (c *Config) GetLogTrace() bool {
	return boolOr(c.Logging.Trace, false)
}
