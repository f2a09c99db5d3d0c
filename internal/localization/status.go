package localization

// Status is the outcome of one processing cycle. Exactly one Status is
// produced for every cloud handed to the localizer.
type Status string

const (
	StatusWaitingForSensorData                              Status = "WaitingForSensorData"
	StatusPointCloudSubscribersDisabled                     Status = "PointCloudSubscribersDisabled"
	StatusPointCloudAgeHigherThanMaximum                    Status = "PointCloudAgeHigherThanMaximum"
	StatusPointCloudOlderThanLastPointCloudReceived         Status = "PointCloudOlderThanLastPointCloudReceived"
	StatusPointCloudWithoutTheMinimumNumberOfRequiredPoints Status = "PointCloudWithoutTheMinimumNumberOfRequiredPoints"
	StatusMinimumElapsedTimeSinceLastPointCloudNotReached   Status = "MinimumElapsedTimeSinceLastPointCloudNotReached"
	StatusReachedLimitOfNumberOfPointCloudsToProcess        Status = "ReachedLimitOfNumberOfPointCloudsToProcess"
	StatusPointCloudDiscarded                               Status = "PointCloudDiscarded"
	StatusFillingCircularBufferWithMsgsFromAllTopics        Status = "FillingCircularBufferWithMsgsFromAllTopics"
	StatusFailedTFTransform                                 Status = "FailedTFTransform"
	StatusMissingReferencePointCloud                        Status = "MissingReferencePointCloud"
	StatusFirstPointCloudInSlamMode                         Status = "FirstPointCloudInSlamMode"
	StatusPointCloudFilteringFailed                         Status = "PointCloudFilteringFailed"
	StatusFailedNormalEstimation                            Status = "FailedNormalEstimation"
	StatusSuccessfulPreprocessing                           Status = "SuccessfulPreprocessing"
	StatusFailedInitialPoseEstimation                       Status = "FailedInitialPoseEstimation"
	StatusFailedPoseEstimation                              Status = "FailedPoseEstimation"
	StatusPoseEstimationRejectedByTransformationValidators  Status = "PoseEstimationRejectedByTransformationValidators"
	StatusFailedTransformationAligner                       Status = "FailedTransformationAligner"
	StatusSuccessfulPoseEstimation                          Status = "SuccessfulPoseEstimation"
	StatusExceptionRaised                                   Status = "ExceptionRaised"
)

var allStatuses = []Status{
	StatusWaitingForSensorData,
	StatusPointCloudSubscribersDisabled,
	StatusPointCloudAgeHigherThanMaximum,
	StatusPointCloudOlderThanLastPointCloudReceived,
	StatusPointCloudWithoutTheMinimumNumberOfRequiredPoints,
	StatusMinimumElapsedTimeSinceLastPointCloudNotReached,
	StatusReachedLimitOfNumberOfPointCloudsToProcess,
	StatusPointCloudDiscarded,
	StatusFillingCircularBufferWithMsgsFromAllTopics,
	StatusFailedTFTransform,
	StatusMissingReferencePointCloud,
	StatusFirstPointCloudInSlamMode,
	StatusPointCloudFilteringFailed,
	StatusFailedNormalEstimation,
	StatusSuccessfulPreprocessing,
	StatusFailedInitialPoseEstimation,
	StatusFailedPoseEstimation,
	StatusPoseEstimationRejectedByTransformationValidators,
	StatusFailedTransformationAligner,
	StatusSuccessfulPoseEstimation,
	StatusExceptionRaised,
}

// AllStatuses returns the closed set of statuses in a stable order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus returns the Status named s.
func ParseStatus(s string) (Status, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s Status) String() string { return string(s) }

// Admitted reports whether the cloud passed the admission gate. Statuses
// produced before any registration work are not admitted.
func (s Status) Admitted() bool {
	switch s {
	case StatusWaitingForSensorData,
		StatusPointCloudSubscribersDisabled,
		StatusPointCloudAgeHigherThanMaximum,
		StatusPointCloudOlderThanLastPointCloudReceived,
		StatusPointCloudWithoutTheMinimumNumberOfRequiredPoints,
		StatusMinimumElapsedTimeSinceLastPointCloudNotReached,
		StatusReachedLimitOfNumberOfPointCloudsToProcess,
		StatusPointCloudDiscarded:
		return false
	}
	return true
}

// Accepted reports whether a pose was accepted in the cycle.
func (s Status) Accepted() bool {
	return s == StatusSuccessfulPoseEstimation
}

// PipelineFailure reports whether the status is a failure of the
// registration pipeline itself. Only these feed the tracking failure
// counters; admission rejections, frame lookups and a missing map do not.
func (s Status) PipelineFailure() bool {
	switch s {
	case StatusPointCloudFilteringFailed,
		StatusFailedNormalEstimation,
		StatusFailedInitialPoseEstimation,
		StatusFailedPoseEstimation,
		StatusPoseEstimationRejectedByTransformationValidators,
		StatusFailedTransformationAligner,
		StatusExceptionRaised:
		return true
	}
	return false
}
