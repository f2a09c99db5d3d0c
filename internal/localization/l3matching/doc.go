// Package l3matching owns Layer 3 (Matching) of the localization pipeline.
//
// Responsibilities: registering the preprocessed ambient cloud against the
// reference cloud through an ordered chain of matchers, each refining the
// previous one's pose.
// Key types: Matcher, Target, Attempt, Result, Sets.
//
// Dependency rule: L3 may depend on L2 outputs (clouds and indexes) but
// never on outlier classification, validation or tracking state.
package l3matching
