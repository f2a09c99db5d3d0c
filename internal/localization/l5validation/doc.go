// Package l5validation owns Layer 5 (Validation) of the localization
// pipeline: the gate a corrected pose must pass before it is accepted.
//
// Key types: Validator, Input, RejectionError, Sets.
//
// Dependency rule: L5 reads matcher and outlier summaries through Input and
// never touches clouds or tracking state.
package l5validation
