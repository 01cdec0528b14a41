// Package proof evaluates whether a delta proposal carries enough evidence
// to be accepted.
//
// Validation is deterministic and context-free: the same inputs always yield
// the same result, and nothing outside the returned Result is touched.
package proof

import (
	"fmt"
	"sort"
)

// epsilon absorbs floating-point representation error when comparing ratios
// against their floors.
const epsilon = 1e-9

// Mode distinguishes a full verification run from a degraded fallback.
type Mode string

const (
	// ModeFull is a complete verification run.
	ModeFull Mode = "full"

	// ModeDegraded is a dry-run or partial fallback. Degraded bundles only
	// satisfy a proof requirement under an explicit override.
	ModeDegraded Mode = "degraded"
)

// Bundle is the evidence attached to a delta proposal.
type Bundle struct {
	// Passed reports whether the verification run succeeded.
	Passed bool `json:"passed"`

	// Coverage maps ratio names (e.g. "branch", "lines") to 0.0-1.0 values.
	Coverage map[string]float64 `json:"coverage,omitempty"`

	// Artifacts references report files produced by the run.
	Artifacts []string `json:"artifacts,omitempty"`

	// Mode is full or degraded.
	Mode Mode `json:"mode"`
}

// Thresholds maps ratio names to inclusive floors supplied by run
// configuration.
type Thresholds map[string]float64

// Check is the validation input for one proposal.
type Check struct {
	// RequiresProof is set when the proposal is tagged requires_proof.
	RequiresProof bool

	// Override permits acceptance despite a degraded-mode bundle. The
	// caller must log the override.
	Override bool

	// Bundle is the attached evidence, nil when absent.
	Bundle *Bundle
}

// Result is a validation decision with human-readable reasons for failure.
type Result struct {
	Pass    bool
	Reasons []string
}

// Validate applies the proof policy to one proposal.
//
// A proposal that requires proof fails when its bundle is missing, when the
// bundle's mode is degraded without an explicit override, when the
// verification run did not pass, or when any configured ratio is below its
// floor. Floors are inclusive and compared after absorbing representation
// error.
func Validate(check Check, thresholds Thresholds) Result {
	if !check.RequiresProof {
		return Result{Pass: true}
	}

	if check.Bundle == nil {
		return Result{Reasons: []string{"proof bundle is absent"}}
	}

	var reasons []string

	if check.Bundle.Mode == ModeDegraded && !check.Override {
		reasons = append(reasons, "proof bundle is degraded and no override is set")
	}
	if !check.Bundle.Passed {
		reasons = append(reasons, "verification run did not pass")
	}

	for _, name := range sortedNames(thresholds) {
		floor := thresholds[name]
		ratio, ok := check.Bundle.Coverage[name]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("coverage ratio %q is missing", name))
			continue
		}
		if !MeetsFloor(ratio, floor) {
			reasons = append(reasons, fmt.Sprintf("coverage ratio %q %.4f is below floor %.4f", name, ratio, floor))
		}
	}

	return Result{Pass: len(reasons) == 0, Reasons: reasons}
}

// MeetsFloor reports whether ratio >= floor within epsilon.
func MeetsFloor(ratio, floor float64) bool {
	return ratio-floor >= -epsilon
}

// sortedNames keeps failure reasons deterministic across runs.
func sortedNames(thresholds Thresholds) []string {
	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
