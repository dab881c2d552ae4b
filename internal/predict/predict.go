// Package predict decides whether a test must run, given the current
// compiled-unit fingerprints and the coverage recorded by the latest
// snapshot.
package predict

import (
	"fmt"

	"skippy/internal/tags"
	"skippy/internal/tia"
)

// Prediction is the verdict for one test.
type Prediction string

const (
	Execute       Prediction = "EXECUTE"
	AlwaysExecute Prediction = "ALWAYS_EXECUTE"
	Skip          Prediction = "SKIP"
)

// Reason explains a Prediction. Every Prediction carries exactly one.
type Reason string

const (
	ReasonTagged           Reason = "TAGGED_ALWAYS_EXECUTE"
	ReasonNoImpactAnalysis Reason = "NO_IMPACT_ANALYSIS"
	ReasonNoCoverageData   Reason = "NO_COVERAGE_DATA"
	ReasonDependencySet    Reason = "DEPENDENCY_SET_CHANGED"
	ReasonPreviouslyFailed Reason = "PREVIOUSLY_FAILED"
	ReasonCoveredChanged   Reason = "COVERED_UNIT_CHANGED"
	ReasonCoveredRemoved   Reason = "COVERED_UNIT_REMOVED"
	ReasonNoChange         Reason = "NO_CHANGE"
)

// Result is the outcome of Predict.
type Result struct {
	Prediction Prediction
	Reason     Reason
	// Unit names the first covered unit found changed or removed, for
	// diagnostics. Empty for every other reason.
	Unit string
}

// Run reports whether the test should be executed.
func (r Result) Run() bool {
	return r.Prediction != Skip
}

func (r Result) String() string {
	if r.Unit != "" {
		return fmt.Sprintf("%s (%s: %s)", r.Prediction, r.Reason, r.Unit)
	}
	return fmt.Sprintf("%s (%s)", r.Prediction, r.Reason)
}

// Input holds everything a prediction depends on.
type Input struct {
	Test string
	// Current maps every compiled unit of the project to its fingerprint.
	Current tia.UnitIndex
	// DependencySet is the fingerprint of the dependency set the test is
	// about to run with.
	DependencySet string
	// Snapshot is the latest snapshot; nil is treated as tia.NotFound.
	Snapshot *tia.Snapshot
	// Tags is the effective tag set of the test.
	Tags tags.Set
}

// Predict evaluates the checks below in order and returns on the first
// that applies. The order decides which reason is reported.
func Predict(in Input) Result {
	if in.Tags.Has(tags.AlwaysExecute) {
		return Result{Prediction: AlwaysExecute, Reason: ReasonTagged}
	}

	if in.Snapshot.IsNotFound() {
		return Result{Prediction: Execute, Reason: ReasonNoImpactAnalysis}
	}
	entry, ok := in.Snapshot.Lookup(in.Test)
	if !ok {
		return Result{Prediction: Execute, Reason: ReasonNoCoverageData}
	}

	if entry.DependencySet != in.DependencySet {
		return Result{Prediction: Execute, Reason: ReasonDependencySet}
	}

	if in.Tags.Has(tags.Failed) {
		return Result{Prediction: Execute, Reason: ReasonPreviouslyFailed}
	}

	for _, u := range entry.Covered {
		fp, ok := in.Current[u.Name]
		if !ok {
			return Result{Prediction: Execute, Reason: ReasonCoveredRemoved, Unit: u.Name}
		}
		if fp != u.Fingerprint {
			return Result{Prediction: Execute, Reason: ReasonCoveredChanged, Unit: u.Name}
		}
	}

	return Result{Prediction: Skip, Reason: ReasonNoChange}
}
