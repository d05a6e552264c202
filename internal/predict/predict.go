// SPDX-License-Identifier: MIT

// Package predict defines the contract between the governor and an
// external load-prediction model. The model itself lives elsewhere; this
// package only carries its inputs and outputs plus a trivial default.
package predict

import (
	"context"
	"time"
)

// Context is the snapshot handed to the predictor on each governor tick.
type Context struct {
	// CurrentLoad is the blended load score in [0, 100].
	CurrentLoad float64
	// TimeOfDay is the local hour in [0, 23].
	TimeOfDay int
	// DayOfWeek follows time.Weekday numbering.
	DayOfWeek time.Weekday
	// ActiveConnections counts resources checked out of the pool.
	ActiveConnections int
	// QueueLength counts tasks waiting for admission.
	QueueLength int
}

// SuggestedLimits are the limits a prediction proposes.
type SuggestedLimits struct {
	MaxConcurrent int
	BatchSize     int
	Timeout       time.Duration
}

// Result is a prediction. Confidence is in [0, 1]; the governor only
// applies limits when confidence is at least its threshold.
type Result struct {
	EstimatedLoad float64
	Limits        SuggestedLimits
	Confidence    float64
}

// Predictor supplies forward-looking load estimates. Implementations must
// return errors rather than panic; the governor treats failures as
// non-fatal and keeps its prior limits.
type Predictor interface {
	PredictResourceNeeds(ctx context.Context, pctx Context) (Result, error)
}

// Func adapts a function to the Predictor interface.
type Func func(ctx context.Context, pctx Context) (Result, error)

func (f Func) PredictResourceNeeds(ctx context.Context, pctx Context) (Result, error) {
	return f(ctx, pctx)
}

// Static is the default predictor. It echoes current load with zero
// confidence so the governor never acts on it, leaving room for a real
// model to be swapped in.
type Static struct{}

func (Static) PredictResourceNeeds(_ context.Context, pctx Context) (Result, error) {
	return Result{EstimatedLoad: pctx.CurrentLoad, Confidence: 0}, nil
}
