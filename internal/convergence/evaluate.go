// Package convergence decides whether the active-learning loop should stop.
//
// Disagreement scores arrive in eV/Å. Thresholds are expressed in meV/Å
// (and meV/atom for validation energy). Evaluate scales the aggregate
// statistics by MilliPerUnit once and scales the pool-exhaustion cutoff back
// down once before comparing it to raw per-structure scores.
//
// The three criteria are OR-ed: any one of low disagreement, an exhausted
// pool or accurate validation marks the loop converged.
package convergence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/san-kum/mlipal/internal/disagreement"
	"github.com/san-kum/mlipal/internal/errs"
)

// MilliPerUnit converts eV/Å scores to meV/Å.
const MilliPerUnit = 1000.0

const (
	DefaultDisagreementMax      = 10.0
	DefaultDisagreementMean     = 5.0
	DefaultMAEEnergy            = 50.0
	DefaultMAEForce             = 50.0
	DefaultPoolExhaustionCutoff = 1.0
)

// Thresholds are all in milli-units.
type Thresholds struct {
	DisagreementMax      float64 `json:"disagreement_max" yaml:"disagreement_max" validate:"gte=0"`
	DisagreementMean     float64 `json:"disagreement_mean" yaml:"disagreement_mean" validate:"gte=0"`
	MAEEnergy            float64 `json:"mae_energy" yaml:"mae_energy" validate:"gte=0"`
	MAEForce             float64 `json:"mae_force" yaml:"mae_force" validate:"gte=0"`
	PoolExhaustionCutoff float64 `json:"pool_exhaustion_cutoff" yaml:"pool_exhaustion_cutoff" validate:"gte=0"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DisagreementMax:      DefaultDisagreementMax,
		DisagreementMean:     DefaultDisagreementMean,
		MAEEnergy:            DefaultMAEEnergy,
		MAEForce:             DefaultMAEForce,
		PoolExhaustionCutoff: DefaultPoolExhaustionCutoff,
	}
}

// LoadThresholds overlays the keys present in a JSON file onto t.
func LoadThresholds(path string, t Thresholds) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, errs.NotFound("load thresholds", path)
		}
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, errs.Config("load thresholds", err)
	}
	return t, nil
}

// Validation holds committee-averaged validation errors, meV/atom and meV/Å.
type Validation struct {
	MAEEnergy float64 `json:"mae_energy"`
	MAEForce  float64 `json:"mae_force"`
}

type Metrics struct {
	DisagreementMax       float64  `json:"disagreement_max"`
	DisagreementMean      float64  `json:"disagreement_mean"`
	PoolSize              int      `json:"pool_size"`
	StructuresAboveCutoff int      `json:"structures_above_cutoff"`
	ValidationMAEEnergy   *float64 `json:"validation_mae_energy,omitempty"`
	ValidationMAEForce    *float64 `json:"validation_mae_force,omitempty"`
}

// Diagnostics explain criteria that were not met.
type Diagnostics struct {
	DisagreementReason string `json:"disagreement_reason,omitempty"`
	MAEReason          string `json:"mae_reason,omitempty"`
}

type Result struct {
	Converged     bool        `json:"converged"`
	Reasons       []string    `json:"reasons"`
	SuggestStop   bool        `json:"suggest_stop"`
	PoolExhausted bool        `json:"pool_exhausted"`
	Metrics       Metrics     `json:"metrics"`
	Diagnostics   Diagnostics `json:"diagnostics"`
	Error         string      `json:"error,omitempty"`
}

// Evaluate applies the stopping policy to a report and optional validation
// errors. val == nil means no validation figures are available.
func Evaluate(r *disagreement.Report, val *Validation, t Thresholds) Result {
	res := Result{Reasons: []string{}}

	stats := r.Stats
	if stats == nil || (stats.Count == 0 && len(r.PerStructure) > 0) {
		s := disagreement.Aggregate(r.Scores())
		stats = &s
	}
	poolSize := len(r.PerStructure)
	if r.PoolSize != nil {
		poolSize = *r.PoolSize
	}

	maxScaled := stats.Max * MilliPerUnit
	meanScaled := stats.Mean * MilliPerUnit
	res.Metrics.DisagreementMax = maxScaled
	res.Metrics.DisagreementMean = meanScaled
	res.Metrics.PoolSize = poolSize

	if maxScaled <= t.DisagreementMax && meanScaled <= t.DisagreementMean {
		res.Reasons = append(res.Reasons, fmt.Sprintf(
			"Committee disagreement is low (max=%.2f, mean=%.2f meV/Å ≤ %g/%g)",
			maxScaled, meanScaled, t.DisagreementMax, t.DisagreementMean))
	} else {
		res.Diagnostics.DisagreementReason = fmt.Sprintf(
			"Disagreement above threshold (max=%.2f, mean=%.2f meV/Å)", maxScaled, meanScaled)
	}

	cutoff := t.PoolExhaustionCutoff / MilliPerUnit
	above := 0
	for _, p := range r.PerStructure {
		if p.Score > cutoff {
			above++
		}
	}
	res.Metrics.StructuresAboveCutoff = above
	if above == 0 && stats.Count > 0 {
		res.PoolExhausted = true
		res.Reasons = append(res.Reasons, fmt.Sprintf(
			"Pool exhausted: no structures with disagreement > %g meV/Å", t.PoolExhaustionCutoff))
	}

	maeOK := false
	if val != nil {
		e, f := val.MAEEnergy, val.MAEForce
		res.Metrics.ValidationMAEEnergy = &e
		res.Metrics.ValidationMAEForce = &f
		maeOK = e <= t.MAEEnergy && f <= t.MAEForce
		if maeOK {
			res.Reasons = append(res.Reasons, fmt.Sprintf(
				"Validation MAE is good (E=%.1f meV/atom, F=%.1f meV/Å ≤ %g/%g)", e, f, t.MAEEnergy, t.MAEForce))
		} else {
			res.Diagnostics.MAEReason = fmt.Sprintf(
				"Validation MAE above threshold (E=%.1f, F=%.1f meV)", e, f)
		}
	}

	res.Converged = len(res.Reasons) > 0
	res.SuggestStop = res.Converged || maeOK
	return res
}

// EvaluateFile reads a report from path and evaluates it. A missing report
// is not an error: the result is "not converged" with Error set, so callers
// polling an iteration that has not been scored yet keep going.
func EvaluateFile(path string, val *Validation, t Thresholds) (Result, error) {
	r, err := disagreement.ReadReport(path)
	if err != nil {
		if errors.Is(err, errs.ErrResourceNotFound) {
			return Result{
				Reasons: []string{},
				Error:   fmt.Sprintf("Disagreement file not found: %s", path),
			}, nil
		}
		return Result{}, err
	}
	return Evaluate(r, val, t), nil
}
