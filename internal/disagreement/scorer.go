// Package disagreement measures how much a committee of models disagrees on
// each structure of an unlabeled pool.
package disagreement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/checkpoint"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/structure"
)

// Prediction holds one model's output over a structure set, in input order.
type Prediction struct {
	Energies []float64
	Forces   [][][3]float64
}

// Predictor evaluates one exported model over structures.
type Predictor interface {
	Predict(ctx context.Context, model string, structures []*structure.Structure, device string) (Prediction, error)
}

type Scorer struct {
	Predictor Predictor
	Metric    string
	Device    string
	Logger    *zap.Logger
}

// Score runs every committee model over pool and builds a report. Training
// checkpoints are mapped to their exported sibling first; one without an
// export fails with an ArtifactMismatchError naming it. xyz is recorded as
// provenance only.
func (s *Scorer) Score(ctx context.Context, models []string, pool []*structure.Structure, xyz string) (*Report, error) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metric := s.Metric
	if metric == "" {
		metric = DefaultMetric
	}
	fn, err := GetMetric(metric)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, errs.Configf("score", "no committee models given")
	}

	artifacts := make([]string, len(models))
	for i, m := range models {
		a, err := checkpoint.InferenceArtifact(m)
		if err != nil {
			return nil, fmt.Errorf("committee member %d: %w", i, err)
		}
		if a != m {
			log.Info("using exported model for checkpoint", zap.String("checkpoint", m), zap.String("model", a))
		}
		artifacts[i] = a
	}

	preds := make([]Prediction, len(artifacts))
	for i, a := range artifacts {
		p, err := s.Predictor.Predict(ctx, a, pool, s.Device)
		if err != nil {
			return nil, fmt.Errorf("predict with %s: %w", a, err)
		}
		if err := checkShape(p, pool, a); err != nil {
			return nil, err
		}
		preds[i] = p
		log.Debug("predicted pool", zap.String("model", a), zap.Int("structures", len(pool)))
	}

	entries := ScoreAll(preds, len(pool), fn)
	stats := Aggregate(scoresOf(entries))
	n := len(pool)
	r := &Report{
		Models:       artifacts,
		XYZ:          xyz,
		Metric:       metric,
		PerStructure: entries,
		Stats:        &stats,
		PoolSize:     &n,
	}
	log.Info("scored pool",
		zap.String("metric", metric),
		zap.Int("models", len(models)),
		zap.Int("pool", n),
		zap.Float64("max", stats.Max),
		zap.Float64("mean", stats.Mean))
	return r, nil
}

// ScoreAll stacks per-member predictions per structure and applies fn.
// Predictions must already have n entries each.
func ScoreAll(preds []Prediction, n int, fn MetricFunc) []Entry {
	entries := make([]Entry, n)
	energies := make([]float64, len(preds))
	forces := make([][][3]float64, len(preds))
	for i := 0; i < n; i++ {
		for m, p := range preds {
			energies[m] = p.Energies[i]
			forces[m] = p.Forces[i]
		}
		entries[i] = Entry{Index: i, Score: fn(energies, forces), EnergyStd: EnergyStd(energies, nil)}
	}
	return entries
}

func scoresOf(entries []Entry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Score
	}
	return out
}

func checkShape(p Prediction, pool []*structure.Structure, model string) error {
	if len(p.Energies) != len(pool) || len(p.Forces) != len(pool) {
		return errs.Integrityf("score", "%s returned %d energies and %d force sets for %d structures",
			model, len(p.Energies), len(p.Forces), len(pool))
	}
	for i, s := range pool {
		if len(p.Forces[i]) != s.NumAtoms() {
			return errs.Integrityf("score", "%s: structure %d has %d atoms but %d forces",
				model, i, s.NumAtoms(), len(p.Forces[i]))
		}
	}
	return nil
}
