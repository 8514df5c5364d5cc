package disagreement

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/structure"
)

func TestForceRMSStd(t *testing.T) {
	same := [][][3]float64{{{1, 2, 3}, {0, -1, 0}}, {{1, 2, 3}, {0, -1, 0}}}
	assert.Equal(t, 0.0, ForceRMSStd(nil, same))

	perturbed := [][][3]float64{{{1, 2, 3}, {0, -1, 0}}, {{1, 2, 3.5}, {0, -1, 0}}}
	assert.Greater(t, ForceRMSStd(nil, perturbed), 0.0)

	simple := [][][3]float64{{{1, 0, 0}}, {{2, 0, 0}}}
	assert.InDelta(t, 0.5, ForceRMSStd(nil, simple), 1e-12)
}

func TestForceVecStdMean(t *testing.T) {
	f := [][][3]float64{{{1, 0, 0}, {0, 0, 0}}, {{2, 0, 0}, {0, 0, 0}}}
	assert.InDelta(t, 0.25, ForceVecStdMean(nil, f), 1e-12)
	assert.Equal(t, 0.0, ForceVecStdMean(nil, nil))
}

func TestEnergyStdIsPopulation(t *testing.T) {
	assert.InDelta(t, 1.0, EnergyStd([]float64{1, 3}, nil), 1e-12)
	assert.Equal(t, 0.0, EnergyStd([]float64{4}, nil))
}

func TestGetMetric(t *testing.T) {
	for _, name := range ListMetrics() {
		_, err := GetMetric(name)
		assert.NoError(t, err, name)
	}
	fn, err := GetMetric("")
	require.NoError(t, err)
	assert.Equal(t, 0.5, fn(nil, [][][3]float64{{{1, 0, 0}}, {{2, 0, 0}}}))
	_, err = GetMetric("bogus")
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestAggregate(t *testing.T) {
	assert.Equal(t, Stats{Max: 0.9, Mean: 0.5, Count: 2}, Aggregate([]float64{0.1, 0.9}))
	assert.Equal(t, Stats{}, Aggregate(nil))
}

func TestReportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool_disagreement.json")
	n := 2
	r := &Report{
		Models:       []string{"c0.model", "c1.model"},
		XYZ:          "pool.xyz",
		PerStructure: []Entry{{0, 0.01, 0.1}, {1, 0.02, 0.2}},
		Stats:        &Stats{Max: 0.02, Mean: 0.015, Count: 2},
		PoolSize:     &n,
	}
	require.NoError(t, WriteReport(path, r))
	got, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	legacy := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{"models":["a"],"xyz":"p","per_structure":[{"i":0,"score":0.5,"energy_std":0}]}`), 0644))
	got, err = ReadReport(legacy)
	require.NoError(t, err)
	assert.Nil(t, got.Stats)
	assert.Nil(t, got.PoolSize)

	_, err = ReadReport(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, errs.ErrResourceNotFound)
}

func TestScoresByIndex(t *testing.T) {
	r := &Report{PerStructure: []Entry{{Index: 1, Score: 0.2}, {Index: 0, Score: 0.1}}}
	got, err := r.ScoresByIndex()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, got)

	r.PerStructure[0].Index = 0
	_, err = r.ScoresByIndex()
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
}

type stubPredictor struct {
	byModel map[string]Prediction
	calls   []string
}

func (s *stubPredictor) Predict(_ context.Context, model string, _ []*structure.Structure, _ string) (Prediction, error) {
	s.calls = append(s.calls, model)
	return s.byModel[model], nil
}

func pool(atoms ...int) []*structure.Structure {
	out := make([]*structure.Structure, len(atoms))
	for i, n := range atoms {
		s := &structure.Structure{}
		for a := 0; a < n; a++ {
			s.Symbols = append(s.Symbols, "H")
			s.Positions = append(s.Positions, [3]float64{float64(a), 0, 0})
		}
		out[i] = s
	}
	return out
}

func writeModels(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var out []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("m"), 0644))
		out = append(out, p)
	}
	return out
}

func TestScorerScore(t *testing.T) {
	models := writeModels(t, "c0.model", "c1.model")
	pred := &stubPredictor{byModel: map[string]Prediction{
		models[0]: {Energies: []float64{1, 2}, Forces: [][][3]float64{{{1, 0, 0}}, {{0, 0, 0}, {0, 0, 0}}}},
		models[1]: {Energies: []float64{3, 2}, Forces: [][][3]float64{{{2, 0, 0}}, {{0, 0, 0}, {0, 0, 0}}}},
	}}
	s := &Scorer{Predictor: pred}
	r, err := s.Score(context.Background(), models, pool(1, 2), "pool.xyz")
	require.NoError(t, err)

	assert.Equal(t, DefaultMetric, r.Metric)
	assert.Equal(t, models, pred.calls)
	require.Len(t, r.PerStructure, 2)
	assert.InDelta(t, 0.5, r.PerStructure[0].Score, 1e-12)
	assert.InDelta(t, 1.0, r.PerStructure[0].EnergyStd, 1e-12)
	assert.Equal(t, 0.0, r.PerStructure[1].Score)
	assert.Equal(t, 2, r.Stats.Count)
	assert.InDelta(t, 0.5, r.Stats.Max, 1e-12)
	assert.InDelta(t, 0.25, r.Stats.Mean, 1e-12)
	assert.Equal(t, 2, *r.PoolSize)
}

func TestScorerArtifactMismatch(t *testing.T) {
	root := t.TempDir()
	ckpt := filepath.Join(root, "c0", "checkpoints", "c0_run-0_epoch-3.pt")
	require.NoError(t, os.MkdirAll(filepath.Dir(ckpt), 0755))
	require.NoError(t, os.WriteFile(ckpt, []byte("x"), 0644))

	s := &Scorer{Predictor: &stubPredictor{}}
	_, err := s.Score(context.Background(), []string{ckpt}, pool(1), "pool.xyz")
	var am *errs.ArtifactMismatchError
	require.True(t, errors.As(err, &am))
	assert.Equal(t, ckpt, am.Checkpoint)

	export := filepath.Join(root, "c0", "c0.model")
	require.NoError(t, os.WriteFile(export, []byte("m"), 0644))
	pred := &stubPredictor{byModel: map[string]Prediction{
		export: {Energies: []float64{0}, Forces: [][][3]float64{{{0, 0, 0}}}},
	}}
	s.Predictor = pred
	r, err := s.Score(context.Background(), []string{ckpt}, pool(1), "pool.xyz")
	require.NoError(t, err)
	assert.Equal(t, []string{export}, r.Models)
}

func TestScorerShapeMismatch(t *testing.T) {
	models := writeModels(t, "c0.model")
	pred := &stubPredictor{byModel: map[string]Prediction{
		models[0]: {Energies: []float64{1}, Forces: [][][3]float64{{{1, 0, 0}, {0, 0, 0}}}},
	}}
	_, err := (&Scorer{Predictor: pred}).Score(context.Background(), models, pool(1), "")
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)

	_, err = (&Scorer{Predictor: pred}).Score(context.Background(), models, pool(1, 1), "")
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)

	_, err = (&Scorer{Predictor: pred, Metric: "nope"}).Score(context.Background(), models, pool(1), "")
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "predict.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755))
	return p
}

func TestCommandPredictor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script predictor")
	}
	script := writeScript(t, `while [ $# -gt 0 ]; do
  case "$1" in --output) out="$2"; shift;; esac
  shift
done
printf '1\nProperties=species:S:1:pos:R:3:MACE_forces:R:3 MACE_energy=-1.5\nH 0 0 0 0.1 0.2 0.3\n' > "$out"
`)
	p := &CommandPredictor{Command: script, WorkDir: t.TempDir()}
	got, err := p.Predict(context.Background(), "m.model", pool(1), "")
	require.NoError(t, err)
	assert.Equal(t, []float64{-1.5}, got.Energies)
	assert.Equal(t, [3]float64{0.1, 0.2, 0.3}, got.Forces[0][0])
}

func TestCommandPredictorClassifiesCheckpoint(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script predictor")
	}
	script := writeScript(t, "echo '_pickle.UnpicklingError: Weights only load failed'\nexit 1\n")
	p := &CommandPredictor{Command: script}
	_, err := p.Predict(context.Background(), "c0.pt", pool(1), "cpu")
	var am *errs.ArtifactMismatchError
	require.True(t, errors.As(err, &am))
	assert.Equal(t, "c0.pt", am.Checkpoint)

	fail := writeScript(t, "echo 'CUDA out of memory'\nexit 2\n")
	_, err = (&CommandPredictor{Command: fail}).Predict(context.Background(), "c0.model", pool(1), "cpu")
	assert.ErrorIs(t, err, errs.ErrExternalProcess)
}
