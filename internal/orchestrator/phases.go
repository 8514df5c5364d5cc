package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/committee"
	"github.com/san-kum/mlipal/internal/convergence"
	"github.com/san-kum/mlipal/internal/dataset"
	"github.com/san-kum/mlipal/internal/disagreement"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/selection"
	"github.com/san-kum/mlipal/internal/storage"
	"github.com/san-kum/mlipal/internal/structure"
)

// SplitRecord is split.json: how an iteration's data was produced.
type SplitRecord struct {
	Source        string             `json:"source"`
	Seed          int64              `json:"seed"`
	ValidFraction float64            `json:"valid_fraction"`
	PoolFraction  float64            `json:"pool_fraction"`
	Partition     *dataset.Partition `json:"partition,omitempty"`
	Carry         *Carry             `json:"carry,omitempty"`
}

// Carry describes how iteration N was derived from iteration N-1.
type Carry struct {
	From    int   `json:"from_iteration"`
	Labeled int   `json:"labeled"`
	Removed []int `json:"removed_pool_indices"`
}

type splitData struct {
	train, valid, pool []*structure.Structure
}

func (l *Loop) split(it storage.Iteration) (splitData, error) {
	if storage.Exists(it.Train()) && storage.Exists(it.Valid()) && storage.Exists(it.Pool()) {
		d, err := l.readSplit(it)
		if err == nil {
			l.log.Info("reusing split", zap.Int("iteration", it.N))
		}
		return d, err
	}

	var (
		d   splitData
		rec SplitRecord
		err error
	)
	if it.N == 0 {
		d, rec, err = l.initialSplit()
	} else {
		d, rec, err = l.carryForward(it.N)
	}
	if err != nil {
		return splitData{}, err
	}

	for _, f := range []struct {
		path   string
		frames []*structure.Structure
	}{
		{it.Valid(), d.valid},
		{it.Pool(), d.pool},
		// train last: its presence marks a complete split
		{it.Train(), d.train},
	} {
		if err := l.writeXYZ(f.path, f.frames); err != nil {
			return splitData{}, err
		}
	}
	if err := storage.WriteJSON(it.Split(), rec); err != nil {
		return splitData{}, err
	}
	l.log.Info("split written",
		zap.Int("iteration", it.N),
		zap.Int("train", len(d.train)),
		zap.Int("valid", len(d.valid)),
		zap.Int("pool", len(d.pool)))
	return d, nil
}

func (l *Loop) readSplit(it storage.Iteration) (splitData, error) {
	var d splitData
	var err error
	if d.train, err = l.codec.ReadFile(it.Train()); err != nil {
		return d, err
	}
	if d.valid, err = l.codec.ReadFile(it.Valid()); err != nil {
		return d, err
	}
	if d.pool, err = l.codec.ReadFile(it.Pool()); err != nil {
		return d, err
	}
	return d, nil
}

func (l *Loop) initialSplit() (splitData, SplitRecord, error) {
	cfg := l.Config
	input := l.Store.Meta.Input
	if input == "" {
		input = cfg.Input
	}
	if input == "" {
		return splitData{}, SplitRecord{}, errs.Configf("split", "no input dataset configured")
	}
	all, err := l.codec.ReadFile(input)
	if err != nil {
		return splitData{}, SplitRecord{}, err
	}
	p, err := dataset.Split(len(all), cfg.Split.ValidFraction, cfg.Split.PoolFraction, cfg.Seed)
	if err != nil {
		return splitData{}, SplitRecord{}, err
	}
	var d splitData
	if d.train, d.valid, d.pool, err = dataset.Apply(all, p); err != nil {
		return splitData{}, SplitRecord{}, err
	}
	rec := SplitRecord{
		Source:        input,
		Seed:          cfg.Seed,
		ValidFraction: cfg.Split.ValidFraction,
		PoolFraction:  cfg.Split.PoolFraction,
		Partition:     &p,
	}
	return d, rec, nil
}

func (l *Loop) carryForward(n int) (splitData, SplitRecord, error) {
	prev := l.Store.Iteration(n - 1)
	var sel selection.Record
	if err := storage.ReadJSON(prev.Selected(), &sel); err != nil {
		return splitData{}, SplitRecord{}, fmt.Errorf("carry forward from iteration %d: %w", n-1, err)
	}
	labeled, err := l.codec.ReadFile(prev.Labeled())
	if err != nil {
		return splitData{}, SplitRecord{}, fmt.Errorf("carry forward from iteration %d: %w", n-1, err)
	}
	old, err := l.readSplit(prev)
	if err != nil {
		return splitData{}, SplitRecord{}, fmt.Errorf("carry forward from iteration %d: %w", n-1, err)
	}

	d := splitData{valid: old.valid}
	if d.train, err = dataset.Merge(old.train, labeled); err != nil {
		return splitData{}, SplitRecord{}, err
	}
	if d.pool, err = dataset.Exclude(old.pool, sel.Indices); err != nil {
		return splitData{}, SplitRecord{}, err
	}
	rec := SplitRecord{
		Source:        prev.Dir,
		Seed:          l.Config.Seed,
		ValidFraction: l.Config.Split.ValidFraction,
		PoolFraction:  l.Config.Split.PoolFraction,
		Carry:         &Carry{From: n - 1, Labeled: len(labeled), Removed: sel.Indices},
	}
	return d, rec, nil
}

func (l *Loop) writeXYZ(path string, frames []*structure.Structure) error {
	var buf bytes.Buffer
	if err := l.codec.Write(&buf, frames); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return storage.WriteFileAtomic(path, buf.Bytes())
}

func (l *Loop) trainCommittee(ctx context.Context, it storage.Iteration) ([]committee.Member, error) {
	var init string
	if l.Config.FineTune.Enabled {
		base, err := l.ensureBase(ctx, it)
		if err != nil {
			return nil, fmt.Errorf("fine-tune base: %w", err)
		}
		init = base.InitCheckpoint
	}
	c := &committee.Committee{
		Trainer: l.Trainer,
		Sink:    events.SinkFunc(l.emit),
		Logger:  l.log.With(zap.Int("iteration", it.N)),
	}
	return c.Train(ctx, committee.Options{
		Size:           l.Config.Committee.Size,
		TrainFile:      it.Train(),
		ValidFile:      it.Valid(),
		WorkDir:        it.Dir,
		Device:         l.Config.Device,
		Hyper:          l.Config.Committee.Hyper,
		InitCheckpoint: init,
	})
}

func (l *Loop) scorePool(ctx context.Context, it storage.Iteration, members []committee.Member, pool []*structure.Structure) (*disagreement.Report, error) {
	if storage.Exists(it.Report()) {
		r, err := disagreement.ReadReport(it.Report())
		if err != nil {
			return nil, err
		}
		l.log.Info("reusing disagreement report", zap.String("path", it.Report()))
		return r, nil
	}

	var report *disagreement.Report
	if len(pool) == 0 {
		zero := 0
		report = &disagreement.Report{
			Models:       committee.Checkpoints(members),
			XYZ:          it.Pool(),
			Metric:       l.Config.Scoring.Metric,
			PerStructure: []disagreement.Entry{},
			Stats:        &disagreement.Stats{},
			PoolSize:     &zero,
		}
		l.log.Info("pool is empty, nothing to score", zap.Int("iteration", it.N))
	} else {
		s := &disagreement.Scorer{
			Predictor: l.Predictor,
			Metric:    l.Config.Scoring.Metric,
			Device:    l.Config.Device,
			Logger:    l.log,
		}
		var err error
		if report, err = s.Score(ctx, committee.Checkpoints(members), pool, it.Pool()); err != nil {
			return nil, err
		}
	}
	if err := disagreement.WriteReport(it.Report(), report); err != nil {
		return nil, err
	}
	return report, nil
}

func (l *Loop) checkConvergence(it storage.Iteration, members []committee.Member, report *disagreement.Report) (convergence.Result, error) {
	t, err := l.Config.Thresholds()
	if err != nil {
		return convergence.Result{}, err
	}
	var val *convergence.Validation
	if e, f, ok := committee.ValidationMAE(members); ok {
		val = &convergence.Validation{MAEEnergy: e, MAEForce: f}
	} else if v, ok := convergence.IterationValidation(it.Dir, l.Config.Committee.Size); ok {
		val = &v
	}

	res := convergence.Evaluate(report, val, t)
	if err := storage.WriteJSON(it.Convergence(), res); err != nil {
		return res, err
	}
	if l.Metrics != nil {
		l.Metrics.ObserveConvergence(res)
	}
	if l.Ledger != nil {
		if err := l.Ledger.RecordConvergence(l.Store.ID(), it.N, res); err != nil {
			l.log.Warn("ledger write failed", zap.Error(err))
		}
	}
	l.log.Info("convergence checked",
		zap.Int("iteration", it.N),
		zap.Bool("converged", res.Converged),
		zap.Bool("suggest_stop", res.SuggestStop),
		zap.Float64("disagreement_max", res.Metrics.DisagreementMax),
		zap.Strings("reasons", res.Reasons))
	return res, nil
}

func (l *Loop) selectAndLabel(ctx context.Context, it storage.Iteration, report *disagreement.Report, pool []*structure.Structure) ([]selection.Pick, int, error) {
	if storage.Exists(it.Labeled()) && storage.Exists(it.Selected()) {
		var rec selection.Record
		if err := storage.ReadJSON(it.Selected(), &rec); err != nil {
			return nil, 0, err
		}
		labeled, err := l.codec.ReadFile(it.Labeled())
		if err != nil {
			return nil, 0, err
		}
		l.log.Info("reusing labeled structures", zap.Int("iteration", it.N), zap.Int("labeled", len(labeled)))
		return rec.Picks, len(labeled), nil
	}

	scores, err := report.ScoresByIndex()
	if err != nil {
		return nil, 0, err
	}
	if len(scores) != len(pool) {
		return nil, 0, errs.Integrityf("select", "report scores %d structures, pool has %d", len(scores), len(pool))
	}
	opts := selection.Options{K: l.Config.Selection.K, Cutoff: l.Config.Selection.Cutoff}
	picks, err := selection.Select(scores, opts)
	if err != nil {
		return nil, 0, err
	}
	chosen, err := dataset.Subset(pool, selection.Indices(picks))
	if err != nil {
		return nil, 0, err
	}
	if err := storage.WriteJSON(it.Selected(), selection.NewRecord(opts, picks)); err != nil {
		return nil, 0, err
	}
	if err := l.writeXYZ(it.ToLabel(), chosen); err != nil {
		return nil, 0, err
	}
	l.emit(events.Event{Kind: events.KindLog, Message: fmt.Sprintf("selected %d of %d pool structures", len(picks), len(pool))})

	kind, err := l.Config.LabelKind()
	if err != nil {
		return nil, 0, err
	}
	lc := l.Config.LabelConfig(it.LabelDir())
	lc.Codec = l.codec
	labeled, err := l.Labeler.Label(ctx, chosen, kind, lc)
	if err != nil {
		return nil, 0, fmt.Errorf("label with %s: %w", kind, err)
	}
	if len(labeled) != len(chosen) {
		return nil, 0, errs.Integrityf("label", "labeler returned %d structures for %d inputs", len(labeled), len(chosen))
	}
	for i, s := range labeled {
		if !s.Labeled() {
			return nil, 0, errs.Integrityf("label", "structure %d came back without energy/forces", i)
		}
	}
	if err := l.writeXYZ(it.Labeled(), labeled); err != nil {
		return nil, 0, err
	}
	l.log.Info("labeled structures", zap.Int("iteration", it.N), zap.String("reference", string(kind)), zap.Int("count", len(labeled)))
	return picks, len(labeled), nil
}
