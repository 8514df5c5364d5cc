// Package orchestrator sequences one active-learning run: split, train a
// committee, score the pool, check convergence, then select and label the
// most uncertain structures for the next iteration.
//
// Every phase writes its artifacts under runs/<id>/iter_NN and reuses them
// when they already exist, so re-running an interrupted run resumes where it
// stopped. Phases run on the calling goroutine; the only blocking points are
// the external trainer, predictor and labeler processes.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/committee"
	"github.com/san-kum/mlipal/internal/config"
	"github.com/san-kum/mlipal/internal/convergence"
	"github.com/san-kum/mlipal/internal/disagreement"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/freeze"
	"github.com/san-kum/mlipal/internal/labeling"
	"github.com/san-kum/mlipal/internal/ledger"
	"github.com/san-kum/mlipal/internal/metrics"
	"github.com/san-kum/mlipal/internal/selection"
	"github.com/san-kum/mlipal/internal/storage"
	"github.com/san-kum/mlipal/internal/structure"
	"github.com/san-kum/mlipal/internal/trainer"
)

const (
	StopConverged     = "converged"
	StopMaxIterations = "max_iterations"
)

// Labeler produces energies and forces for selected structures.
type Labeler interface {
	Label(ctx context.Context, structures []*structure.Structure, kind labeling.Kind, cfg labeling.Config) ([]*structure.Structure, error)
}

type Loop struct {
	Config     *config.Config
	Store      *storage.Run
	Trainer    trainer.Trainer
	Predictor  disagreement.Predictor
	Labeler    Labeler
	FreezeTool freeze.Tool

	// Ledger and Metrics are optional.
	Ledger  *ledger.Ledger
	Metrics *metrics.Metrics
	Sink    events.Sink
	Logger  *zap.Logger

	// ForceBase retrains the fine-tuning base model once per Loop even if
	// one is already recorded for the run.
	ForceBase bool

	phase      Phase
	phaseStart time.Time
	iter       int
	baseForced bool
	codec      structure.Codec
	sink       events.Sink
	log        *zap.Logger
}

// New wires a loop with the external command adapters named in cfg.
func New(cfg *config.Config, run *storage.Run, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		Config:     cfg,
		Store:      run,
		Trainer:    &trainer.CommandTrainer{CLI: cfg.Committee.Command},
		Predictor:  &disagreement.CommandPredictor{Command: cfg.Scoring.Command, ExtraArgs: cfg.Scoring.ExtraArgs},
		Labeler:    labeling.NewOracle(logger),
		FreezeTool: &freeze.CommandTool{CLI: cfg.FineTune.Tool},
		Logger:     logger,
	}
}

// IterationResult summarizes one iteration.
type IterationResult struct {
	Iteration   int                  `json:"iteration"`
	Dir         string               `json:"dir"`
	TrainSize   int                  `json:"train_size"`
	ValidSize   int                  `json:"valid_size"`
	PoolSize    int                  `json:"pool_size"`
	Members     []committee.Member   `json:"members"`
	Convergence convergence.Result   `json:"convergence"`
	Selected    []selection.Pick     `json:"selected,omitempty"`
	Labeled     int                  `json:"labeled"`
	Stopped     bool                 `json:"stopped"`
	StopReason  string               `json:"stop_reason,omitempty"`
	Report      *disagreement.Report `json:"-"`
}

// Outcome summarizes a full run.
type Outcome struct {
	RunID      string            `json:"run_id"`
	Iterations []IterationResult `json:"iterations"`
	Converged  bool              `json:"converged"`
	StopReason string            `json:"stop_reason"`
}

func (l *Loop) prepare() error {
	l.log = l.Logger
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.Store != nil {
		l.log = l.log.With(zap.String("run", l.Store.ID()))
	}

	sinks := []events.Sink{l.Sink}
	if l.Metrics != nil {
		sinks = append(sinks, l.Metrics)
	}
	if l.Ledger != nil {
		sinks = append(sinks, l.Ledger.Sink(l.log, false))
	}
	l.sink = events.Multi(sinks...)
	l.phase = PhaseIdle
	if l.Config == nil || l.Store == nil {
		return l.fail(errs.Configf("orchestrate", "loop needs a config and a run"))
	}
	l.codec = structure.Codec{
		EnergyKey: l.Config.Committee.Hyper.EnergyKey,
		ForcesKey: l.Config.Committee.Hyper.ForcesKey,
	}
	if l.Trainer == nil || l.Predictor == nil || l.Labeler == nil {
		return l.fail(errs.Configf("orchestrate", "loop needs a trainer, a predictor and a labeler"))
	}
	return nil
}

// Run executes iterations from 0 until convergence or max_iterations.
// Iterations that already completed are replayed from their artifacts.
func (l *Loop) Run(ctx context.Context) (*Outcome, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}
	if err := l.Config.Validate(); err != nil {
		return nil, l.fail(err)
	}
	out := &Outcome{RunID: l.Store.ID()}
	for n := 0; n < l.Config.MaxIterations; n++ {
		res, err := l.iterate(ctx, n)
		if err != nil {
			return out, l.fail(err)
		}
		out.Iterations = append(out.Iterations, *res)
		if res.Stopped {
			out.Converged = res.StopReason == StopConverged
			out.StopReason = res.StopReason
			break
		}
	}
	l.flushMetrics()
	l.log.Info("run finished",
		zap.Int("iterations", len(out.Iterations)),
		zap.Bool("converged", out.Converged),
		zap.String("reason", out.StopReason))
	return out, nil
}

// RunIteration executes iteration n alone. For n > 0 the previous
// iteration must have been selected and labeled.
func (l *Loop) RunIteration(ctx context.Context, n int) (*IterationResult, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}
	if err := l.Config.Validate(); err != nil {
		return nil, l.fail(err)
	}
	if n < 0 {
		return nil, l.fail(errs.Configf("iterate", "iteration must be >= 0, got %d", n))
	}
	res, err := l.iterate(ctx, n)
	if err != nil {
		return res, l.fail(err)
	}
	l.flushMetrics()
	return res, nil
}

func (l *Loop) iterate(ctx context.Context, n int) (*IterationResult, error) {
	l.iter = n
	it := l.Store.Iteration(n)
	res := &IterationResult{Iteration: n, Dir: it.Dir}
	if err := it.Ensure(); err != nil {
		return res, err
	}

	if err := l.transition(PhaseSplit); err != nil {
		return res, err
	}
	data, err := l.split(it)
	if err != nil {
		return res, fmt.Errorf("iteration %d split: %w", n, err)
	}
	res.TrainSize, res.ValidSize, res.PoolSize = len(data.train), len(data.valid), len(data.pool)
	l.record(res)

	if err := l.transition(PhaseTrainCommittee); err != nil {
		return res, err
	}
	members, err := l.trainCommittee(ctx, it)
	if err != nil {
		return res, fmt.Errorf("iteration %d: %w", n, err)
	}
	res.Members = members

	if err := l.transition(PhaseScorePool); err != nil {
		return res, err
	}
	report, err := l.scorePool(ctx, it, members, data.pool)
	if err != nil {
		return res, fmt.Errorf("iteration %d score pool: %w", n, err)
	}
	res.Report = report

	if err := l.transition(PhaseCheckConvergence); err != nil {
		return res, err
	}
	conv, err := l.checkConvergence(it, members, report)
	if err != nil {
		return res, fmt.Errorf("iteration %d check convergence: %w", n, err)
	}
	res.Convergence = conv

	switch {
	case conv.SuggestStop:
		res.Stopped, res.StopReason = true, StopConverged
	case n >= l.Config.MaxIterations-1:
		res.Stopped, res.StopReason = true, StopMaxIterations
	}
	if res.Stopped {
		if err := l.transition(PhaseStop); err != nil {
			return res, err
		}
		l.emit(events.Event{Kind: events.KindDone, Message: fmt.Sprintf("stopping after iteration %d: %s", n, res.StopReason)})
		return res, nil
	}

	if err := l.transition(PhaseSelectAndLabel); err != nil {
		return res, err
	}
	picks, labeled, err := l.selectAndLabel(ctx, it, report, data.pool)
	if err != nil {
		return res, fmt.Errorf("iteration %d select and label: %w", n, err)
	}
	res.Selected = picks
	res.Labeled = labeled
	l.record(res)
	return res, nil
}

func (l *Loop) transition(to Phase) error {
	if err := ValidateTransition(l.phase, to); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	now := time.Now()
	if l.phase != PhaseIdle && l.Metrics != nil {
		l.Metrics.ObservePhase(string(l.phase), now.Sub(l.phaseStart))
		l.flushMetrics()
	}
	l.phase = to
	l.phaseStart = now
	l.log.Info("phase", zap.Int("iteration", l.iter), zap.String("phase", string(to)))
	l.emit(events.Event{Kind: events.KindPhase})
	return nil
}

// emit tags e with the run, iteration and phase and forwards it.
func (l *Loop) emit(e events.Event) {
	if l.Store != nil {
		e.RunID = l.Store.ID()
	}
	e.Iteration = l.iter
	if e.Phase == "" {
		e.Phase = string(l.phase)
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.sink.Emit(e)
}

// fail reports err as the run's single error event.
func (l *Loop) fail(err error) error {
	l.log.Error("run failed", zap.Int("iteration", l.iter), zap.String("phase", string(l.phase)), zap.Error(err))
	l.emit(events.Event{Kind: events.KindError, Message: err.Error(), ErrorKind: errs.Kind(err)})
	l.flushMetrics()
	return err
}

func (l *Loop) record(res *IterationResult) {
	if l.Metrics != nil {
		l.Metrics.ObserveSplit(res.Iteration, res.TrainSize, res.ValidSize, res.PoolSize)
	}
	if l.Ledger == nil {
		return
	}
	err := l.Ledger.RecordIteration(ledger.IterationRecord{
		RunID:     l.Store.ID(),
		Iteration: res.Iteration,
		TrainSize: res.TrainSize,
		ValidSize: res.ValidSize,
		PoolSize:  res.PoolSize,
		Selected:  len(res.Selected),
	})
	if err != nil {
		l.log.Warn("ledger write failed", zap.Error(err))
	}
}

func (l *Loop) flushMetrics() {
	if l.Metrics == nil || l.Store == nil {
		return
	}
	if err := l.Metrics.WriteTextfile(l.Store.MetricsPath()); err != nil {
		l.log.Warn("metrics write failed", zap.Error(err))
	}
}
