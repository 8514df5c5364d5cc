package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/checkpoint"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/freeze"
	"github.com/san-kum/mlipal/internal/storage"
	"github.com/san-kum/mlipal/internal/trainer"
)

const (
	baseName       = "base"
	baseMarker     = "base.json"
	freezePlanName = "freeze_plan.json"
	freezeInitName = "freeze_init.pt"
)

// BaseInfo is base.json: the fine-tuning base of a run and the initial
// checkpoint every committee member starts from.
type BaseInfo struct {
	Checkpoint     string `json:"checkpoint"`
	Trained        bool   `json:"trained"`
	Plan           string `json:"plan"`
	NumFrozen      int    `json:"num_frozen_params"`
	InitCheckpoint string `json:"init_checkpoint"`
}

// ensureBase builds the fine-tuning base once per run. With ForceBase the
// previous base is discarded the first time it is needed by this Loop.
func (l *Loop) ensureBase(ctx context.Context, it storage.Iteration) (BaseInfo, error) {
	dir := l.Store.BaseDir()
	marker := filepath.Join(dir, baseMarker)

	if l.ForceBase && !l.baseForced {
		l.baseForced = true
		if err := os.RemoveAll(dir); err != nil {
			return BaseInfo{}, err
		}
		l.log.Info("rebuilding fine-tune base", zap.String("dir", dir))
	} else if storage.Exists(marker) {
		var info BaseInfo
		if err := storage.ReadJSON(marker, &info); err != nil {
			return BaseInfo{}, err
		}
		if _, err := os.Stat(info.InitCheckpoint); err != nil {
			return BaseInfo{}, errs.NotFound("fine-tune base", info.InitCheckpoint)
		}
		return info, nil
	}
	if l.FreezeTool == nil {
		return BaseInfo{}, errs.Configf("fine-tune base", "no freeze tool configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return BaseInfo{}, err
	}

	info := BaseInfo{Checkpoint: l.Config.FineTune.BaseCheckpoint}
	if info.Checkpoint == "" {
		ckpt, err := l.trainBase(ctx, it, dir)
		if err != nil {
			return BaseInfo{}, err
		}
		info.Checkpoint, info.Trained = ckpt, true
	} else if _, err := os.Stat(info.Checkpoint); err != nil {
		return BaseInfo{}, errs.NotFound("fine-tune base", info.Checkpoint)
	}

	keys, err := l.FreezeTool.ParamNames(ctx, info.Checkpoint)
	if err != nil {
		return BaseInfo{}, err
	}
	plan := freeze.Compute(keys,
		freeze.NormalizePatterns(l.Config.FineTune.Freeze),
		freeze.NormalizePatterns(l.Config.FineTune.Unfreeze))
	info.Plan = filepath.Join(dir, freezePlanName)
	if err := plan.Write(info.Plan); err != nil {
		return BaseInfo{}, err
	}
	info.NumFrozen = plan.NumFrozenParams

	if len(plan.Frozen()) == 0 {
		l.log.Warn("freeze plan is empty, fine-tuning every parameter", zap.String("warning", plan.Warning))
		l.emit(events.Event{Kind: events.KindLog, Message: plan.Warning})
		info.InitCheckpoint = info.Checkpoint
	} else {
		info.InitCheckpoint = filepath.Join(dir, freezeInitName)
		if err := l.FreezeTool.Apply(ctx, info.Checkpoint, info.InitCheckpoint, plan); err != nil {
			return BaseInfo{}, err
		}
	}

	if err := storage.WriteJSON(marker, info); err != nil {
		return BaseInfo{}, err
	}
	l.log.Info("fine-tune base ready",
		zap.String("checkpoint", info.Checkpoint),
		zap.Int("frozen", info.NumFrozen),
		zap.Int("total", plan.NumTotalParams))
	return info, nil
}

func (l *Loop) trainBase(ctx context.Context, it storage.Iteration, dir string) (string, error) {
	l.emit(events.Event{Kind: events.KindLog, Member: baseName, Message: "training fine-tune base model"})
	stream, err := l.Trainer.Train(ctx, trainer.Request{
		TrainFile: it.Train(),
		ValidFile: it.Valid(),
		WorkDir:   dir,
		Name:      baseName,
		Seed:      int(l.Config.Seed),
		Device:    l.Config.Device,
		Hyper:     l.Config.Committee.Hyper,
		LogPath:   filepath.Join(dir, baseName, "logs", "train_stdout.log"),
	})
	if err != nil {
		return "", err
	}
	err = trainer.Drain(stream, func(ev events.Event) {
		ev.Member = baseName
		l.emit(ev)
	})
	if err != nil {
		return "", err
	}
	return checkpoint.MustExist(filepath.Join(dir, baseName, "checkpoints"))
}
