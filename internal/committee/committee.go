// Package committee trains an ensemble of independently seeded models on a
// shared split.
//
// Members are trained strictly one after another in ascending seed order.
// A member that already finished (member.json present and a checkpoint
// resolves) is reused, so re-running an interrupted committee only trains
// what is missing.
package committee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/checkpoint"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/trainer"
)

const markerName = "member.json"

// Metrics are the last epoch summary a member reported.
type Metrics struct {
	Epoch     int     `json:"epoch"`
	Loss      float64 `json:"loss"`
	MAEEnergy float64 `json:"mae_energy"`
	MAEForce  float64 `json:"mae_force"`
}

type Member struct {
	Index      int      `json:"index"`
	Name       string   `json:"name"`
	Seed       int      `json:"seed"`
	Checkpoint string   `json:"checkpoint"`
	Validation *Metrics `json:"validation,omitempty"`
	Reused     bool     `json:"-"`
}

type Options struct {
	Size      int
	TrainFile string
	ValidFile string
	// WorkDir is the iteration directory; member i writes to WorkDir/c<i>.
	WorkDir string
	Device  string
	Hyper   trainer.Hyperparameters
	// InitCheckpoint, when set, is copied into every member's checkpoint
	// slot before training. It is never modified.
	InitCheckpoint string
}

type Committee struct {
	Trainer trainer.Trainer
	Sink    events.Sink
	Logger  *zap.Logger
}

func MemberName(i int) string { return fmt.Sprintf("c%d", i) }

// Train trains opts.Size members with seeds 0..Size-1. If a member's
// training fails, Train stops and returns an error naming it; checkpoints
// already on disk are left for inspection.
func (c *Committee) Train(ctx context.Context, opts Options) ([]Member, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := c.Sink
	if sink == nil {
		sink = events.Discard
	}
	if opts.Size < 1 {
		return nil, errs.Configf("train committee", "committee size must be >= 1, got %d", opts.Size)
	}
	for _, p := range []string{opts.TrainFile, opts.ValidFile} {
		if _, err := os.Stat(p); err != nil {
			return nil, errs.NotFound("train committee", p)
		}
	}
	if opts.InitCheckpoint != "" {
		if _, err := os.Stat(opts.InitCheckpoint); err != nil {
			return nil, errs.NotFound("train committee: init checkpoint", opts.InitCheckpoint)
		}
	}

	members := make([]Member, 0, opts.Size)
	for i := 0; i < opts.Size; i++ {
		m, err := c.trainMember(ctx, opts, i, sink, log)
		if err != nil {
			return nil, fmt.Errorf("committee member %s: %w", MemberName(i), err)
		}
		members = append(members, m)
	}
	return members, nil
}

func (c *Committee) trainMember(ctx context.Context, opts Options, i int, sink events.Sink, log *zap.Logger) (Member, error) {
	name := MemberName(i)
	seed := i
	memberDir := filepath.Join(opts.WorkDir, name)
	ckptDir := filepath.Join(memberDir, "checkpoints")
	log = log.With(zap.String("member", name), zap.Int("seed", seed))

	if m, ok := loadFinished(memberDir); ok {
		log.Info("reusing trained member", zap.String("checkpoint", m.Checkpoint))
		sink.Emit(events.Event{Kind: events.KindLog, Member: name, Message: "reusing trained model " + m.Checkpoint})
		m.Reused = true
		return m, nil
	}

	sink.Emit(events.Event{Kind: events.KindLog, Member: name, Message: fmt.Sprintf("Training committee model %s (seed %d)", name, seed)})
	if opts.InitCheckpoint != "" {
		seeded, err := SeedCheckpoint(opts.InitCheckpoint, ckptDir, name, seed)
		if err != nil {
			return Member{}, fmt.Errorf("prepare fine-tune checkpoint: %w", err)
		}
		sink.Emit(events.Event{Kind: events.KindLog, Member: name, Message: "fine-tune init checkpoint: " + seeded})
	}

	stream, err := c.Trainer.Train(ctx, trainer.Request{
		TrainFile: opts.TrainFile,
		ValidFile: opts.ValidFile,
		WorkDir:   opts.WorkDir,
		Name:      name,
		Seed:      seed,
		Device:    opts.Device,
		Hyper:     opts.Hyper,
		FineTune:  opts.InitCheckpoint != "",
		LogPath:   filepath.Join(memberDir, "logs", "train_stdout.log"),
	})
	if err != nil {
		return Member{}, err
	}

	var last *Metrics
	err = trainer.Drain(stream, func(ev events.Event) {
		ev.Member = name
		if ev.Kind == events.KindProgress {
			last = &Metrics{Epoch: ev.Epoch, Loss: ev.Loss, MAEEnergy: ev.MAEEnergy, MAEForce: ev.MAEForce}
		}
		sink.Emit(ev)
	})
	if err != nil {
		var pe *errs.ProcessError
		if errors.As(err, &pe) {
			log.Error("training failed", zap.Int("exit_code", pe.ExitCode))
		}
		return Member{}, err
	}

	ckpt, err := checkpoint.MustExist(ckptDir)
	if err != nil {
		return Member{}, fmt.Errorf("trainer exited cleanly but left no checkpoint: %w", err)
	}
	m := Member{Index: i, Name: name, Seed: seed, Checkpoint: ckpt, Validation: last}
	if err := writeMarker(memberDir, m); err != nil {
		return Member{}, err
	}
	log.Info("member trained", zap.String("checkpoint", ckpt))
	sink.Emit(events.Event{Kind: events.KindDone, Member: name, Message: ckpt})
	return m, nil
}

// SeedCheckpoint copies src into ckptDir as <name>_run-<seed>_epoch-0.pt
// unless ckptDir already resolves a checkpoint, in which case that one is
// returned untouched.
func SeedCheckpoint(src, ckptDir, name string, seed int) (string, error) {
	if _, err := os.Stat(src); err != nil {
		return "", errs.NotFound("seed checkpoint", src)
	}
	if err := os.MkdirAll(ckptDir, 0755); err != nil {
		return "", err
	}
	if existing, ok, err := checkpoint.Resolve(ckptDir); err != nil {
		return "", err
	} else if ok {
		return existing, nil
	}
	target := filepath.Join(ckptDir, fmt.Sprintf("%s_run-%d_epoch-0.pt", name, seed))
	if err := copyFile(src, target); err != nil {
		return "", err
	}
	return target, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func writeMarker(memberDir string, m Member) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(memberDir, markerName), append(data, '\n'), 0644)
}

// loadFinished returns the recorded member if its marker exists and its
// checkpoint directory still resolves.
func loadFinished(memberDir string) (Member, bool) {
	data, err := os.ReadFile(filepath.Join(memberDir, markerName))
	if err != nil {
		return Member{}, false
	}
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return Member{}, false
	}
	ckpt, ok, err := checkpoint.Resolve(filepath.Join(memberDir, "checkpoints"))
	if err != nil || !ok {
		return Member{}, false
	}
	m.Checkpoint = ckpt
	return m, true
}

// Load returns the finished members of an iteration directory, in index
// order, stopping at the first member that is missing.
func Load(workDir string, size int) ([]Member, error) {
	var out []Member
	for i := 0; i < size; i++ {
		dir := filepath.Join(workDir, MemberName(i))
		m, ok := loadFinished(dir)
		if !ok {
			return nil, errs.NotFound("load committee member", dir)
		}
		out = append(out, m)
	}
	return out, nil
}

// Checkpoints lists the members' checkpoint paths.
func Checkpoints(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Checkpoint
	}
	return out
}

// ValidationMAE averages the last reported validation errors over members
// that reported any. ok is false when none did.
func ValidationMAE(members []Member) (energy, force float64, ok bool) {
	n := 0
	for _, m := range members {
		if m.Validation == nil {
			continue
		}
		energy += m.Validation.MAEEnergy
		force += m.Validation.MAEForce
		n++
	}
	if n == 0 {
		return 0, 0, false
	}
	return energy / float64(n), force / float64(n), true
}
