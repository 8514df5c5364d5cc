package committee

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/trainer"
)

// stubTrainer emits a deterministic metric sequence derived from the seed
// and writes a checkpoint where the real trainer would.
type stubTrainer struct {
	requests []trainer.Request
	failSeed int
	exitCode int
}

func (s *stubTrainer) Train(_ context.Context, req trainer.Request) (trainer.Stream, error) {
	s.requests = append(s.requests, req)
	if s.exitCode != 0 && req.Seed == s.failSeed {
		return &trainer.SliceStream{
			Events: []events.Event{{Kind: events.KindLog, Message: "CUDA error"}},
			Final:  &errs.ProcessError{Name: req.Name, ExitCode: s.exitCode},
		}, nil
	}
	dir := filepath.Join(req.WorkDir, req.Name, "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_run-%d_epoch-2.pt", req.Name, req.Seed))
	if err := os.WriteFile(path, []byte("trained"), 0644); err != nil {
		return nil, err
	}
	var evs []events.Event
	for epoch := 0; epoch < 3; epoch++ {
		f := float64(req.Seed+1) / float64(epoch+1)
		evs = append(evs, events.Event{Kind: events.KindProgress, Epoch: epoch, Loss: f, MAEEnergy: f, MAEForce: 10 * f})
	}
	return &trainer.SliceStream{Events: evs}, nil
}

func splitFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	train := filepath.Join(dir, "train.xyz")
	valid := filepath.Join(dir, "valid.xyz")
	require.NoError(t, os.WriteFile(train, []byte("1\n\nH 0 0 0\n"), 0644))
	require.NoError(t, os.WriteFile(valid, []byte("1\n\nH 0 0 0\n"), 0644))
	return train, valid
}

func TestTrainSequentialSeeds(t *testing.T) {
	train, valid := splitFiles(t)
	st := &stubTrainer{}
	rec := &events.Recorder{}
	c := &Committee{Trainer: st, Sink: rec}
	work := t.TempDir()

	members, err := c.Train(context.Background(), Options{Size: 3, TrainFile: train, ValidFile: valid, WorkDir: work})
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, m := range members {
		assert.Equal(t, i, m.Seed)
		assert.Equal(t, fmt.Sprintf("c%d", i), m.Name)
		assert.Equal(t, i, st.requests[i].Seed)
		assert.False(t, st.requests[i].FineTune)
		assert.FileExists(t, filepath.Join(work, m.Name, "member.json"))
		assert.True(t, strings.HasSuffix(m.Checkpoint, "epoch-2.pt"))
		require.NotNil(t, m.Validation)
		assert.Equal(t, 2, m.Validation.Epoch)
	}
	for _, ev := range rec.Filter(events.KindProgress) {
		assert.NotEmpty(t, ev.Member)
	}
	assert.Len(t, rec.Filter(events.KindDone), 3)
}

func TestTrainIsDeterministic(t *testing.T) {
	train, valid := splitFiles(t)
	run := func() []events.Event {
		rec := &events.Recorder{}
		c := &Committee{Trainer: &stubTrainer{}, Sink: rec}
		_, err := c.Train(context.Background(), Options{Size: 2, TrainFile: train, ValidFile: valid, WorkDir: t.TempDir()})
		require.NoError(t, err)
		return rec.Filter(events.KindProgress)
	}
	assert.Equal(t, run(), run())
}

func TestTrainResumesFinishedMembers(t *testing.T) {
	train, valid := splitFiles(t)
	work := t.TempDir()
	opts := Options{Size: 2, TrainFile: train, ValidFile: valid, WorkDir: work}

	first := &stubTrainer{}
	_, err := (&Committee{Trainer: first}).Train(context.Background(), opts)
	require.NoError(t, err)

	second := &stubTrainer{}
	members, err := (&Committee{Trainer: second}).Train(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, second.requests)
	assert.True(t, members[0].Reused)
	assert.True(t, members[1].Reused)
	require.NotNil(t, members[1].Validation)

	loaded, err := Load(work, 2)
	require.NoError(t, err)
	assert.Equal(t, Checkpoints(members), Checkpoints(loaded))
	_, err = Load(work, 3)
	assert.ErrorIs(t, err, errs.ErrResourceNotFound)
}

func TestTrainAbortsOnMemberFailure(t *testing.T) {
	train, valid := splitFiles(t)
	work := t.TempDir()
	st := &stubTrainer{failSeed: 1, exitCode: 2}
	members, err := (&Committee{Trainer: st}).Train(context.Background(), Options{Size: 3, TrainFile: train, ValidFile: valid, WorkDir: work})
	require.Error(t, err)
	assert.Nil(t, members)
	assert.Contains(t, err.Error(), "c1")

	var pe *errs.ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.ExitCode)
	assert.Len(t, st.requests, 2, "member c2 must not start")
	assert.FileExists(t, filepath.Join(work, "c0", "checkpoints", "c0_run-0_epoch-2.pt"))
	assert.NoFileExists(t, filepath.Join(work, "c1", "member.json"))
}

func TestFineTuneCopiesInitCheckpoint(t *testing.T) {
	train, valid := splitFiles(t)
	work := t.TempDir()
	init := filepath.Join(t.TempDir(), "freeze_init.pt")
	require.NoError(t, os.WriteFile(init, []byte("base"), 0644))

	st := &stubTrainer{}
	_, err := (&Committee{Trainer: st}).Train(context.Background(), Options{
		Size: 2, TrainFile: train, ValidFile: valid, WorkDir: work, InitCheckpoint: init,
	})
	require.NoError(t, err)
	for i, req := range st.requests {
		assert.True(t, req.FineTune)
		seeded := filepath.Join(work, MemberName(i), "checkpoints", fmt.Sprintf("c%d_run-%d_epoch-0.pt", i, i))
		data, err := os.ReadFile(seeded)
		require.NoError(t, err)
		assert.Equal(t, "base", string(data))
	}
	data, _ := os.ReadFile(init)
	assert.Equal(t, "base", string(data))
}

func TestSeedCheckpointSkipsWhenResolvable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	require.NoError(t, os.MkdirAll(dir, 0755))
	existing := filepath.Join(dir, "c0_run-0_epoch-5.pt")
	require.NoError(t, os.WriteFile(existing, []byte("mine"), 0644))
	src := filepath.Join(t.TempDir(), "init.pt")
	require.NoError(t, os.WriteFile(src, []byte("base"), 0644))

	got, err := SeedCheckpoint(src, dir, "c0", 0)
	require.NoError(t, err)
	assert.Equal(t, existing, got)
	assert.NoFileExists(t, filepath.Join(dir, "c0_run-0_epoch-0.pt"))

	_, err = SeedCheckpoint(filepath.Join(t.TempDir(), "gone.pt"), dir, "c0", 0)
	assert.ErrorIs(t, err, errs.ErrResourceNotFound)
}

func TestTrainValidatesInputs(t *testing.T) {
	train, valid := splitFiles(t)
	c := &Committee{Trainer: &stubTrainer{}}
	_, err := c.Train(context.Background(), Options{Size: 0, TrainFile: train, ValidFile: valid, WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = c.Train(context.Background(), Options{Size: 1, TrainFile: "missing.xyz", ValidFile: valid, WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, errs.ErrResourceNotFound)
	_, err = c.Train(context.Background(), Options{Size: 1, TrainFile: train, ValidFile: valid, WorkDir: t.TempDir(), InitCheckpoint: "nope.pt"})
	assert.ErrorIs(t, err, errs.ErrResourceNotFound)
}

func TestValidationMAE(t *testing.T) {
	_, _, ok := ValidationMAE([]Member{{}})
	assert.False(t, ok)
	e, f, ok := ValidationMAE([]Member{
		{Validation: &Metrics{MAEEnergy: 2, MAEForce: 10}},
		{},
		{Validation: &Metrics{MAEEnergy: 4, MAEForce: 30}},
	})
	require.True(t, ok)
	assert.Equal(t, 3.0, e)
	assert.Equal(t, 20.0, f)
}
