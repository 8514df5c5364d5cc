package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/events"
)

func flagValue(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestArgsPresets(t *testing.T) {
	quick, err := Hyperparameters{}.Args(false)
	require.NoError(t, err)
	assert.NotContains(t, quick, "--model")
	assert.Equal(t, "5", flagValue(quick, "--max_num_epochs"))
	assert.Equal(t, "float32", flagValue(quick, "--default_dtype"))
	assert.Equal(t, "TotEnergy", flagValue(quick, "--energy_key"))

	full, err := Hyperparameters{Preset: PresetFull, MaxEpochs: 50}.Args(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"--model", "MACE"}, full[:2])
	assert.Equal(t, "50", flagValue(full, "--max_num_epochs"))
	assert.Equal(t, "1000", flagValue(full, "--forces_weight"))

	ft, err := Hyperparameters{Preset: PresetFull, Extra: []string{"--ema"}}.Args(true)
	require.NoError(t, err)
	assert.NotContains(t, ft, "--model")
	assert.Equal(t, "--restart_latest", ft[len(ft)-1])
	assert.Contains(t, ft, "--ema")

	_, err = Hyperparameters{Preset: "huge"}.Args(false)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Equal(t, []string{PresetFull, PresetQuickDemo}, ListPresets())
}

func TestCommandLine(t *testing.T) {
	tr := &CommandTrainer{CLI: "/opt/bin/mace_run_train"}
	cmd, err := tr.Command(Request{TrainFile: "t.xyz", ValidFile: "v.xyz", WorkDir: "/w", Name: "c1", Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/mace_run_train", cmd.Path)
	assert.Equal(t, "/w/c1", flagValue(cmd.Args, "--work_dir"))
	assert.Equal(t, "1", flagValue(cmd.Args, "--seed"))
	assert.Equal(t, "cpu", flagValue(cmd.Args, "--device"))
	assert.Contains(t, cmd.Env, "CUBLAS_WORKSPACE_CONFIG=:4096:8")
	assert.Contains(t, cmd.Env, "PYTHONHASHSEED=1")
}

const fakeTrainer = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --work_dir) wd="$2"; shift;;
    --name) name="$2"; shift;;
    --seed) seed="$2"; shift;;
  esac
  shift
done
echo "Loading data"
echo "Epoch 0: loss=0.5, MAE_E_per_atom=9.0 meV, MAE_F=90.0 meV / A"
echo "Epoch 1: loss=0.25, MAE_E_per_atom=4.5 meV, MAE_F=45.0 meV / A"
mkdir -p "$wd/checkpoints"
echo ckpt > "$wd/checkpoints/${name}_run-${seed}_epoch-1.pt"
exit ${FAKE_EXIT:-0}
`

func TestCommandTrainerStreamsProgress(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script trainer")
	}
	dir := t.TempDir()
	cli := filepath.Join(dir, "train.sh")
	require.NoError(t, os.WriteFile(cli, []byte(fakeTrainer), 0755))

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := &CommandTrainer{CLI: cli, Now: func() time.Time { return fixed }}
	req := Request{
		TrainFile: "train.xyz", ValidFile: "valid.xyz",
		WorkDir: filepath.Join(dir, "iter_00"), Name: "c0", Seed: 0,
		LogPath: filepath.Join(dir, "iter_00", "c0", "logs", "train_stdout.log"),
	}
	s, err := tr.Train(context.Background(), req)
	require.NoError(t, err)

	rec := &events.Recorder{}
	require.NoError(t, Drain(s, rec.Emit))
	progress := rec.Filter(events.KindProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, 1, progress[1].Epoch)
	assert.Equal(t, 45.0, progress[1].MAEForce)
	assert.Len(t, rec.Filter(events.KindLog), 1)

	m, err := ReadManifest(filepath.Join(req.WorkDir, "c0"))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T12:00:00Z", m.CreatedUTC)
	assert.Equal(t, cli, m.CLIArgs[0])
	assert.FileExists(t, filepath.Join(req.WorkDir, "c0", "checkpoints", "c0_run-0_epoch-1.pt"))
	assert.FileExists(t, req.LogPath)
}

func TestCommandTrainerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script trainer")
	}
	dir := t.TempDir()
	cli := filepath.Join(dir, "train.sh")
	require.NoError(t, os.WriteFile(cli, []byte(fakeTrainer), 0755))

	tr := &CommandTrainer{CLI: cli, Env: []string{"FAKE_EXIT=4"}}
	s, err := tr.Train(context.Background(), Request{WorkDir: dir, Name: "c1", Seed: 1})
	require.NoError(t, err)
	err = Drain(s, func(events.Event) {})
	var pe *errs.ProcessError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 4, pe.ExitCode)
	assert.Equal(t, "c1", pe.Name)
}

func TestSliceStream(t *testing.T) {
	boom := errors.New("boom")
	s := &SliceStream{Events: []events.Event{{Kind: events.KindLog}, {Kind: events.KindProgress}}, Final: boom}
	n := 0
	err := Drain(s, func(events.Event) { n++ })
	assert.Equal(t, 2, n)
	assert.Equal(t, boom, err)
}
