package convergence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maceLog = `2025-01-01 INFO: Started training
Epoch 0: head: Default, loss=0.02708193, RMSE_E_per_atom=   26.14 meV, RMSE_F=   10.06 meV / A
Epoch 4: head: Default, loss=0.00025959, MAE_E_per_atom=    0.15 meV, MAE_F=    1.86 meV / A
Epoch 2: head: Default, loss=0.001, MAE_E_per_atom=    3.00 meV, MAE_F=    9.00 meV / A
`

func TestParseValidation(t *testing.T) {
	v, ok := ParseValidation(maceLog)
	require.True(t, ok)
	assert.Equal(t, Validation{MAEEnergy: 0.15, MAEForce: 1.86}, v)

	_, ok = ParseValidation("no epochs here")
	assert.False(t, ok)
}

func TestIterationValidation(t *testing.T) {
	iter := t.TempDir()
	write := func(rel, text string) {
		p := filepath.Join(iter, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(text), 0644))
	}
	write("c0/logs/c0_run-0.log", "Epoch 1: loss=0.1, MAE_E_per_atom=2.0 meV, MAE_F=10.0 meV / A\n")
	write("c1/logs/train_stdout.log", "Epoch 1: loss=0.1, MAE_E_per_atom=4.0 meV, MAE_F=30.0 meV / A\n")

	v, ok := IterationValidation(iter, 3)
	require.True(t, ok)
	assert.InDelta(t, 3.0, v.MAEEnergy, 1e-12)
	assert.InDelta(t, 20.0, v.MAEForce, 1e-12)

	_, ok = IterationValidation(t.TempDir(), 2)
	assert.False(t, ok)
}
