package disagreement

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/procexec"
	"github.com/san-kum/mlipal/internal/structure"
)

const (
	DefaultPredictCommand = "mace_eval_configs"
	predictEnergyKey      = "MACE_energy"
	predictForcesKey      = "MACE_forces"
)

// Output fragments that mean the loaded file was a training checkpoint.
var mismatchMarkers = []string{
	"Weights only load failed",
	"UnpicklingError",
	"'dict' object has no attribute",
	"object has no attribute 'eval'",
}

// CommandPredictor runs the external evaluation CLI:
//
//	mace_eval_configs --configs in.xyz --model m.model --output out.xyz --device cpu
type CommandPredictor struct {
	Command string
	// ExtraArgs are appended after the standard flags.
	ExtraArgs []string
	// WorkDir receives the temporary input and output files.
	WorkDir string
	Env     []string
}

func (p *CommandPredictor) Predict(ctx context.Context, model string, structures []*structure.Structure, device string) (Prediction, error) {
	cmdPath := p.Command
	if cmdPath == "" {
		cmdPath = DefaultPredictCommand
	}
	if device == "" {
		device = "cpu"
	}
	if p.WorkDir != "" {
		if err := os.MkdirAll(p.WorkDir, 0755); err != nil {
			return Prediction{}, err
		}
	}
	tmp, err := os.MkdirTemp(p.WorkDir, "predict-")
	if err != nil {
		return Prediction{}, err
	}
	defer os.RemoveAll(tmp)

	in := filepath.Join(tmp, "configs.xyz")
	out := filepath.Join(tmp, "predicted.xyz")
	if err := structure.Default.WriteFile(in, structures); err != nil {
		return Prediction{}, err
	}

	args := []string{"--configs", in, "--model", model, "--output", out, "--device", device}
	args = append(args, p.ExtraArgs...)
	_, err = procexec.Run(ctx, procexec.Command{
		Name: "predictor",
		Path: cmdPath,
		Args: args,
		Env:  p.Env,
	})
	if err != nil {
		var pe *errs.ProcessError
		if errors.As(err, &pe) && isMismatch(pe.Tail) {
			return Prediction{}, &errs.ArtifactMismatchError{Checkpoint: model, Detail: lastLine(pe.Tail)}
		}
		return Prediction{}, err
	}

	codec := structure.Codec{EnergyKey: predictEnergyKey, ForcesKey: predictForcesKey}
	frames, err := codec.ReadFile(out)
	if err != nil {
		return Prediction{}, err
	}
	pred := Prediction{Energies: make([]float64, len(frames)), Forces: make([][][3]float64, len(frames))}
	for i, f := range frames {
		if f.Energy == nil || len(f.Forces) != f.NumAtoms() {
			return Prediction{}, errs.Integrityf("predict", "frame %d of %s has no %s/%s", i, out, predictEnergyKey, predictForcesKey)
		}
		pred.Energies[i] = *f.Energy
		pred.Forces[i] = f.Forces
	}
	return pred, nil
}

func isMismatch(output string) bool {
	for _, m := range mismatchMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
