package trainer

import (
	"sort"
	"strconv"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/structure"
)

const (
	PresetQuickDemo = "quick_demo"
	PresetFull      = "full"
)

// Preset is a named set of model and optimiser hyperparameters.
type Preset struct {
	NumInteractions int     `yaml:"num_interactions"`
	NumChannels     int     `yaml:"num_channels"`
	MaxL            int     `yaml:"max_l"`
	Correlation     int     `yaml:"correlation"`
	RMax            float64 `yaml:"r_max"`
	BatchSize       int     `yaml:"batch_size"`
	ValidBatchSize  int     `yaml:"valid_batch_size"`
	ForcesWeight    float64 `yaml:"forces_weight"`
	EnergyWeight    float64 `yaml:"energy_weight"`
	DefaultDtype    string  `yaml:"default_dtype"`
	MaxEpochs       int     `yaml:"max_epochs"`
	// ExplicitModel passes --model MACE when not fine-tuning.
	ExplicitModel bool `yaml:"explicit_model"`
}

var Presets = map[string]Preset{
	PresetQuickDemo: {
		NumInteractions: 1, NumChannels: 32, MaxL: 0, Correlation: 2, RMax: 5.0,
		BatchSize: 8, ValidBatchSize: 8, ForcesWeight: 100, EnergyWeight: 1,
		DefaultDtype: "float32", MaxEpochs: 5,
	},
	PresetFull: {
		NumInteractions: 2, NumChannels: 64, MaxL: 0, Correlation: 3, RMax: 6.0,
		BatchSize: 2, ValidBatchSize: 4, ForcesWeight: 1000, EnergyWeight: 10,
		DefaultDtype: "float64", MaxEpochs: 200, ExplicitModel: true,
	},
}

func GetPreset(name string) (Preset, error) {
	p, ok := Presets[name]
	if !ok {
		return Preset{}, errs.Configf("trainer preset", "unknown preset: %s", name)
	}
	return p, nil
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for n := range Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Hyperparameters select a preset and optional overrides.
type Hyperparameters struct {
	Preset    string   `yaml:"preset"`
	MaxEpochs int      `yaml:"max_epochs"`
	EnergyKey string   `yaml:"energy_key"`
	ForcesKey string   `yaml:"forces_key"`
	Extra     []string `yaml:"extra_args"`
}

// Args renders the trainer flags that follow the fixed data/seed flags.
// Fine-tuning runs resume from the seeded checkpoint via --restart_latest
// and never pass --model.
func (h Hyperparameters) Args(fineTune bool) ([]string, error) {
	name := h.Preset
	if name == "" {
		name = PresetQuickDemo
	}
	p, err := GetPreset(name)
	if err != nil {
		return nil, err
	}
	epochs := p.MaxEpochs
	if h.MaxEpochs > 0 {
		epochs = h.MaxEpochs
	}
	epochs = max(1, epochs)
	energyKey, forcesKey := h.EnergyKey, h.ForcesKey
	if energyKey == "" {
		energyKey = structure.DefaultEnergyKey
	}
	if forcesKey == "" {
		forcesKey = structure.DefaultForcesKey
	}

	f := func(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
	args := []string{
		"--E0s", "average",
		"--energy_key", energyKey,
		"--forces_key", forcesKey,
		"--num_interactions", strconv.Itoa(p.NumInteractions),
		"--num_channels", strconv.Itoa(p.NumChannels),
		"--max_L", strconv.Itoa(p.MaxL),
		"--correlation", strconv.Itoa(p.Correlation),
		"--r_max", f(p.RMax),
		"--batch_size", strconv.Itoa(p.BatchSize),
		"--valid_batch_size", strconv.Itoa(p.ValidBatchSize),
		"--max_num_epochs", strconv.Itoa(epochs),
		"--forces_weight", f(p.ForcesWeight),
		"--energy_weight", f(p.EnergyWeight),
		"--default_dtype", p.DefaultDtype,
		"--save_cpu",
	}
	args = append(args, h.Extra...)
	if fineTune {
		return append(args, "--restart_latest"), nil
	}
	if p.ExplicitModel {
		return append([]string{"--model", "MACE"}, args...), nil
	}
	return args, nil
}
