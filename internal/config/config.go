package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/mlipal/internal/convergence"
	"github.com/san-kum/mlipal/internal/disagreement"
	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/labeling"
	"github.com/san-kum/mlipal/internal/physics"
	"github.com/san-kum/mlipal/internal/trainer"
)

const (
	DefaultRunsDir       = "runs"
	DefaultDevice        = "cpu"
	DefaultSeed          = 123
	DefaultMaxIterations = 3
	DefaultValidFraction = 0.1
	DefaultPoolFraction  = 0.2
	DefaultCommitteeSize = 2
	DefaultK             = 10
	DefaultReference     = "surrogate-fast"
)

type Config struct {
	RunsDir       string `yaml:"runs_dir" validate:"required"`
	Input         string `yaml:"input"`
	Device        string `yaml:"device" validate:"device"`
	Seed          int64  `yaml:"seed"`
	MaxIterations int    `yaml:"max_iterations" validate:"gte=1"`

	Split       SplitConfig       `yaml:"split"`
	Committee   CommitteeConfig   `yaml:"committee"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Selection   SelectionConfig   `yaml:"selection"`
	Labeling    LabelingConfig    `yaml:"labeling"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	FineTune    FineTuneConfig    `yaml:"fine_tune"`
}

type SplitConfig struct {
	ValidFraction float64 `yaml:"valid_fraction" validate:"gte=0,lte=1"`
	PoolFraction  float64 `yaml:"pool_fraction" validate:"gte=0,lte=1"`
}

type CommitteeConfig struct {
	Size    int                     `yaml:"size" validate:"gte=1"`
	Command string                  `yaml:"command"`
	Hyper   trainer.Hyperparameters `yaml:"hyper"`
}

type ScoringConfig struct {
	Metric    string   `yaml:"metric" validate:"metric"`
	Command   string   `yaml:"command"`
	ExtraArgs []string `yaml:"extra_args"`
}

type SelectionConfig struct {
	K int `yaml:"k" validate:"gte=1"`
	// Cutoff is in raw score units (energy/length); zero disables it.
	Cutoff float64 `yaml:"cutoff" validate:"gte=0"`
}

type LabelingConfig struct {
	Reference string               `yaml:"reference" validate:"reference"`
	Command   []string             `yaml:"command"`
	LJ        physics.LennardJones `yaml:"lj"`
	QE        labeling.QEConfig    `yaml:"qe"`
}

type ConvergenceConfig struct {
	convergence.Thresholds `yaml:",inline"`
	// ThresholdsFile holds JSON overrides applied on top of the values above.
	ThresholdsFile string `yaml:"thresholds_file"`
}

type FineTuneConfig struct {
	Enabled bool `yaml:"enabled"`
	// BaseCheckpoint skips base training when set.
	BaseCheckpoint string   `yaml:"base_checkpoint"`
	Freeze         []string `yaml:"freeze"`
	Unfreeze       []string `yaml:"unfreeze"`
	Tool           string   `yaml:"tool"`
}

func DefaultConfig() *Config {
	return &Config{
		RunsDir:       DefaultRunsDir,
		Device:        DefaultDevice,
		Seed:          DefaultSeed,
		MaxIterations: DefaultMaxIterations,
		Split: SplitConfig{
			ValidFraction: DefaultValidFraction,
			PoolFraction:  DefaultPoolFraction,
		},
		Committee: CommitteeConfig{
			Size:    DefaultCommitteeSize,
			Command: trainer.DefaultCommand,
			Hyper:   trainer.Hyperparameters{Preset: trainer.PresetQuickDemo},
		},
		Scoring: ScoringConfig{
			Metric:  disagreement.DefaultMetric,
			Command: disagreement.DefaultPredictCommand,
		},
		Selection: SelectionConfig{K: DefaultK},
		Labeling: LabelingConfig{
			Reference: DefaultReference,
			QE: labeling.QEConfig{
				Command: "pw.x",
				Kpts:    labeling.DefaultKpts,
				Ecutwfc: labeling.DefaultEcutwfc,
				Ecutrho: labeling.DefaultEcutrho,
			},
		},
		Convergence: ConvergenceConfig{Thresholds: convergence.DefaultThresholds()},
	}
}

// Load overlays the YAML file at path on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.NotFound("load config", path)
	}
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Config("load config "+path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var (
	validate = newValidator()

	devicePattern = regexp.MustCompile(`^(cpu|mps|cuda(:[0-9]+)?)$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("device", func(fl validator.FieldLevel) bool {
		return devicePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("metric", func(fl validator.FieldLevel) bool {
		_, err := disagreement.GetMetric(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
		_, err := labeling.ParseKind(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and cross-field rules, reporting every
// problem at once as a configuration error.
func (c *Config) Validate() error {
	var result *multierror.Error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}
	// train is clamped to one structure, so a sum of exactly 1 is allowed
	if sum := c.Split.ValidFraction + c.Split.PoolFraction; sum > 1+1e-9 {
		result = multierror.Append(result, fmt.Errorf("split: valid_fraction + pool_fraction = %g exceeds 1", sum))
	}
	if _, err := trainer.GetPreset(c.presetName()); err != nil {
		result = multierror.Append(result, err)
	}
	if kind, err := labeling.ParseKind(c.Labeling.Reference); err == nil && kind != labeling.SurrogateFast && len(c.Labeling.Command) == 0 {
		result = multierror.Append(result, fmt.Errorf("labeling: reference %s needs labeling.command", c.Labeling.Reference))
	}
	if c.FineTune.Enabled && len(c.FineTune.Freeze) == 0 {
		result = multierror.Append(result, errors.New("fine_tune: enabled without freeze patterns"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return errs.Config("validate config", err)
	}
	return nil
}

func (c *Config) presetName() string {
	if c.Committee.Hyper.Preset == "" {
		return trainer.PresetQuickDemo
	}
	return c.Committee.Hyper.Preset
}

// Thresholds returns the convergence thresholds with file overrides applied.
func (c *Config) Thresholds() (convergence.Thresholds, error) {
	if c.Convergence.ThresholdsFile == "" {
		return c.Convergence.Thresholds, nil
	}
	return convergence.LoadThresholds(c.Convergence.ThresholdsFile, c.Convergence.Thresholds)
}

// LabelKind is the parsed labeling reference.
func (c *Config) LabelKind() (labeling.Kind, error) {
	return labeling.ParseKind(c.Labeling.Reference)
}

// LabelConfig builds the per-call labeling configuration rooted at workDir.
func (c *Config) LabelConfig(workDir string) labeling.Config {
	return labeling.Config{
		Device:  c.Device,
		Command: c.Labeling.Command,
		WorkDir: workDir,
		LJ:      c.Labeling.LJ,
		QE:      c.Labeling.QE,
		Env:     labeling.DefaultRuntimeEnv(),
	}
}
