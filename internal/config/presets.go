package config

import (
	"sort"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/trainer"
)

// Presets adjust the defaults for a kind of run.
var Presets = map[string]func(*Config){
	"quick_demo": func(c *Config) {
		c.MaxIterations = 2
		c.Committee.Size = 2
		c.Committee.Hyper.Preset = trainer.PresetQuickDemo
		c.Selection.K = 10
		c.Labeling.Reference = "surrogate-fast"
	},
	"full": func(c *Config) {
		c.MaxIterations = 10
		c.Committee.Size = 4
		c.Committee.Hyper.Preset = trainer.PresetFull
		c.Selection.K = 50
		c.Device = "cuda"
	},
}

// GetPreset returns the defaults with the named preset applied, or nil.
func GetPreset(name string) *Config {
	apply, ok := Presets[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	apply(cfg)
	return cfg
}

// WritePreset saves the named preset as a config file that can be edited and
// passed back with --config.
func WritePreset(name, path string) error {
	cfg := GetPreset(name)
	if cfg == nil {
		return errs.Configf("write preset", "unknown preset %q (available: %s)", name, strings.Join(ListPresets(), ", "))
	}
	return Save(path, cfg)
}

// ApplyPreset applies the named preset to cfg in place.
func ApplyPreset(cfg *Config, name string) bool {
	apply, ok := Presets[name]
	if ok {
		apply(cfg)
	}
	return ok
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
