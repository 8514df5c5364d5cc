package labeling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/structure"
)

const (
	DefaultKpts    = "1,1,1"
	DefaultEcutwfc = 60.0
	DefaultEcutrho = 480.0
	outputTailMax  = 30
)

// QEConfig configures Quantum ESPRESSO labeling.
type QEConfig struct {
	Command       string            `yaml:"command"`
	PseudoDir     string            `yaml:"pseudo_dir"`
	Pseudos       map[string]string `yaml:"pseudos"`
	PseudosJSON   string            `yaml:"pseudos_json"`
	InputTemplate string            `yaml:"input_template"`
	Kpts          string            `yaml:"kpts"`
	Ecutwfc       float64           `yaml:"ecutwfc"`
	Ecutrho       float64           `yaml:"ecutrho"`
	// WorkDir defaults to <labeling work dir>/qe_work.
	WorkDir string `yaml:"work_dir"`
}

// QEPlan is the fully resolved first-principles setup, computed before any
// process is launched.
type QEPlan struct {
	Command   []string
	PseudoDir string
	Pseudos   map[string]string
	Input     map[string]any
	Kpts      [3]int
	WorkDir   string
}

// ParseKpts parses an "nx,ny,nz" k-point grid.
func ParseKpts(s string) ([3]int, error) {
	var k [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return k, errs.Configf("parse kpts", "invalid kpts %q, expected nx,ny,nz", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return k, errs.Configf("parse kpts", "invalid kpts %q, expected positive integers nx,ny,nz", s)
		}
		k[i] = n
	}
	return k, nil
}

// DefaultInput is the SCF input every template is merged over.
func DefaultInput(ecutwfc, ecutrho float64) map[string]any {
	return map[string]any{
		"control":   map[string]any{"calculation": "scf", "tstress": true, "tprnfor": true},
		"system":    map[string]any{"ecutwfc": ecutwfc, "ecutrho": ecutrho},
		"electrons": map[string]any{"conv_thr": 1.0e-8},
	}
}

// DeepMerge overlays override on base; nested objects merge key by key.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		ov, ok1 := v.(map[string]any)
		bv, ok2 := out[k].(map[string]any)
		if ok1 && ok2 {
			out[k] = DeepMerge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}

// BuildInput merges the JSON template at path, if any, over the defaults.
func BuildInput(path string, ecutwfc, ecutrho float64) (map[string]any, error) {
	const op = "build qe input"
	def := DefaultInput(ecutwfc, ecutrho)
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.NotFound(op, path)
	}
	if err != nil {
		return nil, err
	}
	var tmpl map[string]any
	if err := decodeJSON(data, &tmpl); err != nil {
		return nil, errs.Configf(op, "input template %s must be a JSON object: %v", path, err)
	}
	return DeepMerge(def, tmpl), nil
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Symbols returns the sorted distinct species across structures.
func Symbols(structures []*structure.Structure) []string {
	var all []string
	for _, s := range structures {
		all = append(all, s.Symbols...)
	}
	return uniqueSorted(all)
}

// Preflight resolves everything a first-principles run needs and fails
// with a configuration or not-found error before anything is launched.
func (c QEConfig) Preflight(ctx context.Context, r *Resolver, structures []*structure.Structure, workDir string) (*QEPlan, error) {
	kptsRaw := c.Kpts
	if kptsRaw == "" {
		kptsRaw = DefaultKpts
	}
	kpts, err := ParseKpts(kptsRaw)
	if err != nil {
		return nil, err
	}

	ecutwfc, ecutrho := c.Ecutwfc, c.Ecutrho
	if ecutwfc <= 0 {
		ecutwfc = DefaultEcutwfc
	}
	if ecutrho <= 0 {
		ecutrho = DefaultEcutrho
	}
	input, err := BuildInput(c.InputTemplate, ecutwfc, ecutrho)
	if err != nil {
		return nil, err
	}

	cmd, err := r.ResolveCommand(ctx, c.Command)
	if err != nil {
		return nil, err
	}
	dir, err := r.ResolvePseudoDir(c.PseudoDir, cmd)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]string)
	if c.PseudosJSON != "" {
		m, err := LoadPseudoOverrides(c.PseudosJSON)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			overrides[k] = v
		}
	}
	for k, v := range c.Pseudos {
		overrides[k] = v
	}
	pseudos, err := ResolvePseudos(Symbols(structures), dir, overrides)
	if err != nil {
		return nil, err
	}

	qeWork := c.WorkDir
	if qeWork == "" {
		qeWork = filepath.Join(workDir, "qe_work")
	}
	return &QEPlan{Command: cmd, PseudoDir: dir, Pseudos: pseudos, Input: input, Kpts: kpts, WorkDir: qeWork}, nil
}

// Files writes the resolved pseudo map and merged input next to the
// labeling inputs and returns their paths.
func (p *QEPlan) Files(dir string) (pseudos, input string, err error) {
	pseudos = filepath.Join(dir, "pseudos.json")
	input = filepath.Join(dir, "qe_input.json")
	if err := writeJSON(pseudos, p.Pseudos); err != nil {
		return "", "", err
	}
	if err := writeJSON(input, p.Input); err != nil {
		return "", "", err
	}
	return pseudos, input, nil
}

func (p *QEPlan) KptsString() string {
	return fmt.Sprintf("%d,%d,%d", p.Kpts[0], p.Kpts[1], p.Kpts[2])
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var qeOutputNames = []string{"espresso.pwo", "espresso.out", "pw.out", "espresso.err", "pw.err"}

// OutputTail returns the last non-empty lines of the newest per-structure
// QE output under workDir, joined with " | ".
func OutputTail(workDir string) string {
	dirs, _ := filepath.Glob(filepath.Join(workDir, "struct_*"))
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		for _, name := range qeOutputNames {
			data, err := os.ReadFile(filepath.Join(d, name))
			if err != nil {
				continue
			}
			var lines []string
			for _, l := range strings.Split(string(data), "\n") {
				if l = strings.TrimSpace(l); l != "" {
					lines = append(lines, l)
				}
			}
			if len(lines) == 0 {
				continue
			}
			if len(lines) > outputTailMax {
				lines = lines[len(lines)-outputTailMax:]
			}
			return filepath.Base(d) + ": " + strings.Join(lines, " | ")
		}
	}
	return ""
}

// KilledHint explains exit codes that usually mean the OS killed pw.x.
func KilledHint(code int) string {
	switch code {
	case -9, 9, 137:
		return "pw.x was killed by SIGKILL, likely memory pressure; try fewer or smaller structures, lower cutoffs, and check the pseudo mapping"
	}
	return ""
}
