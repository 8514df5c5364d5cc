// Package labeling attaches reference energies and forces to selected
// structures. A surrogate runs in-process; the foundation-model and DFT
// references are external commands driven through extended XYZ files.
package labeling

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/physics"
	"github.com/san-kum/mlipal/internal/structure"
)

type Kind string

const (
	SurrogateFast       Kind = "surrogate-fast"
	SurrogateFoundation Kind = "surrogate-foundation"
	FirstPrinciples     Kind = "first-principles"
)

var aliases = map[string]Kind{
	"surrogate-fast":       SurrogateFast,
	"emt":                  SurrogateFast,
	"lj":                   SurrogateFast,
	"surrogate-foundation": SurrogateFoundation,
	"mace-mp":              SurrogateFoundation,
	"mace_mp":              SurrogateFoundation,
	"mace-mp-0":            SurrogateFoundation,
	"first-principles":     FirstPrinciples,
	"qe":                   FirstPrinciples,
	"quantum-espresso":     FirstPrinciples,
	"quantum_espresso":     FirstPrinciples,
}

// ParseKind maps a reference name or one of its aliases to a Kind.
func ParseKind(name string) (Kind, error) {
	if k, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return "", errs.Configf("labeling", "unknown reference %q (use one of %s)", name, strings.Join(ListKinds(), ", "))
}

// ListKinds returns every accepted reference name, aliases included.
func ListKinds() []string {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reference is the name the external driver expects for k.
func (k Kind) Reference() string {
	switch k {
	case SurrogateFoundation:
		return "mace-mp"
	case FirstPrinciples:
		return "qe"
	default:
		return "emt"
	}
}

// Config is the per-call reference configuration.
type Config struct {
	Device string `yaml:"device"`
	// Command is the labeling driver argv for external references.
	Command []string `yaml:"command"`
	// WorkDir receives to_label.xyz, labeled.xyz and the driver log.
	WorkDir string `yaml:"work_dir"`
	Codec   structure.Codec `yaml:"-"`

	LJ  physics.LennardJones `yaml:"lj"`
	QE  QEConfig             `yaml:"qe"`
	Env RuntimeEnv           `yaml:"-"`
}

// Labeler labels a batch of structures, returning new labeled copies in the
// same order.
type Labeler interface {
	Label(ctx context.Context, structures []*structure.Structure) ([]*structure.Structure, error)
}

type factory func(o *Oracle, cfg Config) (Labeler, error)

var registry = map[Kind]factory{
	SurrogateFast: func(o *Oracle, cfg Config) (Labeler, error) {
		return newSurrogate(cfg.LJ), nil
	},
	SurrogateFoundation: func(o *Oracle, cfg Config) (Labeler, error) {
		return o.command(SurrogateFoundation, cfg, nil)
	},
	FirstPrinciples: func(o *Oracle, cfg Config) (Labeler, error) {
		return o.command(FirstPrinciples, cfg, o.resolver())
	},
}

// Oracle dispatches label requests to the labeler registered for a kind.
type Oracle struct {
	Logger   *zap.Logger
	Resolver *Resolver
}

func NewOracle(logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{Logger: logger}
}

func (o *Oracle) resolver() *Resolver {
	if o.Resolver != nil {
		return o.Resolver
	}
	return NewResolver()
}

func (o *Oracle) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Label returns labeled copies of structures. Every returned frame carries
// an energy and one force per atom, or an error is returned.
func (o *Oracle) Label(ctx context.Context, structures []*structure.Structure, kind Kind, cfg Config) ([]*structure.Structure, error) {
	if len(structures) == 0 {
		return nil, errs.Integrityf("label", "no structures to label")
	}
	f, ok := registry[kind]
	if !ok {
		return nil, errs.Configf("label", "no labeler registered for %q", kind)
	}
	l, err := f(o, cfg)
	if err != nil {
		return nil, err
	}

	o.logger().Info("labeling structures", zap.String("reference", string(kind)), zap.Int("count", len(structures)))
	out, err := l.Label(ctx, structures)
	if err != nil {
		return nil, fmt.Errorf("label with %s: %w", kind, err)
	}
	if err := checkLabeled(structures, out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkLabeled(in, out []*structure.Structure) error {
	if len(out) != len(in) {
		return errs.Integrityf("label", "labeler returned %d structures for %d inputs", len(out), len(in))
	}
	for i, s := range out {
		if s.NumAtoms() != in[i].NumAtoms() {
			return errs.Integrityf("label", "structure %d: %d atoms returned, want %d", i, s.NumAtoms(), in[i].NumAtoms())
		}
		if !s.Labeled() {
			return errs.Integrityf("label", "structure %d is missing energy or forces", i)
		}
	}
	return nil
}

type surrogate struct {
	lj *physics.LennardJones
}

func newSurrogate(p physics.LennardJones) *surrogate {
	lj := physics.NewLennardJones()
	if p.Epsilon > 0 {
		lj.Epsilon = p.Epsilon
	}
	if p.Sigma > 0 {
		lj.Sigma = p.Sigma
		lj.Cutoff = physics.DefaultCutoffFactor * p.Sigma
	}
	if p.Cutoff > 0 {
		lj.Cutoff = p.Cutoff
	}
	return &surrogate{lj: lj}
}

func (s *surrogate) Label(ctx context.Context, structures []*structure.Structure) ([]*structure.Structure, error) {
	out := make([]*structure.Structure, len(structures))
	for i, in := range structures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := in.Clone()
		s.lj.Label(c)
		out[i] = c
	}
	return out, nil
}
