package labeling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/procexec"
	"github.com/san-kum/mlipal/internal/structure"
)

const (
	InputFile  = "to_label.xyz"
	OutputFile = "labeled.xyz"
	LogFile    = "label.log"
)

// Output markers of a driver whose calculator API does not accept the
// arguments a strategy passed.
var apiMismatchMarkers = []string{
	"is being restructured",
	"unexpected keyword argument",
	"missing 1 required positional argument",
}

// IsAPIMismatch reports whether err came from a calculator API mismatch,
// in which case the next strategy may succeed.
func IsAPIMismatch(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	var pe *errs.ProcessError
	if errors.As(err, &pe) {
		msg += "\n" + pe.Tail
	}
	for _, m := range apiMismatchMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Strategy is one way of handing the DFT command to the driver.
type Strategy struct {
	Name string
	Args func(p *QEPlan) []string
}

// QEStrategies are tried in order until one is not an API mismatch.
var QEStrategies = []Strategy{
	{Name: "legacy-command", Args: func(p *QEPlan) []string {
		return []string{"--qe_command", JoinWords(p.Command)}
	}},
	{Name: "profile-argv", Args: func(p *QEPlan) []string {
		argv, _ := json.Marshal(p.Command)
		return []string{"--qe_argv", string(argv)}
	}},
}

// CommandLabeler runs an external labeling driver over extended XYZ files.
type CommandLabeler struct {
	Kind       Kind
	Command    []string
	Device     string
	WorkDir    string
	Codec      structure.Codec
	Env        RuntimeEnv
	Strategies []Strategy
	Logger     *zap.Logger

	qe       *QEConfig
	resolver *Resolver
}

func (o *Oracle) command(kind Kind, cfg Config, r *Resolver) (Labeler, error) {
	if len(cfg.Command) == 0 {
		return nil, errs.Configf("labeling", "reference %s needs a labeling command", kind)
	}
	if cfg.WorkDir == "" {
		return nil, errs.Configf("labeling", "reference %s needs a work dir", kind)
	}
	env := cfg.Env
	if env.Defaults == nil && env.Set == nil {
		env = DefaultRuntimeEnv()
	}
	l := &CommandLabeler{
		Kind:    kind,
		Command: cfg.Command,
		Device:  cfg.Device,
		WorkDir: cfg.WorkDir,
		Codec:   cfg.Codec,
		Env:     env,
		Logger:  o.logger(),
	}
	if kind == FirstPrinciples {
		qe := cfg.QE
		l.qe = &qe
		l.resolver = r
		l.Strategies = QEStrategies
	}
	return l, nil
}

func (l *CommandLabeler) baseArgs(in, out string) []string {
	device := l.Device
	if device == "" {
		device = "cpu"
	}
	args := append([]string(nil), l.Command[1:]...)
	return append(args,
		"--input", in,
		"--output", out,
		"--reference", l.Kind.Reference(),
		"--device", device,
	)
}

func (l *CommandLabeler) Label(ctx context.Context, structures []*structure.Structure) ([]*structure.Structure, error) {
	if err := os.MkdirAll(l.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create label dir: %w", err)
	}
	in := filepath.Join(l.WorkDir, InputFile)
	out := filepath.Join(l.WorkDir, OutputFile)
	if err := l.Codec.WriteFile(in, structures); err != nil {
		return nil, err
	}
	args := l.baseArgs(in, out)

	var plan *QEPlan
	if l.qe != nil {
		var err error
		plan, err = l.qe.Preflight(ctx, l.resolver, structures, l.WorkDir)
		if err != nil {
			return nil, err
		}
		pseudos, input, err := plan.Files(l.WorkDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(plan.WorkDir, 0755); err != nil {
			return nil, fmt.Errorf("create qe work dir: %w", err)
		}
		args = append(args,
			"--pseudo_dir", plan.PseudoDir,
			"--pseudos_json", pseudos,
			"--input_template", input,
			"--kpts", plan.KptsString(),
			"--qe_workdir", plan.WorkDir,
		)
		l.Logger.Info("qe preflight ok",
			zap.Strings("command", plan.Command),
			zap.String("pseudo_dir", plan.PseudoDir),
			zap.Any("pseudos", plan.Pseudos),
			zap.String("kpts", plan.KptsString()))
	}

	strategies := l.Strategies
	if len(strategies) == 0 {
		strategies = []Strategy{{Name: "default"}}
	}

	var result *multierror.Error
	for i, s := range strategies {
		attempt := args
		if s.Args != nil {
			attempt = append(append([]string(nil), args...), s.Args(plan)...)
		}
		os.Remove(out)

		_, err := procexec.Run(ctx, procexec.Command{
			Name:    "labeler",
			Path:    l.Command[0],
			Args:    attempt,
			Env:     l.Env.Entries(),
			LogPath: filepath.Join(l.WorkDir, LogFile),
		})
		if err == nil {
			l.Logger.Debug("labeler finished", zap.String("strategy", s.Name))
			return l.collect(structures, out)
		}

		err = l.describe(err, plan)
		result = multierror.Append(result, fmt.Errorf("strategy %s: %w", s.Name, err))
		if !IsAPIMismatch(err) {
			if len(result.Errors) == 1 {
				return nil, err
			}
			return nil, &errs.Error{Kind: errs.ErrExternalProcess, Op: "label", Err: result.ErrorOrNil()}
		}
		if i < len(strategies)-1 {
			l.Logger.Warn("labeler API mismatch, trying next strategy", zap.String("strategy", s.Name))
		}
	}
	return nil, &errs.Error{Kind: errs.ErrExternalProcess, Op: "label", Err: result.ErrorOrNil()}
}

// describe adds the QE output tail and a SIGKILL hint to process failures.
func (l *CommandLabeler) describe(err error, plan *QEPlan) error {
	var pe *errs.ProcessError
	if plan == nil || !errors.As(err, &pe) {
		return err
	}
	var notes []string
	if hint := KilledHint(pe.ExitCode); hint != "" {
		notes = append(notes, hint)
	}
	if tail := OutputTail(plan.WorkDir); tail != "" {
		notes = append(notes, "QE output tail: "+tail)
	}
	if len(notes) == 0 {
		return err
	}
	return fmt.Errorf("%w\n%s", err, strings.Join(notes, "\n"))
}

// collect reads the driver output and copies its labels onto clones of the
// inputs, so per-structure metadata survives.
func (l *CommandLabeler) collect(in []*structure.Structure, path string) ([]*structure.Structure, error) {
	labeled, err := l.Codec.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(labeled) != len(in) {
		return nil, errs.Integrityf("label", "%s holds %d structures, want %d", path, len(labeled), len(in))
	}
	out := make([]*structure.Structure, len(in))
	for i, s := range labeled {
		if !s.Labeled() {
			return nil, errs.Integrityf("label", "%s: structure %d has no energy or forces", path, i)
		}
		c := in[i].Clone()
		c.SetLabels(*s.Energy, s.Forces)
		out[i] = c
	}
	return out, nil
}
