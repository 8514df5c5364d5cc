package freeze

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/procexec"
)

const DefaultCommand = "mace_freeze"

// Tool reads parameter names from a checkpoint and writes a copy of it
// annotated with a freeze plan.
type Tool interface {
	ParamNames(ctx context.Context, ckpt string) ([]string, error)
	Apply(ctx context.Context, in, out string, plan *Plan) error
}

// CommandTool drives an external helper:
//
//	mace_freeze keys --in_ckpt base.pt            (prints a JSON array)
//	mace_freeze apply --in_ckpt base.pt --out_ckpt init.pt --plan plan.json
type CommandTool struct {
	CLI string
	Env []string
}

func (t *CommandTool) cli() string {
	if t.CLI == "" {
		return DefaultCommand
	}
	return t.CLI
}

func (t *CommandTool) ParamNames(ctx context.Context, ckpt string) ([]string, error) {
	if _, err := os.Stat(ckpt); err != nil {
		return nil, errs.NotFound("list parameters", ckpt)
	}
	lines, err := procexec.Run(ctx, procexec.Command{
		Name: "freeze keys",
		Path: t.cli(),
		Args: []string{"keys", "--in_ckpt", ckpt},
		Env:  t.Env,
	})
	if err != nil {
		return nil, err
	}
	// The helper may log before printing; the JSON array is the last line.
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "[") {
			continue
		}
		var keys []string
		if err := json.Unmarshal([]byte(line), &keys); err != nil {
			return nil, errs.Integrityf("list parameters", "bad key list from %s: %v", t.cli(), err)
		}
		return keys, nil
	}
	return nil, errs.Integrityf("list parameters", "%s printed no key list", t.cli())
}

func (t *CommandTool) Apply(ctx context.Context, in, out string, plan *Plan) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	planPath := strings.TrimSuffix(out, filepath.Ext(out)) + "_plan.json"
	if err := plan.Write(planPath); err != nil {
		return err
	}
	_, err := procexec.Run(ctx, procexec.Command{
		Name: "freeze apply",
		Path: t.cli(),
		Args: []string{"apply", "--in_ckpt", in, "--out_ckpt", out, "--plan", planPath},
		Env:  t.Env,
	})
	return err
}
