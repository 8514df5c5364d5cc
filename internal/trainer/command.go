package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/san-kum/mlipal/internal/events"
	"github.com/san-kum/mlipal/internal/procexec"
)

const DefaultCommand = "mace_run_train"

// Manifest records exactly how a run was launched so it can be repeated.
type Manifest struct {
	CreatedUTC string   `json:"created_utc"`
	TrainFile  string   `json:"train_file"`
	ValidFile  string   `json:"valid_file"`
	WorkDir    string   `json:"work_dir"`
	Name       string   `json:"name"`
	Seed       int      `json:"seed"`
	Device     string   `json:"device"`
	CLI        string   `json:"mace_cli"`
	CLIArgs    []string `json:"cli_args"`
	Env        []string `json:"env"`
	GoVersion  string   `json:"go_version"`
	Platform   string   `json:"platform"`
}

// CommandTrainer launches the training CLI as a subprocess.
type CommandTrainer struct {
	CLI string
	// Env entries are added to the subprocess environment.
	Env []string
	Now func() time.Time
}

// Command builds the process invocation for req without running it.
func (t *CommandTrainer) Command(req Request) (procexec.Command, error) {
	cli := t.CLI
	if cli == "" {
		cli = DefaultCommand
	}
	device := deviceOf(req)
	extra, err := req.Hyper.Args(req.FineTune)
	if err != nil {
		return procexec.Command{}, err
	}
	runDir := filepath.Join(req.WorkDir, req.Name)
	args := []string{
		"--train_file", req.TrainFile,
		"--valid_file", req.ValidFile,
		"--work_dir", runDir,
		"--name", req.Name,
		"--device", device,
		"--seed", strconv.Itoa(req.Seed),
	}
	args = append(args, extra...)

	env := append([]string{
		"CUBLAS_WORKSPACE_CONFIG=:4096:8",
		"PYTHONHASHSEED=" + strconv.Itoa(req.Seed),
		"PYTHONUNBUFFERED=1",
	}, t.Env...)
	return procexec.Command{
		Name:    req.Name,
		Path:    cli,
		Args:    args,
		Env:     env,
		LogPath: req.LogPath,
	}, nil
}

func (t *CommandTrainer) Train(ctx context.Context, req Request) (Stream, error) {
	cmd, err := t.Command(req)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(req.WorkDir, req.Name)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, err
	}
	if err := t.writeManifest(runDir, req, cmd); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	proc, err := procexec.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return &processStream{proc: proc}, nil
}

func (t *CommandTrainer) writeManifest(runDir string, req Request, cmd procexec.Command) error {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	m := Manifest{
		CreatedUTC: now().UTC().Format(time.RFC3339),
		TrainFile:  req.TrainFile,
		ValidFile:  req.ValidFile,
		WorkDir:    runDir,
		Name:       req.Name,
		Seed:       req.Seed,
		Device:     deviceOf(req),
		CLI:        cmd.Path,
		CLIArgs:    append([]string{cmd.Path}, cmd.Args...),
		Env:        cmd.Env,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "manifest.json"), append(data, '\n'), 0644)
}

func deviceOf(req Request) string {
	if req.Device == "" {
		return "cpu"
	}
	return req.Device
}

// ReadManifest loads the manifest written for a run directory.
func ReadManifest(runDir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

type processStream struct {
	proc *procexec.Stream
	cur  events.Event
}

func (s *processStream) Next() bool {
	if !s.proc.Next() {
		return false
	}
	s.cur = events.ParseLine(s.proc.Line())
	return true
}

func (s *processStream) Event() events.Event { return s.cur }
func (s *processStream) Err() error          { return s.proc.Err() }
func (s *processStream) Close() error        { return s.proc.Close() }
