// Package storage lays out run directories: runs/<id>/run.yaml plus one
// append-only iter_NN directory per iteration.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/mlipal/internal/config"
	"github.com/san-kum/mlipal/internal/errs"
)

const (
	metaName    = "run.yaml"
	LedgerName  = "ledger.db"
	MetricsName = "metrics.prom"
)

var iterDirRe = regexp.MustCompile(`^iter_(\d+)$`)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

func (s *Store) BaseDir() string { return s.baseDir }

type RunMetadata struct {
	ID        string         `yaml:"id"`
	CreatedAt time.Time      `yaml:"created_at"`
	Input     string         `yaml:"input"`
	Config    *config.Config `yaml:"config"`
}

// Create records a new run. If the run already exists its stored metadata
// is returned unchanged, so a resumed run keeps its original settings.
func (s *Store) Create(id, input string, cfg *config.Config) (*Run, error) {
	if id == "" {
		return nil, errs.Configf("create run", "empty run id")
	}
	if run, err := s.Open(id); err == nil {
		return run, nil
	} else if !errors.Is(err, errs.ErrResourceNotFound) {
		return nil, err
	}

	dir := filepath.Join(s.baseDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	meta := RunMetadata{ID: id, CreatedAt: time.Now().UTC(), Input: input, Config: cfg}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := WriteFileAtomic(filepath.Join(dir, metaName), data); err != nil {
		return nil, err
	}
	return &Run{Meta: meta, Dir: dir}, nil
}

// Open loads an existing run.
func (s *Store) Open(id string) (*Run, error) {
	meta, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	return &Run{Meta: *meta, Dir: filepath.Join(s.baseDir, id)}, nil
}

func (s *Store) Load(id string) (*RunMetadata, error) {
	path := filepath.Join(s.baseDir, id, metaName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("load run", path)
		}
		return nil, err
	}

	var meta RunMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, errs.Integrityf("load run", "%s: %v", path, err)
	}
	return &meta, nil
}

// List returns every readable run, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

type Run struct {
	Meta RunMetadata
	Dir  string
}

func (r *Run) ID() string { return r.Meta.ID }

// BaseDir holds the one-time fine-tuning base model.
func (r *Run) BaseDir() string { return filepath.Join(r.Dir, "base") }

func (r *Run) LedgerPath() string  { return filepath.Join(r.Dir, LedgerName) }
func (r *Run) MetricsPath() string { return filepath.Join(r.Dir, MetricsName) }

func (r *Run) Iteration(n int) Iteration {
	return Iteration{N: n, Dir: filepath.Join(r.Dir, fmt.Sprintf("iter_%02d", n))}
}

// Iterations lists the iteration numbers present on disk, ascending.
func (r *Run) Iterations() ([]int, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("list iterations", r.Dir)
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		m := iterDirRe.FindStringSubmatch(e.Name())
		if m == nil || !e.IsDir() {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Iteration names every artifact of one iteration.
type Iteration struct {
	N   int
	Dir string
}

func (it Iteration) Ensure() error { return os.MkdirAll(it.DataDir(), 0755) }

func (it Iteration) DataDir() string     { return filepath.Join(it.Dir, "data") }
func (it Iteration) Train() string       { return filepath.Join(it.DataDir(), "train.xyz") }
func (it Iteration) Valid() string       { return filepath.Join(it.DataDir(), "valid.xyz") }
func (it Iteration) Pool() string        { return filepath.Join(it.DataDir(), "pool.xyz") }
func (it Iteration) Split() string       { return filepath.Join(it.DataDir(), "split.json") }
func (it Iteration) Report() string      { return filepath.Join(it.Dir, "pool_disagreement.json") }
func (it Iteration) Convergence() string { return filepath.Join(it.Dir, "convergence.json") }
func (it Iteration) Selected() string    { return filepath.Join(it.Dir, "selected.json") }
func (it Iteration) ToLabel() string     { return filepath.Join(it.Dir, "to_label.xyz") }
func (it Iteration) Labeled() string     { return filepath.Join(it.Dir, "labeled.xyz") }
func (it Iteration) LabelDir() string    { return filepath.Join(it.Dir, "labeling") }
func (it Iteration) MemberDir(i int) string {
	return filepath.Join(it.Dir, fmt.Sprintf("c%d", i))
}

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never see a partial artifact.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("read", path)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Integrityf("read", "%s: %v", path, err)
	}
	return nil
}

// Export writes v as indented JSON, for files or stdout.
func Export(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
