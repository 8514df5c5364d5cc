package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/san-kum/mlipal/internal/config"
	"github.com/san-kum/mlipal/internal/errs"
)

func TestStoreCreateLoad(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)

	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Committee.Size = 3
	run, err := st.Create("run-a", "data/in.xyz", cfg)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if run.ID() != "run-a" {
		t.Errorf("expected id run-a, got %s", run.ID())
	}

	meta, err := st.Load("run-a")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if meta.Input != "data/in.xyz" {
		t.Errorf("expected input data/in.xyz, got %s", meta.Input)
	}
	if meta.Config == nil || meta.Config.Committee.Size != 3 {
		t.Errorf("config not stored: %+v", meta.Config)
	}
}

func TestCreateKeepsExistingRun(t *testing.T) {
	st := New(t.TempDir())
	first, err := st.Create("r", "a.xyz", config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Committee.Size = 7
	again, err := st.Create("r", "b.xyz", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if again.Meta.Input != "a.xyz" || again.Meta.Config.Committee.Size != first.Meta.Config.Committee.Size {
		t.Errorf("existing run metadata was replaced: %+v", again.Meta)
	}
}

func TestLoadMissingRun(t *testing.T) {
	st := New(t.TempDir())
	_, err := st.Open("nope")
	if !errors.Is(err, errs.ErrResourceNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := st.Create("", "", nil); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error for empty id, got %v", err)
	}
}

func TestList(t *testing.T) {
	st := New(filepath.Join(t.TempDir(), "runs"))
	runs, err := st.List()
	if err != nil || len(runs) != 0 {
		t.Fatalf("empty store: %v %v", runs, err)
	}

	for _, id := range []string{"b", "a"} {
		if _, err := st.Create(id, "", config.DefaultConfig()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	os.MkdirAll(filepath.Join(st.BaseDir(), "stray"), 0755)

	runs, err = st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[1].ID != "a" {
		t.Errorf("expected runs in creation order [b a], got %+v", runs)
	}
}

func TestIterationLayout(t *testing.T) {
	st := New(t.TempDir())
	run, _ := st.Create("r", "", config.DefaultConfig())

	it := run.Iteration(3)
	if filepath.Base(it.Dir) != "iter_03" {
		t.Errorf("expected iter_03, got %s", it.Dir)
	}
	want := map[string]string{
		"train":  filepath.Join(it.Dir, "data", "train.xyz"),
		"pool":   filepath.Join(it.Dir, "data", "pool.xyz"),
		"report": filepath.Join(it.Dir, "pool_disagreement.json"),
		"member": filepath.Join(it.Dir, "c1"),
	}
	got := map[string]string{"train": it.Train(), "pool": it.Pool(), "report": it.Report(), "member": it.MemberDir(1)}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("layout mismatch:\nwant %v\ngot  %v", want, got)
	}

	for _, n := range []int{2, 0, 10} {
		if err := run.Iteration(n).Ensure(); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(run.Dir, "iter_99"), nil, 0644)
	iters, err := run.Iterations()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(iters, []int{0, 2, 10}) {
		t.Errorf("expected [0 2 10], got %v", iters)
	}
}

func TestJSONHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "x.json")
	in := map[string]int{"k": 5}
	if err := WriteJSON(path, in); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Fatal("file not written")
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	var out map[string]int
	if err := ReadJSON(path, &out); err != nil || out["k"] != 5 {
		t.Errorf("read back %v, %v", out, err)
	}
	if err := ReadJSON(filepath.Join(t.TempDir(), "none.json"), &out); !errors.Is(err, errs.ErrResourceNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	os.WriteFile(path, []byte("{"), 0644)
	if err := ReadJSON(path, &out); !errors.Is(err, errs.ErrDataIntegrity) {
		t.Errorf("expected integrity error, got %v", err)
	}

	var buf bytes.Buffer
	Export(&buf, in)
	if !strings.Contains(buf.String(), `"k": 5`) {
		t.Errorf("unexpected export %q", buf.String())
	}
}
