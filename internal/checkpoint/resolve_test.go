package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/san-kum/mlipal/internal/errs"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolve(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		files map[string]time.Time
		want  string
	}{
		{"best wins", map[string]time.Time{"best.pt": now.Add(-time.Hour), "model_epoch-7.pt": now}, "best.pt"},
		{"highest epoch", map[string]time.Time{"epoch-3.pt": now, "epoch-9.pt": now.Add(-time.Hour), "epoch-1.pt": now}, "epoch-9.pt"},
		{"case insensitive", map[string]time.Time{"c0_run-0_EPOCH-12.pt": now.Add(-time.Hour), "c0_run-0_epoch-4.pt": now}, "c0_run-0_EPOCH-12.pt"},
		{"no epoch ranked lowest", map[string]time.Time{"latest.pt": now, "c0_epoch-0.pt": now.Add(-time.Hour)}, "c0_epoch-0.pt"},
		{"mtime breaks tie", map[string]time.Time{"a.pt": now.Add(-time.Hour), "b.pt": now}, "b.pt"},
		{"ignores other files", map[string]time.Time{"notes.txt": now, "x_epoch-2.pt": now.Add(-time.Hour)}, "x_epoch-2.pt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, mt := range tt.files {
				touch(t, filepath.Join(dir, name), mt)
			}
			got, ok, err := Resolve(dir)
			if err != nil || !ok {
				t.Fatalf("Resolve() = %q, %v, %v", got, ok, err)
			}
			if filepath.Base(got) != tt.want {
				t.Errorf("Resolve() = %s, want %s", filepath.Base(got), tt.want)
			}
		})
	}
}

func TestResolveNone(t *testing.T) {
	dir := t.TempDir()
	if _, ok, err := Resolve(dir); ok || err != nil {
		t.Errorf("empty dir: ok=%v err=%v", ok, err)
	}
	if _, ok, err := Resolve(filepath.Join(dir, "missing")); ok || err != nil {
		t.Errorf("missing dir: ok=%v err=%v", ok, err)
	}
	if _, err := MustExist(dir); !errors.Is(err, errs.ErrResourceNotFound) {
		t.Errorf("MustExist: %v", err)
	}
}

func TestResolveReadOnly(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "epoch-1.pt"), time.Time{})
	before, _ := os.ReadDir(dir)
	if _, _, err := Resolve(dir); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadDir(dir)
	if len(before) != len(after) {
		t.Error("Resolve modified the directory")
	}
}

func TestEpoch(t *testing.T) {
	if Epoch("c1_run-1_epoch-25.pt") != 25 || Epoch("best.pt") != -1 || Epoch("epoch-3.model") != -1 {
		t.Error("Epoch parsing wrong")
	}
}

func TestInferenceArtifact(t *testing.T) {
	root := t.TempDir()
	ckpt := filepath.Join(root, "c0", "checkpoints", "c0_run-0_epoch-4.pt")
	touch(t, ckpt, time.Time{})

	_, err := InferenceArtifact(ckpt)
	var am *errs.ArtifactMismatchError
	if !errors.As(err, &am) || am.Checkpoint != ckpt {
		t.Fatalf("expected artifact mismatch for %s, got %v", ckpt, err)
	}

	model := filepath.Join(root, "c0", "c0.model")
	touch(t, model, time.Time{})
	got, err := InferenceArtifact(ckpt)
	if err != nil || got != model {
		t.Errorf("InferenceArtifact() = %q, %v; want %q", got, err, model)
	}

	same := filepath.Join(root, "c0", "checkpoints", "c0_run-0_epoch-4.model")
	touch(t, same, time.Time{})
	if got, _ := InferenceArtifact(ckpt); got != same {
		t.Errorf("same-stem export should win, got %s", got)
	}
	if got, _ := InferenceArtifact(model); got != model {
		t.Errorf(".model passes through, got %s", got)
	}
	if _, err := InferenceArtifact(filepath.Join(root, "nope.pt")); !errors.Is(err, errs.ErrResourceNotFound) {
		t.Errorf("missing: %v", err)
	}
}
