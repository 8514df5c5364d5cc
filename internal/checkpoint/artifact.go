package checkpoint

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
)

// ModelExt is the extension of exported inference artifacts.
const ModelExt = ".model"

// InferenceArtifact maps path to a file the predictor can load. Exported
// .model files are returned unchanged. A raw .pt training checkpoint is
// replaced by a sibling export with a matching base name; if none exists an
// ArtifactMismatchError names the checkpoint.
func InferenceArtifact(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFound("inference artifact", path)
		}
		return "", err
	}
	if strings.EqualFold(filepath.Ext(path), ModelExt) {
		return path, nil
	}
	for _, c := range ExportCandidates(path) {
		if fi, err := os.Stat(c); err == nil && fi.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", &errs.ArtifactMismatchError{
		Checkpoint: path,
		Detail:     "training checkpoint, not an exported model",
	}
}

// ExportCandidates lists, in preference order, the exported model paths that
// may accompany a training checkpoint. For work/c0/checkpoints/c0_run-0_epoch-4.pt
// these are c0_run-0_epoch-4.model in the same directory, then c0.model,
// c0_stagetwo.model and c0_compiled.model next to the checkpoints directory.
func ExportCandidates(path string) []string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	out := []string{filepath.Join(dir, stem+ModelExt)}

	name := stem
	if i := strings.Index(stem, "_run-"); i > 0 {
		name = stem[:i]
	}
	parent := dir
	if filepath.Base(dir) == "checkpoints" {
		parent = filepath.Dir(dir)
	}
	for _, suffix := range []string{"", "_stagetwo", "_compiled"} {
		p := filepath.Join(parent, name+suffix+ModelExt)
		if p != out[0] {
			out = append(out, p)
		}
	}
	return out
}
