// Package checkpoint picks usable model artifacts out of training output
// directories whose naming differs between trainer versions.
package checkpoint

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/san-kum/mlipal/internal/errs"
)

const BestName = "best.pt"

var epochRe = regexp.MustCompile(`(?i)epoch-(\d+)\.pt$`)

// Epoch returns the epoch encoded in a checkpoint file name, or -1.
func Epoch(name string) int {
	m := epochRe.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

type candidate struct {
	path  string
	epoch int
	mtime time.Time
}

// Resolve returns the best checkpoint in dir. best.pt wins outright;
// otherwise *.pt files are ranked by epoch then modification time, both
// descending. A missing or empty directory resolves to ok=false.
// Resolve never writes to dir.
func Resolve(dir string) (path string, ok bool, err error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if !info.IsDir() {
		return "", false, errs.Configf("resolve checkpoint", "%s is not a directory", dir)
	}

	best := filepath.Join(dir, BestName)
	if fi, err := os.Stat(best); err == nil && fi.Mode().IsRegular() {
		return best, true, nil
	}

	names, err := doublestar.Glob(os.DirFS(dir), "*.pt")
	if err != nil {
		return "", false, err
	}
	var cands []candidate
	for _, name := range names {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		cands = append(cands, candidate{path: p, epoch: Epoch(name), mtime: fi.ModTime()})
	}
	if len(cands) == 0 {
		return "", false, nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.epoch != b.epoch {
			return a.epoch > b.epoch
		}
		if !a.mtime.Equal(b.mtime) {
			return a.mtime.After(b.mtime)
		}
		return a.path > b.path
	})
	return cands[0].path, true, nil
}

// MustExist resolves dir and reports a missing checkpoint as an error.
func MustExist(dir string) (string, error) {
	p, ok, err := Resolve(dir)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.NotFound("resolve checkpoint", dir)
	}
	return p, nil
}
