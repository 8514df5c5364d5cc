package convergence

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Matches both MAE and RMSE epoch summaries, e.g.
//
//	Epoch 4: head: Default, loss=0.00025959, MAE_E_per_atom=    0.15 meV, MAE_F=    1.86 meV / A
var validationRe = regexp.MustCompile(`(?is)Epoch\s+(\d+):\s+.*?(?:MAE_E_per_atom|RMSE_E_per_atom)\s*=\s*([\d.]+)\s*meV.*?(?:MAE_F|RMSE_F)\s*=\s*([\d.]+)\s*meV`)

// ParseValidation returns the validation errors of the highest epoch found
// in a training log. ok is false when the text has no epoch summary.
func ParseValidation(text string) (v Validation, ok bool) {
	best := -1
	for _, m := range validationRe.FindAllStringSubmatch(text, -1) {
		epoch, err := strconv.Atoi(m[1])
		if err != nil || epoch <= best {
			continue
		}
		e, err1 := strconv.ParseFloat(m[2], 64)
		f, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		best = epoch
		v = Validation{MAEEnergy: e, MAEForce: f}
	}
	return v, best >= 0
}

// LogCandidates lists where a member's training log may live, in order:
// the trainer's own log, then the captured stdout.
func LogCandidates(iterDir string, member int) []string {
	name := fmt.Sprintf("c%d", member)
	logs := filepath.Join(iterDir, name, "logs")
	return []string{
		filepath.Join(logs, fmt.Sprintf("%s_run-%d.log", name, member)),
		filepath.Join(logs, "train_stdout.log"),
	}
}

// IterationValidation averages the last-epoch validation errors over the
// committee members of one iteration directory. Members without a parsable
// log are skipped; ok is false if none had one.
func IterationValidation(iterDir string, committeeSize int) (Validation, bool) {
	var sumE, sumF float64
	n := 0
	for i := 0; i < committeeSize; i++ {
		for _, path := range LogCandidates(iterDir, i) {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if v, ok := ParseValidation(string(data)); ok {
				sumE += v.MAEEnergy
				sumF += v.MAEForce
				n++
				break
			}
		}
	}
	if n == 0 {
		return Validation{}, false
	}
	return Validation{MAEEnergy: sumE / float64(n), MAEForce: sumF / float64(n)}, true
}
