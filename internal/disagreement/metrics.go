package disagreement

import (
	"math"
	"sort"

	"github.com/san-kum/mlipal/internal/errs"
)

const DefaultMetric = "force_rms_std"

// MetricFunc scores one structure from M energies and M force arrays
// (one per committee member, each atoms x 3).
type MetricFunc func(energies []float64, forces [][][3]float64) float64

var metrics = map[string]MetricFunc{
	"force_rms_std":      ForceRMSStd,
	"force_vec_std_mean": ForceVecStdMean,
	"energy_std":         EnergyStd,
}

func GetMetric(name string) (MetricFunc, error) {
	if name == "" {
		name = DefaultMetric
	}
	fn, ok := metrics[name]
	if !ok {
		return nil, errs.Configf("score metric", "unknown metric: %s", name)
	}
	return fn, nil
}

func ListMetrics() []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForceRMSStd is the population standard deviation across members of each
// member's RMS force magnitude.
func ForceRMSStd(_ []float64, forces [][][3]float64) float64 {
	rms := make([]float64, len(forces))
	for m, f := range forces {
		if len(f) == 0 {
			continue
		}
		var sum float64
		for _, v := range f {
			sum += v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
		}
		rms[m] = math.Sqrt(sum / float64(len(f)))
	}
	return std(rms)
}

// ForceVecStdMean takes the per-atom, per-component standard deviation across
// members, its norm per atom, and averages over atoms.
func ForceVecStdMean(_ []float64, forces [][][3]float64) float64 {
	if len(forces) == 0 || len(forces[0]) == 0 {
		return 0
	}
	atoms := len(forces[0])
	col := make([]float64, len(forces))
	var total float64
	for a := 0; a < atoms; a++ {
		var sq float64
		for k := 0; k < 3; k++ {
			for m := range forces {
				col[m] = forces[m][a][k]
			}
			s := std(col)
			sq += s * s
		}
		total += math.Sqrt(sq)
	}
	return total / float64(atoms)
}

// EnergyStd is the population standard deviation of the member energies.
func EnergyStd(energies []float64, _ [][][3]float64) float64 {
	return std(energies)
}

func std(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// Aggregate returns max, mean and count of scores. An empty slice gives zeros.
func Aggregate(scores []float64) Stats {
	if len(scores) == 0 {
		return Stats{}
	}
	s := Stats{Max: scores[0], Count: len(scores)}
	var sum float64
	for _, x := range scores {
		if x > s.Max {
			s.Max = x
		}
		sum += x
	}
	s.Mean = sum / float64(len(scores))
	return s
}
