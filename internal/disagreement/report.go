package disagreement

import (
	"encoding/json"
	"os"

	"github.com/san-kum/mlipal/internal/errs"
)

type Entry struct {
	Index     int     `json:"i"`
	Score     float64 `json:"score"`
	EnergyStd float64 `json:"energy_std"`
}

type Stats struct {
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Report is the per-iteration disagreement artifact. Scores are in the
// predictor's native force units (eV/Å). Stats and PoolSize are optional
// so reports written by older tools still load.
type Report struct {
	Models       []string `json:"models"`
	XYZ          string   `json:"xyz"`
	Metric       string   `json:"metric,omitempty"`
	PerStructure []Entry  `json:"per_structure"`
	Stats        *Stats   `json:"stats,omitempty"`
	PoolSize     *int     `json:"pool_size,omitempty"`
}

func (r *Report) Scores() []float64 {
	out := make([]float64, len(r.PerStructure))
	for i, e := range r.PerStructure {
		out[i] = e.Score
	}
	return out
}

// ScoresByIndex returns scores laid out by structure index, so callers can
// select against the pool ordering even if entries were written unsorted.
func (r *Report) ScoresByIndex() ([]float64, error) {
	out := make([]float64, len(r.PerStructure))
	seen := make([]bool, len(r.PerStructure))
	for _, e := range r.PerStructure {
		if e.Index < 0 || e.Index >= len(out) || seen[e.Index] {
			return nil, errs.Integrityf("report scores", "bad or duplicate structure index %d", e.Index)
		}
		seen[e.Index] = true
		out[e.Index] = e.Score
	}
	return out, nil
}

func WriteReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("read disagreement report", path)
		}
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &errs.Error{Kind: errs.ErrDataIntegrity, Op: "parse disagreement report", Path: path, Err: err}
	}
	return &r, nil
}
