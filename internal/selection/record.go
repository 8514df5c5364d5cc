package selection

// Record is the selected.json artifact: what was asked for and what was picked,
// with indices into the iteration's pool.
type Record struct {
	K       int     `json:"k"`
	Cutoff  float64 `json:"cutoff,omitempty"`
	Indices []int   `json:"indices"`
	Picks   []Pick  `json:"picks"`
}

func NewRecord(opts Options, picks []Pick) Record {
	return Record{K: opts.K, Cutoff: opts.Cutoff, Indices: Indices(picks), Picks: picks}
}
