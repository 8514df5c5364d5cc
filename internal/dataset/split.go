// Package dataset partitions structure sets into train, validation and pool
// subsets and carries them from one iteration to the next.
package dataset

import (
	"math"
	"math/rand"
	"sort"

	"github.com/san-kum/mlipal/internal/errs"
	"github.com/san-kum/mlipal/internal/structure"
)

// Partition holds ascending index lists into the source set.
type Partition struct {
	Train []int `json:"train"`
	Valid []int `json:"valid"`
	Pool  []int `json:"pool,omitempty"`
}

// Sizes returns n_train, n_valid and n_pool for n structures. When the
// validation and pool shares would leave no training structure, the pool is
// shrunk first and then the validation set, so train always gets one index.
func Sizes(n int, validFrac, poolFrac float64) (train, valid, pool int, err error) {
	if n <= 0 {
		return 0, 0, 0, errs.Integrityf("split", "cannot split an empty structure set")
	}
	if validFrac < 0 || validFrac > 1 || poolFrac < 0 || poolFrac > 1 {
		return 0, 0, 0, errs.Configf("split", "fractions must be in [0,1], got valid=%v pool=%v", validFrac, poolFrac)
	}
	if validFrac+poolFrac > 1+1e-9 {
		return 0, 0, 0, errs.Configf("split", "valid+pool fractions exceed 1: %v", validFrac+poolFrac)
	}
	valid = int(math.Floor(float64(n) * validFrac))
	pool = int(math.Floor(float64(n) * poolFrac))
	train = n - valid - pool
	if train < 1 {
		deficit := 1 - train
		take := min(deficit, pool)
		pool -= take
		deficit -= take
		valid -= deficit
		train = 1
	}
	return train, valid, pool, nil
}

// Split shuffles range(n) with seed and assigns the first n_valid indices to
// valid, the next n_pool to pool and the rest to train. The same seed and n
// always give the same partition.
func Split(n int, validFrac, poolFrac float64, seed int64) (Partition, error) {
	_, nValid, nPool, err := Sizes(n, validFrac, poolFrac)
	if err != nil {
		return Partition{}, err
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	p := Partition{
		Valid: sorted(idx[:nValid]),
		Pool:  sorted(idx[nValid : nValid+nPool]),
		Train: sorted(idx[nValid+nPool:]),
	}
	return p, nil
}

func sorted(in []int) []int {
	out := append([]int{}, in...)
	sort.Ints(out)
	return out
}

// Subset returns the structures at indices, in index order.
func Subset(all []*structure.Structure, indices []int) ([]*structure.Structure, error) {
	out := make([]*structure.Structure, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(all) {
			return nil, errs.Integrityf("subset", "index %d out of range [0,%d)", i, len(all))
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Apply materialises a partition into its three structure subsets.
func Apply(all []*structure.Structure, p Partition) (train, valid, pool []*structure.Structure, err error) {
	if train, err = Subset(all, p.Train); err != nil {
		return nil, nil, nil, err
	}
	if valid, err = Subset(all, p.Valid); err != nil {
		return nil, nil, nil, err
	}
	if pool, err = Subset(all, p.Pool); err != nil {
		return nil, nil, nil, err
	}
	return train, valid, pool, nil
}

// Merge appends labeled structures to a training set. Every added structure
// must carry energy and forces.
func Merge(train, labeled []*structure.Structure) ([]*structure.Structure, error) {
	out := make([]*structure.Structure, 0, len(train)+len(labeled))
	out = append(out, train...)
	for i, s := range labeled {
		if !s.Labeled() {
			return nil, errs.Integrityf("merge", "labeled structure %d has no energy/forces", i)
		}
		out = append(out, s)
	}
	return out, nil
}

// Exclude returns pool without the structures at the given indices,
// preserving the order of the rest.
func Exclude(pool []*structure.Structure, drop []int) ([]*structure.Structure, error) {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		if i < 0 || i >= len(pool) {
			return nil, errs.Integrityf("exclude", "index %d out of range [0,%d)", i, len(pool))
		}
		skip[i] = true
	}
	out := make([]*structure.Structure, 0, len(pool)-len(skip))
	for i, s := range pool {
		if !skip[i] {
			out = append(out, s)
		}
	}
	return out, nil
}
