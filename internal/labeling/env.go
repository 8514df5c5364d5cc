package labeling

import (
	"os"
	"sort"
)

// ThreadVars are the numeric-library thread counts pinned for reference runs.
var ThreadVars = []string{
	"OMP_NUM_THREADS",
	"OPENBLAS_NUM_THREADS",
	"MKL_NUM_THREADS",
	"VECLIB_MAXIMUM_THREADS",
	"NUMEXPR_NUM_THREADS",
}

// RuntimeEnv is the environment handed to a labeler subprocess. It never
// touches the parent process environment.
type RuntimeEnv struct {
	// Lookup reads the parent environment; nil means os.LookupEnv.
	Lookup func(string) (string, bool)
	// Defaults apply only when the parent has no value for the key.
	Defaults map[string]string
	// Set always overrides.
	Set map[string]string
}

// DefaultRuntimeEnv pins every thread variable to 1 unless already set.
func DefaultRuntimeEnv() RuntimeEnv {
	d := make(map[string]string, len(ThreadVars))
	for _, k := range ThreadVars {
		d[k] = "1"
	}
	return RuntimeEnv{Defaults: d}
}

// Entries returns KEY=VALUE pairs to append to the parent environment,
// sorted by key.
func (e RuntimeEnv) Entries() []string {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	vals := make(map[string]string)
	for k, v := range e.Defaults {
		if cur, ok := lookup(k); ok && cur != "" {
			continue
		}
		vals[k] = v
	}
	for k, v := range e.Set {
		vals[k] = v
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + vals[k]
	}
	return out
}
