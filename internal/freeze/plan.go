// Package freeze computes which parameters of a base checkpoint stay fixed
// while a committee is fine-tuned from it.
package freeze

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
)

const (
	// SampleSize caps FrozenKeysSample.
	SampleSize = 50
	// EmptyWarning is set on plans whose patterns freeze nothing.
	EmptyWarning = "No parameters matched freeze/unfreeze patterns."
)

var (
	DefaultFreeze   = []string{"embedding", "radial"}
	DefaultUnfreeze = []string{"readout"}
)

type Plan struct {
	FreezePatterns     []string `json:"freeze_patterns"`
	UnfreezePatterns   []string `json:"unfreeze_patterns"`
	NumTotalParams     int      `json:"num_total_params"`
	NumFrozenParams    int      `json:"num_frozen_params"`
	NumTrainableParams int      `json:"num_trainable_params"`
	FrozenKeysSample   []string `json:"frozen_keys_sample"`
	AvailablePatterns  []string `json:"available_patterns,omitempty"`
	Warning            string   `json:"warning,omitempty"`

	frozen []string
}

// Frozen returns every frozen key, in input order.
func (p *Plan) Frozen() []string { return p.frozen }

// FrozenKeys returns the keys containing at least one freeze substring and
// no unfreeze substring. Matching is plain, case-sensitive containment.
func FrozenKeys(keys, freeze, unfreeze []string) []string {
	out := []string{}
	for _, k := range keys {
		if containsAny(k, freeze) && !containsAny(k, unfreeze) {
			out = append(out, k)
		}
	}
	return out
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Compute builds the plan for a checkpoint's parameter names. An empty
// frozen set only sets Warning.
func Compute(keys, freeze, unfreeze []string) *Plan {
	frozen := FrozenKeys(keys, freeze, unfreeze)
	sample := frozen
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}
	p := &Plan{
		FreezePatterns:     append([]string{}, freeze...),
		UnfreezePatterns:   append([]string{}, unfreeze...),
		NumTotalParams:     len(keys),
		NumFrozenParams:    len(frozen),
		NumTrainableParams: len(keys) - len(frozen),
		FrozenKeysSample:   append([]string{}, sample...),
		AvailablePatterns:  DiscoverPatterns(keys, DefaultDiscoverLimit),
		frozen:             frozen,
	}
	if len(frozen) == 0 {
		p.Warning = EmptyWarning
	}
	return p
}

var patternSep = regexp.MustCompile(`[\s,]+`)

// NormalizePatterns splits each value on whitespace and commas and drops
// empty tokens, so "embedding, radial" and ["embedding","radial"] agree.
func NormalizePatterns(values []string) []string {
	out := []string{}
	for _, v := range values {
		for _, tok := range patternSep.Split(strings.TrimSpace(v), -1) {
			if tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// ParsePatternsJSON accepts either a JSON array of strings or a single
// comma/space separated string.
func ParsePatternsJSON(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return NormalizePatterns(list), nil
	}
	var single string
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		return NormalizePatterns([]string{single}), nil
	}
	return nil, errs.Configf("freeze patterns", "expected a JSON array of strings, got %q", raw)
}

// Patterns resolves a pattern flag pair: a non-empty JSON document replaces
// the list.
func Patterns(list []string, raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return NormalizePatterns(list), nil
	}
	return ParsePatternsJSON(raw)
}

const DefaultDiscoverLimit = 30

var (
	stopwords = map[string]bool{
		"weight": true, "bias": true, "module": true, "model": true, "layers": true,
		"layer": true, "linear": true, "norm": true, "mlp": true, "block": true,
	}
	priorityPatterns = []string{
		"embedding", "radial", "readout", "interaction", "interactions", "products",
		"node", "edge", "symmetric", "message", "output", "atomic",
	}
	keySep = regexp.MustCompile(`[._/]+`)
)

// DiscoverPatterns suggests freeze patterns from parameter names: known
// module names first, then the most frequent remaining tokens.
func DiscoverPatterns(keys []string, limit int) []string {
	counts := map[string]int{}
	var order []string
	for _, k := range keys {
		for _, tok := range keySep.Split(strings.ToLower(k), -1) {
			if len(tok) < 3 || isDigits(tok) || stopwords[tok] {
				continue
			}
			if counts[tok] == 0 {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}

	out := []string{}
	seen := map[string]bool{}
	for _, p := range priorityPatterns {
		if counts[p] > 0 {
			out = append(out, p)
			seen[p] = true
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > limit*3 {
		order = order[:limit*3]
	}
	for _, tok := range order {
		if len(out) >= limit {
			break
		}
		if !seen[tok] {
			out = append(out, tok)
			seen[tok] = true
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func (p *Plan) Write(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func ReadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("read freeze plan", path)
		}
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errs.Config("read freeze plan", err)
	}
	return &p, nil
}
