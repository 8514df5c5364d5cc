package labeling

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/san-kum/mlipal/internal/errs"
)

var CommonExecutables = []string{
	"/usr/bin/pw.x",
	"/usr/bin/pw",
	"/opt/local/bin/pw.x",
	"/opt/local/bin/pw",
	"/opt/homebrew/opt/quantum-espresso/bin/pw.x",
	"/usr/local/opt/quantum-espresso/bin/pw.x",
	"/opt/homebrew/bin/pw.x",
	"/usr/local/bin/pw.x",
	"/opt/conda/bin/pw.x",
	"/opt/conda/bin/pw",
	"/opt/homebrew/bin/pw",
	"/usr/local/bin/pw",
}

var CommonPseudoDirs = []string{
	"/usr/share/espresso/pseudo",
	"/usr/local/share/espresso/pseudo",
	"/opt/homebrew/share/qe/pseudo",
	"/opt/homebrew/share/espresso/pseudo",
	"/opt/local/share/qe/pseudo",
	"/opt/local/share/espresso/pseudo",
	"/opt/conda/share/qe/pseudo",
	"/opt/conda/share/espresso/pseudo",
}

var sourceRootGlobs = []string{
	"Downloads/qe-*",
	"Downloads/QE-*",
	"Downloads/quantum-espresso*",
	"Downloads/Quantum-Espresso*",
	"Downloads/QuantumESPRESSO*",
	"qe-*",
	"QE-*",
	"quantum-espresso*",
	"Quantum-Espresso*",
	"QuantumESPRESSO*",
}

var brewCandidates = []string{"/opt/homebrew/bin/brew", "/usr/local/bin/brew", "brew"}

const queryTimeout = 3 * time.Second

// Resolver locates the DFT executable and pseudopotentials. Every source
// of host state is a field so tests can substitute it.
type Resolver struct {
	Getenv   func(string) string
	LookPath func(string) (string, error)
	Home     string
	// Query runs a short helper (brew, login shell) and returns stdout.
	Query       func(ctx context.Context, name string, args ...string) (string, error)
	Executables []string
	PseudoDirs  []string
	Shells      []string
}

func NewResolver() *Resolver {
	home, _ := os.UserHomeDir()
	shells := []string{os.Getenv("SHELL"), "/bin/zsh", "/bin/bash"}
	return &Resolver{
		Getenv:      os.Getenv,
		LookPath:    exec.LookPath,
		Home:        home,
		Query:       runQuery,
		Executables: CommonExecutables,
		PseudoDirs:  CommonPseudoDirs,
		Shells:      shells,
	}
}

func runQuery(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

func (r *Resolver) env(key string) string {
	if r.Getenv == nil {
		return ""
	}
	return strings.TrimSpace(r.Getenv(key))
}

func (r *Resolver) expand(p string) string {
	if p == "~" {
		return r.Home
	}
	if strings.HasPrefix(p, "~/") && r.Home != "" {
		return filepath.Join(r.Home, p[2:])
	}
	return p
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0111 != 0
}

// executable resolves token as a file, a directory holding pw.x, or a name
// on PATH.
func (r *Resolver) executable(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	p := r.expand(token)
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		for _, sub := range []string{"", "bin", filepath.Join("build", "bin")} {
			for _, name := range []string{"pw.x", "pw"} {
				nested := filepath.Join(p, sub, name)
				if isExecutable(nested) {
					abs, _ := filepath.Abs(nested)
					return abs, true
				}
			}
		}
	}
	if isExecutable(p) {
		abs, _ := filepath.Abs(p)
		return abs, true
	}
	if r.LookPath != nil {
		if found, err := r.LookPath(token); err == nil {
			return found, true
		}
	}
	return "", false
}

// Provider is one source of candidate executables, tried in order.
type Provider struct {
	Name string
	Find func(ctx context.Context, tokens []string) (string, bool)
}

// Providers returns the discovery chain used when the configured command
// is a bare pw.x or pw that is not on PATH.
func (r *Resolver) Providers() []Provider {
	return []Provider{
		{Name: "env-bin-dirs", Find: r.fromEnvBinDirs},
		{Name: "common-paths", Find: r.fromCommonPaths},
		{Name: "homebrew", Find: r.fromBrew},
		{Name: "user-source-trees", Find: r.fromSourceTrees},
		{Name: "login-shell", Find: r.fromLoginShell},
	}
}

func (r *Resolver) envBinDirs() []string {
	var dirs []string
	for _, k := range []string{"QE_BIN_DIR", "ESPRESSO_BIN"} {
		if v := r.env(k); v != "" {
			dirs = append(dirs, r.expand(v))
		}
	}
	for _, k := range []string{"QE_HOME", "ESPRESSO_HOME", "CONDA_PREFIX"} {
		if v := r.env(k); v != "" {
			dirs = append(dirs, filepath.Join(r.expand(v), "bin"))
		}
	}
	return unique(dirs)
}

func (r *Resolver) fromEnvBinDirs(_ context.Context, tokens []string) (string, bool) {
	for _, dir := range r.envBinDirs() {
		for _, t := range tokens {
			if p := filepath.Join(dir, t); isExecutable(p) {
				return p, true
			}
		}
	}
	return "", false
}

func (r *Resolver) fromCommonPaths(_ context.Context, _ []string) (string, bool) {
	for _, p := range r.Executables {
		if isExecutable(p) {
			return p, true
		}
	}
	return "", false
}

func (r *Resolver) fromBrew(ctx context.Context, tokens []string) (string, bool) {
	if r.Query == nil {
		return "", false
	}
	for _, b := range brewCandidates {
		brew, ok := r.executable(b)
		if !ok {
			continue
		}
		prefix, err := r.Query(ctx, brew, "--prefix", "quantum-espresso")
		if err != nil || prefix == "" {
			continue
		}
		for _, t := range tokens {
			if p := filepath.Join(prefix, "bin", t); isExecutable(p) {
				return p, true
			}
		}
	}
	return "", false
}

// SourceRoots lists QE source or build trees under the home directory.
func (r *Resolver) SourceRoots() []string {
	if r.Home == "" {
		return nil
	}
	var roots []string
	for _, g := range sourceRootGlobs {
		matches, _ := filepath.Glob(filepath.Join(r.Home, g))
		sort.Strings(matches)
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && fi.IsDir() {
				roots = append(roots, m)
			}
		}
	}
	return unique(roots)
}

func (r *Resolver) fromSourceTrees(_ context.Context, tokens []string) (string, bool) {
	for _, root := range r.SourceRoots() {
		for _, bin := range []string{filepath.Join(root, "bin"), filepath.Join(root, "build", "bin")} {
			for _, t := range tokens {
				if p := filepath.Join(bin, t); isExecutable(p) {
					return p, true
				}
			}
		}
	}
	return "", false
}

func (r *Resolver) fromLoginShell(ctx context.Context, tokens []string) (string, bool) {
	if r.Query == nil {
		return "", false
	}
	seen := make(map[string]bool)
	for _, sh := range r.Shells {
		if sh == "" || seen[sh] {
			continue
		}
		seen[sh] = true
		if _, err := os.Stat(sh); err != nil {
			continue
		}
		for _, t := range tokens {
			out, err := r.Query(ctx, sh, "-lc", "command -v "+shellQuote(t))
			if err != nil || out == "" {
				continue
			}
			first := strings.SplitN(out, "\n", 2)[0]
			if p, ok := r.executable(strings.TrimSpace(first)); ok {
				return p, true
			}
		}
	}
	return "", false
}

// ResolveCommand turns the configured DFT command into an argv whose first
// element is an existing executable. QE_COMMAND replaces an empty or
// default command.
func (r *Resolver) ResolveCommand(ctx context.Context, raw string) ([]string, error) {
	selected := strings.TrimSpace(raw)
	if override := r.env("QE_COMMAND"); override != "" && (selected == "" || selected == "pw.x") {
		selected = override
	}
	if selected == "" {
		selected = "pw.x"
	}
	parts, err := SplitWords(selected)
	if err != nil {
		return nil, errs.Configf("resolve qe command", "invalid command %q: %v", selected, err)
	}
	if len(parts) == 0 {
		parts = []string{"pw.x"}
	}

	exe, ok := r.executable(parts[0])
	if !ok && (parts[0] == "pw.x" || parts[0] == "pw") {
		tokens := unique([]string{parts[0], "pw.x", "pw"})
		for _, p := range r.Providers() {
			if exe, ok = p.Find(ctx, tokens); ok {
				break
			}
		}
	}
	if !ok {
		return nil, &errs.Error{
			Kind: errs.ErrResourceNotFound,
			Op:   "resolve qe command",
			Path: parts[0],
			Err:  errors.New("set qe.command to an absolute path, set QE_COMMAND, QE_BIN_DIR or ESPRESSO_BIN, or add the QE bin directory to PATH" + r.installHint()),
		}
	}
	parts[0] = exe
	return parts, nil
}

func (r *Resolver) installHint() string {
	for _, root := range r.SourceRoots() {
		if _, err := os.Stat(filepath.Join(root, "PW", "src")); err == nil {
			return fmt.Sprintf("; QE source tree found at %s, build it with ./configure && make pw", root)
		}
	}
	return ""
}

func unique(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// SplitWords splits a command line on whitespace, honoring single and
// double quotes and backslash escapes.
func SplitWords(s string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, c := range s {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(c)
			inWord = true
		}
	}
	if escaped || quote != 0 {
		return nil, errors.New("unterminated quote or escape")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

// JoinWords is the inverse of SplitWords.
func JoinWords(words []string) string {
	q := make([]string, len(words))
	for i, w := range words {
		q[i] = shellQuote(w)
	}
	return strings.Join(q, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
