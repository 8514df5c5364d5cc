package labeling

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
)

const upfHeaderBytes = 8192

var upfElement = regexp.MustCompile(`(?i)element\s*=\s*["']?\s*([A-Za-z]{1,2})`)

func pseudoFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(strings.ToLower(e.Name()), ".upf") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names
}

func hasPseudos(dir string) bool {
	return len(pseudoFiles(dir)) > 0
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// PseudoDirCandidates lists where pseudopotentials are looked for when no
// directory is configured, most specific first.
func (r *Resolver) PseudoDirCandidates(command []string) []string {
	var dirs []string
	for _, k := range []string{"ESPRESSO_PSEUDO", "QE_PSEUDO_DIR", "PSEUDO_DIR"} {
		if v := r.env(k); v != "" {
			dirs = append(dirs, r.expand(v))
		}
	}
	for _, k := range []string{"QE_HOME", "ESPRESSO_HOME"} {
		if v := r.env(k); v != "" {
			dirs = append(dirs, filepath.Join(r.expand(v), "pseudo"))
		}
	}
	if v := r.env("CONDA_PREFIX"); v != "" {
		dirs = append(dirs,
			filepath.Join(r.expand(v), "share", "qe", "pseudo"),
			filepath.Join(r.expand(v), "share", "espresso", "pseudo"))
	}

	if len(command) > 0 {
		if exe, err := filepath.EvalSymlinks(r.expand(command[0])); err == nil {
			dir := filepath.Dir(exe)
			for i := 0; i < 8; i++ {
				dirs = append(dirs,
					filepath.Join(dir, "pseudo"),
					filepath.Join(dir, "share", "qe", "pseudo"),
					filepath.Join(dir, "share", "espresso", "pseudo"),
					filepath.Join(dir, "share", "quantum-espresso", "pseudo"))
				parent := filepath.Dir(dir)
				if parent == dir {
					break
				}
				dir = parent
			}
		}
	}
	for _, root := range r.SourceRoots() {
		dirs = append(dirs, filepath.Join(root, "pseudo"))
	}
	dirs = append(dirs, r.PseudoDirs...)
	return unique(dirs)
}

// ResolvePseudoDir returns a directory holding .upf files. An explicit dir
// must exist and contain them; otherwise the candidates are searched.
func (r *Resolver) ResolvePseudoDir(raw string, command []string) (string, error) {
	const op = "resolve pseudo_dir"
	if explicit := strings.TrimSpace(raw); explicit != "" {
		dir := r.expand(explicit)
		if _, err := os.Stat(dir); err != nil {
			return "", errs.NotFound(op, dir)
		}
		if !hasPseudos(dir) {
			return "", errs.Configf(op, "%s contains no .UPF files", dir)
		}
		return filepath.Abs(dir)
	}

	candidates := r.PseudoDirCandidates(command)
	var existing []string
	for _, c := range candidates {
		if hasPseudos(c) {
			return filepath.Abs(c)
		}
		if isDir(c) {
			existing = append(existing, c)
		}
	}
	if len(existing) > 0 {
		if len(existing) > 3 {
			existing = existing[:3]
		}
		return "", errs.Configf(op, "pseudo_dir is required: found directories without .UPF files (%s); set qe.pseudo_dir or ESPRESSO_PSEUDO", strings.Join(existing, ", "))
	}
	return "", errs.Configf(op, "pseudo_dir is required: no pseudopotential directory found; set qe.pseudo_dir or ESPRESSO_PSEUDO")
}

// PseudoScore rates how well a filename matches an element symbol; 0 means
// no match. Token boundaries keep O from matching Au.
func PseudoScore(symbol, filename string) int {
	sym := regexp.QuoteMeta(strings.ToLower(symbol))
	stem := strings.ToLower(strings.TrimSuffix(filename, filepath.Ext(filename)))
	if regexp.MustCompile(`^` + sym + `($|[._\-0-9])`).MatchString(stem) {
		return 4
	}
	if regexp.MustCompile(`(^|[._\-])` + sym + `($|[._\-])`).MatchString(stem) {
		return 3
	}
	if strings.HasPrefix(stem, strings.ToLower(symbol)) {
		return 2
	}
	return 0
}

func declaresElement(path, symbol string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head, err := io.ReadAll(io.LimitReader(f, upfHeaderBytes))
	if err != nil {
		return false
	}
	m := upfElement.FindSubmatch(head)
	return m != nil && strings.EqualFold(string(m[1]), symbol)
}

// FindPseudo picks the pseudopotential file for symbol in dir: best filename
// score then lowercase name, falling back to the element declared in the
// UPF header.
func FindPseudo(symbol, dir string) (string, error) {
	const op = "find pseudo"
	files := pseudoFiles(dir)
	if len(files) == 0 {
		return "", errs.Configf(op, "no .UPF files in %s", dir)
	}

	best, bestScore := "", 0
	for _, name := range files {
		if s := PseudoScore(symbol, name); s > bestScore {
			best, bestScore = name, s
		}
	}
	if bestScore > 0 {
		return best, nil
	}

	for _, name := range files {
		if declaresElement(filepath.Join(dir, name), symbol) {
			return name, nil
		}
	}

	preview := files
	suffix := ""
	if len(preview) > 8 {
		preview, suffix = preview[:8], " ..."
	}
	return "", errs.Configf(op, "no pseudopotential for %s in %s (available: %s%s); set qe.pseudos for non-standard names",
		symbol, dir, strings.Join(preview, ", "), suffix)
}

// ResolvePseudos maps every symbol to a pseudopotential. Overrides win:
// absolute paths must exist, relative ones are looked up in dir.
func ResolvePseudos(symbols []string, dir string, overrides map[string]string) (map[string]string, error) {
	const op = "resolve pseudos"
	out := make(map[string]string, len(symbols))
	for _, sym := range uniqueSorted(symbols) {
		if cand, ok := overrides[sym]; ok {
			if filepath.IsAbs(cand) {
				if _, err := os.Stat(cand); err != nil {
					return nil, &errs.Error{Kind: errs.ErrResourceNotFound, Op: op, Path: cand, Err: fmt.Errorf("pseudo for %s", sym)}
				}
				out[sym] = cand
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, cand)); err != nil {
				return nil, &errs.Error{Kind: errs.ErrResourceNotFound, Op: op, Path: filepath.Join(dir, cand), Err: fmt.Errorf("pseudo for %s", sym)}
			}
			out[sym] = cand
			continue
		}
		name, err := FindPseudo(sym, dir)
		if err != nil {
			return nil, err
		}
		out[sym] = name
	}
	return out, nil
}

// LoadPseudoOverrides reads a JSON object mapping symbols to filenames.
func LoadPseudoOverrides(path string) (map[string]string, error) {
	const op = "load pseudos json"
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.NotFound(op, path)
	}
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := decodeJSON(data, &m); err != nil {
		return nil, errs.Configf(op, "%s must hold an object like {\"H\": \"H.upf\"}: %v", path, err)
	}
	return m, nil
}

func uniqueSorted(items []string) []string {
	out := unique(items)
	sort.Strings(out)
	return out
}
