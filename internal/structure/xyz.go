package structure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/san-kum/mlipal/internal/errs"
)

// Codec reads and writes extended XYZ frames. EnergyKey and ForcesKey name
// the header key and per-atom column carrying labels.
type Codec struct {
	EnergyKey string
	ForcesKey string
}

// Default uses the TotEnergy / force keys the trainer is configured with.
var Default = Codec{EnergyKey: DefaultEnergyKey, ForcesKey: DefaultForcesKey}

func (c Codec) energyKey() string {
	if c.EnergyKey == "" {
		return DefaultEnergyKey
	}
	return c.EnergyKey
}

func (c Codec) forcesKey() string {
	if c.ForcesKey == "" {
		return DefaultForcesKey
	}
	return c.ForcesKey
}

// ReadFile reads every frame in path.
func (c Codec) ReadFile(path string) ([]*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("read structures", path)
		}
		return nil, err
	}
	defer f.Close()
	out, err := c.Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// WriteFile writes frames to path, replacing it.
func (c Codec) WriteFile(path string, frames []*Structure) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := c.Write(w, frames); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type property struct {
	name  string
	typ   string
	count int
}

// Read parses frames until EOF.
func (c Codec) Read(r io.Reader) ([]*Structure, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out []*Structure
	lineNo := 0
	for sc.Scan() {
		lineNo++
		head := strings.TrimSpace(sc.Text())
		if head == "" {
			continue
		}
		n, err := strconv.Atoi(head)
		if err != nil || n < 0 {
			return nil, errs.Integrityf("parse xyz", "line %d: expected atom count, got %q", lineNo, head)
		}
		if !sc.Scan() {
			return nil, errs.Integrityf("parse xyz", "frame %d: missing comment line", len(out))
		}
		lineNo++
		s, props, err := c.parseHeader(sc.Text())
		if err != nil {
			return nil, errs.Integrityf("parse xyz", "line %d: %v", lineNo, err)
		}
		for a := 0; a < n; a++ {
			if !sc.Scan() {
				return nil, errs.Integrityf("parse xyz", "frame %d: expected %d atoms, got %d", len(out), n, a)
			}
			lineNo++
			if err := c.parseAtom(s, props, strings.Fields(sc.Text()), n); err != nil {
				return nil, errs.Integrityf("parse xyz", "line %d: %v", lineNo, err)
			}
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c Codec) parseHeader(line string) (*Structure, []property, error) {
	s := &Structure{}
	kv, err := parseKeyValues(line)
	if err != nil {
		return nil, nil, err
	}
	props := []property{{"species", "S", 1}, {"pos", "R", 3}}
	pbcSet := false
	for _, p := range kv {
		key, val := p[0], p[1]
		switch {
		case strings.EqualFold(key, "Lattice"):
			cell, err := parseLattice(val)
			if err != nil {
				return nil, nil, err
			}
			s.Cell = &cell
			if !pbcSet {
				s.PBC = [3]bool{true, true, true}
			}
		case strings.EqualFold(key, "Properties"):
			props, err = parseProperties(val)
			if err != nil {
				return nil, nil, err
			}
		case strings.EqualFold(key, "pbc"):
			f := strings.Fields(val)
			if len(f) != 3 {
				return nil, nil, fmt.Errorf("pbc needs 3 flags, got %q", val)
			}
			for i := range f {
				s.PBC[i] = isTrue(f[i])
			}
			pbcSet = true
		case key == c.energyKey():
			e, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("energy %q: %v", val, err)
			}
			s.Energy = &e
		default:
			if s.Info == nil {
				s.Info = map[string]string{}
			}
			s.Info[key] = val
		}
	}
	if s.Cell == nil {
		s.PBC = [3]bool{}
	}
	return s, props, nil
}

func (c Codec) parseAtom(s *Structure, props []property, fields []string, n int) error {
	want := 0
	for _, p := range props {
		want += p.count
	}
	if len(fields) < want {
		return fmt.Errorf("expected %d columns, got %d", want, len(fields))
	}
	col := 0
	extra := 0
	for _, p := range props {
		vals := fields[col : col+p.count]
		col += p.count
		switch {
		case p.name == "species":
			s.Symbols = append(s.Symbols, vals[0])
		case p.name == "pos":
			v, err := parseVec(vals)
			if err != nil {
				return err
			}
			s.Positions = append(s.Positions, v)
		case p.name == c.forcesKey() && p.count == 3:
			v, err := parseVec(vals)
			if err != nil {
				return err
			}
			if s.Forces == nil {
				s.Forces = make([][3]float64, 0, n)
			}
			s.Forces = append(s.Forces, v)
		default:
			if len(s.Extra) <= extra {
				s.Extra = append(s.Extra, Column{Name: p.name, Type: p.typ, Count: p.count})
			}
			s.Extra[extra].Values = append(s.Extra[extra].Values, append([]string(nil), vals...))
			extra++
		}
	}
	return nil
}

// Write emits frames in extended XYZ.
func (c Codec) Write(w io.Writer, frames []*Structure) error {
	for i, s := range frames {
		if len(s.Positions) != len(s.Symbols) {
			return errs.Integrityf("write xyz", "frame %d: %d symbols but %d positions", i, len(s.Symbols), len(s.Positions))
		}
		hasForces := len(s.Forces) > 0
		if hasForces && len(s.Forces) != len(s.Symbols) {
			return errs.Integrityf("write xyz", "frame %d: %d atoms but %d forces", i, len(s.Symbols), len(s.Forces))
		}
		if _, err := fmt.Fprintf(w, "%d\n%s\n", len(s.Symbols), c.header(s, hasForces)); err != nil {
			return err
		}
		for a := range s.Symbols {
			var b strings.Builder
			fmt.Fprintf(&b, "%-2s", s.Symbols[a])
			for _, x := range s.Positions[a] {
				b.WriteString(" ")
				b.WriteString(formatFloat(x))
			}
			if hasForces {
				for _, x := range s.Forces[a] {
					b.WriteString(" ")
					b.WriteString(formatFloat(x))
				}
			}
			for _, col := range s.Extra {
				for _, v := range col.Values[a] {
					b.WriteString(" ")
					b.WriteString(v)
				}
			}
			b.WriteString("\n")
			if _, err := io.WriteString(w, b.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Codec) header(s *Structure, hasForces bool) string {
	var parts []string
	if s.Cell != nil {
		var vals []string
		for _, row := range s.Cell {
			for _, x := range row {
				vals = append(vals, formatFloat(x))
			}
		}
		parts = append(parts, fmt.Sprintf("Lattice=%q", strings.Join(vals, " ")))
	}
	props := "species:S:1:pos:R:3"
	if hasForces {
		props += ":" + c.forcesKey() + ":R:3"
	}
	for _, col := range s.Extra {
		props += fmt.Sprintf(":%s:%s:%d", col.Name, col.Type, col.Count)
	}
	parts = append(parts, "Properties="+props)
	if s.Energy != nil {
		parts = append(parts, c.energyKey()+"="+formatFloat(*s.Energy))
	}
	keys := make([]string, 0, len(s.Info))
	for k := range s.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+quote(s.Info[k]))
	}
	if s.Cell != nil {
		parts = append(parts, fmt.Sprintf("pbc=\"%s %s %s\"", flag(s.PBC[0]), flag(s.PBC[1]), flag(s.PBC[2])))
	}
	return strings.Join(parts, " ")
}

// parseKeyValues splits an extended XYZ comment line into ordered key/value
// pairs. Values may be double-quoted; a bare key is a true flag.
func parseKeyValues(line string) ([][2]string, error) {
	var out [][2]string
	i := 0
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}
		start := i
		for i < len(line) && line[i] != '=' && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		key := line[start:i]
		if i >= len(line) || line[i] != '=' {
			out = append(out, [2]string{key, "T"})
			continue
		}
		i++
		var val string
		if i < len(line) && line[i] == '"' {
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated quote for key %q", key)
			}
			raw := line[i : j+1]
			if u, err := strconv.Unquote(raw); err == nil {
				val = u
			} else {
				val = raw[1 : len(raw)-1]
			}
			i = j + 1
		} else {
			vs := i
			for i < len(line) && line[i] != ' ' && line[i] != '\t' {
				i++
			}
			val = line[vs:i]
		}
		out = append(out, [2]string{key, val})
	}
	return out, nil
}

func parseProperties(val string) ([]property, error) {
	f := strings.Split(val, ":")
	if len(f)%3 != 0 {
		return nil, fmt.Errorf("malformed Properties %q", val)
	}
	var props []property
	for i := 0; i < len(f); i += 3 {
		n, err := strconv.Atoi(f[i+2])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("malformed Properties %q", val)
		}
		props = append(props, property{name: f[i], typ: f[i+1], count: n})
	}
	if len(props) < 2 || props[0].name != "species" || props[1].name != "pos" || props[1].count != 3 {
		return nil, fmt.Errorf("Properties must start with species and pos: %q", val)
	}
	return props, nil
}

func parseLattice(val string) ([3][3]float64, error) {
	var cell [3][3]float64
	f := strings.Fields(val)
	if len(f) != 9 {
		return cell, fmt.Errorf("Lattice needs 9 numbers, got %d", len(f))
	}
	for i, s := range f {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return cell, fmt.Errorf("Lattice: %v", err)
		}
		cell[i/3][i%3] = x
	}
	return cell, nil
}

func parseVec(f []string) ([3]float64, error) {
	var v [3]float64
	for i := 0; i < 3; i++ {
		x, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return v, err
		}
		v[i] = x
	}
	return v, nil
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}

func quote(v string) string {
	if strings.ContainsAny(v, " \t\"\\") {
		return strconv.Quote(v)
	}
	return v
}

func flag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

func isTrue(s string) bool {
	switch strings.ToUpper(s) {
	case "T", "TRUE", "1":
		return true
	}
	return false
}
