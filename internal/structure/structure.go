// Package structure holds atomic structures and reads/writes them in the
// extended XYZ convention used by the trainer, predictor and labelers.
package structure

import "math"

const (
	DefaultEnergyKey = "TotEnergy"
	DefaultForcesKey = "force"
)

// Structure is one frame: species and positions per atom, plus optional
// labels and cell. Identity is the index in the set it was read from.
type Structure struct {
	Symbols   []string
	Positions [][3]float64
	Forces    [][3]float64
	Energy    *float64
	Cell      *[3][3]float64
	PBC       [3]bool

	// Info holds header keys other than the lattice, properties, pbc and energy.
	Info map[string]string
	// Extra holds per-atom columns other than species, positions and forces.
	Extra []Column
}

// Column is a per-atom property kept verbatim so round trips do not lose data.
type Column struct {
	Name   string
	Type   string
	Count  int
	Values [][]string
}

func (s *Structure) NumAtoms() int { return len(s.Symbols) }

// Labeled reports whether the structure carries both an energy and forces.
func (s *Structure) Labeled() bool {
	return s.Energy != nil && len(s.Forces) == len(s.Symbols)
}

// Clone returns a deep copy.
func (s *Structure) Clone() *Structure {
	c := &Structure{
		Symbols:   append([]string(nil), s.Symbols...),
		Positions: append([][3]float64(nil), s.Positions...),
		PBC:       s.PBC,
	}
	if s.Forces != nil {
		c.Forces = append([][3]float64(nil), s.Forces...)
	}
	if s.Energy != nil {
		e := *s.Energy
		c.Energy = &e
	}
	if s.Cell != nil {
		cell := *s.Cell
		c.Cell = &cell
	}
	if s.Info != nil {
		c.Info = make(map[string]string, len(s.Info))
		for k, v := range s.Info {
			c.Info[k] = v
		}
	}
	for _, col := range s.Extra {
		vals := make([][]string, len(col.Values))
		for i, v := range col.Values {
			vals[i] = append([]string(nil), v...)
		}
		c.Extra = append(c.Extra, Column{Name: col.Name, Type: col.Type, Count: col.Count, Values: vals})
	}
	return c
}

// SetLabels attaches an energy and forces, replacing any previous labels.
func (s *Structure) SetLabels(energy float64, forces [][3]float64) {
	e := energy
	s.Energy = &e
	s.Forces = append([][3]float64(nil), forces...)
}

// Periodic reports whether any cell direction is periodic and a cell is set.
func (s *Structure) Periodic() bool {
	return s.Cell != nil && (s.PBC[0] || s.PBC[1] || s.PBC[2])
}

// MinimumImage maps a displacement into the nearest periodic image. Only
// orthorhombic cells are handled exactly; skewed cells use the diagonal.
func (s *Structure) MinimumImage(d [3]float64) [3]float64 {
	if !s.Periodic() {
		return d
	}
	for k := 0; k < 3; k++ {
		if !s.PBC[k] {
			continue
		}
		l := s.Cell[k][k]
		if l == 0 {
			continue
		}
		d[k] -= l * math.Round(d[k]/l)
	}
	return d
}
