package physics

import (
	"math"
	"testing"

	"github.com/san-kum/mlipal/internal/structure"
)

func dimer(r float64) *structure.Structure {
	return &structure.Structure{
		Symbols:   []string{"Ar", "Ar"},
		Positions: [][3]float64{{0, 0, 0}, {r, 0, 0}},
	}
}

func TestLennardJonesMinimum(t *testing.T) {
	lj := &LennardJones{Epsilon: 1, Sigma: 1}
	rmin := math.Pow(2, 1.0/6.0)

	e, f := lj.Compute(dimer(rmin))
	if math.Abs(e+1) > 1e-12 {
		t.Errorf("energy at minimum = %v, want -1", e)
	}
	for i := range f {
		for k := 0; k < 3; k++ {
			if math.Abs(f[i][k]) > 1e-9 {
				t.Errorf("force[%d][%d] = %v, want 0", i, k, f[i][k])
			}
		}
	}
}

func TestLennardJonesRepulsion(t *testing.T) {
	lj := &LennardJones{Epsilon: 1, Sigma: 1}
	_, f := lj.Compute(dimer(0.9))
	if f[0][0] >= 0 || f[1][0] <= 0 {
		t.Errorf("close atoms should be pushed apart, got %v", f)
	}
	if f[0][0]+f[1][0] != 0 {
		t.Errorf("forces do not cancel: %v", f)
	}
}

func TestLennardJonesForceMatchesGradient(t *testing.T) {
	lj := NewLennardJones()
	s := &structure.Structure{
		Symbols:   []string{"Ar", "Ar", "Ar"},
		Positions: [][3]float64{{0, 0, 0}, {3.7, 0.2, 0}, {1.5, 3.3, 0.4}},
	}
	_, f := lj.Compute(s)

	const h = 1e-6
	for i := range s.Positions {
		for k := 0; k < 3; k++ {
			orig := s.Positions[i][k]
			s.Positions[i][k] = orig + h
			ep, _ := lj.Compute(s)
			s.Positions[i][k] = orig - h
			em, _ := lj.Compute(s)
			s.Positions[i][k] = orig

			want := -(ep - em) / (2 * h)
			if math.Abs(f[i][k]-want) > 1e-5 {
				t.Errorf("force[%d][%d] = %v, numeric %v", i, k, f[i][k], want)
			}
		}
	}
}

func TestLennardJonesCutoff(t *testing.T) {
	lj := NewLennardJones()
	e, f := lj.Compute(dimer(lj.Cutoff + 0.1))
	if e != 0 || f[0][0] != 0 {
		t.Errorf("pair beyond cutoff contributed e=%v f=%v", e, f[0])
	}

	e, _ = lj.Compute(dimer(lj.Cutoff - 1e-9))
	if math.Abs(e) > 1e-9 {
		t.Errorf("shifted energy at cutoff = %v, want ~0", e)
	}
}

func TestLennardJonesMinimumImage(t *testing.T) {
	lj := &LennardJones{Epsilon: 1, Sigma: 1, Cutoff: 2.5}
	cell := [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}}

	wrapped := &structure.Structure{
		Symbols:   []string{"Ar", "Ar"},
		Positions: [][3]float64{{0.5, 0, 0}, {9.5, 0, 0}},
		Cell:      &cell,
		PBC:       [3]bool{true, true, true},
	}
	direct := dimer(1.0)
	direct.Cell = &cell
	direct.PBC = wrapped.PBC

	ew, fw := lj.Compute(wrapped)
	ed, fd := lj.Compute(direct)
	if math.Abs(ew-ed) > 1e-12 {
		t.Errorf("energy across boundary = %v, want %v", ew, ed)
	}
	// Atom 0 sits to the right of its image neighbour, so the sign flips.
	if math.Abs(fw[0][0]+fd[0][0]) > 1e-9 {
		t.Errorf("force across boundary = %v, want %v", fw[0][0], -fd[0][0])
	}
}

func TestLabelSetsEnergyAndForces(t *testing.T) {
	s := dimer(3.8)
	NewLennardJones().Label(s)
	if !s.Labeled() {
		t.Fatal("structure not labeled")
	}
}
