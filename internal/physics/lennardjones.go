package physics

import (
	"math"

	"github.com/san-kum/mlipal/internal/structure"
)

// Argon-like defaults in eV and Angstrom.
const (
	DefaultEpsilon      = 0.0104
	DefaultSigma        = 3.40
	DefaultCutoffFactor = 2.5
)

// LennardJones is a shifted 12-6 pair potential shared by every species.
type LennardJones struct {
	Epsilon float64
	Sigma   float64
	// Cutoff in Angstrom. Zero disables the cutoff and the energy shift.
	Cutoff float64
}

// NewLennardJones returns the default potential with a cutoff of 2.5 sigma.
func NewLennardJones() *LennardJones {
	return &LennardJones{
		Epsilon: DefaultEpsilon,
		Sigma:   DefaultSigma,
		Cutoff:  DefaultCutoffFactor * DefaultSigma,
	}
}

// pair returns the shifted pair energy and the scalar f such that the force
// on j is f*r (r pointing from i to j).
func (lj *LennardJones) pair(r2 float64) (float64, float64) {
	s2 := lj.Sigma * lj.Sigma / r2
	s6 := s2 * s2 * s2
	s12 := s6 * s6
	e := 4 * lj.Epsilon * (s12 - s6)
	f := 24 * lj.Epsilon * (2*s12 - s6) / r2
	return e - lj.shift(), f
}

func (lj *LennardJones) shift() float64 {
	if lj.Cutoff <= 0 {
		return 0
	}
	sr := lj.Sigma / lj.Cutoff
	sr6 := math.Pow(sr, 6)
	return 4 * lj.Epsilon * (sr6*sr6 - sr6)
}

// Compute returns the total energy and per-atom forces of s. Periodic cells
// use the minimum image, so the cutoff should stay below half the box.
func (lj *LennardJones) Compute(s *structure.Structure) (float64, [][3]float64) {
	n := s.NumAtoms()
	forces := make([][3]float64, n)
	rc2 := lj.Cutoff * lj.Cutoff
	energy := 0.0

	for i := 0; i < n; i++ {
		pi := s.Positions[i]

		for j := i + 1; j < n; j++ {
			pj := s.Positions[j]
			d := s.MinimumImage([3]float64{pj[0] - pi[0], pj[1] - pi[1], pj[2] - pi[2]})
			r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
			if r2 == 0 || (lj.Cutoff > 0 && r2 >= rc2) {
				continue
			}

			e, f := lj.pair(r2)
			energy += e
			for k := 0; k < 3; k++ {
				forces[i][k] -= f * d[k]
				forces[j][k] += f * d[k]
			}
		}
	}

	return energy, forces
}

// Label attaches the potential's energy and forces to s.
func (lj *LennardJones) Label(s *structure.Structure) {
	e, f := lj.Compute(s)
	s.SetLabels(e, f)
}
