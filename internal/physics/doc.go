// Package physics provides cheap in-process interatomic potentials used as
// a surrogate reference calculator.
//
//   - [LennardJones]: shifted 12-6 pair potential with minimum-image
//     periodic handling
//
// The surrogate labels structures in-process:
//
//	lj := physics.NewLennardJones()
//	energy, forces := lj.Compute(s)
package physics
