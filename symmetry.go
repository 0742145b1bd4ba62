package main

import (
	"fmt"
	"math"
)

// Pair is one interacting atom pair inside the cutoff. R is the
// minimum-image cartesian vector from I to J. Transposed pairs share
// their orbit's 3x3 parameter block through its transpose, which
// keeps Phi(i,j) = Phi(j,i)^T exact in the fit
type Pair struct {
	I, J       int
	R          [3]float64
	Orbit      int
	Transposed bool
}

// Orbits is the symmetry-irreducible parameterization of the pair
// force constants for one cutoff: every pair within the cutoff,
// grouped under the lattice translations of the supercell and under
// pair transposition. Each orbit carries 9 free tensor components
type Orbits struct {
	Pairs  []Pair
	Norbit int
	Cutoff float64
}

// Nparams returns the number of irreducible force-constant parameters
func (o *Orbits) Nparams() int { return 9 * o.Norbit }

// ExpectedSamples is the nominal sample count for a fit: the ratio of
// irreducible parameters to the 3N force components in one sample,
// rounded up
func (o *Orbits) ExpectedSamples(natoms int) int {
	return int(math.Ceil(float64(o.Nparams()) / float64(3*natoms)))
}

// orbitKey quantizes a pair descriptor at the symmetry precision.
// Pairs related by a lattice translation have the same primitive
// indices and the same image vector, so they collapse onto one key
func orbitKey(pi, pj int, r [3]float64, symprec float64) string {
	return fmt.Sprintf("%d|%d|%d,%d,%d", pi, pj,
		int(math.Round(r[0]/symprec)),
		int(math.Round(r[1]/symprec)),
		int(math.Round(r[2]/symprec)))
}

// EnumerateOrbits builds the pair list and its orbit classification
// for the given cutoff. The cutoff must fit in the supercell
func EnumerateOrbits(sc *Supercell, cutoff, symprec float64) (*Orbits, error) {
	if max := sc.MaxValidCutoff(); cutoff > max+1e-8 {
		return nil, &ConfigurationError{
			Option: "cutoff",
			Reason: fmt.Sprintf("%.3f exceeds the maximum valid cutoff %.3f", cutoff, max),
		}
	}
	if symprec <= 0 {
		return nil, &ConfigurationError{
			Option: "symprec",
			Reason: fmt.Sprintf("%g is not positive", symprec),
		}
	}
	n := sc.Natoms()
	orbits := make(map[string]int)
	o := &Orbits{Cutoff: cutoff}
	for i := 0; i < n; i++ {
		ci := sc.Cart(i)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			r := sc.MinImage(sc.Cart(j), ci)
			if norm3(r) > cutoff {
				continue
			}
			key := orbitKey(sc.PrimIndex(i), sc.PrimIndex(j), r, symprec)
			flip := orbitKey(sc.PrimIndex(j), sc.PrimIndex(i),
				[3]float64{-r[0], -r[1], -r[2]}, symprec)
			transposed := flip < key
			if transposed {
				key = flip
			}
			idx, ok := orbits[key]
			if !ok {
				idx = o.Norbit
				orbits[key] = idx
				o.Norbit++
			}
			o.Pairs = append(o.Pairs, Pair{
				I: i, J: j, R: r,
				Orbit:      idx,
				Transposed: transposed,
			})
		}
	}
	if o.Norbit == 0 {
		return nil, &ConfigurationError{
			Option: "cutoff",
			Reason: fmt.Sprintf("%.3f leaves no interacting pairs", cutoff),
		}
	}
	return o, nil
}
