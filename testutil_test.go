package main

import (
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// cubicPrim returns a one-atom simple cubic copper cell, 3 Angstrom
func cubicPrim(t *testing.T) *Crystal {
	t.Helper()
	prim, err := NewCrystal(
		[3][3]float64{{3, 0, 0}, {0, 3, 0}, {0, 0, 3}},
		[]string{"Cu"},
		[][3]float64{{0, 0, 0}},
		nil,
	)
	require.NoError(t, err)
	return prim
}

// cubicSC replicates cubicPrim into a 3x3x3 supercell, 27 atoms
func cubicSC(t *testing.T) *Supercell {
	t.Helper()
	sc, err := NewSupercell(cubicPrim(t), [3]int{3, 3, 3})
	require.NoError(t, err)
	return sc
}

// diatomicPrim returns a two-atom CsCl-arrangement NaCl cell: cubic,
// 3 Angstrom, the second species at the body centre
func diatomicPrim(t *testing.T) *Crystal {
	t.Helper()
	prim, err := NewCrystal(
		[3][3]float64{{3, 0, 0}, {0, 3, 0}, {0, 0, 3}},
		[]string{"Na", "Cl"},
		[][3]float64{{0, 0, 0}, {0.5, 0.5, 0.5}},
		nil,
	)
	require.NoError(t, err)
	return prim
}

// diatomicIFC couples each atom to its eight unlike-species
// neighbours with isotropic springs of strength k
func diatomicIFC(sc *Supercell, k float64) *IFC {
	fc := NewIFC(sc.Natoms())
	for i := 0; i < sc.Natoms(); i++ {
		ci := sc.Cart(i)
		for j := 0; j < sc.Natoms(); j++ {
			if i == j || sc.Species[i] == sc.Species[j] {
				continue
			}
			if r := sc.MinImage(sc.Cart(j), ci); norm3(r) > 2.7 {
				continue
			}
			for a := 0; a < 3; a++ {
				fc.Blocks[i][j][a][a] = -k
			}
		}
	}
	fc.EnforceAcousticSumRule()
	return fc
}

// springIFC builds a nearest-neighbour spring tensor: -k on every
// coupling block within 3.1 Angstrom, diagonal fixed by the acoustic
// sum rule. Positive k gives a stable spectrum, negative k makes every
// branch off the zone centre imaginary
func springIFC(sc *Supercell, k float64) *IFC {
	fc := NewIFC(sc.Natoms())
	for i := 0; i < sc.Natoms(); i++ {
		ci := sc.Cart(i)
		for j := 0; j < sc.Natoms(); j++ {
			if i == j {
				continue
			}
			if r := sc.MinImage(sc.Cart(j), ci); norm3(r) > 3.1 {
				continue
			}
			for a := 0; a < 3; a++ {
				fc.Blocks[i][j][a][a] = -k
			}
		}
	}
	fc.EnforceAcousticSumRule()
	return fc
}

// forcesFor evaluates F = -Phi u for one displacement field
func forcesFor(fc *IFC, disp [][3]float64) [][3]float64 {
	out := make([][3]float64, fc.N)
	for i := 0; i < fc.N; i++ {
		for j := 0; j < fc.N; j++ {
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					out[i][a] -= fc.Blocks[i][j][a][b] * disp[j][b]
				}
			}
		}
	}
	return out
}

// syntheticSamples draws nsamp random displacement fields of amplitude
// amp and evaluates their forces against fc, giving raw records the
// way the force-evaluation stage would hand them over
func syntheticSamples(sc *Supercell, fc *IFC, nsamp int, amp float64, seed int64) []RawSample {
	rng := rand.New(rand.NewSource(seed))
	n := sc.Natoms()
	raws := make([]RawSample, nsamp)
	for s := range raws {
		disp := make([][3]float64, n)
		pos := make([][3]float64, n)
		for i := 0; i < n; i++ {
			c := sc.Cart(i)
			for a := 0; a < 3; a++ {
				disp[i][a] = amp * (2*rng.Float64() - 1)
				pos[i][a] = c[a] + disp[i][a]
			}
		}
		raws[s] = RawSample{Positions: pos, Forces: forcesFor(fc, disp)}
	}
	return raws
}

// requireYamlKeys parses a yaml artifact and checks the top-level keys
func requireYamlKeys(t *testing.T, filename string, keys ...string) {
	t.Helper()
	b, err := os.ReadFile(filename)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(b, &doc))
	for _, k := range keys {
		require.Contains(t, doc, k)
	}
}

// syntheticDataset accumulates syntheticSamples without baseline
// handling
func syntheticDataset(t *testing.T, sc *Supercell, fc *IFC, nsamp int,
	amp float64, seed int64) *Dataset {
	t.Helper()
	raws := syntheticSamples(sc, fc, nsamp, amp, seed)
	ds, err := Accumulate(sc.Crystal, raws, nsamp)
	require.NoError(t, err)
	return ds
}
