package main

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNativeFitterRecovers(t *testing.T) {
	sc := cubicSC(t)
	orbits, err := EnumerateOrbits(sc, 3.1, 1e-3)
	require.NoError(t, err)

	// an arbitrary tensor inside the parameterization must come back
	// exactly from forces it generated itself
	rng := rand.New(rand.NewSource(11))
	params := make([]float64, orbits.Nparams())
	for i := range params {
		params[i] = 2*rng.Float64() - 1
	}
	want := reconstruct(orbits, params, sc.Natoms())

	ds := syntheticDataset(t, sc, want, 2, 0.1, 23)
	nf := &NativeFitter{Symprec: 1e-3}
	got, err := nf.Fit(sc, ds, 3.1)
	require.NoError(t, err)
	require.Less(t, want.MaxAbsDiff(got), 1e-8)
	require.Less(t, got.AcousticViolation(), 1e-10)
}

func TestNativeFitterIdempotent(t *testing.T) {
	sc := cubicSC(t)
	fc := springIFC(sc, 0.5)
	ds := syntheticDataset(t, sc, fc, 2, 0.1, 5)
	nf := &NativeFitter{Symprec: 1e-3}
	first, err := nf.Fit(sc, ds, 3.1)
	require.NoError(t, err)
	second, err := nf.Fit(sc, ds, 3.1)
	require.NoError(t, err)
	require.Zero(t, first.MaxAbsDiff(second))
}

func TestNativeFitterLasso(t *testing.T) {
	sc := cubicSC(t)
	fc := springIFC(sc, 0.5)
	// one sample against the wide cutoff leaves the system
	// under-determined, which routes through the sparse solver
	ds := syntheticDataset(t, sc, fc, 1, 0.1, 9)
	orbits, err := EnumerateOrbits(sc, 4.4, 1e-3)
	require.NoError(t, err)
	rows := 3 * sc.Natoms() * ds.Nsamples()
	require.Less(t, rows, 2*orbits.Nparams())

	nf := &NativeFitter{Symprec: 1e-3, Lambda: 1e-6, MaxIter: 2000}
	got, err := nf.Fit(sc, ds, 4.4)
	require.NoError(t, err)
	require.Less(t, got.AcousticViolation(), 1e-10)
	// the sparse fit is approximate; the exact pair symmetry still
	// holds on the coupling blocks
	for i := 0; i < got.N; i++ {
		for j := i + 1; j < got.N; j++ {
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					require.Equal(t, got.Blocks[i][j][a][b], got.Blocks[j][i][b][a])
				}
			}
		}
	}
}

func TestNativeFitterShapeError(t *testing.T) {
	sc := cubicSC(t)
	ds := &Dataset{Samples: []Sample{{
		Disp:  [][3]float64{{0.1, 0, 0}},
		Force: [][3]float64{{-0.5, 0, 0}},
	}}}
	nf := &NativeFitter{Symprec: 1e-3}
	_, err := nf.Fit(sc, ds, 3.1)
	var de *DatasetError
	require.ErrorAs(t, err, &de)
}

func TestCommandFitter(t *testing.T) {
	sc := cubicSC(t)
	fc := springIFC(sc, 0.4)
	ds := syntheticDataset(t, sc, fc, 2, 0.1, 3)
	dir := t.TempDir()

	fixture := filepath.Join(dir, "fitted_fc")
	require.NoError(t, WriteForceConstants(fixture, fc))
	script := filepath.Join(dir, "fit.sh")
	body := "#!/bin/sh\n" +
		"while [ $# -gt 1 ]; do\n" +
		"  [ \"$1\" = --out ] && out=$2\n" +
		"  shift\n" +
		"done\n" +
		"cp '" + fixture + "' \"$out\"\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))

	cf := &CommandFitter{Argv: []string{"/bin/sh", script}, Dir: dir}
	got, err := cf.Fit(sc, ds, 3.1)
	require.NoError(t, err)
	require.Less(t, fc.MaxAbsDiff(got), 1e-9)

	// the program input artifacts were staged into the directory
	_, err = os.Stat(filepath.Join(dir, "SPOSCAR"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "dataset.json"))
	require.NoError(t, err)
}

func TestCommandFitterFailures(t *testing.T) {
	sc := cubicSC(t)
	fc := springIFC(sc, 0.4)
	ds := syntheticDataset(t, sc, fc, 1, 0.1, 3)
	var sf *SolverFailure

	// empty argument vector
	cf := &CommandFitter{Dir: t.TempDir()}
	_, err := cf.Fit(sc, ds, 3.1)
	require.ErrorAs(t, err, &sf)

	// missing program
	cf = &CommandFitter{Argv: []string{"/no/such/fitter"}, Dir: t.TempDir()}
	_, err = cf.Fit(sc, ds, 3.1)
	require.ErrorAs(t, err, &sf)

	// program exits cleanly without producing the output artifact
	cf = &CommandFitter{Argv: []string{"/bin/true"}, Dir: t.TempDir()}
	_, err = cf.Fit(sc, ds, 3.1)
	require.ErrorAs(t, err, &sf)

	// output covers the wrong number of atoms
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fitted_fc")
	require.NoError(t, WriteForceConstants(fixture, NewIFC(2)))
	script := filepath.Join(dir, "fit.sh")
	body := "#!/bin/sh\n" +
		"while [ $# -gt 1 ]; do\n" +
		"  [ \"$1\" = --out ] && out=$2\n" +
		"  shift\n" +
		"done\n" +
		"cp '" + fixture + "' \"$out\"\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))
	cf = &CommandFitter{Argv: []string{"/bin/sh", script}, Dir: dir}
	_, err = cf.Fit(sc, ds, 3.1)
	require.ErrorAs(t, err, &sf)
	require.True(t, errors.Unwrap(err) != nil)
}
