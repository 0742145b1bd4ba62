package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipelineConfig sets up a validated deck over a scratch directory,
// shrunk where the physics does not need the production resolution
func pipelineConfig(t *testing.T) *Config {
	t.Helper()
	conf := DefaultConfig()
	conf.Structure = "POSCAR"
	conf.Samples = "samples.json"
	conf.Supercell = [3]int{3, 3, 3}
	conf.NpointsBand = 5
	conf.KpointDensity = 200
	conf.ImagTol = 1e-3
	conf.WorkDir = t.TempDir()
	require.NoError(t, conf.Validate())
	return conf
}

func requireArtifacts(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{
		"POSCAR", "SPOSCAR", "dataset.json",
		"FORCE_CONSTANTS", "band.yaml", "dos.yaml",
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
}

// A stable two-atom material runs straight through: one fit, no
// refinement, positive spectrum, well-formed thermodynamics.
func TestPipelineStable(t *testing.T) {
	conf := pipelineConfig(t)
	conf.Supercell = [3]int{2, 2, 2}
	conf.TotalEnergy = -3.72
	conf.CreateThermalDisplacements = true

	prim := diatomicPrim(t)
	sc, err := NewSupercell(prim, conf.Supercell)
	require.NoError(t, err)
	truth := diatomicIFC(sc, 0.5)
	raws := syntheticSamples(sc, truth, 6, 0.1, 42)

	doc, err := RunWith(conf, prim, raws)
	require.NoError(t, err)
	requireArtifacts(t, conf.WorkDir)

	require.Equal(t, "ClNa", doc.Formula)
	require.False(t, doc.HasImaginaryModes)
	require.Equal(t, "Harmonic", doc.RefineState)
	require.Equal(t, conf.Supercell, doc.SupercellMatrix)
	require.Equal(t, -3.72, doc.TotalEnergyPerFU)

	// the fitted tensor reproduces the spring model
	require.NotNil(t, doc.ForceConstants)
	require.Less(t, truth.MaxAbsDiff(doc.ForceConstants), 1e-6)
	require.Less(t, doc.ForceConstants.AcousticViolation(), 1e-10)

	require.Greater(t, doc.Bands.MinFrequency(), -conf.ImagTol)
	require.Equal(t, 6, doc.Bands.Nbranches())

	th := doc.Thermo
	require.Len(t, th.Temperatures, 50)
	require.Zero(t, th.Entropies[0])
	for i := 1; i < len(th.Temperatures); i++ {
		require.GreaterOrEqual(t, th.Entropies[i], th.Entropies[i-1],
			"entropy must not decrease, T=%g", th.Temperatures[i])
	}

	require.NotNil(t, doc.ThermalDisplacements)
	require.Len(t, doc.ThermalDisplacements.Temperatures, 5)

	// the result document serializes as one yaml artifact
	file := filepath.Join(conf.WorkDir, "result.yaml")
	require.NoError(t, WriteDoc(file, doc))
	requireYamlKeys(t, file,
		"formula", "has_imaginary_modes", "refine_state",
		"phonon_bandstructure", "phonon_dos", "thermodynamics",
		"thermal_displacement_data", "settings")
}

// A soft material keeps its imaginary modes through both corrective
// passes; the run still completes and reports the instability.
func TestPipelineImaginary(t *testing.T) {
	conf := pipelineConfig(t)

	prim := cubicPrim(t)
	sc, err := NewSupercell(prim, conf.Supercell)
	require.NoError(t, err)
	soft := springIFC(sc, -0.5)
	raws := syntheticSamples(sc, soft, 6, 0.1, 42)

	doc, err := RunWith(conf, prim, raws)
	require.NoError(t, err)
	requireArtifacts(t, conf.WorkDir)

	require.True(t, doc.HasImaginaryModes)
	require.Equal(t, "Stuck", doc.RefineState)
	require.Less(t, doc.Bands.MinFrequency(), -1.0)
	// the harmonic-only document still carries its artifacts
	require.NotNil(t, doc.DOS)
	require.NotNil(t, doc.Thermo)
}

// Mismatched Born charges abort before any fitting work has started.
func TestPipelineBornMismatch(t *testing.T) {
	conf := pipelineConfig(t)
	conf.Born = make([][3][3]float64, 2) // one primitive atom
	conf.Epsilon = [3][3]float64{{2.5, 0, 0}, {0, 2.5, 0}, {0, 0, 2.5}}

	prim := cubicPrim(t)
	sc, err := NewSupercell(prim, conf.Supercell)
	require.NoError(t, err)
	raws := syntheticSamples(sc, springIFC(sc, 0.5), 6, 0.1, 42)

	_, err = RunWith(conf, prim, raws)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "born", ce.Option)

	entries, err := os.ReadDir(conf.WorkDir)
	require.NoError(t, err)
	require.Empty(t, entries, "no artifacts may be written")
}

// An unknown path scheme aborts in the same way.
func TestPipelineUnknownScheme(t *testing.T) {
	conf := pipelineConfig(t)
	conf.KpathScheme = "munro_latimer"

	prim := cubicPrim(t)
	sc, err := NewSupercell(prim, conf.Supercell)
	require.NoError(t, err)
	raws := syntheticSamples(sc, springIFC(sc, 0.5), 6, 0.1, 42)

	_, err = RunWith(conf, prim, raws)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "kpath_scheme", ce.Option)

	entries, err := os.ReadDir(conf.WorkDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// Born charges matching the cell ride through to the result document,
// symmetrized to neutrality.
func TestPipelineWithBorn(t *testing.T) {
	conf := pipelineConfig(t)
	conf.Born = [][3][3]float64{
		{{1.05, 0, 0}, {0, 1.05, 0}, {0, 0, 1.05}},
	}
	conf.Epsilon = [3][3]float64{{2.5, 0, 0}, {0, 2.5, 0}, {0, 0, 2.5}}

	prim := cubicPrim(t)
	sc, err := NewSupercell(prim, conf.Supercell)
	require.NoError(t, err)
	raws := syntheticSamples(sc, springIFC(sc, 0.5), 6, 0.1, 42)

	doc, err := RunWith(conf, prim, raws)
	require.NoError(t, err)
	require.Len(t, doc.Born, 1)
	require.NotNil(t, doc.Epsilon)
	// one atom per cell: neutrality leaves no effective charge
	require.InDelta(t, 0.0, doc.Born[0][0][0], 1e-14)
	require.False(t, doc.HasImaginaryModes)
}

func TestPipelineEndToEndFromFiles(t *testing.T) {
	conf := pipelineConfig(t)
	dir := t.TempDir()
	conf.Structure = filepath.Join(dir, "POSCAR")
	conf.Samples = filepath.Join(dir, "samples.json")

	prim := cubicPrim(t)
	require.NoError(t, WritePoscar(conf.Structure, "primitive", prim))
	sc, err := NewSupercell(prim, conf.Supercell)
	require.NoError(t, err)
	raws := syntheticSamples(sc, springIFC(sc, 0.5), 6, 0.1, 42)
	b, err := json.Marshal(raws)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(conf.Samples, b, 0644))

	doc, err := Run(conf)
	require.NoError(t, err)
	require.False(t, doc.HasImaginaryModes)
	require.Equal(t, "Harmonic", doc.RefineState)
}
