package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	deck := `
structure: POSCAR
samples: samples.json
supercell: [3, 3, 3]
tmax: 300
kpath_scheme: hinuma
cutoff: 4.2
fitter: [pheasy, --full-ifc]
`
	file := filepath.Join(t.TempDir(), "input.yaml")
	require.NoError(t, os.WriteFile(file, []byte(deck), 0644))
	conf, err := LoadConfig(file)
	require.NoError(t, err)

	// deck values land, defaults survive everything else
	require.Equal(t, "POSCAR", conf.Structure)
	require.Equal(t, [3]int{3, 3, 3}, conf.Supercell)
	require.Equal(t, 300.0, conf.TMax)
	require.Equal(t, "hinuma", conf.KpathScheme)
	require.Equal(t, 4.2, conf.Cutoff)
	require.Equal(t, []string{"pheasy", "--full-ifc"}, conf.Fitter)
	require.Equal(t, DefaultSymprec, conf.Symprec)
	require.Equal(t, DefaultTMin, conf.TMin)
	require.True(t, conf.StoreForceConstants)
	require.Equal(t, []string{RuleHuang, RuleBornHuang}, conf.SumRules)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("supercell: [not, a, number]"), 0644))
	_, err = LoadConfig(file)
	require.Error(t, err)
}

func validConfig() *Config {
	conf := DefaultConfig()
	conf.Structure = "POSCAR"
	conf.Samples = "samples.json"
	conf.Supercell = [3]int{2, 2, 2}
	return conf
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		option string
		breach func(*Config)
	}{
		{"no structure", "structure", func(c *Config) { c.Structure = "" }},
		{"no samples", "samples", func(c *Config) { c.Samples = "" }},
		{"bad supercell", "supercell", func(c *Config) { c.Supercell = [3]int{2, -1, 2} }},
		{"bad symprec", "symprec", func(c *Config) { c.Symprec = 0 }},
		{"bad scheme", "kpath_scheme", func(c *Config) { c.KpathScheme = "banded" }},
		{"few points", "npoints_band", func(c *Config) { c.NpointsBand = 1 }},
		{"bad tolerance", "tol_imaginary_modes", func(c *Config) { c.ImagTol = -1 }},
		{"negative cutoff", "cutoff", func(c *Config) { c.Cutoff = -1 }},
		{"zero short cutoff", "cutoff", func(c *Config) { c.ShortCutoff = 0 }},
		{"unknown sum rule", "sum_rules", func(c *Config) { c.SumRules = []string{"Huang", "acoustic"} }},
		{"single sum rule", "sum_rules", func(c *Config) { c.SumRules = []string{RuleHuang} }},
		{"bad temperatures", "temperatures", func(c *Config) { c.TStep = 0 }},
		{"inverted range", "temperatures", func(c *Config) { c.TMin, c.TMax = 500, 0 }},
		{"bad displacement grid", "thermal displacement temperatures", func(c *Config) {
			c.CreateThermalDisplacements = true
			c.TStepTD = -5
		}},
		{"born without epsilon", "born", func(c *Config) {
			c.Born = make([][3][3]float64, 2)
		}},
		{"epsilon without born", "born", func(c *Config) {
			c.Epsilon = [3][3]float64{{2.5, 0, 0}, {0, 2.5, 0}, {0, 0, 2.5}}
		}},
	}
	for _, test := range tests {
		conf := validConfig()
		test.breach(conf)
		err := conf.Validate()
		var ce *ConfigurationError
		require.ErrorAs(t, err, &ce, test.name)
		require.Equal(t, test.option, ce.Option, test.name)
	}
}

func TestNewFitter(t *testing.T) {
	conf := validConfig()
	_, ok := conf.NewFitter().(*NativeFitter)
	require.True(t, ok)

	conf.Fitter = []string{"pheasy"}
	conf.WorkDir = "scratch"
	cf, ok := conf.NewFitter().(*CommandFitter)
	require.True(t, ok)
	require.Equal(t, []string{"pheasy"}, cf.Argv)
	require.Equal(t, "scratch", cf.Dir)

	conf.FitterDir = "elsewhere"
	cf = conf.NewFitter().(*CommandFitter)
	require.Equal(t, "elsewhere", cf.Dir)
}
