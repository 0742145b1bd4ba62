package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// option defaults
const (
	DefaultSymprec     = 1e-3
	DefaultScheme      = "seekpath"
	DefaultShortCutoff = 10.0 // Angstrom
	DefaultRidgeAlpha  = 1e-6
	DefaultLassoLambda = 1e-6
	DefaultTMin        = 0.0
	DefaultTMax        = 500.0
	DefaultTStep       = 10.0
	DefaultTStepTD     = 100.0
)

// Config enumerates every recognized option with its default. It is
// read from the yaml input deck, validated once at entry, and never
// mutated afterwards
type Config struct {
	Structure string `yaml:"structure"` // primitive cell structure file
	Samples   string `yaml:"samples"`   // displaced-sample records (json)
	Supercell [3]int `yaml:"supercell"` // diagonal transformation matrix

	Symprec     float64 `yaml:"symprec"`
	KpathScheme string  `yaml:"kpath_scheme"`
	NpointsBand int     `yaml:"npoints_band"`
	ImagTol     float64 `yaml:"tol_imaginary_modes"`

	Cutoff      float64  `yaml:"cutoff"`       // 0 selects the maximum valid cutoff
	ShortCutoff float64  `yaml:"short_cutoff"` // second-order refit radius
	SumRules    []string `yaml:"sum_rules"`
	RidgeAlpha  float64  `yaml:"ridge_alpha"`
	LassoLambda float64  `yaml:"lasso_lambda"`

	KpointDensity float64 `yaml:"kpoint_density_dos"`
	TMin          float64 `yaml:"tmin"`
	TMax          float64 `yaml:"tmax"`
	TStep         float64 `yaml:"tstep"`

	BandEigenvectors           bool    `yaml:"band_structure_eigenvectors"`
	StoreForceConstants        bool    `yaml:"store_force_constants"`
	CreateThermalDisplacements bool    `yaml:"create_thermal_displacements"`
	TMinTD                     float64 `yaml:"tmin_thermal_displacements"`
	TMaxTD                     float64 `yaml:"tmax_thermal_displacements"`
	TStepTD                    float64 `yaml:"tstep_thermal_displacements"`
	FreqMinTD                  float64 `yaml:"freq_min_thermal_displacements"`

	TotalEnergy float64         `yaml:"total_energy"` // eV per cell
	Born        [][3][3]float64 `yaml:"born"`
	Epsilon     [3][3]float64   `yaml:"epsilon"`

	// Fitter selects an external fitting program by argument vector;
	// empty means the native fit
	Fitter    []string `yaml:"fitter"`
	FitterDir string   `yaml:"fitter_dir"`

	// WorkDir receives the intermediate artifacts. Concurrent runs
	// must each use their own
	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Symprec:             DefaultSymprec,
		KpathScheme:         DefaultScheme,
		NpointsBand:         defaultNpoints,
		ImagTol:             defaultImagTol,
		ShortCutoff:         DefaultShortCutoff,
		SumRules:            []string{RuleHuang, RuleBornHuang},
		RidgeAlpha:          DefaultRidgeAlpha,
		LassoLambda:         DefaultLassoLambda,
		KpointDensity:       defaultKppa,
		TMin:                DefaultTMin,
		TMax:                DefaultTMax,
		TStep:               DefaultTStep,
		TMinTD:              DefaultTMin,
		TMaxTD:              DefaultTMax,
		TStepTD:             DefaultTStepTD,
		StoreForceConstants: true,
		WorkDir:             ".",
	}
}

// LoadConfig reads the input deck over the defaults and validates it
func LoadConfig(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	conf := DefaultConfig()
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks every option once, before any stage runs
func (c *Config) Validate() error {
	if c.Structure == "" {
		return &ConfigurationError{Option: "structure", Reason: "no structure file given"}
	}
	if c.Samples == "" {
		return &ConfigurationError{Option: "samples", Reason: "no sample records given"}
	}
	for _, n := range c.Supercell {
		if n < 1 {
			return &ConfigurationError{
				Option: "supercell",
				Reason: fmt.Sprintf("diagonal %v is not positive", c.Supercell),
			}
		}
	}
	if c.Symprec <= 0 {
		return &ConfigurationError{
			Option: "symprec",
			Reason: fmt.Sprintf("%g is not positive", c.Symprec),
		}
	}
	if !pathSchemes[c.KpathScheme] {
		return &ConfigurationError{
			Option: "kpath_scheme",
			Reason: fmt.Sprintf("unknown scheme %q", c.KpathScheme),
		}
	}
	if c.NpointsBand < 2 {
		return &ConfigurationError{
			Option: "npoints_band",
			Reason: fmt.Sprintf("%d is too few points per segment", c.NpointsBand),
		}
	}
	if c.ImagTol <= 0 {
		return &ConfigurationError{
			Option: "tol_imaginary_modes",
			Reason: fmt.Sprintf("%g is not positive", c.ImagTol),
		}
	}
	if c.Cutoff < 0 || c.ShortCutoff <= 0 {
		return &ConfigurationError{
			Option: "cutoff",
			Reason: fmt.Sprintf("cutoffs %g/%g out of range", c.Cutoff, c.ShortCutoff),
		}
	}
	for _, r := range c.SumRules {
		if r != RuleHuang && r != RuleBornHuang {
			return &ConfigurationError{
				Option: "sum_rules",
				Reason: fmt.Sprintf("unknown constraint family %q", r),
			}
		}
	}
	if len(c.SumRules) < 2 {
		return &ConfigurationError{
			Option: "sum_rules",
			Reason: "at least two constraint families are required",
		}
	}
	if c.TStep <= 0 || c.TMax <= c.TMin || c.TMin < 0 {
		return &ConfigurationError{
			Option: "temperatures",
			Reason: fmt.Sprintf("bad grid [%g, %g) step %g", c.TMin, c.TMax, c.TStep),
		}
	}
	if c.CreateThermalDisplacements &&
		(c.TStepTD <= 0 || c.TMaxTD <= c.TMinTD || c.TMinTD < 0) {
		return &ConfigurationError{
			Option: "thermal displacement temperatures",
			Reason: fmt.Sprintf("bad grid [%g, %g) step %g", c.TMinTD, c.TMaxTD, c.TStepTD),
		}
	}
	if (len(c.Born) > 0) != c.hasEpsilon() {
		return &ConfigurationError{
			Option: "born",
			Reason: "born charges and dielectric tensor must be supplied together",
		}
	}
	return nil
}

// hasEpsilon reports whether a dielectric tensor was supplied
func (c *Config) hasEpsilon() bool {
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			if c.Epsilon[a][b] != 0 {
				return true
			}
		}
	}
	return false
}

// NewFitter builds the configured fitter
func (c *Config) NewFitter() Fitter {
	if len(c.Fitter) > 0 {
		dir := c.FitterDir
		if dir == "" {
			dir = c.WorkDir
		}
		return &CommandFitter{Argv: c.Fitter, Dir: dir}
	}
	return &NativeFitter{Symprec: c.Symprec, Lambda: c.LassoLambda}
}
