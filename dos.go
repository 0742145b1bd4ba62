package main

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// physical constants, SI
const (
	planck   = 6.62607015e-34  // J s
	hbar     = 1.054571817e-34 // J s
	boltz    = 1.380649e-23    // J/K
	avogadro = 6.02214076e23   // 1/mol
	amuKg    = 1.66053906660e-27
)

// defaultKppa is the target k-point density for the DOS mesh,
// k-points per reciprocal atom
const defaultKppa = 7000

// DOS is the total phonon density of states on a uniform frequency
// grid in THz, normalized to 3N states per primitive cell
type DOS struct {
	Freqs []float64 `yaml:"frequency_points"`
	Dens  []float64 `yaml:"total_dos"`
}

// meshDims sizes a gamma-centred mesh so that the grid density
// approaches kppa points per reciprocal atom
func meshDims(prim *Crystal, kppa float64) [3]int {
	rec := prim.Reciprocal()
	lens := [3]float64{norm3(rec[0]), norm3(rec[1]), norm3(rec[2])}
	ngrid := kppa / float64(prim.Natoms())
	mult := math.Cbrt(ngrid / (lens[0] * lens[1] * lens[2]))
	var dims [3]int
	for i := 0; i < 3; i++ {
		dims[i] = int(math.Round(mult * lens[i]))
		if dims[i] < 1 {
			dims[i] = 1
		}
	}
	return dims
}

// meshPoints returns the gamma-centred fractional q-points of the
// full-zone mesh; no symmetry reduction is applied
func meshPoints(dims [3]int) [][3]float64 {
	pts := make([][3]float64, 0, dims[0]*dims[1]*dims[2])
	for i := 0; i < dims[0]; i++ {
		for j := 0; j < dims[1]; j++ {
			for k := 0; k < dims[2]; k++ {
				pts = append(pts, [3]float64{
					float64(i) / float64(dims[0]),
					float64(j) / float64(dims[1]),
					float64(k) / float64(dims[2]),
				})
			}
		}
	}
	return pts
}

// MeshDOS meshes the Brillouin zone at the requested density and
// accumulates a Gaussian-smeared total density of states
func MeshDOS(eng *BandEngine, kppa float64) (*DOS, error) {
	if kppa <= 0 {
		kppa = defaultKppa
	}
	pts := meshPoints(meshDims(eng.SC.Prim, kppa))
	var all []float64
	for _, q := range pts {
		freqs, _ := eng.FrequenciesAt(q, false)
		all = append(all, freqs...)
	}
	if len(all) == 0 {
		return nil, &IntegrationError{What: "empty frequency mesh"}
	}
	fmin, fmax := all[0], all[0]
	for _, f := range all {
		fmin = math.Min(fmin, f)
		fmax = math.Max(fmax, f)
	}
	if fmax <= fmin {
		fmax = fmin + 1
	}
	sigma := (fmax - fmin) / 100
	lo := math.Min(0, fmin) - 4*sigma
	hi := fmax + 4*sigma
	const npts = 201
	dos := &DOS{
		Freqs: make([]float64, npts),
		Dens:  make([]float64, npts),
	}
	df := (hi - lo) / float64(npts-1)
	norm := 1 / (sigma * math.Sqrt(2*math.Pi) * float64(len(pts)))
	for k := 0; k < npts; k++ {
		x := lo + float64(k)*df
		dos.Freqs[k] = x
		var d float64
		for _, f := range all {
			t := (x - f) / sigma
			d += math.Exp(-t * t / 2)
		}
		dos.Dens[k] = d * norm
	}
	return dos, nil
}

// WriteDOSYaml writes the DOS artifact
func WriteDOSYaml(filename string, dos *DOS) error {
	b, err := yaml.Marshal(dos)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

// ThermoSeries holds the thermodynamic integrals on the temperature
// grid, index aligned, per mole of formula units
type ThermoSeries struct {
	Temperatures     []float64 `yaml:"temperatures"`      // K
	FreeEnergies     []float64 `yaml:"free_energies"`     // J/mol
	Entropies        []float64 `yaml:"entropies"`         // J/K/mol
	InternalEnergies []float64 `yaml:"internal_energies"` // J/mol
	HeatCapacities   []float64 `yaml:"heat_capacities"`   // J/K/mol
}

// Integrate computes the vibrational free energy, entropy, internal
// energy and heat capacity over [tmin, tmax) with stride tstep by
// Bose-Einstein statistics over the DOS. formulaUnits scales from the
// primitive cell to one formula unit
func (dos *DOS) Integrate(tmin, tmax, tstep float64, formulaUnits int) (*ThermoSeries, error) {
	if tstep <= 0 {
		return nil, &IntegrationError{What: fmt.Sprintf("temperature step %g not positive", tstep)}
	}
	if tmax <= tmin {
		return nil, &IntegrationError{
			What: fmt.Sprintf("temperature range [%g, %g) is empty", tmin, tmax),
		}
	}
	if tmin < 0 {
		return nil, &IntegrationError{What: fmt.Sprintf("negative temperature %g", tmin)}
	}
	if len(dos.Freqs) < 2 || len(dos.Freqs) != len(dos.Dens) {
		return nil, &IntegrationError{What: "malformed density of states"}
	}
	var total float64
	for _, d := range dos.Dens {
		if d < 0 {
			return nil, &IntegrationError{What: "negative density of states"}
		}
		total += d
	}
	if total == 0 {
		return nil, &IntegrationError{What: "empty density of states"}
	}
	if formulaUnits < 1 {
		formulaUnits = 1
	}
	scale := avogadro / float64(formulaUnits)
	df := dos.Freqs[1] - dos.Freqs[0]
	ts := &ThermoSeries{}
	for t := tmin; t < tmax; t += tstep {
		var zpe, f, u, s, cv float64
		for k, nu := range dos.Freqs {
			if nu <= 0 {
				continue // imaginary and null modes carry no weight
			}
			w := dos.Dens[k] * df
			hv := planck * nu * 1e12
			zpe += w * hv / 2
			if t > 0 {
				x := hv / (boltz * t)
				ex := math.Exp(-x)
				f += w * boltz * t * math.Log(1-ex)
				u += w * hv * ex / (1 - ex)
				s += w * boltz * (x*ex/(1-ex) - math.Log(1-ex))
				cv += w * boltz * x * x * ex / ((1 - ex) * (1 - ex))
			}
		}
		ts.Temperatures = append(ts.Temperatures, t)
		ts.FreeEnergies = append(ts.FreeEnergies, (zpe+f)*scale)
		ts.InternalEnergies = append(ts.InternalEnergies, (zpe+u)*scale)
		ts.Entropies = append(ts.Entropies, s*scale)
		ts.HeatCapacities = append(ts.HeatCapacities, cv*scale)
	}
	return ts, nil
}

// ThermalDisplacements holds mean-square displacement matrices per
// temperature and primitive atom, in the cartesian (A^2) and the
// crystallographic-file conventions
type ThermalDisplacements struct {
	Temperatures []float64         `yaml:"temperatures"`
	FreqMin      float64           `yaml:"freq_min"`
	Matrices     [][][3][3]float64 `yaml:"thermal_displacement_matrix"`
	MatricesCif  [][][3][3]float64 `yaml:"thermal_displacement_matrix_cif"`
}

// ComputeThermalDisplacements re-meshes the zone without symmetry
// reduction and with eigenvectors on an independent temperature grid.
// Branches below freqMin are skipped to keep the acoustic divergence
// at gamma out of the integral
func ComputeThermalDisplacements(eng *BandEngine, kppa, tmin, tmax, tstep,
	freqMin float64) (*ThermalDisplacements, error) {
	if tstep <= 0 {
		return nil, &IntegrationError{What: fmt.Sprintf("temperature step %g not positive", tstep)}
	}
	if tmax <= tmin {
		return nil, &IntegrationError{
			What: fmt.Sprintf("temperature range [%g, %g) is empty", tmin, tmax),
		}
	}
	if kppa <= 0 {
		kppa = defaultKppa
	}
	if freqMin <= 0 {
		freqMin = 1e-2 // THz
	}
	prim := eng.SC.Prim
	np := prim.Natoms()
	ms, err := prim.Masses()
	if err != nil {
		return nil, err
	}
	pts := meshPoints(meshDims(prim, kppa))
	type mode struct {
		freq float64
		amp  [][3]float64 // |e|^2 components per atom, not mass weighted
	}
	var modes []mode
	for _, q := range pts {
		freqs, vecs := eng.FrequenciesAt(q, true)
		for b, f := range freqs {
			if f < freqMin {
				continue
			}
			m := mode{freq: f, amp: make([][3]float64, np)}
			for i := 0; i < np; i++ {
				for a := 0; a < 3; a++ {
					c := vecs[b][3*i+a]
					m.amp[i][a] = real(c)*real(c) + imag(c)*imag(c)
				}
			}
			modes = append(modes, m)
		}
	}
	if len(modes) == 0 {
		return nil, &IntegrationError{What: "no modes above the displacement cutoff"}
	}
	nq := float64(len(pts))
	td := &ThermalDisplacements{FreqMin: freqMin}
	rec := prim.Reciprocal()
	rlen := [3]float64{norm3(rec[0]), norm3(rec[1]), norm3(rec[2])}
	for t := tmin; t < tmax; t += tstep {
		mats := make([][3][3]float64, np)
		for _, m := range modes {
			omega := 2 * math.Pi * m.freq * 1e12
			occ := 0.0
			if t > 0 {
				occ = 1 / (math.Exp(planck*m.freq*1e12/(boltz*t)) - 1)
			}
			for i := 0; i < np; i++ {
				// diagonal approximation of e_a conj(e_b)
				pref := hbar * (1 + 2*occ) / (2 * ms[i] * amuKg * omega * nq) * 1e20
				for a := 0; a < 3; a++ {
					mats[i][a][a] += pref * m.amp[i][a]
				}
			}
		}
		cifs := make([][3][3]float64, np)
		for i := 0; i < np; i++ {
			// U* = B U B^T, then U_cif = U*_ab / (|b_a||b_b|)
			var us [3][3]float64
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					for x := 0; x < 3; x++ {
						for y := 0; y < 3; y++ {
							us[a][b] += rec[a][x] * mats[i][x][y] * rec[b][y]
						}
					}
				}
			}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					cifs[i][a][b] = us[a][b] / (rlen[a] * rlen[b])
				}
			}
		}
		td.Temperatures = append(td.Temperatures, t)
		td.Matrices = append(td.Matrices, mats)
		td.MatricesCif = append(td.MatricesCif, cifs)
	}
	return td, nil
}
