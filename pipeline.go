package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Run loads the inputs named by the deck and executes the pipeline
func Run(conf *Config) (*Doc, error) {
	prim, err := ReadPoscar(conf.Structure)
	if err != nil {
		return nil, err
	}
	raws, err := LoadSamples(conf.Samples)
	if err != nil {
		return nil, err
	}
	return RunWith(conf, prim, raws)
}

// RunWith executes the whole fit -> refine -> integrate sequence for
// one material. The stages are strictly sequential; each consumes the
// complete output of its predecessor. conf must already be validated
func RunWith(conf *Config, prim *Crystal, raws []RawSample) (*Doc, error) {
	sc, err := NewSupercell(prim, conf.Supercell)
	if err != nil {
		return nil, err
	}

	// resolve the path and check the Born charges before any fitting
	// work, so bad configuration never leaves artifacts behind
	path, err := ResolvePath(prim, conf.KpathScheme, conf.Symprec)
	if err != nil {
		return nil, err
	}
	if len(conf.Born) > 0 && len(conf.Born) != prim.Natoms() {
		return nil, &ConfigurationError{
			Option: "born",
			Reason: fmt.Sprintf("%d charge tensors for %d primitive atoms",
				len(conf.Born), prim.Natoms()),
		}
	}

	work := conf.WorkDir
	if work == "" {
		work = "."
	}
	if err := os.MkdirAll(work, 0755); err != nil {
		return nil, err
	}
	if err := WritePoscar(filepath.Join(work, "POSCAR"), prim.Name(), prim); err != nil {
		return nil, err
	}
	if err := WritePoscar(filepath.Join(work, "SPOSCAR"), prim.Name()+" supercell",
		sc.Crystal); err != nil {
		return nil, err
	}

	cutoff := conf.Cutoff
	if cutoff <= 0 {
		cutoff = sc.MaxValidCutoff()
	}
	orbits, err := EnumerateOrbits(sc, cutoff, conf.Symprec)
	if err != nil {
		return nil, err
	}
	// baseline detection works against the nominal sample count; a
	// shorter real dataset is used as-is
	nominal := orbits.ExpectedSamples(sc.Natoms())
	if len(raws) < nominal {
		nominal = len(raws)
	}
	ds, err := Accumulate(sc.Crystal, raws, nominal)
	if err != nil {
		return nil, err
	}
	if err := WriteDataset(filepath.Join(work, "dataset.json"), ds); err != nil {
		return nil, err
	}

	// primary fit; a solver failure here is fatal
	fitter := conf.NewFitter()
	fc, err := fitter.Fit(sc, ds, cutoff)
	if err != nil {
		return nil, err
	}

	bands := func(fc *IFC, withVecs bool) (*BandStructure, error) {
		eng, err := NewBandEngine(sc, fc, conf.Born, conf.Epsilon)
		if err != nil {
			return nil, err
		}
		eng.ImagTol = conf.ImagTol
		eng.Npoints = conf.NpointsBand
		return eng.ComputeBands(path, withVecs), nil
	}
	bs, err := bands(fc, conf.BandEigenvectors)
	if err != nil {
		return nil, err
	}

	refiner := &Refiner{
		Fitter:      fitter,
		Symprec:     conf.Symprec,
		RidgeAlpha:  conf.RidgeAlpha,
		ShortCutoff: conf.ShortCutoff,
		SumRules:    conf.SumRules,
	}
	res := refiner.Run(sc, ds, fc, bs, bands)
	fc, bs = res.FC, res.Bands

	if err := WriteForceConstants(filepath.Join(work, "FORCE_CONSTANTS"), fc); err != nil {
		return nil, err
	}
	if err := WriteBandYaml(filepath.Join(work, "band.yaml"), bs); err != nil {
		return nil, err
	}

	eng, err := NewBandEngine(sc, fc, conf.Born, conf.Epsilon)
	if err != nil {
		return nil, err
	}
	eng.ImagTol = conf.ImagTol
	dos, err := MeshDOS(eng, conf.KpointDensity)
	if err != nil {
		return nil, err
	}
	if err := WriteDOSYaml(filepath.Join(work, "dos.yaml"), dos); err != nil {
		return nil, err
	}
	thermo, err := dos.Integrate(conf.TMin, conf.TMax, conf.TStep, prim.FormulaUnits())
	if err != nil {
		return nil, err
	}

	var td *ThermalDisplacements
	if conf.CreateThermalDisplacements {
		td, err = ComputeThermalDisplacements(eng, conf.KpointDensity,
			conf.TMinTD, conf.TMaxTD, conf.TStepTD, conf.FreqMinTD)
		if err != nil {
			return nil, err
		}
	}

	doc := &Doc{
		Formula:           prim.Name(),
		Structure:         prim,
		SupercellMatrix:   conf.Supercell,
		PrimitiveMatrix:   [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		TotalEnergyPerFU:  conf.TotalEnergy / float64(prim.FormulaUnits()),
		HasImaginaryModes: bs.HasImaginary,
		RefineState:       res.State.String(),
		Bands:             bs,
		DOS:               dos,
		Thermo:            thermo,
		Settings:          conf,
	}
	if conf.StoreForceConstants {
		doc.ForceConstants = fc
	}
	if len(conf.Born) > 0 {
		doc.Born = symmetrizeBorn(conf.Born)
		eps := conf.Epsilon
		doc.Epsilon = &eps
	}
	if td != nil {
		doc.ThermalDisplacements = td
	}
	return doc, nil
}
