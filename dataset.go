package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// baselineTol is the largest displacement norm, in Angstrom, an
// alleged zero-displacement reference sample may carry
const baselineTol = 1e-8

// Sample is one displaced supercell: per-atom displacements from the
// reference positions and the forces they induced, index aligned
type Sample struct {
	Disp  [][3]float64 `json:"displacements"`
	Force [][3]float64 `json:"forces"`
}

// Dataset is the aligned displacement/force data a fit runs on
type Dataset struct {
	Samples []Sample `json:"samples"`
}

// Nsamples returns the number of samples
func (d *Dataset) Nsamples() int { return len(d.Samples) }

// RawSample is one record handed over by the force-evaluation stage:
// absolute cartesian positions of the displaced supercell and the
// forces on each atom
type RawSample struct {
	Positions [][3]float64 `json:"positions"`
	Forces    [][3]float64 `json:"forces"`
}

// Accumulate aligns raw displaced-structure records against the
// reference supercell. Displacements are taken against the nearest
// periodic image of each reference position. When the record count
// exceeds expected by exactly one, the trailing record must be a
// zero-displacement baseline: its forces are subtracted from every
// other sample to remove residual drift and it is dropped. A trailing
// record that claims to be a baseline but carries real displacements
// is rejected rather than silently trusted
func Accumulate(cell *Crystal, raws []RawSample, expected int) (*Dataset, error) {
	n := cell.Natoms()
	if len(raws) == 0 {
		return nil, &DatasetError{Field: "sample count", Want: expected, Got: 0}
	}
	ds := &Dataset{Samples: make([]Sample, 0, len(raws))}
	for s, raw := range raws {
		if len(raw.Positions) != n {
			return nil, &DatasetError{
				Field: fmt.Sprintf("positions in sample %d", s),
				Want:  n,
				Got:   len(raw.Positions),
			}
		}
		if len(raw.Forces) != n {
			return nil, &DatasetError{
				Field: fmt.Sprintf("forces in sample %d", s),
				Want:  n,
				Got:   len(raw.Forces),
			}
		}
		sm := Sample{
			Disp:  make([][3]float64, n),
			Force: make([][3]float64, n),
		}
		for i := 0; i < n; i++ {
			sm.Disp[i] = cell.MinImage(raw.Positions[i], cell.Cart(i))
			sm.Force[i] = raw.Forces[i]
		}
		ds.Samples = append(ds.Samples, sm)
	}
	if len(ds.Samples) == expected+1 {
		last := ds.Samples[len(ds.Samples)-1]
		var worst float64
		for i := 0; i < n; i++ {
			if v := norm3(last.Disp[i]); v > worst {
				worst = v
			}
		}
		if worst > baselineTol {
			return nil, &DatasetError{
				Field: fmt.Sprintf("baseline sample displacement norm %.3e above %.0e",
					worst, baselineTol),
				Want: expected,
				Got:  len(ds.Samples),
			}
		}
		for s := range ds.Samples[:len(ds.Samples)-1] {
			for i := 0; i < n; i++ {
				for k := 0; k < 3; k++ {
					ds.Samples[s].Force[i][k] -= last.Force[i][k]
				}
			}
		}
		ds.Samples = ds.Samples[:len(ds.Samples)-1]
	}
	return ds, nil
}

// MaxDisplacement returns the largest single-atom displacement norm
// over the dataset
func (d *Dataset) MaxDisplacement() float64 {
	var worst float64
	for _, s := range d.Samples {
		for _, u := range s.Disp {
			worst = math.Max(worst, norm3(u))
		}
	}
	return worst
}

// WriteDataset checkpoints the accumulated dataset so a crashed run
// can resume without redoing the force evaluations
func WriteDataset(filename string, d *Dataset) error {
	b, err := json.MarshalIndent(d, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

// LoadDataset restores a dataset artifact written by WriteDataset
func LoadDataset(filename string) (*Dataset, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var d Dataset
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	for s, sm := range d.Samples {
		if len(sm.Disp) != len(sm.Force) {
			return nil, &DatasetError{
				Field: fmt.Sprintf("forces in sample %d", s),
				Want:  len(sm.Disp),
				Got:   len(sm.Force),
			}
		}
	}
	return &d, nil
}

// LoadSamples reads the raw displaced-structure records handed over
// by the force-evaluation stage
func LoadSamples(filename string) ([]RawSample, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var raws []RawSample
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, err
	}
	return raws, nil
}
