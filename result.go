package main

import (
	"fmt"
	"os"

	"github.com/guptarohit/asciigraph"
	"gopkg.in/yaml.v3"
)

// Doc is the result record handed back to the caller: everything the
// downstream stages need, in one place
type Doc struct {
	Formula          string        `yaml:"formula"`
	Structure        *Crystal      `yaml:"structure"`
	SupercellMatrix  [3]int        `yaml:"supercell_matrix"`
	PrimitiveMatrix  [3][3]float64 `yaml:"primitive_matrix"`
	TotalEnergyPerFU float64       `yaml:"total_energy_per_formula_unit"` // eV

	HasImaginaryModes bool   `yaml:"has_imaginary_modes"`
	RefineState       string `yaml:"refine_state"`

	Bands  *BandStructure `yaml:"phonon_bandstructure"`
	DOS    *DOS           `yaml:"phonon_dos"`
	Thermo *ThermoSeries  `yaml:"thermodynamics"`

	ForceConstants       *IFC                  `yaml:"force_constants,omitempty"`
	Born                 [][3][3]float64       `yaml:"born,omitempty"`
	Epsilon              *[3][3]float64        `yaml:"epsilon,omitempty"`
	ThermalDisplacements *ThermalDisplacements `yaml:"thermal_displacement_data,omitempty"`

	Settings *Config `yaml:"settings"`
}

// WriteDoc serializes the result record
func WriteDoc(filename string, doc *Doc) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

// Summarize prints the run summary: refinement outcome, the zone
// centre branches, a thermodynamics table, and the DOS curve
func Summarize(doc *Doc) {
	fmt.Printf("%s: has_imaginary_modes = %v (refiner: %s)\n",
		doc.Formula, doc.HasImaginaryModes, doc.RefineState)
	if len(doc.Bands.Frequencies) > 0 {
		fmt.Print("Gamma frequencies (THz):")
		for _, f := range doc.Bands.Frequencies[0] {
			fmt.Printf("%10.4f", f)
		}
		fmt.Println()
	}
	t := doc.Thermo
	fmt.Printf("+%10s-+%14s-+%14s-+%14s-+%14s-+\n",
		"----------", "--------------", "--------------",
		"--------------", "--------------")
	fmt.Printf("|%10s |%14s |%14s |%14s |%14s |\n",
		"T (K)", "F (J/mol)", "S (J/K/mol)", "U (J/mol)", "Cv (J/K/mol)")
	fmt.Printf("+%10s-+%14s-+%14s-+%14s-+%14s-+\n",
		"----------", "--------------", "--------------",
		"--------------", "--------------")
	for i := range t.Temperatures {
		fmt.Printf("|%10.1f |%14.2f |%14.4f |%14.2f |%14.4f |\n",
			t.Temperatures[i], t.FreeEnergies[i], t.Entropies[i],
			t.InternalEnergies[i], t.HeatCapacities[i])
	}
	fmt.Printf("+%10s-+%14s-+%14s-+%14s-+%14s-+\n",
		"----------", "--------------", "--------------",
		"--------------", "--------------")
	if doc.DOS != nil && len(doc.DOS.Dens) > 0 {
		fmt.Println(asciigraph.Plot(doc.DOS.Dens,
			asciigraph.Height(10),
			asciigraph.Caption("total phonon DOS (THz axis)")))
	}
}
