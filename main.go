/*
Push-button phonons
-------------------
The goal of this program is to streamline harmonic lattice dynamics
from precomputed displacement/force data, automating as many pieces as
possible: force-constant fitting, detection and refinement of unstable
spectra, and the thermodynamic integrals.
*/

package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
)

func main() {
	args := ParseFlags()
	if len(args) < 1 {
		log.Fatal("pbph: no input file supplied")
	}
	conf, err := LoadConfig(args[0])
	if err != nil {
		errExit(err, "loading input deck")
	}
	doc, err := Run(conf)
	if err != nil {
		// fitting and configuration failures are fatal; an unstable
		// spectrum is not, it comes back in the doc flagged
		var sf *SolverFailure
		if errors.As(err, &sf) {
			errExit(err, "primary force-constant fit failed")
		}
		errExit(err, "")
	}
	out := filepath.Join(conf.WorkDir, "result.yaml")
	if err := WriteDoc(out, doc); err != nil {
		errExit(err, "writing result document")
	}
	Summarize(doc)
	if doc.HasImaginaryModes {
		os.Exit(2)
	}
}
