package main

import (
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// RefineState is a state of the anharmonicity refiner
type RefineState int

const (
	Harmonic RefineState = iota
	ImaginaryDetected
	Refining
	Converged
	Stuck
)

func (s RefineState) String() string {
	return [...]string{
		"Harmonic",
		"ImaginaryDetected",
		"Refining",
		"Converged",
		"Stuck",
	}[s]
}

// rotational sum-rule constraint families
const (
	RuleHuang     = "Huang"
	RuleBornHuang = "Born-Huang"
)

// Refiner reworks a force-constant tensor whose spectrum came out
// unstable. It runs at most two corrective passes: a maximum-cutoff
// refit with rotational sum rules enforced, then a short-range refit.
// A fit failure inside the refiner is non-fatal and lands in Stuck,
// leaving the harmonic-only result to the caller
type Refiner struct {
	Fitter      Fitter
	Symprec     float64
	RidgeAlpha  float64
	ShortCutoff float64
	SumRules    []string
}

// RefineResult carries the final tensor and bands together with the
// terminal state and the transition history
type RefineResult struct {
	FC      *IFC
	Bands   *BandStructure
	State   RefineState
	History []RefineState
}

// Run walks the state machine. bands recomputes the band structure
// for a candidate tensor; withVecs is enabled on refined passes the
// same way the upstream pipeline re-runs with eigenvectors
func (r *Refiner) Run(sc *Supercell, ds *Dataset, fc *IFC, bs *BandStructure,
	bands func(fc *IFC, withVecs bool) (*BandStructure, error)) *RefineResult {
	res := &RefineResult{FC: fc, Bands: bs, State: Harmonic,
		History: []RefineState{Harmonic}}
	if !bs.HasImaginary {
		return res
	}
	step := func(s RefineState) {
		res.State = s
		res.History = append(res.History, s)
	}
	step(ImaginaryDetected)

	// pass 1: cluster refit at the widest cutoff the supercell
	// supports, then a ridge-regularized rotational correction
	cutoff := sc.MaxValidCutoff()
	fc1, err := r.Fitter.Fit(sc, ds, cutoff)
	if err != nil {
		r.degrade(step, res, err)
		return res
	}
	fc1, err = r.applySumRules(sc, fc1, cutoff)
	if err != nil {
		r.degrade(step, res, err)
		return res
	}
	bs1, err := bands(fc1, true)
	if err != nil {
		r.degrade(step, res, err)
		return res
	}
	if !bs1.HasImaginary {
		res.FC, res.Bands = fc1, bs1
		step(Converged)
		return res
	}
	res.FC, res.Bands = fc1, bs1
	step(Refining)

	// pass 2: fall back to an explicit short-range second-order fit
	short := r.ShortCutoff
	if short <= 0 || short > cutoff {
		short = cutoff
	}
	fc2, err := r.Fitter.Fit(sc, ds, short)
	if err != nil {
		r.degrade(step, res, err)
		return res
	}
	bs2, err := bands(fc2, true)
	if err != nil {
		r.degrade(step, res, err)
		return res
	}
	res.FC, res.Bands = fc2, bs2
	if bs2.HasImaginary {
		step(Stuck)
	} else {
		step(Converged)
	}
	return res
}

// degrade reports a non-fatal refinement failure and parks the
// machine in Stuck with the last usable result intact
func (r *Refiner) degrade(step func(RefineState), res *RefineResult, err error) {
	var sf *SolverFailure
	if errors.As(err, &sf) {
		fmt.Fprintf(os.Stderr, "refine: %v, keeping harmonic result\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "refine: unexpected: %v, keeping harmonic result\n", err)
	}
	step(Stuck)
}

// applySumRules extracts the independent orbit parameterization from
// fc and projects it onto the rotational invariance constraints with
// a small ridge term, then rebuilds the tensor
func (r *Refiner) applySumRules(sc *Supercell, fc *IFC, cutoff float64) (*IFC, error) {
	orbits, err := EnumerateOrbits(sc, cutoff, r.Symprec)
	if err != nil {
		return nil, err
	}
	params := extractParameters(orbits, fc)
	C, err := constraintMatrix(sc, orbits, r.SumRules)
	if err != nil {
		return nil, err
	}
	corrected, err := ridgeProject(C, params, r.RidgeAlpha)
	if err != nil {
		return nil, &SolverFailure{Stage: "rotational sum rules", Err: err}
	}
	return reconstruct(orbits, corrected, fc.N), nil
}

// extractParameters averages the tensor blocks of each orbit's member
// pairs back into the irreducible parameter vector
func extractParameters(orbits *Orbits, fc *IFC) []float64 {
	params := make([]float64, orbits.Nparams())
	counts := make([]int, orbits.Nparams())
	for _, p := range orbits.Pairs {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				c := colOf(p, a, b)
				params[c] += fc.Blocks[p.I][p.J][a][b]
				counts[c]++
			}
		}
	}
	for i := range params {
		if counts[i] > 0 {
			params[i] /= float64(counts[i])
		}
	}
	return params
}

// constraintMatrix builds the linear rotational invariance conditions
// over the parameter vector for the requested constraint families
func constraintMatrix(sc *Supercell, orbits *Orbits, families []string) (*mat.Dense, error) {
	if len(families) == 0 {
		return nil, &ConfigurationError{
			Option: "sum_rules",
			Reason: "no constraint families selected",
		}
	}
	cols := orbits.Nparams()
	var rows [][]float64
	for _, fam := range families {
		switch fam {
		case RuleBornHuang:
			// per atom i: sum_j Phi_ij^{ab} r^c antisymmetric in (b,c)
			byAtom := make(map[int][]Pair)
			for _, p := range orbits.Pairs {
				byAtom[p.I] = append(byAtom[p.I], p)
			}
			for i := 0; i < sc.Natoms(); i++ {
				for a := 0; a < 3; a++ {
					for b := 0; b < 3; b++ {
						for c := b + 1; c < 3; c++ {
							row := make([]float64, cols)
							for _, p := range byAtom[i] {
								row[colOf(p, a, b)] += p.R[c]
								row[colOf(p, a, c)] -= p.R[b]
							}
							rows = append(rows, row)
						}
					}
				}
			}
		case RuleHuang:
			// whole tensor: sum over pairs of Phi^{ab} r^c r^d must be
			// symmetric under (ab) <-> (cd)
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					for c := a; c < 3; c++ {
						for d := b; d < 3; d++ {
							if a == c && b == d {
								continue
							}
							row := make([]float64, cols)
							for _, p := range orbits.Pairs {
								row[colOf(p, a, b)] += p.R[c] * p.R[d]
								row[colOf(p, c, d)] -= p.R[a] * p.R[b]
							}
							rows = append(rows, row)
						}
					}
				}
			}
		default:
			return nil, &ConfigurationError{
				Option: "sum_rules",
				Reason: fmt.Sprintf("unknown constraint family %q", fam),
			}
		}
	}
	flat := make([]float64, 0, len(rows)*cols)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return mat.NewDense(len(rows), cols, flat), nil
}

// ridgeProject removes the constraint-violating component of params:
// p' = p - C^T (C C^T + alpha I)^-1 C p
func ridgeProject(C *mat.Dense, params []float64, alpha float64) ([]float64, error) {
	nrows, cols := C.Dims()
	if alpha <= 0 {
		alpha = 1e-6
	}
	p := mat.NewVecDense(cols, append([]float64{}, params...))
	cp := mat.NewVecDense(nrows, nil)
	cp.MulVec(C, p)
	var gram mat.Dense
	gram.Mul(C, C.T())
	for i := 0; i < nrows; i++ {
		gram.Set(i, i, gram.At(i, i)+alpha)
	}
	var y mat.VecDense
	if err := y.SolveVec(&gram, cp); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, err
		}
	}
	corr := mat.NewVecDense(cols, nil)
	corr.MulVec(C.T(), &y)
	out := make([]float64, cols)
	for i := range out {
		out[i] = p.AtVec(i) - corr.AtVec(i)
	}
	return out, nil
}
