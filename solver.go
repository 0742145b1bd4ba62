package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Fitter produces a force-constant tensor from a dataset under a
// pairwise cutoff. The primary fit goes through NativeFitter; an
// external fitting program can be swapped in with CommandFitter
type Fitter interface {
	Fit(sc *Supercell, ds *Dataset, cutoff float64) (*IFC, error)
}

// NativeFitter fits the symmetry-constrained force constants with an
// in-process linear regression
type NativeFitter struct {
	Symprec float64 // symmetry precision for orbit grouping
	Lambda  float64 // lasso strength in the under-determined regime
	MaxIter int     // lasso iteration cap
}

// colOf maps a pair's tensor entry (a,b) to its parameter column.
// Transposed pairs index their orbit block through the transpose
func colOf(p Pair, a, b int) int {
	if p.Transposed {
		return p.Orbit*9 + b*3 + a
	}
	return p.Orbit*9 + a*3 + b
}

// designMatrix builds the linear map from irreducible parameters to
// predicted forces. The diagonal blocks are eliminated through the
// acoustic sum rule, so each pair contributes through the relative
// displacement u_j - u_i and the fitted tensor satisfies the sum rule
// by construction
func designMatrix(orbits *Orbits, ds *Dataset, natoms int) (*mat.Dense, *mat.VecDense) {
	rows := 3 * natoms * ds.Nsamples()
	cols := orbits.Nparams()
	A := mat.NewDense(rows, cols, nil)
	b := mat.NewVecDense(rows, nil)
	for s, sm := range ds.Samples {
		base := 3 * natoms * s
		for _, p := range orbits.Pairs {
			var du [3]float64
			for k := 0; k < 3; k++ {
				du[k] = sm.Disp[p.J][k] - sm.Disp[p.I][k]
			}
			for a := 0; a < 3; a++ {
				row := base + 3*p.I + a
				for bb := 0; bb < 3; bb++ {
					c := colOf(p, a, bb)
					A.Set(row, c, A.At(row, c)-du[bb])
				}
			}
		}
		for i := 0; i < natoms; i++ {
			for a := 0; a < 3; a++ {
				b.SetVec(base+3*i+a, sm.Force[i][a])
			}
		}
	}
	return A, b
}

// reconstruct expands fitted parameters back into the full tensor and
// restores the exact pair and acoustic symmetries
func reconstruct(orbits *Orbits, params []float64, natoms int) *IFC {
	fc := NewIFC(natoms)
	for _, p := range orbits.Pairs {
		var block [3][3]float64
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				block[a][b] = params[colOf(p, a, b)]
			}
		}
		fc.Blocks[p.I][p.J] = block
	}
	fc.Symmetrize()
	fc.EnforceAcousticSumRule()
	return fc
}

// solveLSQ solves the over-determined system by QR least squares
func solveLSQ(A *mat.Dense, b *mat.VecDense) ([]float64, error) {
	_, cols := A.Dims()
	var x mat.VecDense
	if err := x.SolveVec(A, b); err != nil {
		// a poorly conditioned solve is still usable; anything else
		// is not
		if _, ok := err.(mat.Condition); !ok {
			return nil, err
		}
	}
	out := make([]float64, cols)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// solveLasso runs ISTA iterations for the sparsity-promoting fit used
// when the samples do not comfortably cover the parameters
func solveLasso(A *mat.Dense, b *mat.VecDense, lambda float64, iters int) []float64 {
	rows, cols := A.Dims()
	var ata mat.Dense
	ata.Mul(A.T(), A)
	atb := mat.NewVecDense(cols, nil)
	atb.MulVec(A.T(), b)
	// Lipschitz constant of the gradient by power iteration
	v := mat.NewVecDense(cols, nil)
	for i := 0; i < cols; i++ {
		v.SetVec(i, 1/math.Sqrt(float64(cols)))
	}
	var L float64
	tmp := mat.NewVecDense(cols, nil)
	for k := 0; k < 50; k++ {
		tmp.MulVec(&ata, v)
		L = mat.Norm(tmp, 2)
		if L == 0 {
			break
		}
		v.ScaleVec(1/L, tmp)
	}
	if L <= 0 {
		L = float64(rows)
	}
	step := 1 / L
	x := make([]float64, cols)
	xv := mat.NewVecDense(cols, x)
	grad := mat.NewVecDense(cols, nil)
	for k := 0; k < iters; k++ {
		grad.MulVec(&ata, xv)
		grad.SubVec(grad, atb)
		thr := lambda * step
		for i := 0; i < cols; i++ {
			z := x[i] - step*grad.AtVec(i)
			switch {
			case z > thr:
				x[i] = z - thr
			case z < -thr:
				x[i] = z + thr
			default:
				x[i] = 0
			}
		}
	}
	return x
}

// Fit implements Fitter. Stages: enumerate the irreducible
// parameters, build the design matrix, solve, reconstruct
func (nf *NativeFitter) Fit(sc *Supercell, ds *Dataset, cutoff float64) (*IFC, error) {
	natoms := sc.Natoms()
	for s, sm := range ds.Samples {
		if len(sm.Disp) != natoms {
			return nil, &DatasetError{
				Field: fmt.Sprintf("atoms in sample %d", s),
				Want:  natoms,
				Got:   len(sm.Disp),
			}
		}
	}
	orbits, err := EnumerateOrbits(sc, cutoff, nf.Symprec)
	if err != nil {
		return nil, err
	}
	A, b := designMatrix(orbits, ds, natoms)
	rows, cols := A.Dims()
	var params []float64
	if rows >= 2*cols {
		params, err = solveLSQ(A, b)
		if err != nil {
			return nil, &SolverFailure{Stage: "least squares", Err: err}
		}
	} else {
		iters := nf.MaxIter
		if iters <= 0 {
			iters = 500
		}
		lambda := nf.Lambda
		if lambda <= 0 {
			lambda = 1e-6
		}
		params = solveLasso(A, b, lambda, iters)
	}
	return reconstruct(orbits, params, natoms), nil
}

// CommandFitter runs an external fitting program as a blocking
// subprocess. The dataset and supercell artifacts are written into
// Dir, the program is invoked with an explicit argument vector, and
// its FORCE_CONSTANTS output is read back once it exits. The caller
// owns Dir for the whole invocation; no retry is attempted here
type CommandFitter struct {
	Argv []string // program and fixed leading arguments
	Dir  string   // isolated working directory
}

// Fit implements Fitter by delegating to the external program
func (cf *CommandFitter) Fit(sc *Supercell, ds *Dataset, cutoff float64) (*IFC, error) {
	if len(cf.Argv) == 0 {
		return nil, &SolverFailure{
			Stage: "command",
			Err:   fmt.Errorf("empty argument vector"),
		}
	}
	cellFile := filepath.Join(cf.Dir, "SPOSCAR")
	dsFile := filepath.Join(cf.Dir, "dataset.json")
	fcFile := filepath.Join(cf.Dir, "FORCE_CONSTANTS")
	if err := WritePoscar(cellFile, "supercell", sc.Crystal); err != nil {
		return nil, &SolverFailure{Stage: "command setup", Err: err}
	}
	if err := WriteDataset(dsFile, ds); err != nil {
		return nil, &SolverFailure{Stage: "command setup", Err: err}
	}
	os.Remove(fcFile)
	args := append(append([]string{}, cf.Argv[1:]...),
		"--cell", cellFile,
		"--dataset", dsFile,
		"--cutoff", strconv.FormatFloat(cutoff, 'f', 6, 64),
		"--out", fcFile,
	)
	cmd := exec.Command(cf.Argv[0], args...)
	cmd.Dir = cf.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &SolverFailure{
			Stage: "command",
			Err:   fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes())),
		}
	}
	fc, err := ReadForceConstants(fcFile)
	if err != nil {
		return nil, &SolverFailure{Stage: "command output", Err: err}
	}
	if fc.N != sc.Natoms() {
		return nil, &SolverFailure{
			Stage: "command output",
			Err: fmt.Errorf("fitter returned %d atoms, supercell has %d",
				fc.N, sc.Natoms()),
		}
	}
	fc.Symmetrize()
	fc.EnforceAcousticSumRule()
	return fc, nil
}
