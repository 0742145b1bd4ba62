package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// IFC is the interatomic force-constant tensor over the supercell:
// one 3x3 cartesian coupling block per atom pair, in eV/A^2
type IFC struct {
	N      int
	Blocks [][][3][3]float64
}

// NewIFC allocates a zero tensor for n atoms
func NewIFC(n int) *IFC {
	blocks := make([][][3][3]float64, n)
	for i := range blocks {
		blocks[i] = make([][3][3]float64, n)
	}
	return &IFC{N: n, Blocks: blocks}
}

// Clone deep-copies the tensor
func (fc *IFC) Clone() *IFC {
	out := NewIFC(fc.N)
	for i := range fc.Blocks {
		copy(out.Blocks[i], fc.Blocks[i])
	}
	return out
}

// Symmetrize averages each block with the transpose of its mirror
// pair so that Phi(i,j) = Phi(j,i)^T exactly
func (fc *IFC) Symmetrize() {
	for i := 0; i < fc.N; i++ {
		for j := i; j < fc.N; j++ {
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					avg := (fc.Blocks[i][j][a][b] + fc.Blocks[j][i][b][a]) / 2
					fc.Blocks[i][j][a][b] = avg
					fc.Blocks[j][i][b][a] = avg
				}
			}
		}
	}
}

// EnforceAcousticSumRule resets each diagonal block to minus the sum
// of the off-diagonal blocks in its row, so a uniform translation
// produces no force
func (fc *IFC) EnforceAcousticSumRule() {
	for i := 0; i < fc.N; i++ {
		var diag [3][3]float64
		for j := 0; j < fc.N; j++ {
			if j == i {
				continue
			}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					diag[a][b] -= fc.Blocks[i][j][a][b]
				}
			}
		}
		fc.Blocks[i][i] = diag
	}
}

// AcousticViolation returns the largest absolute row sum of the
// tensor, zero for a tensor satisfying the acoustic sum rule
func (fc *IFC) AcousticViolation() float64 {
	var worst float64
	for i := 0; i < fc.N; i++ {
		var sum [3][3]float64
		for j := 0; j < fc.N; j++ {
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					sum[a][b] += fc.Blocks[i][j][a][b]
				}
			}
		}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				if v := math.Abs(sum[a][b]); v > worst {
					worst = v
				}
			}
		}
	}
	return worst
}

// MaxAbsDiff returns the largest elementwise difference to other
func (fc *IFC) MaxAbsDiff(other *IFC) float64 {
	if other == nil || other.N != fc.N {
		return math.Inf(1)
	}
	var worst float64
	for i := 0; i < fc.N; i++ {
		for j := 0; j < fc.N; j++ {
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					d := math.Abs(fc.Blocks[i][j][a][b] - other.Blocks[i][j][a][b])
					if d > worst {
						worst = d
					}
				}
			}
		}
	}
	return worst
}

// WriteForceConstants writes fc in the dense FORCE_CONSTANTS text
// format, the full-IFC artifact handed between the fitting and
// band-structure stages
func WriteForceConstants(filename string, fc *IFC) error {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%4d %4d\n", fc.N, fc.N)
	for i := 0; i < fc.N; i++ {
		for j := 0; j < fc.N; j++ {
			fmt.Fprintf(&buf, "%d %d\n", i+1, j+1)
			for a := 0; a < 3; a++ {
				fmt.Fprintf(&buf, "%22.15f%22.15f%22.15f\n",
					fc.Blocks[i][j][a][0],
					fc.Blocks[i][j][a][1],
					fc.Blocks[i][j][a][2])
			}
		}
	}
	return os.WriteFile(filename, []byte(buf.String()), 0644)
}

// ReadForceConstants reads the dense FORCE_CONSTANTS text format
func ReadForceConstants(filename string) (*IFC, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty force constant file", filename)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 1 {
		return nil, fmt.Errorf("%s: bad header", filename)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("%s: bad atom count %q", filename, fields[0])
	}
	fc := NewIFC(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if !scanner.Scan() {
				return nil, fmt.Errorf("%s: truncated at block %d %d", filename, i+1, j+1)
			}
			idx := strings.Fields(scanner.Text())
			if len(idx) != 2 || idx[0] != strconv.Itoa(i+1) || idx[1] != strconv.Itoa(j+1) {
				return nil, fmt.Errorf("%s: unexpected block header %q", filename, scanner.Text())
			}
			for a := 0; a < 3; a++ {
				if !scanner.Scan() {
					return nil, fmt.Errorf("%s: truncated in block %d %d", filename, i+1, j+1)
				}
				row := strings.Fields(scanner.Text())
				if len(row) != 3 {
					return nil, fmt.Errorf("%s: bad row %q", filename, scanner.Text())
				}
				for b := 0; b < 3; b++ {
					v, err := strconv.ParseFloat(row[b], 64)
					if err != nil {
						return nil, err
					}
					fc.Blocks[i][j][a][b] = v
				}
			}
		}
	}
	return fc, nil
}
