package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// atomic masses in amu for the elements handled so far
var masses = map[string]float64{
	"H": 1.008, "He": 4.0026, "Li": 6.94,
	"Be": 9.0122, "B": 10.81, "C": 12.011,
	"N": 14.007, "O": 15.999, "F": 18.998,
	"Ne": 20.180, "Na": 22.990, "Mg": 24.305,
	"Al": 26.982, "Si": 28.085, "P": 30.974,
	"S": 32.06, "Cl": 35.45, "Ar": 39.948,
	"K": 39.098, "Ca": 40.078, "Ti": 47.867,
	"Fe": 55.845, "Ni": 58.693, "Cu": 63.546,
	"Zn": 65.38, "Ga": 69.723, "Ge": 72.630,
	"As": 74.922, "Se": 78.971, "Br": 79.904,
	"Sr": 87.62, "Zr": 91.224, "Mo": 95.95,
	"Ag": 107.87, "Cd": 112.41, "In": 114.82,
	"Sn": 118.71, "Sb": 121.76, "Te": 127.60,
	"I": 126.90, "Cs": 132.91, "Ba": 137.33,
	"W": 183.84, "Pt": 195.08, "Au": 196.97,
	"Pb": 207.2, "Bi": 208.98,
}

// Crystal is a periodic cell: row lattice vectors in Angstrom,
// species symbols, and fractional positions. Moments is either empty
// or one entry per atom. A Crystal is never mutated after
// construction
type Crystal struct {
	Lattice [3][3]float64
	Species []string
	FracPos [][3]float64
	Moments []float64
}

// NewCrystal validates the shapes of the input slices and builds a
// Crystal
func NewCrystal(lattice [3][3]float64, species []string, frac [][3]float64,
	moments []float64) (*Crystal, error) {
	if len(species) != len(frac) {
		return nil, &DatasetError{
			Field: "positions per species",
			Want:  len(species),
			Got:   len(frac),
		}
	}
	if len(moments) != 0 && len(moments) != len(species) {
		return nil, &DatasetError{
			Field: "magnetic moments per atom",
			Want:  len(species),
			Got:   len(moments),
		}
	}
	// drop all-zero moments, matching the collinear handling of the
	// upstream relaxation stage
	zero := true
	for _, m := range moments {
		if m != 0.0 {
			zero = false
			break
		}
	}
	if zero {
		moments = nil
	}
	return &Crystal{
		Lattice: lattice,
		Species: species,
		FracPos: frac,
		Moments: moments,
	}, nil
}

// Natoms returns the number of atoms in the cell
func (c *Crystal) Natoms() int { return len(c.Species) }

// Masses returns the atomic masses in amu, one per atom
func (c *Crystal) Masses() ([]float64, error) {
	ms := make([]float64, len(c.Species))
	for i, s := range c.Species {
		m, ok := masses[s]
		if !ok {
			return nil, fmt.Errorf("no mass tabulated for element %q", s)
		}
		ms[i] = m
	}
	return ms, nil
}

// Cart returns the cartesian position of atom i in Angstrom
func (c *Crystal) Cart(i int) [3]float64 {
	return fracToCart(c.Lattice, c.FracPos[i])
}

// Volume returns the cell volume in cubic Angstrom
func (c *Crystal) Volume() float64 {
	return math.Abs(det3(c.Lattice))
}

// Reciprocal returns the reciprocal lattice rows b_i with the 2pi
// factor omitted, so that q.r phases are exp(2*pi*i*q.f)
func (c *Crystal) Reciprocal() [3][3]float64 {
	inv := inv3(c.Lattice)
	var b [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			b[i][j] = inv[j][i]
		}
	}
	return b
}

// FormulaUnits returns the number of reduced formula units in the
// cell, e.g. 4 for an 8-atom NaCl cell
func (c *Crystal) FormulaUnits() int {
	counts := make(map[string]int)
	for _, s := range c.Species {
		counts[s]++
	}
	g := 0
	for _, v := range counts {
		g = gcd(g, v)
	}
	if g == 0 {
		return 1
	}
	return g
}

// Name builds a compound name from the species counts, H2O style
func (c *Crystal) Name() (name string) {
	counts := make(map[string]int)
	for _, s := range c.Species {
		counts[s]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fu := c.FormulaUnits()
	for _, k := range keys {
		name += k
		if v := counts[k] / fu; v > 1 {
			name += strconv.Itoa(v)
		}
	}
	return
}

// MinImage returns the shortest periodic image of the cartesian
// vector from ref to pos
func (c *Crystal) MinImage(pos, ref [3]float64) [3]float64 {
	inv := inv3(c.Lattice)
	var d [3]float64
	for i := 0; i < 3; i++ {
		d[i] = pos[i] - ref[i]
	}
	f := matVec(inv, d)
	for i := 0; i < 3; i++ {
		f[i] -= math.Round(f[i])
	}
	return fracToCart(c.Lattice, f)
}

// Supercell couples a replicated cell to the primitive cell it came
// from. Atom i of the supercell replicates primitive atom i/Ncells,
// images varying fastest
type Supercell struct {
	*Crystal
	Prim      *Crystal
	Transform [3]int
}

// NewSupercell replicates prim along its lattice vectors by the
// diagonal transformation matrix diag. Magnetic moments, when present,
// replicate with their atoms
func NewSupercell(prim *Crystal, diag [3]int) (*Supercell, error) {
	for _, n := range diag {
		if n < 1 {
			return nil, &ConfigurationError{
				Option: "supercell",
				Reason: fmt.Sprintf("transformation diagonal %v is not positive", diag),
			}
		}
	}
	var lat [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			lat[i][j] = prim.Lattice[i][j] * float64(diag[i])
		}
	}
	ncells := diag[0] * diag[1] * diag[2]
	n := prim.Natoms() * ncells
	species := make([]string, 0, n)
	frac := make([][3]float64, 0, n)
	var moments []float64
	for p := 0; p < prim.Natoms(); p++ {
		for a := 0; a < diag[0]; a++ {
			for b := 0; b < diag[1]; b++ {
				for c := 0; c < diag[2]; c++ {
					species = append(species, prim.Species[p])
					frac = append(frac, [3]float64{
						(prim.FracPos[p][0] + float64(a)) / float64(diag[0]),
						(prim.FracPos[p][1] + float64(b)) / float64(diag[1]),
						(prim.FracPos[p][2] + float64(c)) / float64(diag[2]),
					})
					if len(prim.Moments) > 0 {
						moments = append(moments, prim.Moments[p])
					}
				}
			}
		}
	}
	cell, err := NewCrystal(lat, species, frac, moments)
	if err != nil {
		return nil, err
	}
	return &Supercell{Crystal: cell, Prim: prim, Transform: diag}, nil
}

// Ncells returns the number of primitive images in the supercell
func (s *Supercell) Ncells() int {
	return s.Transform[0] * s.Transform[1] * s.Transform[2]
}

// PrimIndex maps a supercell atom index to its primitive atom index
func (s *Supercell) PrimIndex(i int) int { return i / s.Ncells() }

// Representative returns the supercell index of the image of
// primitive atom p in the home cell
func (s *Supercell) Representative(p int) int { return p * s.Ncells() }

// MaxValidCutoff returns the largest pair cutoff that fits inside the
// supercell: half the smallest perpendicular cell width, shaved by a
// small margin the same way the upstream estimate does
func (s *Supercell) MaxValidCutoff() float64 {
	v := s.Volume()
	min := math.Inf(1)
	for i := 0; i < 3; i++ {
		a := s.Lattice[(i+1)%3]
		b := s.Lattice[(i+2)%3]
		area := norm3(cross3(a, b))
		if w := v / area; w < min {
			min = w
		}
	}
	return min/2 - 0.01
}

// WritePoscar writes c as a POSCAR-style structure file, the artifact
// format exchanged with the force-evaluation stage
func WritePoscar(filename, comment string, c *Crystal) error {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s\n%20.14f\n", comment, 1.0)
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&buf, "%22.16f%22.16f%22.16f\n",
			c.Lattice[i][0], c.Lattice[i][1], c.Lattice[i][2])
	}
	// species lines preserve first-appearance order
	var (
		names  []string
		counts []int
	)
	for _, s := range c.Species {
		if len(names) > 0 && names[len(names)-1] == s {
			counts[len(counts)-1]++
			continue
		}
		names = append(names, s)
		counts = append(counts, 1)
	}
	fmt.Fprintf(&buf, "%s\n", strings.Join(names, " "))
	for i, n := range counts {
		if i > 0 {
			buf.WriteString(" ")
		}
		fmt.Fprintf(&buf, "%d", n)
	}
	buf.WriteString("\nDirect\n")
	for _, f := range c.FracPos {
		fmt.Fprintf(&buf, "%20.16f%20.16f%20.16f\n", f[0], f[1], f[2])
	}
	return os.WriteFile(filename, []byte(buf.String()), 0644)
}

// ReadPoscar reads a POSCAR-style structure file
func ReadPoscar(filename string) (*Crystal, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 8 {
		return nil, fmt.Errorf("%s: truncated structure file", filename)
	}
	scale, err := strconv.ParseFloat(strings.Fields(lines[1])[0], 64)
	if err != nil {
		return nil, fmt.Errorf("%s: bad scale line: %w", filename, err)
	}
	var lat [3][3]float64
	for i := 0; i < 3; i++ {
		fields := strings.Fields(lines[2+i])
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s: bad lattice line %q", filename, lines[2+i])
		}
		for j, fld := range fields {
			v, err := strconv.ParseFloat(fld, 64)
			if err != nil {
				return nil, err
			}
			lat[i][j] = v * scale
		}
	}
	names := strings.Fields(lines[5])
	countFields := strings.Fields(lines[6])
	if len(names) != len(countFields) {
		return nil, fmt.Errorf("%s: species/count mismatch", filename)
	}
	var species []string
	total := 0
	for i, cf := range countFields {
		n, err := strconv.Atoi(cf)
		if err != nil {
			return nil, err
		}
		total += n
		for j := 0; j < n; j++ {
			species = append(species, names[i])
		}
	}
	mode := strings.ToLower(lines[7])
	if !strings.HasPrefix(mode, "d") {
		return nil, fmt.Errorf("%s: only direct coordinates supported", filename)
	}
	if len(lines) < 8+total {
		return nil, fmt.Errorf("%s: expected %d coordinate lines", filename, total)
	}
	frac := make([][3]float64, total)
	for i := 0; i < total; i++ {
		fields := strings.Fields(lines[8+i])
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s: bad coordinate line %q", filename, lines[8+i])
		}
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, err
			}
			frac[i][j] = v
		}
	}
	return NewCrystal(lat, species, frac, nil)
}

// small 3x3 helpers; rows of the lattice are vectors, so cartesian =
// frac * L in row convention

func fracToCart(lat [3][3]float64, f [3]float64) (c [3]float64) {
	for j := 0; j < 3; j++ {
		c[j] = f[0]*lat[0][j] + f[1]*lat[1][j] + f[2]*lat[2][j]
	}
	return
}

// matVec applies m to v with v treated as a column on the right of
// the row-major inverse, i.e. fractional = inv(L)^T applied this way
func matVec(m [3][3]float64, v [3]float64) (out [3]float64) {
	for i := 0; i < 3; i++ {
		out[i] = v[0]*m[0][i] + v[1]*m[1][i] + v[2]*m[2][i]
	}
	return
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

func inv3(m [3][3]float64) [3][3]float64 {
	d := det3(m)
	if d == 0 {
		panic("singular lattice")
	}
	var inv [3][3]float64
	inv[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) / d
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) / d
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) / d
	inv[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) / d
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) / d
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) / d
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) / d
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) / d
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) / d
	return inv
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm3(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
