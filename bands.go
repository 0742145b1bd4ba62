package main

import (
	"fmt"
	"math"
	"math/cmplx"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

const (
	// vaspToTHz converts sqrt(eV/A^2/amu) eigenvalues to THz
	vaspToTHz = 15.633302
	// nacFactor scales the long-range dipole term, eV*A units
	nacFactor = 14.399652
	// defaultImagTol is the frequency tolerance, in THz, below which
	// a branch counts as imaginary
	defaultImagTol = 1e-5
	// defaultNpoints is the q-point count per path segment
	defaultNpoints = 101
)

// pathSchemes is the closed set of supported k-path conventions
var pathSchemes = map[string]bool{
	"setyawan_curtarolo": true,
	"latimer_munro":      true,
	"hinuma":             true,
	"seekpath":           true,
}

// PathSegment is one leg of the high-symmetry path, endpoints in
// fractional coordinates of the primitive reciprocal basis
type PathSegment struct {
	FromLabel, ToLabel string
	From, To           [3]float64
}

// QPath is a resolved high-symmetry q-point path
type QPath struct {
	Scheme   string
	Segments []PathSegment
}

func seg(fl, tl string, f, t [3]float64) PathSegment {
	return PathSegment{FromLabel: fl, ToLabel: tl, From: f, To: t}
}

// latticeClass names the Bravais family from the primitive lattice
// at the given precision
func latticeClass(lat [3][3]float64, symprec float64) string {
	a := norm3(lat[0])
	b := norm3(lat[1])
	c := norm3(lat[2])
	ang := func(u, v [3]float64) float64 {
		return math.Acos((u[0]*v[0]+u[1]*v[1]+u[2]*v[2])/
			(norm3(u)*norm3(v))) * 180 / math.Pi
	}
	al := ang(lat[1], lat[2])
	be := ang(lat[0], lat[2])
	ga := ang(lat[0], lat[1])
	eq := func(x, y float64) bool { return math.Abs(x-y) < 100*symprec }
	switch {
	case eq(a, b) && eq(b, c) && eq(al, 90) && eq(be, 90) && eq(ga, 90):
		return "cubic"
	case eq(a, b) && eq(b, c) && eq(al, 60) && eq(be, 60) && eq(ga, 60):
		return "fcc"
	case eq(a, b) && eq(b, c) && eq(al, 109.47122) && eq(be, 109.47122) && eq(ga, 109.47122):
		return "bcc"
	case eq(a, b) && eq(al, 90) && eq(be, 90) && eq(ga, 120):
		return "hexagonal"
	case eq(a, b) && eq(al, 90) && eq(be, 90) && eq(ga, 90):
		return "tetragonal"
	case eq(al, 90) && eq(be, 90) && eq(ga, 90):
		return "orthorhombic"
	default:
		return "triclinic"
	}
}

// ResolvePath builds the high-symmetry q-point path for the primitive
// cell under a named convention. An unrecognized scheme is a
// ConfigurationError; nothing downstream runs in that case
func ResolvePath(prim *Crystal, scheme string, symprec float64) (*QPath, error) {
	if !pathSchemes[scheme] {
		return nil, &ConfigurationError{
			Option: "kpath_scheme",
			Reason: fmt.Sprintf("unknown scheme %q", scheme),
		}
	}
	var (
		gam = [3]float64{0, 0, 0}
		qp  = &QPath{Scheme: scheme}
	)
	switch latticeClass(prim.Lattice, symprec) {
	case "cubic":
		x := [3]float64{0, 0.5, 0}
		m := [3]float64{0.5, 0.5, 0}
		r := [3]float64{0.5, 0.5, 0.5}
		qp.Segments = []PathSegment{
			seg("GAMMA", "X", gam, x),
			seg("X", "M", x, m),
			seg("M", "GAMMA", m, gam),
			seg("GAMMA", "R", gam, r),
			seg("R", "X", r, x),
			seg("M", "R", m, r), // disconnected tail
		}
	case "fcc":
		x := [3]float64{0.5, 0, 0.5}
		w := [3]float64{0.5, 0.25, 0.75}
		k := [3]float64{0.375, 0.375, 0.75}
		l := [3]float64{0.5, 0.5, 0.5}
		qp.Segments = []PathSegment{
			seg("GAMMA", "X", gam, x),
			seg("X", "W", x, w),
			seg("W", "K", w, k),
			seg("K", "GAMMA", k, gam),
			seg("GAMMA", "L", gam, l),
		}
	case "bcc":
		h := [3]float64{0.5, -0.5, 0.5}
		n := [3]float64{0, 0, 0.5}
		p := [3]float64{0.25, 0.25, 0.25}
		qp.Segments = []PathSegment{
			seg("GAMMA", "H", gam, h),
			seg("H", "N", h, n),
			seg("N", "GAMMA", n, gam),
			seg("GAMMA", "P", gam, p),
			seg("P", "H", p, h),
		}
	case "hexagonal":
		m := [3]float64{0.5, 0, 0}
		k := [3]float64{1.0 / 3, 1.0 / 3, 0}
		a := [3]float64{0, 0, 0.5}
		qp.Segments = []PathSegment{
			seg("GAMMA", "M", gam, m),
			seg("M", "K", m, k),
			seg("K", "GAMMA", k, gam),
			seg("GAMMA", "A", gam, a),
		}
	case "tetragonal":
		x := [3]float64{0, 0.5, 0}
		m := [3]float64{0.5, 0.5, 0}
		z := [3]float64{0, 0, 0.5}
		qp.Segments = []PathSegment{
			seg("GAMMA", "X", gam, x),
			seg("X", "M", x, m),
			seg("M", "GAMMA", m, gam),
			seg("GAMMA", "Z", gam, z),
		}
	case "orthorhombic":
		x := [3]float64{0.5, 0, 0}
		s := [3]float64{0.5, 0.5, 0}
		y := [3]float64{0, 0.5, 0}
		z := [3]float64{0, 0, 0.5}
		qp.Segments = []PathSegment{
			seg("GAMMA", "X", gam, x),
			seg("X", "S", x, s),
			seg("S", "Y", s, y),
			seg("Y", "GAMMA", y, gam),
			seg("GAMMA", "Z", gam, z),
		}
	default:
		x := [3]float64{0.5, 0, 0}
		m := [3]float64{0.5, 0.5, 0}
		r := [3]float64{0.5, 0.5, 0.5}
		qp.Segments = []PathSegment{
			seg("GAMMA", "X", gam, x),
			seg("X", "M", x, m),
			seg("M", "GAMMA", m, gam),
			seg("GAMMA", "R", gam, r),
		}
	}
	return qp, nil
}

// BandStructure holds the diagonalized branches along the resolved
// path. Connections flags, one per segment, mark whether the segment
// shares its endpoint with the next one
type BandStructure struct {
	Qpoints      [][3]float64     `yaml:"qpoints"`
	Labels       map[int]string   `yaml:"labels"`
	Connections  []bool           `yaml:"connections"`
	Frequencies  [][]float64      `yaml:"frequencies"`
	Eigenvectors [][][]complex128 `yaml:"-"`
	HasImaginary bool             `yaml:"has_imaginary_modes"`
}

// Nbranches returns the branch count, zero for an empty structure
func (bs *BandStructure) Nbranches() int {
	if len(bs.Frequencies) == 0 {
		return 0
	}
	return len(bs.Frequencies[0])
}

// MinFrequency returns the lowest branch value anywhere on the path
func (bs *BandStructure) MinFrequency() float64 {
	min := math.Inf(1)
	for _, fs := range bs.Frequencies {
		for _, f := range fs {
			if f < min {
				min = f
			}
		}
	}
	return min
}

// BandEngine builds and diagonalizes dynamical matrices from a fitted
// force-constant tensor
type BandEngine struct {
	SC      *Supercell
	FC      *IFC
	Born    [][3][3]float64
	Epsilon [3][3]float64
	ImagTol float64
	Npoints int

	masses  []float64
	primInv [3][3]float64
	hasNAC  bool
}

// NewBandEngine validates the inputs and prepares the engine. Born
// charges, when supplied, must provide one 3x3 tensor per primitive
// atom together with a dielectric tensor; a count mismatch aborts
// before any fitting artifact is consumed
func NewBandEngine(sc *Supercell, fc *IFC, born [][3][3]float64,
	epsilon [3][3]float64) (*BandEngine, error) {
	if fc.N != sc.Natoms() {
		return nil, &ConfigurationError{
			Option: "force constants",
			Reason: fmt.Sprintf("tensor covers %d atoms, supercell has %d",
				fc.N, sc.Natoms()),
		}
	}
	if len(born) != 0 && len(born) != sc.Prim.Natoms() {
		return nil, &ConfigurationError{
			Option: "born charges",
			Reason: fmt.Sprintf("%d tensors for %d primitive atoms",
				len(born), sc.Prim.Natoms()),
		}
	}
	ms, err := sc.Prim.Masses()
	if err != nil {
		return nil, &ConfigurationError{Option: "masses", Reason: err.Error()}
	}
	eng := &BandEngine{
		SC:      sc,
		FC:      fc,
		Epsilon: epsilon,
		ImagTol: defaultImagTol,
		Npoints: defaultNpoints,
		masses:  ms,
		primInv: inv3(sc.Prim.Lattice),
		hasNAC:  len(born) > 0,
	}
	if eng.hasNAC {
		eng.Born = symmetrizeBorn(born)
	}
	return eng, nil
}

// symmetrizeBorn enforces charge neutrality over the Born tensors by
// removing the mean, the translational analogue of the acoustic sum
// rule for effective charges
func symmetrizeBorn(born [][3][3]float64) [][3][3]float64 {
	n := float64(len(born))
	var mean [3][3]float64
	for _, z := range born {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				mean[a][b] += z[a][b] / n
			}
		}
	}
	out := make([][3][3]float64, len(born))
	for i, z := range born {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				out[i][a][b] = z[a][b] - mean[a][b]
			}
		}
	}
	return out
}

// dynamicalMatrix assembles the mass-weighted Fourier sum of the
// force-constant blocks at fractional q
func (e *BandEngine) dynamicalMatrix(q [3]float64) [][]complex128 {
	np := e.SC.Prim.Natoms()
	n := 3 * np
	D := make([][]complex128, n)
	for i := range D {
		D[i] = make([]complex128, n)
	}
	for pi := 0; pi < np; pi++ {
		i := e.SC.Representative(pi)
		ci := e.SC.Cart(i)
		for j := 0; j < e.SC.Natoms(); j++ {
			pj := e.SC.PrimIndex(j)
			r := e.SC.MinImage(e.SC.Cart(j), ci)
			f := matVec(e.primInv, r)
			phase := cmplx.Exp(complex(0, 2*math.Pi*(q[0]*f[0]+q[1]*f[1]+q[2]*f[2])))
			w := 1 / math.Sqrt(e.masses[pi]*e.masses[pj])
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					D[3*pi+a][3*pj+b] += complex(e.FC.Blocks[i][j][a][b]*w, 0) * phase
				}
			}
		}
	}
	if e.hasNAC && (q[0] != 0 || q[1] != 0 || q[2] != 0) {
		e.addNAC(D, q)
	}
	// hermitize
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			avg := (D[i][j] + cmplx.Conj(D[j][i])) / 2
			D[i][j] = avg
			D[j][i] = cmplx.Conj(avg)
		}
	}
	return D
}

// addNAC applies the non-analytic long-range dipole correction at
// nonzero q. Only the q direction enters; the magnitude cancels
func (e *BandEngine) addNAC(D [][]complex128, q [3]float64) {
	rec := e.SC.Prim.Reciprocal()
	qc := fracToCart(rec, q)
	var qeq float64
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			qeq += qc[a] * e.Epsilon[a][b] * qc[b]
		}
	}
	if qeq <= 0 {
		return
	}
	vol := e.SC.Prim.Volume()
	np := e.SC.Prim.Natoms()
	zq := make([][3]float64, np)
	for p := 0; p < np; p++ {
		for b := 0; b < 3; b++ {
			for a := 0; a < 3; a++ {
				zq[p][b] += qc[a] * e.Born[p][a][b]
			}
		}
	}
	pref := nacFactor * 4 * math.Pi / vol / qeq
	for pi := 0; pi < np; pi++ {
		for pj := 0; pj < np; pj++ {
			w := 1 / math.Sqrt(e.masses[pi]*e.masses[pj])
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					D[3*pi+a][3*pj+b] += complex(pref*zq[pi][a]*zq[pj][b]*w, 0)
				}
			}
		}
	}
}

// FrequenciesAt diagonalizes the dynamical matrix at q and returns
// the branch frequencies in THz, ascending, with imaginary branches
// reported as negative values. The complex Hermitian problem is
// solved through its real symmetric 2n embedding
func (e *BandEngine) FrequenciesAt(q [3]float64, withVecs bool) ([]float64, [][]complex128) {
	D := e.dynamicalMatrix(q)
	n := len(D)
	emb := mat.NewSymDense(2*n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			re := real(D[i][j])
			im := imag(D[i][j])
			emb.SetSym(i, j, re)
			emb.SetSym(i+n, j+n, re)
			emb.SetSym(i, j+n, -im)
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(emb, withVecs); !ok {
		panic("eigendecomposition failed")
	}
	// eigenvalues come back ascending, and each eigenvalue of D
	// appears twice in the embedding
	vals := eig.Values(nil)
	freqs := make([]float64, n)
	for i := 0; i < n; i++ {
		lam := vals[2*i]
		f := math.Sqrt(math.Abs(lam)) * vaspToTHz
		if lam < 0 {
			f = -f
		}
		freqs[i] = f
	}
	var vecs [][]complex128
	if withVecs {
		var ev mat.Dense
		eig.VectorsTo(&ev)
		vecs = make([][]complex128, n)
		for i := 0; i < n; i++ {
			v := make([]complex128, n)
			for k := 0; k < n; k++ {
				v[k] = complex(ev.At(k, 2*i), ev.At(k+n, 2*i))
			}
			vecs[i] = v
		}
	}
	return freqs, vecs
}

// ComputeBands walks the resolved path and diagonalizes at every
// q-point. HasImaginary is set when any branch dips below -ImagTol
func (e *BandEngine) ComputeBands(path *QPath, withVecs bool) *BandStructure {
	bs := &BandStructure{Labels: make(map[int]string)}
	npts := e.Npoints
	if npts < 2 {
		npts = defaultNpoints
	}
	for si, s := range path.Segments {
		start := len(bs.Qpoints)
		for k := 0; k < npts; k++ {
			t := float64(k) / float64(npts-1)
			q := [3]float64{
				s.From[0] + t*(s.To[0]-s.From[0]),
				s.From[1] + t*(s.To[1]-s.From[1]),
				s.From[2] + t*(s.To[2]-s.From[2]),
			}
			freqs, vecs := e.FrequenciesAt(q, withVecs)
			bs.Qpoints = append(bs.Qpoints, q)
			bs.Frequencies = append(bs.Frequencies, freqs)
			if withVecs {
				bs.Eigenvectors = append(bs.Eigenvectors, vecs)
			}
			if freqs[0] < -e.ImagTol {
				bs.HasImaginary = true
			}
		}
		bs.Labels[start] = s.FromLabel
		bs.Labels[len(bs.Qpoints)-1] = s.ToLabel
		connected := false
		if si+1 < len(path.Segments) {
			next := path.Segments[si+1].From
			connected = s.To == next
		}
		bs.Connections = append(bs.Connections, connected)
	}
	return bs
}

// bandYaml is the on-disk band-structure description
type bandYaml struct {
	Npoints     int         `yaml:"npoint"`
	Nbranches   int         `yaml:"nbranch"`
	Labels      []bandLabel `yaml:"labels"`
	Connections []bool      `yaml:"connections"`
	Qpoints     []bandPoint `yaml:"phonon"`
}

type bandLabel struct {
	Index int    `yaml:"index"`
	Label string `yaml:"label"`
}

type bandPoint struct {
	Q    [3]float64 `yaml:"q-position"`
	Band []float64  `yaml:"frequencies"`
}

// WriteBandYaml writes the band-structure artifact
func WriteBandYaml(filename string, bs *BandStructure) error {
	doc := bandYaml{
		Npoints:     len(bs.Qpoints),
		Nbranches:   bs.Nbranches(),
		Connections: bs.Connections,
	}
	idxs := make([]int, 0, len(bs.Labels))
	for i := range bs.Labels {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		doc.Labels = append(doc.Labels, bandLabel{Index: i, Label: bs.Labels[i]})
	}
	for i, q := range bs.Qpoints {
		doc.Qpoints = append(doc.Qpoints, bandPoint{Q: q, Band: bs.Frequencies[i]})
	}
	b, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}
