package embed

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ReductionMethod selects how vectors are projected to fewer dimensions.
type ReductionMethod string

const (
	// ReducePCA fits principal components to a sample and keeps the
	// directions of maximum variance. Best quality, needs training data.
	ReducePCA ReductionMethod = "pca"

	// ReduceRandomProjection multiplies by a seeded Gaussian matrix.
	// Near-instant to train and distance-preserving in expectation.
	ReduceRandomProjection ReductionMethod = "random-projection"

	// ReduceTruncation keeps the first k components. The baseline.
	ReduceTruncation ReductionMethod = "truncation"
)

// ParseReductionMethod resolves a configuration string.
func ParseReductionMethod(s string) (ReductionMethod, error) {
	switch ReductionMethod(s) {
	case ReducePCA, ReduceRandomProjection, ReduceTruncation:
		return ReductionMethod(s), nil
	default:
		return "", fmt.Errorf("unknown reduction method %q", s)
	}
}

// defaultSeed feeds the random-projection stream when no seed is given.
// Any fixed value works; this one is 2^64 divided by the golden ratio.
const defaultSeed uint64 = 0x9E3779B97F4A7C15

// Reducer projects embedding vectors to a lower dimensionality. It must
// be trained on a sample before use; until then Reduce returns an error
// and callers are expected to pass original vectors through.
//
// Not safe for concurrent use with Train; the engine serializes access
// behind its write lock.
type Reducer struct {
	method     ReductionMethod
	targetDims int
	seed       uint64

	trained   bool
	inputDims int

	means      []float64 // column means recorded at fit time (pca)
	components *mat.Dense
	projection *mat.Dense
}

// NewReducer creates an untrained reducer targeting targetDims.
func NewReducer(method ReductionMethod, targetDims int) *Reducer {
	return NewReducerWithSeed(method, targetDims, defaultSeed)
}

// NewReducerWithSeed creates an untrained reducer with an explicit seed
// for the random-projection matrix. The seed is ignored by the other
// methods.
func NewReducerWithSeed(method ReductionMethod, targetDims int, seed uint64) *Reducer {
	return &Reducer{
		method:     method,
		targetDims: targetDims,
		seed:       seed,
	}
}

// Train fits the reducer to a sample of vectors. All samples must share
// one dimensionality, and the target must be strictly smaller than it.
// PCA additionally needs at least max(2, targetDims) samples; the other
// methods only read the dimensionality off the first sample.
func (r *Reducer) Train(samples [][]float32) error {
	if len(samples) == 0 {
		return fmt.Errorf("cannot train reducer on an empty sample")
	}
	dims := len(samples[0])
	for i, s := range samples[1:] {
		if len(s) != dims {
			return fmt.Errorf("sample %d has %d dimensions, expected %d", i+1, len(s), dims)
		}
	}
	if r.targetDims <= 0 {
		return fmt.Errorf("target dimensions must be positive, got %d", r.targetDims)
	}
	if r.targetDims >= dims {
		return fmt.Errorf("target dimensions (%d) must be less than input dimensions (%d)", r.targetDims, dims)
	}

	switch r.method {
	case ReducePCA:
		if err := r.fitPCA(samples, dims); err != nil {
			return err
		}
	case ReduceRandomProjection:
		r.projection = gaussianMatrix(dims, r.targetDims, r.seed)
	case ReduceTruncation:
		// Nothing to fit.
	default:
		return fmt.Errorf("unknown reduction method %q", r.method)
	}

	r.inputDims = dims
	r.trained = true
	return nil
}

func (r *Reducer) fitPCA(samples [][]float32, dims int) error {
	need := r.targetDims
	if need < 2 {
		need = 2
	}
	if len(samples) < need {
		return fmt.Errorf("pca needs at least %d sample vectors, got %d", need, len(samples))
	}

	data := mat.NewDense(len(samples), dims, nil)
	means := make([]float64, dims)
	for i, s := range samples {
		for j, v := range s {
			data.Set(i, j, float64(v))
			means[j] += float64(v)
		}
	}
	for j := range means {
		means[j] /= float64(len(samples))
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return fmt.Errorf("pca decomposition failed")
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	r.components = mat.DenseCopyOf(vecs.Slice(0, dims, 0, r.targetDims))
	r.means = means
	return nil
}

// IsTrained reports whether the reducer is ready to project vectors.
func (r *Reducer) IsTrained() bool {
	return r.trained
}

// Method returns the configured reduction method.
func (r *Reducer) Method() ReductionMethod {
	return r.method
}

// TargetDimensions returns the output dimensionality.
func (r *Reducer) TargetDimensions() int {
	return r.targetDims
}

// InputDimensions returns the dimensionality seen at training time, or 0
// before training.
func (r *Reducer) InputDimensions() int {
	return r.inputDims
}

// Reduce projects a single vector to the target dimensionality.
func (r *Reducer) Reduce(vec []float32) ([]float32, error) {
	if !r.trained {
		return nil, fmt.Errorf("reducer has not been trained")
	}
	if len(vec) != r.inputDims {
		return nil, fmt.Errorf("vector has %d dimensions, reducer was trained on %d", len(vec), r.inputDims)
	}

	switch r.method {
	case ReduceTruncation:
		out := make([]float32, r.targetDims)
		copy(out, vec[:r.targetDims])
		return out, nil

	case ReducePCA:
		row := mat.NewDense(1, r.inputDims, nil)
		for j, v := range vec {
			row.Set(0, j, float64(v)-r.means[j])
		}
		return r.project(row), nil

	case ReduceRandomProjection:
		row := mat.NewDense(1, r.inputDims, nil)
		for j, v := range vec {
			row.Set(0, j, float64(v))
		}
		return r.project(row), nil

	default:
		return nil, fmt.Errorf("unknown reduction method %q", r.method)
	}
}

// ReduceBatch projects multiple vectors. Fails on the first vector with
// mismatched dimensions.
func (r *Reducer) ReduceBatch(vecs [][]float32) ([][]float32, error) {
	results := make([][]float32, 0, len(vecs))
	for i, vec := range vecs {
		out, err := r.Reduce(vec)
		if err != nil {
			return nil, fmt.Errorf("failed to reduce vector %d: %w", i, err)
		}
		results = append(results, out)
	}
	return results, nil
}

// project multiplies a 1×inputDims row by the fitted matrix and returns
// the result as float32.
func (r *Reducer) project(row *mat.Dense) []float32 {
	m := r.components
	if r.method == ReduceRandomProjection {
		m = r.projection
	}

	var out mat.Dense
	out.Mul(row, m)

	result := make([]float32, r.targetDims)
	for j := range result {
		result[j] = float32(out.At(0, j))
	}
	return result
}

// gaussianMatrix builds a rows×cols matrix of N(0, 1/cols) entries from a
// deterministic BLAKE2b XOF stream. The same seed always produces the
// same matrix, so reduced vectors written by one process line up with
// queries reduced by another.
func gaussianMatrix(rows, cols int, seed uint64) *mat.Dense {
	stream := newGaussianStream(seed)
	scale := 1.0 / math.Sqrt(float64(cols))

	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, stream.next()*scale)
		}
	}
	return m
}

// gaussianStream yields standard normal values via Box-Muller over a
// BLAKE2b extendable-output stream.
type gaussianStream struct {
	xof       blake2b.XOF
	spare     float64
	haveSpare bool
}

func newGaussianStream(seed uint64) *gaussianStream {
	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, nil)
	if err != nil {
		// Only reachable with an oversized key; we pass none.
		panic(err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	xof.Write(buf[:])
	return &gaussianStream{xof: xof}
}

// uniform returns a value in (0, 1), never exactly zero so logarithms
// stay finite.
func (g *gaussianStream) uniform() float64 {
	var buf [8]byte
	if _, err := io.ReadFull(g.xof, buf[:]); err != nil {
		// The XOF stream is effectively unbounded; ReadFull cannot fail.
		panic(err)
	}
	word := binary.LittleEndian.Uint64(buf[:])
	return (float64(word>>11) + 0.5) / (1 << 53)
}

func (g *gaussianStream) next() float64 {
	if g.haveSpare {
		g.haveSpare = false
		return g.spare
	}
	u1 := g.uniform()
	u2 := g.uniform()
	radius := math.Sqrt(-2 * math.Log(u1))
	g.spare = radius * math.Sin(2*math.Pi*u2)
	g.haveSpare = true
	return radius * math.Cos(2*math.Pi*u2)
}
