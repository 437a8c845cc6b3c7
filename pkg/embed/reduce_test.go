package embed

import (
	"math"
	"testing"
)

func testSamples(count, dims int) [][]float32 {
	samples := make([][]float32, count)
	for i := range samples {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = float32((i+j)%10) / 10.0
		}
		samples[i] = vec
	}
	return samples
}

func TestTruncationReducer(t *testing.T) {
	r := NewReducer(ReduceTruncation, 3)
	if r.IsTrained() {
		t.Fatal("new reducer should not be trained")
	}

	samples := testSamples(4, 8)
	if err := r.Train(samples); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !r.IsTrained() || r.InputDimensions() != 8 || r.TargetDimensions() != 3 {
		t.Fatalf("unexpected reducer state: %v %d %d", r.IsTrained(), r.InputDimensions(), r.TargetDimensions())
	}

	out, err := r.Reduce(samples[0])
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(out))
	}
	for i := range out {
		if out[i] != samples[0][i] {
			t.Errorf("truncation must keep the first components: %v vs %v", out, samples[0][:3])
			break
		}
	}

	// The output is a copy, not a view.
	out[0] = 99
	if samples[0][0] == 99 {
		t.Error("Reduce must not alias the input")
	}
}

func TestRandomProjectionReducer(t *testing.T) {
	samples := testSamples(4, 16)

	a := NewReducer(ReduceRandomProjection, 4)
	if err := a.Train(samples); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	outA, err := a.Reduce(samples[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(outA) != 4 {
		t.Fatalf("expected 4 dims, got %d", len(outA))
	}

	// Same seed, independently trained: identical projections.
	b := NewReducer(ReduceRandomProjection, 4)
	if err := b.Train(samples); err != nil {
		t.Fatal(err)
	}
	outB, _ := b.Reduce(samples[1])
	for i := range outA {
		if outA[i] != outB[i] {
			t.Fatal("same seed must give identical projections")
		}
	}

	// Different seed: different projections.
	c := NewReducerWithSeed(ReduceRandomProjection, 4, 12345)
	if err := c.Train(samples); err != nil {
		t.Fatal(err)
	}
	outC, _ := c.Reduce(samples[1])
	same := true
	for i := range outA {
		if outA[i] != outC[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds should give different projections")
	}

	var nonZero bool
	for _, v := range outA {
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("projection collapsed to zero")
	}
}

func TestPCAReducer(t *testing.T) {
	samples := testSamples(10, 6)

	r := NewReducer(ReducePCA, 2)
	if err := r.Train(samples); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	out, err := r.Reduce(samples[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 dims, got %d", len(out))
	}

	// Reducing is deterministic.
	again, _ := r.Reduce(samples[0])
	for i := range out {
		if out[i] != again[i] {
			t.Fatal("pca reduction should be deterministic")
		}
	}

	// The training mean projects to the origin.
	mean := make([]float32, 6)
	for _, s := range samples {
		for j, v := range s {
			mean[j] += v / float32(len(samples))
		}
	}
	origin, err := r.Reduce(mean)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range origin {
		if math.Abs(float64(v)) > 1e-4 {
			t.Errorf("mean vector should reduce to ~0, got %v", origin)
			break
		}
	}

	// Distinct inputs stay distinct through the projection.
	o1, _ := r.Reduce(samples[0])
	o2, _ := r.Reduce(samples[3])
	same := true
	for i := range o1 {
		if o1[i] != o2[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct samples collapsed to one point")
	}
}

func TestReduceBatch(t *testing.T) {
	samples := testSamples(5, 8)
	r := NewReducer(ReduceTruncation, 2)
	if err := r.Train(samples); err != nil {
		t.Fatal(err)
	}

	out, err := r.ReduceBatch(samples)
	if err != nil {
		t.Fatalf("ReduceBatch failed: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 vectors, got %d", len(out))
	}
	for _, vec := range out {
		if len(vec) != 2 {
			t.Fatalf("expected 2 dims, got %d", len(vec))
		}
	}
}

func TestReducerValidation(t *testing.T) {
	r := NewReducer(ReduceTruncation, 4)

	if err := r.Train(nil); err == nil {
		t.Error("empty sample should fail")
	}

	mixed := [][]float32{make([]float32, 8), make([]float32, 6)}
	if err := r.Train(mixed); err == nil {
		t.Error("inconsistent dimensions should fail")
	}

	if err := r.Train(testSamples(2, 4)); err == nil {
		t.Error("target >= input dimensions should fail")
	}

	if _, err := r.Reduce(make([]float32, 8)); err == nil {
		t.Error("untrained reducer should refuse to reduce")
	}

	if err := r.Train(testSamples(2, 8)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reduce(make([]float32, 5)); err == nil {
		t.Error("dimension mismatch should fail")
	}

	// PCA needs enough samples to fit the requested components.
	pca := NewReducer(ReducePCA, 4)
	if err := pca.Train(testSamples(3, 8)); err == nil {
		t.Error("pca with too few samples should fail")
	}
}

func TestParseReductionMethod(t *testing.T) {
	for _, s := range []string{"pca", "random-projection", "truncation"} {
		if _, err := ParseReductionMethod(s); err != nil {
			t.Errorf("ParseReductionMethod(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseReductionMethod("umap"); err == nil {
		t.Error("unknown method should fail")
	}
}

func TestGaussianStreamDeterminism(t *testing.T) {
	a := newGaussianStream(7)
	b := newGaussianStream(7)
	c := newGaussianStream(8)

	var diff bool
	for i := 0; i < 16; i++ {
		va, vb, vc := a.next(), b.next(), c.next()
		if va != vb {
			t.Fatal("same seed must yield the same stream")
		}
		if va != vc {
			diff = true
		}
		if math.IsNaN(va) || math.IsInf(va, 0) {
			t.Fatalf("stream produced %v", va)
		}
	}
	if !diff {
		t.Error("different seeds should yield different streams")
	}
}
