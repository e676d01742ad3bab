package vecmath

import (
	"errors"
	"math"
	"testing"
)

func TestDot(t *testing.T) {
	t.Run("basic product", func(t *testing.T) {
		got, err := Dot([]float32{1, 2, 3}, []float32{4, 5, 6})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 32 {
			t.Errorf("expected 32, got %v", got)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := Dot([]float32{1, 2}, []float32{1, 2, 3})
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestCosine(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		v := []float32{0.3, -0.4, 0.5}
		got, err := Cosine(v, v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(got-1.0) > 1e-9 {
			t.Errorf("expected cosine 1.0, got %v", got)
		}
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		got, err := Cosine([]float32{1, 0}, []float32{0, 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(got) > 1e-9 {
			t.Errorf("expected cosine 0, got %v", got)
		}
	})

	t.Run("symmetric", func(t *testing.T) {
		u := []float32{0.1, 0.7, -0.3, 0.2}
		v := []float32{-0.5, 0.2, 0.9, 0.4}
		uv, err := Cosine(u, v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		vu, err := Cosine(v, u)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if uv != vu {
			t.Errorf("expected cos(u,v) == cos(v,u), got %v and %v", uv, vu)
		}
	})

	t.Run("normalized vectors equal dot product", func(t *testing.T) {
		u := normalize([]float32{3, 4})
		v := normalize([]float32{5, 12})

		cos, err := Cosine(u, v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		dot, err := Dot(u, v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(cos-dot) > 1e-6 {
			t.Errorf("expected cosine %v to equal dot %v for normalized vectors", cos, dot)
		}
	})

	t.Run("zero vector", func(t *testing.T) {
		_, err := Cosine([]float32{0, 0}, []float32{1, 1})
		if !errors.Is(err, ErrZeroVector) {
			t.Errorf("expected ErrZeroVector, got %v", err)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := Cosine([]float32{1}, []float32{1, 2})
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("expected ErrShapeMismatch, got %v", err)
		}
	})
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
