// Package vecmath provides the small set of dense-vector operations the
// intent resolver needs: dot product, L2 norm and cosine similarity over
// fixed-length float32 vectors.
//
// All functions are pure and O(n). Accumulation happens in float64 to keep
// the similarity numerically stable over 384-dim vectors.
package vecmath

import (
	"errors"
	"math"
)

// ErrShapeMismatch is returned when two vectors have different lengths, or
// when a vector is empty.
var ErrShapeMismatch = errors.New("vecmath: vector shape mismatch")

// ErrZeroVector is returned by Cosine when either input has zero norm.
var ErrZeroVector = errors.New("vecmath: zero vector has no direction")

// Dot returns the dot product of u and v. Both vectors must be non-empty and
// of equal length.
func Dot(u, v []float32) (float64, error) {
	if len(u) == 0 || len(u) != len(v) {
		return 0, ErrShapeMismatch
	}
	var sum float64
	for i := range u {
		sum += float64(u[i]) * float64(v[i])
	}
	return sum, nil
}

// Norm returns the Euclidean (L2) norm of v. The vector must be non-empty.
func Norm(v []float32) (float64, error) {
	if len(v) == 0 {
		return 0, ErrShapeMismatch
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum), nil
}

// Cosine returns the cosine similarity of u and v, in [-1, 1] by
// construction. Returns ErrZeroVector if either vector has zero norm and
// ErrShapeMismatch on length disagreement.
func Cosine(u, v []float32) (float64, error) {
	dot, err := Dot(u, v)
	if err != nil {
		return 0, err
	}
	nu, err := Norm(u)
	if err != nil {
		return 0, err
	}
	nv, err := Norm(v)
	if err != nil {
		return 0, err
	}
	if nu == 0 || nv == 0 {
		return 0, ErrZeroVector
	}
	return dot / (nu * nv), nil
}
