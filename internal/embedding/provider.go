// Package embedding produces dense vectors for the hybrid intent resolver.
//
// The resolver depends only on the [Provider] contract: deterministic text →
// fixed-dimension float32 vector. The default backend is a local
// feature-hashing embedder that needs no network or model download; an
// OpenAI-backed provider is available for deployments that want real
// sentence embeddings. A process-wide lazy singleton is exposed via
// [Instance] because the backend may be expensive to initialise.
package embedding

import "context"

// Dimensions is the embedding dimension used throughout Grimoire.
const Dimensions = 384

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Embedding must be deterministic:
// the same text yields an element-wise identical vector.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Empty
	// strings, Unicode and long inputs are all accepted.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch is the element-wise equivalent of Embed over texts. Empty
	// input yields empty output. On error the entire result is nil; partial
	// results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the backend-specific model identifier, recorded in the
	// embedding store for cache-invalidation across model switches.
	ModelID() string
}
