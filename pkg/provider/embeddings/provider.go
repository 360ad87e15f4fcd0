// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// The hint router's semantic slow path embeds scrubbed utterances and
// searches the vector index of playbook rules; the seeding path embeds rule
// example phrases in batches. Both go through this interface.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors from one Provider instance share the dimensionality reported by
// Dimensions. Vectors from different instances must not be mixed in the same
// similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single provider
	// call. The returned slice matches texts in length and order. On error
	// the entire result is nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces.
	Dimensions() int

	// ModelID returns the backend model identifier, for logging and for
	// checking that an index was built with the same model.
	ModelID() string
}
