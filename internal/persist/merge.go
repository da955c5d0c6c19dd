package persist

// Merger is the injected conflict-free merge capability. Implementations
// wrap a CRDT library: Merge must be commutative and idempotent over
// fragments, and a full state is itself a valid fragment, so re-merging a
// locally-held state on top of a reloaded snapshot is safe.
type Merger interface {
	Merge(base, fragment []byte) ([]byte, error)
}

// MergeFunc adapts a function to the Merger interface.
type MergeFunc func(base, fragment []byte) ([]byte, error)

func (f MergeFunc) Merge(base, fragment []byte) ([]byte, error) {
	return f(base, fragment)
}
