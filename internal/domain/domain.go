package domain

// Domain is the per-aggregate contract. Implementations must be pure: the
// same inputs always produce the same outputs and arguments are never
// mutated in place.
type Domain[M, A any] interface {
	// Init returns the model of a freshly created aggregate.
	Init() M

	// TryStep applies a to m, or rejects it with a *RejectedError.
	TryStep(m M, a A) (M, error)

	// Rebase adjusts local so it still expresses the user's intent after
	// remote has been applied ahead of it.
	Rebase(remote, local A) A

	// Candidates returns ordered alternatives for a against m. The first
	// entry is a itself.
	Candidates(m M, a A) []A

	// Equal reports whether two models are the same value.
	Equal(x, y M) bool
}

// Codec serializes models and actions for storage and transport.
type Codec[M, A any] interface {
	EncodeModel(m M) ([]byte, error)
	DecodeModel(data []byte) (M, error)
	EncodeAction(a A) ([]byte, error)
	DecodeAction(data []byte) (A, error)
}

// RebaseThroughSuffix folds Rebase over the actions applied since the
// caller's base version, oldest first.
func RebaseThroughSuffix[M, A any](d Domain[M, A], suffix []A, local A) A {
	for _, remote := range suffix {
		local = d.Rebase(remote, local)
	}
	return local
}

// ChooseCandidate returns the first candidate that TryStep accepts, with the
// model it produces. ok is false when every candidate is rejected.
func ChooseCandidate[M, A any](d Domain[M, A], m M, candidates []A) (next M, chosen A, ok bool) {
	for _, c := range candidates {
		out, err := d.TryStep(m, c)
		if err != nil {
			continue
		}
		return out, c, true
	}
	var zero A
	return m, zero, false
}

// ApplyAll folds TryStep over actions and stops at the first rejection.
// Used to rebuild and verify a present model from an applied log.
func ApplyAll[M, A any](d Domain[M, A], m M, actions []A) (M, error) {
	for i, a := range actions {
		next, err := d.TryStep(m, a)
		if err != nil {
			return m, &ReplayError{Index: i, Err: err}
		}
		m = next
	}
	return m, nil
}

// Reapply folds TryStep over actions, skipping any that are rejected.
// Rejected actions are left for the server to arbitrate.
func Reapply[M, A any](d Domain[M, A], m M, actions []A) M {
	for _, a := range actions {
		if next, err := d.TryStep(m, a); err == nil {
			m = next
		}
	}
	return m
}
