// Package multi extends optimistic sync to actions that span several
// aggregates, e.g. moving a card from one board to another.
//
// A multi-action names its touched set structurally. It is rebased only
// through the suffixes of the aggregates it touches and is applied to all of
// them or to none.
package multi

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/tandem/internal/domain"
)

// ReasonMissingAggregate is reported when a touched aggregate is unknown.
const ReasonMissingAggregate = "MissingAggregate"

// Domain is the multi-aggregate contract over per-aggregate models M,
// single actions A and multi-actions X.
type Domain[M, A, X any] interface {
	// Single returns the per-aggregate contract.
	Single() domain.Domain[M, A]

	// Touched returns every aggregate x reads or writes.
	Touched(x X) mapset.Set[string]

	// Project returns the single action x appends to each aggregate it
	// writes, computed against the touched models.
	Project(ms map[string]M, x X) (map[string]A, error)

	// Rebase adapts x to remote, applied ahead of it on aggregate.
	Rebase(aggregate string, remote A, x X) X

	// Candidates returns ordered alternatives for x; the first is x.
	Candidates(ms map[string]M, x X) []X
}

// TouchedIDs returns the touched set of x in sorted order.
func TouchedIDs[M, A, X any](md Domain[M, A, X], x X) []string {
	ids := md.Touched(x).ToSlice()
	slices.Sort(ids)
	return ids
}

// TryMultiStep applies x to ms atomically. It returns the updated models of
// every written aggregate and the projected actions, or the first rejection.
// ms is not modified.
func TryMultiStep[M, A, X any](md Domain[M, A, X], ms map[string]M, x X) (map[string]M, map[string]A, error) {
	for _, id := range TouchedIDs(md, x) {
		if _, ok := ms[id]; !ok {
			return nil, nil, domain.Reject(ReasonMissingAggregate, "aggregate %q", id)
		}
	}

	projected, err := md.Project(ms, x)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(projected))
	for id := range projected {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	next := make(map[string]M, len(projected))
	for _, id := range ids {
		m, ok := ms[id]
		if !ok {
			return nil, nil, domain.Reject(ReasonMissingAggregate, "aggregate %q", id)
		}
		out, err := md.Single().TryStep(m, projected[id])
		if err != nil {
			return nil, nil, err
		}
		next[id] = out
	}
	return next, projected, nil
}

// Merge returns a copy of base with every entry of updates applied.
func Merge[K comparable, V any](base, updates map[K]V) map[K]V {
	out := make(map[K]V, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}
