// Package domain defines the contract every synchronized aggregate type
// implements, plus the generic folds the reconcilers share.
//
// A domain is a pure, total set of functions over an opaque model M and a
// command type A:
//
//   - TryStep validates and applies one action. It rejects with a
//     *RejectedError and never panics.
//   - Rebase adapts a not-yet-applied local action to a remote action that
//     was applied ahead of it. It never fails; invalidated references degrade
//     to a safe default.
//   - Candidates lists acceptable phrasings of an action against the current
//     model, most faithful first, ending in a fallback.
//
// Nothing in this package performs I/O, logs, or keeps state.
package domain
