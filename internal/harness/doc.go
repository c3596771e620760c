// Package harness runs YAML sync scenarios against the in-process
// reconcilers and records a deterministic trace for golden comparison.
//
// # Scenario Format
//
//	name: stale_move
//	description: "A move anchored on a deleted card lands at the end"
//	template: basic            # optional builtin board template
//	clients: [alice, bob]
//	seed:                      # optional actions applied before any client exists
//	  - {type: add_column, col: Doing, limit: 2}
//	steps:
//	  - server: {type: add_card, col: Doing, title: A}
//	  - realtime: alice
//	  - local: {client: alice, action: {type: delete_card, id: 1}}
//	  - flush: alice
//	  - sync: bob
//	assertions:
//	  - {type: server_version, value: 3}
//	  - {type: lane, client: alice, column: Doing, cards: []}
//
// Each step is exactly one of:
//
//   - server: another writer dispatches an action at the current version
//   - local: a client applies an action optimistically and queues it
//   - flush: a client sends its oldest pending action
//   - flush_all: a client drains its queue
//   - realtime: the server pushes its snapshot to a client
//   - sync: a client discards its queue and resets to the server snapshot
//
// # Assertion Types
//
//   - server_version: the server's version equals value
//   - client_version: a client's base version equals value
//   - pending_count: a client's queue length equals value
//   - lane: the ordered card ids of a column, on the server or a client
//   - audit_count: the number of audit records equals value
//   - rejected_count: the number of rejected audit records equals value
//   - converged: a client's present equals the server's
//
// # Deterministic Traces
//
// Every step appends one trace event stamped by a testutil
// DeterministicClock. The trace is serialized as canonical JSON, one event
// per line, and compared against testdata/golden/<name>.golden.
package harness
