// Package harness replays floorstate scenarios deterministically.
//
// A scenario drives a fully wired app against an in-memory remote on a fake
// clock and produces a Trace: every step, every remote write attempt, every
// sync event and the final queue and remote state.
//
// # Scenario Format
//
//	name: retry_then_sync
//	description: "A transient remote failure is retried with backoff"
//	config:
//	  sync:
//	    fields:
//	      session.operatorId: operator_id
//	snapshot:
//	  operator: OP-1
//	remote_failures: 1
//	steps:
//	  - set: {path: session.operatorId, value: OP-7}
//	  - advance: 5s
//	  - flush: true
//	  - retry_failed: true
//	  - clear: true
//	  - fail_next: 2
//	assertions:
//	  - type: remote_field
//	    field: operator_id
//	    equals: OP-7
//	  - type: queue
//	    status: failed
//	    count: 0
//
// # Time
//
// The sync scheduler is not started. An advance step moves the fake clock
// to each scheduled pass in turn and runs it, so debounce and backoff
// timings show up in the trace exactly.
//
// # Golden Files
//
// RunWithGolden compares the JSON trace with testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
