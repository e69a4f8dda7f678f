// Package engine implements recipe reconciliation and session execution for avtune.
//
// # Overview
//
// A session applies one recipe to one device:
//
//  1. Initializing - load the device record and the recipe, take the device lease
//  2. Connecting - bounded liveness probe through the Transport
//  3. PlanCommitted - the Reconciler classifies each action, policies are checked,
//     and an in_progress Session record is persisted and committed
//  4. Executing - needs-apply actions are applied in recipe order, with an
//     optional post-apply verify; failures are recorded and execution continues
//  5. Finalizing - the session is tallied, persisted, merged into DeviceState
//     and committed
//
// The terminal phase is Succeeded, PartiallyFailed or Failed.
//
// # Dispositions
//
// The Reconciler tags each action of a recipe:
//
//   - already-satisfied: the handler's verify probe confirmed the desired state
//   - needs-apply: verify reported drift, or could not decide (Indeterminate)
//   - unsupported-on-platform: no spec or no handler for the device OS
//
// Only needs-apply actions reach a handler's Apply. The others are recorded
// as skipped so the session keeps one record per recipe action, in order.
//
// # Collaborators
//
// The engine owns no I/O. Commands run through a Transport, records live in an
// Inventory, commits go to a Committer and handlers are resolved through a
// HandlerResolver. Implementations live in the transports, stores, versioning
// and handlers packages.
//
// # Error Handling
//
// Errors are *EngineError values with a class and a code:
//
//	if errors.Is(err, engine.ErrDeviceNotFound) {
//	    // nothing was written
//	}
//
// Lookup errors fail before any side effect, ConnectivityFailure finalizes
// the session as failed, StateWriteFailure is always fatal, and versioning
// failures only surface as warnings on the RunReport.
package engine
