// Package engine provides the core of the ignite deployment engine.
//
// # Overview
//
// A deployment is declared as a Module: an ordered set of actions that
// create contracts, invoke methods on them, read values from them or
// reference contracts that already exist. Actions refer to the results of
// other actions through Futures; those references are the edges of the
// dependency graph. Executing a module goes through four steps:
//
//  1. Declare - Build a Module with a ModuleBuilder (or a module loader)
//  2. Resolve - Order the actions and partition them against the journal (Resolver)
//  3. Gate - Optionally veto the plan before anything is submitted (PlanGate)
//  4. Execute - Drive the remaining actions against a Backend (Executor)
//
// # Declaring Modules
//
//	b := engine.NewModuleBuilder("MarketplaceProductsModule")
//	counter := b.Contract("MarketplaceProducts", nil)
//	b.Call(counter, "incBy", []interface{}{5})
//	b.Return("counter", counter)
//	m, err := b.Build()
//
// Action ids have the form "<module>#<local>". The local name defaults to
// the contract type for creations and references, and to
// "<target>.<method>" for calls. Ids never depend on declaration position,
// so a journal written by one version of a module still matches the next.
// Declaring two actions with the same id fails with DUPLICATE_IDENTIFIER;
// WithID picks an explicit local name.
//
// # Resolution
//
// The Resolver produces a topological order in which ties are broken by
// declaration order, so the same module always yields the same order. A
// cycle fails with CYCLE_DETECTED and names only the actions on the cycle.
// Actions with a Success journal entry are reported as satisfied and are
// never submitted again.
//
// # Journal
//
// The Journal records one entry per action id. The executor writes Pending
// before a submission reaches the backend and exactly one terminal entry
// (Success or Failed) per attempt. A Success entry is terminal: later writes
// for the same id are rejected with ErrSuccessTerminal. The attempts counter
// never decreases, even across runs.
//
// MemoryJournal is provided for tests and dry runs; durable journals live in
// the stores package.
//
// # Execution
//
// The Executor runs ready actions on a bounded worker pool. A failed action
// is retried with exponential backoff up to the per-run attempt ceiling;
// permanent errors are not retried. When an action ends Failed its
// transitive dependents are reported as dependency_failed and never
// submitted, while independent branches keep running.
//
// Cancelling the context stops new dispatches and retries. Attempts already
// in flight complete and record their terminal entry before Run returns.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires a longer backoff
//   - Conflict: Journal or state conflicts
//   - Permanent: Non-recoverable errors
//
//	if engine.IsRetryable(err) {
//	    // another attempt may succeed
//	}
//
// Use HasCode to test for a specific error code anywhere in an error chain.
package engine
