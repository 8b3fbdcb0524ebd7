// Package workflow implements the execution engine: a validated DAG
// of typed nodes (agent, transform, conditional) scheduled with
// bounded parallelism.
//
// A graph is built once through Builder or the Graph API, validated,
// and then executed by a Scheduler. The scheduler tracks in-degrees
// and dispatches nodes whose predecessors have all settled, bounded
// by a counting semaphore. Node outputs flow through a shared
// run-scoped Context; each node writes its own entry exactly once.
//
// Agent nodes render a prompt template against the run's variables
// and predecessor outputs, then call the model through llm.Invoker,
// executing requested tools in a bounded loop. Conditional nodes
// select one outgoing branch by label; nodes reachable only through
// unselected branches are never dispatched and leave no output.
package workflow
