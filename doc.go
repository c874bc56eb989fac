// Package fetchd implements a persistent file-fetch job pipeline.
//
// Tasks enter the pipeline from two ingestion points: the HTTP request
// surface in the server package and the inbound queue of the message
// broker, bridged by the Gateway. Both submit through a single
// Scheduler, which validates the task and writes it to a Store in the
// Standby state.
//
// The Store is the source of truth for every task's state machine
// (Standby, Hold, Running, Done), its retry bookkeeping and its result
// URL. By default an in-memory store is used; persistent stores backed
// by SQLite, MySQL and MongoDB live in their own packages. Every
// committed store mutation emits a tasks_updated event on the
// EventBus.
//
// The AdmissionQueue listens for those events to keep a cached list of
// pending tasks and, on a fixed poll interval, promotes at most one
// Standby task per tick into a small bounded queue. This throttles
// admission to one task per interval, independent of queue capacity.
//
// The Launcher runs a fixed number of worker slots. Each slot pulls
// the next admitted task, marks it Running and executes the pipeline:
// check for a previous successful fetch of the same URI (and reuse its
// saved file), otherwise fetch the content, validate and sniff its
// type against an allow-list, save it under the storage path, and
// publish a result message through the Gateway. Failures are
// classified as fatal or retryable; retryable ones return the task to
// Standby until its retry budget is exhausted.
//
// The Gateway keeps the broker connection alive with a linearly
// growing backoff, buffers publishes that fail on a lost channel or
// connection, and replays them after a reconnect and on shutdown.
//
// Shutdown is two-staged: the first termination signal drains the
// launcher (all non-terminal tasks are returned to Standby and
// re-admitted on next start), a second one forces an immediate stop.
package fetchd
