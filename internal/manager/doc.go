// Package manager owns the single model session of the server. It is split
// into small files by concern:
//
//   - manager.go: Manager type, Initialize and the generation entry points.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies them.
//   - errors.go: error types and helpers (IsTooBusy, IsTimeout, IsLoadFailure).
//   - events.go, eventpub_memory.go, eventpub_log.go: lifecycle events with
//     in-memory and zerolog sinks.
//   - metrics.go: Prometheus collectors for loads and generations.
//   - status.go: Status/Ready reporting.
//
// Generation runs on a bounded worker pool (internal/worker) shared by the
// loaded handle; request goroutines only wait for its result.
package manager
