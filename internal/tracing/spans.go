package tracing

// Span attribute keys. These are the semantic conventions for spans
// emitted by the worker and session registries.
const (
	// Worker attributes
	AttrWorkerKey      = "worker.key"
	AttrWorkerCategory = "worker.category"
	AttrWorkerPhase    = "worker.phase"
	AttrExitCode       = "worker.exit_code"

	// Session attributes
	AttrSessionID  = "session.id"
	AttrSessionCwd = "session.cwd"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanWorkerSpawn    = "worker.spawn"
	SpanWorkerStop     = "worker.stop"
	SpanSessionCreate  = "session.create"
	SpanSessionDestroy = "session.destroy"
)
