// Package errors provides structured error handling for Agent Brain.
//
// Every boundary-crossing operation reports failures as a *BrainError
// carrying a Kind, a human-readable message, and an optional actionable
// hint. Kinds classify failures for callers that need to map them to an
// outer surface (HTTP status, CLI exit code) without parsing messages.
package errors

// Kind classifies a failure for callers and for logging.
type Kind string

const (
	// KindConfiguration indicates invalid or missing configuration,
	// unknown presets, or a capability the active backend lacks.
	KindConfiguration Kind = "configuration"
	// KindStartup indicates the backend could not be brought up
	// (extension missing, pool unreachable after retries).
	KindStartup Kind = "startup"
	// KindDimensionMismatch indicates the stored embedding dimension
	// differs from the configured embedder.
	KindDimensionMismatch Kind = "dimension_mismatch"
	// KindStorage indicates a backend operation failed mid-flight.
	KindStorage Kind = "storage"
	// KindProvider indicates an embedder, summarizer, or reranker failure.
	KindProvider Kind = "provider"
	// KindInvalidInput indicates malformed caller arguments.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound indicates a folder or job that does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates an operation rejected because of an
	// active job targeting the same folder.
	KindConflict Kind = "conflict"
	// KindCancelled indicates explicit cancellation was observed.
	KindCancelled Kind = "cancelled"
	// KindInternal indicates a violated invariant.
	KindInternal Kind = "internal"
)

// retryableKinds are kinds where a retry may succeed without operator
// intervention. Only storage transport failures qualify; everything else
// needs a config change or caller fix.
var retryableKinds = map[Kind]bool{
	KindStorage: true,
	KindStartup: true,
}

// IsRetryableKind reports whether errors of this kind may be retried.
func IsRetryableKind(k Kind) bool {
	return retryableKinds[k]
}
