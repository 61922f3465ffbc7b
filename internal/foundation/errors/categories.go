package errors

import "maps"

// ErrorCategory represents the broad category of an error for classification and routing.
//
// The build outcome categories double as the persisted failure reason of a
// build attempt, so their string values are part of the database contract.
type ErrorCategory string

const (
	// CategoryConfig represents operator-facing configuration and input errors.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"

	// Build outcome categories.
	CategorySourceUnavailable ErrorCategory = "source_unavailable"
	CategoryBuildFailure      ErrorCategory = "build_failure"
	CategoryEmptyOutput       ErrorCategory = "empty_output"
	CategoryTimeout           ErrorCategory = "timeout"
	CategorySandboxFault      ErrorCategory = "sandbox_fault"
	CategoryStorageFailure    ErrorCategory = "storage_failure"
	CategoryLeaseExpired      ErrorCategory = "lease_expired"

	// CategoryDatabase represents metadata store infrastructure errors.
	CategoryDatabase ErrorCategory = "database"
	CategoryNetwork  ErrorCategory = "network"
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// IsBuildOutcome reports whether the category is one of the build attempt reasons.
func (c ErrorCategory) IsBuildOutcome() bool {
	switch c {
	case CategorySourceUnavailable, CategoryBuildFailure, CategoryEmptyOutput, CategoryTimeout,
		CategorySandboxFault, CategoryStorageFailure, CategoryLeaseExpired:
		return true
	default:
		return false
	}
}

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RetryStrategy indicates how an error should be handled in retry scenarios.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"     // Permanent failure, don't retry
	RetryImmediate  RetryStrategy = "immediate" // Retry immediately
	RetryBackoff    RetryStrategy = "backoff"   // Retry with backoff
	RetryUserAction RetryStrategy = "user"      // Requires operator intervention
)

// ErrorContext provides structured context for errors.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// GetString retrieves a string context value.
func (c ErrorContext) GetString(key string) (string, bool) {
	if value, exists := c.Get(key); exists {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

// Merge combines two contexts, with other taking precedence.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	result := make(ErrorContext)
	maps.Copy(result, c)
	maps.Copy(result, other)
	return result
}
