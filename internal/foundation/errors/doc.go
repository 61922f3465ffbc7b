// Package errors provides the classified error primitives used across docfleet.
//
// A ClassifiedError carries a category, a severity, a retry strategy and a
// free-form context map. The build outcome categories (source_unavailable,
// build_failure, empty_output, timeout, sandbox_fault, storage_failure,
// lease_expired) are also the reasons persisted on failed build attempts.
//
// Example usage:
//
//	err := errors.SourceUnavailable("download failed").
//		WithCause(httpErr).
//		WithContext("url", archiveURL).
//		Build()
package errors
