// Package executor runs the external documentation tool for one release
// inside a borrowed sandbox slot and reduces the run to a Result.
//
// Build-tool failures are outcomes, not errors: Run returns a Result with
// Status failed and a reason. Run only returns an error when the process
// could not be started or the caller cancelled the build.
package executor
