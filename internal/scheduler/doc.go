// Package scheduler runs the build control loop: it reclaims expired leases,
// claims queued attempts from the metadata store while sandbox slots are
// free, and drives each claimed attempt through fetch, build, log, publish
// and the final status transition.
//
// The store's atomic claim is the only deduplication. Several schedulers,
// in one process or many, may share a database without building a release
// twice.
package scheduler
