// Package source materializes the source tree of a release into a shared,
// verified cache under <sources>/<package>/<version>/.
//
// A cache entry is valid when its marker file records the same location and
// checksum as the release. Everything else is fetched into a private temp
// directory and renamed into place, so a partially written tree is never
// visible under the final path.
package source
