// Package release reports whether a newer gateway build has been published.
//
// Checker reads a small JSON document describing the latest release. When
// that document carries no tag it may name another document in its "url"
// field, which is followed a bounded number of times. The markdown changelog
// is rendered to HTML with goldmark. Results are kept in memory and in an
// optional cache file until the TTL passes.
//
// Downloading and installing a release is not handled here.
package release
