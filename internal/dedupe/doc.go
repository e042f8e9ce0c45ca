// Package dedupe tracks recently seen keys so callers can skip repeated work
// for the same key inside a time window.
package dedupe
