// Package logs manages the gateway's local log directory.
//
// Manager lists the directory as a tree, serves individual files for
// download, and deletes files that have not been written to recently.
// Paths are resolved through an os.Root, so a request can never reach a
// file outside the configured directory.
package logs
