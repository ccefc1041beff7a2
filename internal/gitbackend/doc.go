// Package gitbackend provides git plumbing for reposync.
//
// The package exposes the Backend interface, an opaque capability object
// covering every repository operation the store needs (status, staging,
// commits, branch operations, network operations, checkpoints). The Local
// implementation shells out to the git binary; parsing helpers operate on
// porcelain v2 output so they can be tested without a repository on disk.
package gitbackend
