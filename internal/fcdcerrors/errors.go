// Package fcdcerrors defines the typed error kinds the filter driver
// distinguishes between when deciding whether a failure is fatal to the
// session or answerable with a per-request status=error reply.
package fcdcerrors

import "fmt"

// ProtocolError signals malformed pkt-line framing, an unexpected packet
// for the current state, or an unsupported protocol version. Always fatal.
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// NewProtocolError builds a ProtocolError.
func NewProtocolError(reason string) error {
	return ProtocolError{Reason: reason}
}

// MissingChunk signals that a smudge referenced a digest not reachable
// from the side branch. Per-request only.
type MissingChunk struct {
	Digest string
}

func (e MissingChunk) Error() string {
	return fmt.Sprintf("missing chunk: %s", e.Digest)
}

// NewMissingChunk builds a MissingChunk error.
func NewMissingChunk(digest string) error {
	return MissingChunk{Digest: digest}
}

// InvalidManifest signals a smudge input lacking the magic line or
// containing a malformed digest. Per-request only.
type InvalidManifest struct {
	Reason string
}

func (e InvalidManifest) Error() string {
	return fmt.Sprintf("invalid manifest: %s", e.Reason)
}

// NewInvalidManifest builds an InvalidManifest error.
func NewInvalidManifest(reason string) error {
	return InvalidManifest{Reason: reason}
}

// StorageError wraps a non-zero or unparsable result from host VCS
// plumbing. Per-request if localizable, fatal if encountered during the
// final side-branch commit.
type StorageError struct {
	Op     string
	Reason string
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %s", e.Op, e.Reason)
}

// NewStorageError builds a StorageError.
func NewStorageError(op, reason string) error {
	return StorageError{Op: op, Reason: reason}
}

// RefContention signals that the compare-and-swap on the side branch
// failed after one retry. Always fatal.
type RefContention struct {
	Ref string
}

func (e RefContention) Error() string {
	return fmt.Sprintf("ref contention on %s: CAS failed after retry", e.Ref)
}

// NewRefContention builds a RefContention error.
func NewRefContention(ref string) error {
	return RefContention{Ref: ref}
}

// IOError wraps a temp-file or pipe error. Always fatal.
type IOError struct {
	Op  string
	Err error
}

func (e IOError) Error() string {
	return fmt.Sprintf("io error: %s: %v", e.Op, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }

// NewIOError builds an IOError.
func NewIOError(op string, err error) error {
	return IOError{Op: op, Err: err}
}

// IsFatal reports whether an error kind must terminate the driver
// session rather than being answered with a per-request status=error.
func IsFatal(err error) bool {
	switch err.(type) {
	case ProtocolError, RefContention, IOError:
		return true
	default:
		return false
	}
}
