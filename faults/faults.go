// Package faults defines the stable error classification shared by the
// session, transfer, and access layers. Every failure surfaced to a caller
// carries a Kind plus the peer/file/chunk context needed to display it or
// assert on it.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry policy and presentation.
type Kind string

const (
	// KindNetwork covers unreachable peers, resets, and timeouts. Retried
	// with backoff at the attempt level.
	KindNetwork Kind = "network"
	// KindProtocol covers malformed messages and version mismatches. Never
	// retried automatically.
	KindProtocol Kind = "protocol"
	// KindAuth covers invalid or stale handshake signatures.
	KindAuth Kind = "auth"
	// KindPermission covers access-control denials. Never retried.
	KindPermission Kind = "permission"
	// KindIntegrity covers AEAD failures, chunk hash mismatches, and
	// whole-file hash mismatches.
	KindIntegrity Kind = "integrity"
)

// NoChunk marks an Error that is not tied to a specific chunk index.
const NoChunk = -1

// Error is a classified failure with enough context for the presentation
// layer and the test suite.
type Error struct {
	Kind       Kind
	PeerID     string
	FileID     string
	ChunkIndex int
	Err        error
}

// New builds a classified error without file context.
func New(kind Kind, peerID string, err error) *Error {
	return &Error{Kind: kind, PeerID: peerID, ChunkIndex: NoChunk, Err: err}
}

// NewFile builds a classified error tied to a file.
func NewFile(kind Kind, peerID, fileID string, err error) *Error {
	return &Error{Kind: kind, PeerID: peerID, FileID: fileID, ChunkIndex: NoChunk, Err: err}
}

// NewChunk builds a classified error tied to one chunk of a file.
func NewChunk(kind Kind, peerID, fileID string, chunkIndex int, err error) *Error {
	return &Error{Kind: kind, PeerID: peerID, FileID: fileID, ChunkIndex: chunkIndex, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.PeerID != "" {
		msg += " peer=" + e.PeerID
	}
	if e.FileID != "" {
		msg += " file=" + e.FileID
	}
	if e.ChunkIndex != NoChunk {
		msg += fmt.Sprintf(" chunk=%d", e.ChunkIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
