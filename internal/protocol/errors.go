package protocol

import (
	"errors"
	"fmt"
)

// ErrNoSession reports an operation that needs an established session
// when none exists and no bundle was supplied to bootstrap one.
var ErrNoSession = errors.New("no session with peer")

// ErrDecryptFailure reports a cryptographic integrity or
// authentication failure. The message must be dropped, never blindly
// retried: identical ciphertext fails identically.
var ErrDecryptFailure = errors.New("message decryption failed")

// ErrTrustChanged reports that a peer presented an identity key
// different from the trusted one. It is never auto-accepted; the
// application must surface it for an explicit user decision.
var ErrTrustChanged = errors.New("peer identity key changed")

// MalformedBundleError reports a prekey bundle missing a required
// field. It is raised before any store or engine call, so no partial
// state is ever written for a bad bundle.
type MalformedBundleError struct {
	Field string
}

func (e *MalformedBundleError) Error() string {
	return fmt.Sprintf("malformed prekey bundle: missing %s", e.Field)
}
