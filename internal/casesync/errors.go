package casesync

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence marks local store read/write failures. Never surfaced to the host.
	ErrPersistence = errors.New("casesync: persistence failure")
	// ErrNetwork marks transport failures, timeouts and unusable responses.
	ErrNetwork = errors.New("casesync: network failure")
	// ErrAuth marks calls the remote side rejected because of the identity.
	ErrAuth = errors.New("casesync: authentication rejected")

	errMissingStore        = errors.New("local store is required")
	errMissingFetcher      = errors.New("remote fetcher is required")
	errMissingConnectivity = errors.New("connectivity signal is required")
	errNoIdentity          = errors.New("identity is not set")
)

// ErrorKind classifies remote failures at the coordinator boundary.
type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindAuth    ErrorKind = "auth"
)

// RemoteError is returned by RemoteFetcher implementations.
type RemoteError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *RemoteError) Unwrap() []error {
	sentinel := ErrNetwork
	if e.Kind == KindAuth {
		sentinel = ErrAuth
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func networkError(op string, cause error) error {
	return &RemoteError{Kind: KindNetwork, Op: op, Err: cause}
}

func authError(op string, cause error) error {
	return &RemoteError{Kind: KindAuth, Op: op, Err: cause}
}

// KindOf reports the kind of a remote failure. Errors that are not
// RemoteErrors are treated as network failures.
func KindOf(err error) ErrorKind {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return KindNetwork
}
