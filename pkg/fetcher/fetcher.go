// Package fetcher retrieves asset packages from the remote package store.
//
// Every failure is returned as an *Error carrying a Kind, so callers can
// distinguish an unreachable store from an HTTP error status, a timeout or an
// undecodable package. Fetchers make exactly one attempt; a later recognition
// of the same marker simply triggers a new fetch.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp-forge/augment/pkg/assetid"
)

// VersionHeader carries the content hash of the identifier as the cache
// validation token.
const VersionHeader = "X-Asset-Version"

// DefaultMaxBytes bounds the size of a fetched package.
const DefaultMaxBytes = 256 << 20

// Fetcher retrieves the raw bytes of the package for an identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id assetid.ID, hash assetid.Hash) ([]byte, error)
}

// Kind classifies a fetch failure.
type Kind string

// KindInvalidRequest means no request could be built, so nothing was sent.
const (
	KindNetworkUnreachable Kind = "network_unreachable"
	KindHTTPStatus         Kind = "http_status"
	KindTimeout            Kind = "timeout"
	KindCorrupt            Kind = "corrupt"
	KindInvalidRequest     Kind = "invalid_request"
)

// Error is returned for every fetch failure.
type Error struct {
	Kind Kind
	ID   assetid.ID
	// Status is the response status for KindHTTPStatus.
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("fetch %s: %s %d", e.ID.ObjectKey(), e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.ID.ObjectKey(), e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.ID.ObjectKey(), e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a fetch error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// Corrupt wraps a decode failure of fetched bytes.
func Corrupt(id assetid.ID, err error) *Error {
	return &Error{Kind: KindCorrupt, ID: id, Err: err}
}

// classify turns a transport error into an *Error. ctx is the fetch context;
// its deadline expiring always means a timeout.
func classify(ctx context.Context, id assetid.ID, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, ID: id, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, ID: id, Err: err}
	}
	return &Error{Kind: KindNetworkUnreachable, ID: id, Err: err}
}
