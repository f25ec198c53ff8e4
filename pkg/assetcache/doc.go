// Package assetcache stores fetched asset packages keyed by the content hash
// of their identifier.
//
// Blobs are written to a temporary file and renamed into place before the
// index is updated, so a lookup never observes absent or truncated bytes.
// Concurrent misses for the same identifier share one fetch.
package assetcache
