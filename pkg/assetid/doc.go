// Package assetid names downloadable asset packages and derives their cache
// version token.
//
// # Core Concepts
//
//  1. ID: the opaque identifier carried in a recognition result's metadata.
//     It names both the remote package and the object inside it. Equality is
//     exact string equality.
//
//  2. Hash: a content hash derived from the ID bytes (not from the package
//     bytes). It is the version token used by the local cache and sent along
//     with remote fetches. The same ID always yields the same Hash.
//
// Hashes are CIDv1 values (raw codec, sha2-256 multihash), so they render as
// stable base32 strings suitable for filenames and database keys:
//
//	h := assetid.HashOf("bike")
//	h.String() // "bafkrei..."
//
// Hash implements sql.Scanner and driver.Valuer for direct use in gorm models.
package assetid
