package assetid

import (
	"database/sql/driver"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ID identifies one downloadable package and the object within it.
type ID string

// String returns the identifier as a plain string.
func (id ID) String() string {
	return string(id)
}

// IsZero returns true for the empty identifier.
func (id ID) IsZero() bool {
	return id == ""
}

// ObjectKey returns the remote object name for this identifier
// ("model.<id>").
func (id ID) ObjectKey() string {
	return "model." + string(id)
}

// Hash is the content hash of an identifier.
type Hash struct {
	value cid.Cid
}

// HashOf computes the content hash of id. It is a pure function.
func HashOf(id ID) Hash {
	sum, err := multihash.Sum([]byte(id), multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only fails for unknown codes or invalid lengths.
		panic(fmt.Sprintf("assetid: sha2-256 multihash failed: %v", err))
	}
	return Hash{value: cid.NewCidV1(cid.Raw, sum)}
}

// ParseHash parses the string form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	if s == "" {
		return Hash{}, fmt.Errorf("hash cannot be empty")
	}
	c, err := cid.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash format: %w", err)
	}
	return Hash{value: c}, nil
}

// String returns the base32 CIDv1 rendering of the hash.
func (h Hash) String() string {
	if !h.value.Defined() {
		return ""
	}
	return h.value.String()
}

// IsZero returns true if the hash was never computed.
func (h Hash) IsZero() bool {
	return !h.value.Defined()
}

// Equal returns true if two hashes are equal.
func (h Hash) Equal(other Hash) bool {
	return h.value.Equals(other.value)
}

// Matches reports whether h is the hash of id.
func (h Hash) Matches(id ID) bool {
	return h.Equal(HashOf(id))
}

// Scan implements sql.Scanner for database reading.
func (h *Hash) Scan(value interface{}) error {
	if value == nil {
		*h = Hash{}
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Hash", value)
	}
	if s == "" {
		*h = Hash{}
		return nil
	}

	parsed, err := ParseHash(s)
	if err != nil {
		return fmt.Errorf("cannot scan into Hash: %w", err)
	}
	*h = parsed
	return nil
}

// Value implements driver.Valuer for database writing.
func (h Hash) Value() (driver.Value, error) {
	if h.IsZero() {
		return nil, nil
	}
	return h.String(), nil
}
