// Package cidutil converts between the two CID forms this bridge has to
// speak: the dag-cbor/raw codecs used by log-entry and payload blocks, and
// the base32/base58btc string encodings used by the remote store and the
// database's log storage respectively. It is the sole place that decides
// which base a caller sees.
package cidutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// Role selects which canonical string form StringifyFor returns.
type Role int

const (
	// RoleRemoteStore selects base32, the remote store's canonical form.
	RoleRemoteStore Role = iota
	// RoleLogStorage selects base58btc, the log engine's canonical form.
	RoleLogStorage
)

// ErrInvalidCid is returned by Parse when a string does not decode as a
// CID: an unknown multibase prefix or a malformed body.
var ErrInvalidCid = fmt.Errorf("invalid cid")

// Parse decodes a base32 ("b...") or base58btc ("z...") CID string.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %s: %s", ErrInvalidCid, s, err)
	}
	return c, nil
}

// ToBase32 renders c in the remote store's canonical base32 form.
func ToBase32(c cid.Cid) (string, error) {
	return c.StringOfBase(multibase.Base32)
}

// ToBase58btc renders c in the log engine's canonical base58btc form.
func ToBase58btc(c cid.Cid) (string, error) {
	return c.StringOfBase(multibase.Base58BTC)
}

// Recode returns a new CID with the same multihash bytes as c but with
// newCodec as its codec marker. It never touches the hash itself, so
// identity is preserved across the dag-cbor <-> raw boundary.
func Recode(c cid.Cid, newCodec multicodec.Code) cid.Cid {
	return cid.NewCidV1(uint64(newCodec), c.Hash())
}

// StringifyFor is the sole place the base choice is decided: base32 for
// remote-store operations, base58btc for log-storage keys.
func StringifyFor(c cid.Cid, role Role) (string, error) {
	switch role {
	case RoleRemoteStore:
		return ToBase32(c)
	case RoleLogStorage:
		return ToBase58btc(c)
	default:
		return "", fmt.Errorf("unknown cid role %d", role)
	}
}

// VerifyMultihash re-hashes data using the hash function declared in c's
// multihash and reports whether it matches. Used by the CAR unpacker to
// reject forged blocks.
func VerifyMultihash(c cid.Cid, data []byte) error {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("decoding multihash: %w", err)
	}
	sum, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hashing block: %w", err)
	}
	if !sum.Equal(c.Hash()) {
		return fmt.Errorf("multihash mismatch for %s", c)
	}
	return nil
}
