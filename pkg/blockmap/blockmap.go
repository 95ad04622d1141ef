// Package blockmap defines the Block and Map value types shared by the CAR
// packer/unpacker, the log extractor, and the restore orchestrator. A Map's
// only meaningful property is membership; insertion order carries no
// semantics.
package blockmap

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/storacha/go-orbitdb-bridge/pkg/cidutil"
)

// Block is an immutable (cid, bytes) pair. Bytes is the exact serialization
// that hashes to CID.
type Block struct {
	CID   cid.Cid
	Bytes []byte
}

// AsBlock adapts b to the go-ipfs go-block-format.Block interface consumed
// by github.com/ipld/go-car.
func (b Block) AsBlock() (blocks.Block, error) {
	return blocks.NewBlockWithCid(b.Bytes, b.CID)
}

// Map is a mapping from a block's base32 CID string to its Block. It is a
// transient buffer: callers free it once a CAR has been emitted or its
// contents installed into a store.
type Map map[string]Block

// New returns an empty Map.
func New() Map {
	return make(Map)
}

// Put inserts b, keyed by its base32 CID string.
func (m Map) Put(b Block) error {
	key, err := cidutil.ToBase32(b.CID)
	if err != nil {
		return err
	}
	m[key] = b
	return nil
}

// Get looks up a block by CID. The key is the CID's base32 string, which
// includes the codec, so the same multihash under another codec is a
// different key and is not found.
func (m Map) Get(c cid.Cid) (Block, bool) {
	key, err := cidutil.ToBase32(c)
	if err != nil {
		return Block{}, false
	}
	b, ok := m[key]
	return b, ok
}

// Has reports whether c, with its own codec, is present in the map.
func (m Map) Has(c cid.Cid) bool {
	_, ok := m.Get(c)
	return ok
}
