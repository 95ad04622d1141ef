// Package orbitdb declares the external database-engine contract this
// bridge consumes (spec.md §6): opening a database by address, iterating
// its log, and writing blocks into its two mutable stores. The bridge never
// implements the log-structured database itself — only what a backup or
// restore needs from it. MemoryBlockStore/MemoryLogStorage are reference
// implementations used by tests and the CLI's demo mode.
package orbitdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// ErrNotFound is returned by BlockStore.Get and LogStorage.Has-adjacent
// lookups when a key is absent.
var ErrNotFound = errors.New("not found")

// Address is a parsed "/orbitdb/<manifestCID>" database address.
type Address struct {
	ManifestCID cid.Cid
}

// ParseAddress splits a database address on '/' and parses its trailing
// segment as the manifest CID, per spec.md §3/§4.3.
func ParseAddress(s string) (Address, error) {
	segs := strings.Split(strings.TrimSuffix(s, "/"), "/")
	last := segs[len(segs)-1]
	c, err := cid.Decode(last)
	if err != nil {
		return Address{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	return Address{ManifestCID: c}, nil
}

// String renders the canonical "/orbitdb/<manifestCID>" form.
func (a Address) String() string {
	return "/orbitdb/" + a.ManifestCID.String()
}

// BlockStore is the database engine's content-addressed block store: the
// path that answers content fetches by CID.
type BlockStore interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Put(ctx context.Context, c cid.Cid, data []byte) error
}

// LogStorage is the database engine's log storage, keyed by a log entry's
// base58btc CID string: the path that answers "is this log entry known?"
// queries during log hydration.
type LogStorage interface {
	Put(ctx context.Context, keyBase58btc string, data []byte) error
	Has(ctx context.Context, keyBase58btc string) (bool, error)
	Get(ctx context.Context, keyBase58btc string) ([]byte, error)
}

// Log is the append-only DAG of signed log entries backing a Database.
type Log interface {
	Storage() LogStorage
	// JoinEntry feeds a previously-unknown entry into the log. The engine
	// is expected to walk back through the entry's Next hashes using
	// whatever is already present in Storage().
	JoinEntry(ctx context.Context, entry Entry) (bool, error)
}

// Entry is a decoded log-entry block, exactly mirroring spec.md §3's field
// set. Next and Refs are base58btc CID strings.
type Entry struct {
	HashBase58btc string
	V             int
	ID            string
	Key           []byte
	Sig           string
	Next          []string
	Refs          []string
	Clock         map[string]any
	Payload       map[string]any
	Identity      string
}

// DatabaseEntry is one element of Database.All(): a materialized log entry
// as the database's consumers see it.
type DatabaseEntry struct {
	Hash  string
	Value any
}

// Database is the open database handle this bridge reads from (backup) and
// writes into (restore).
type Database interface {
	Address() Address
	Name() string
	Type() string
	BlockStore() BlockStore
	Log() Log
	// All returns every entry currently visible to the database's index.
	All(ctx context.Context) ([]DatabaseEntry, error)
	Close(ctx context.Context) error
	// Reopen closes and re-opens the database so its log re-reads from
	// storage. Restore relies on this to force in-memory log/head state
	// built before block installation to be discarded: head rediscovery
	// and join (spec.md §4.7 steps 8-9) must run against a log that has
	// actually observed the newly installed blocks, not stale state left
	// over from whatever the database held before restore began.
	Reopen(ctx context.Context) error
}

// AccessController is decoded manifest.accessController content, enough to
// extract its own block's dependencies (write/admin identity pointers).
type AccessController struct {
	Type       string
	Identities []string
}

// Manifest is the decoded form of a manifest block (spec.md §3).
type Manifest struct {
	Name             string
	Type             string
	AccessController string
	Meta             map[string]any
}
