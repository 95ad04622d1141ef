package orbitdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-orbitdb-bridge/pkg/cidutil"
)

// MemoryBlockStore is an in-memory reference implementation of BlockStore,
// backed by a mutex-wrapped go-datastore map — the same keyed-store
// abstraction a durable engine would put behind BlockStore/LogStorage,
// scaled down to memory for tests and the CLI's demo mode.
type MemoryBlockStore struct {
	store ds.Datastore
}

// NewMemoryBlockStore returns an empty MemoryBlockStore.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{store: dssync.MutexWrap(ds.NewMapDatastore())}
}

func (s *MemoryBlockStore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	key, err := cidutil.ToBase32(c)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, ds.NewKey(key))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, c)
		}
		return nil, fmt.Errorf("reading block %s: %w", c, err)
	}
	return data, nil
}

func (s *MemoryBlockStore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	key, err := cidutil.ToBase32(c)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, ds.NewKey(key), data)
}

// MemoryLogStorage is an in-memory reference implementation of LogStorage,
// backed by the same go-datastore abstraction as MemoryBlockStore.
type MemoryLogStorage struct {
	store ds.Datastore
}

// NewMemoryLogStorage returns an empty MemoryLogStorage.
func NewMemoryLogStorage() *MemoryLogStorage {
	return &MemoryLogStorage{store: dssync.MutexWrap(ds.NewMapDatastore())}
}

func (s *MemoryLogStorage) Put(ctx context.Context, key string, data []byte) error {
	return s.store.Put(ctx, ds.NewKey(key), data)
}

func (s *MemoryLogStorage) Has(ctx context.Context, key string) (bool, error) {
	return s.store.Has(ctx, ds.NewKey(key))
}

func (s *MemoryLogStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.store.Get(ctx, ds.NewKey(key))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("%w: log entry %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading log entry %s: %w", key, err)
	}
	return data, nil
}

type memoryLog struct {
	storage LogStorage

	mu      sync.Mutex
	heads   map[string]struct{}
	known   map[string]Entry // base58btc hash -> decoded entry
	ordered []string         // causal order, dependencies before dependents
}

func newMemoryLog(storage LogStorage) *memoryLog {
	return &memoryLog{
		storage: storage,
		heads:   make(map[string]struct{}),
		known:   make(map[string]Entry),
	}
}

func (l *memoryLog) Storage() LogStorage { return l.storage }

// JoinEntry feeds a previously-unknown entry into the log, walking back
// through its Next hashes using whatever is already present in Storage().
// This is the mechanism spec.md §4.7 step 9 relies on to rebuild a log from
// installed blocks alone.
func (l *memoryLog) JoinEntry(ctx context.Context, entry Entry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attachLocked(ctx, entry)
}

func (l *memoryLog) attachLocked(ctx context.Context, entry Entry) (bool, error) {
	if entry.HashBase58btc == "" {
		return false, fmt.Errorf("joining entry: missing hash")
	}
	if _, ok := l.known[entry.HashBase58btc]; ok {
		return false, nil
	}

	// Walk dependencies first so known/ordered reflects a valid causal order.
	for _, depHash := range entry.Next {
		if _, ok := l.known[depHash]; ok {
			continue
		}
		data, err := l.storage.Get(ctx, depHash)
		if err != nil {
			return false, fmt.Errorf("walking next hash %s: %w", depHash, err)
		}
		dep, ok, err := DecodeEntry(data)
		if err != nil {
			return false, fmt.Errorf("decoding dependency %s: %w", depHash, err)
		}
		if !ok {
			return false, fmt.Errorf("block %s does not decode as a log entry", depHash)
		}
		dep.HashBase58btc = depHash
		if _, err := l.attachLocked(ctx, dep); err != nil {
			return false, err
		}
	}

	l.known[entry.HashBase58btc] = entry
	l.ordered = append(l.ordered, entry.HashBase58btc)
	l.heads[entry.HashBase58btc] = struct{}{}
	for _, depHash := range entry.Next {
		delete(l.heads, depHash)
	}
	return true, nil
}

func (l *memoryLog) entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.ordered))
	for _, h := range l.ordered {
		out = append(out, l.known[h])
	}
	return out
}

// MemoryDatabase is an in-memory reference implementation of Database,
// supporting the "events" (append-only) and "keyvalue" (last-write-wins)
// types spec.md's end-to-end scenarios exercise.
type MemoryDatabase struct {
	address    Address
	name       string
	dbType     string
	blockstore BlockStore
	log        *memoryLog
	identity   string // cid string (any base) of a fixed identity block, copied into every entry
	closed     bool
}

// NewMemoryDatabase opens a (possibly empty) in-memory database at address,
// backed by the given stores. A freshly restored target is exactly this: an
// open database with no entries until the restore orchestrator joins them.
func NewMemoryDatabase(address Address, name, dbType string, bs BlockStore, ls LogStorage, identity string) *MemoryDatabase {
	return &MemoryDatabase{
		address:    address,
		name:       name,
		dbType:     dbType,
		blockstore: bs,
		log:        newMemoryLog(ls),
		identity:   identity,
	}
}

func (d *MemoryDatabase) Address() Address  { return d.address }
func (d *MemoryDatabase) Name() string      { return d.name }
func (d *MemoryDatabase) Type() string      { return d.dbType }
func (d *MemoryDatabase) BlockStore() BlockStore { return d.blockstore }
func (d *MemoryDatabase) Log() Log          { return d.log }

func (d *MemoryDatabase) Close(_ context.Context) error {
	d.closed = true
	return nil
}

// Reopen closes and re-opens the database, clearing in-memory log state and
// rebuilding nothing — mirroring the real engine's behavior of re-reading
// from storage on open, which for a cold/partial log means starting empty
// until heads are rediscovered and joined (spec.md §4.7's central
// subtlety).
func (d *MemoryDatabase) Reopen(ctx context.Context) error {
	if err := d.Close(ctx); err != nil {
		return err
	}
	d.closed = false
	d.log = newMemoryLog(d.log.storage)
	return nil
}

// Add appends a new "ADD" event to an events-type database, returning the
// new entry's base58btc hash.
func (d *MemoryDatabase) Add(ctx context.Context, value string) (string, error) {
	return d.append(ctx, map[string]any{"op": "ADD", "value": value})
}

// Put writes key=value into a keyvalue-type database.
func (d *MemoryDatabase) Put(ctx context.Context, key, value string) (string, error) {
	return d.append(ctx, map[string]any{"op": "PUT", "key": key, "value": value})
}

func (d *MemoryDatabase) append(ctx context.Context, payload map[string]any) (string, error) {
	d.log.mu.Lock()
	heads := make([]string, 0, len(d.log.heads))
	for h := range d.log.heads {
		heads = append(heads, h)
	}
	sort.Strings(heads)
	d.log.mu.Unlock()

	entry := Entry{
		V:        2,
		ID:       d.address.String(),
		Sig:      "memory-signature",
		Next:     heads,
		Identity: d.identity,
		Payload:  payload,
	}
	c, data, err := EncodeEntry(entry)
	if err != nil {
		return "", fmt.Errorf("encoding entry: %w", err)
	}
	hashB58, err := cidutil.ToBase58btc(c)
	if err != nil {
		return "", err
	}
	entry.HashBase58btc = hashB58

	rawCID := cidutil.Recode(c, multicodec.DagCbor)
	if err := d.blockstore.Put(ctx, rawCID, data); err != nil {
		return "", fmt.Errorf("writing entry block: %w", err)
	}
	if err := d.log.storage.Put(ctx, hashB58, data); err != nil {
		return "", fmt.Errorf("writing entry to log storage: %w", err)
	}

	d.log.mu.Lock()
	_, err2 := d.log.attachLocked(ctx, entry)
	d.log.mu.Unlock()
	if err2 != nil {
		return "", err2
	}
	return hashB58, nil
}

// All materializes the database's current view: for "events" databases,
// every ADD payload value in causal order; for "keyvalue" databases, the
// last value written per key.
func (d *MemoryDatabase) All(_ context.Context) ([]DatabaseEntry, error) {
	entries := d.log.entries()
	switch d.dbType {
	case "keyvalue":
		latest := make(map[string]DatabaseEntry)
		var keyOrder []string
		for _, e := range entries {
			key := asString(e.Payload["key"])
			op := asString(e.Payload["op"])
			if _, seen := latest[key]; !seen {
				keyOrder = append(keyOrder, key)
			}
			if op == "DEL" {
				delete(latest, key)
				continue
			}
			latest[key] = DatabaseEntry{Hash: e.HashBase58btc, Value: asString(e.Payload["value"])}
		}
		out := make([]DatabaseEntry, 0, len(latest))
		for _, k := range keyOrder {
			if v, ok := latest[k]; ok {
				out = append(out, v)
			}
		}
		return out, nil
	default: // "events" and anything else: raw append order
		out := make([]DatabaseEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, DatabaseEntry{Hash: e.HashBase58btc, Value: asString(e.Payload["value"])})
		}
		return out, nil
	}
}
