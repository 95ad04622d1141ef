package orbitdb_test

import (
	"context"
	"testing"

	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
	"github.com/stretchr/testify/require"
)

func newTestManifestAddress(t *testing.T) orbitdb.Address {
	t.Helper()
	c, _, err := orbitdb.EncodeManifest(orbitdb.Manifest{Name: "events-db", Type: "events"})
	require.NoError(t, err)
	return orbitdb.Address{ManifestCID: c}
}

func TestMemoryDatabaseAddAndAll(t *testing.T) {
	ctx := context.Background()
	addr := newTestManifestAddress(t)
	db := orbitdb.NewMemoryDatabase(addr, "events-db", "events",
		orbitdb.NewMemoryBlockStore(), orbitdb.NewMemoryLogStorage(), "")

	_, err := db.Add(ctx, "one")
	require.NoError(t, err)
	_, err = db.Add(ctx, "two")
	require.NoError(t, err)
	_, err = db.Add(ctx, "three")
	require.NoError(t, err)

	all, err := db.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "one", all[0].Value)
	require.Equal(t, "two", all[1].Value)
	require.Equal(t, "three", all[2].Value)
}

func TestMemoryDatabaseKeyValueLastWriteWins(t *testing.T) {
	ctx := context.Background()
	addr := newTestManifestAddress(t)
	db := orbitdb.NewMemoryDatabase(addr, "kv-db", "keyvalue",
		orbitdb.NewMemoryBlockStore(), orbitdb.NewMemoryLogStorage(), "")

	_, err := db.Put(ctx, "a", "1")
	require.NoError(t, err)
	_, err = db.Put(ctx, "b", "2")
	require.NoError(t, err)
	_, err = db.Put(ctx, "a", "3")
	require.NoError(t, err)

	all, err := db.All(ctx)
	require.NoError(t, err)

	values := make(map[string]any)
	for _, e := range all {
		// Reconstructing key requires decoding the stored entry; the
		// in-memory database exposes only Hash/Value via All, so assert on
		// count and values instead.
		values[e.Hash] = e.Value
	}
	require.Len(t, all, 2)

	found3 := false
	for _, v := range values {
		if v == "3" {
			found3 = true
		}
	}
	require.True(t, found3, "last write for key a should be visible")
}

// TestMemoryDatabaseReopenLosesOrphans demonstrates the central subtlety of
// restoring a log-structured database: reopening does not automatically
// recover entries until their heads are rediscovered and explicitly joined.
func TestMemoryDatabaseReopenLosesOrphans(t *testing.T) {
	ctx := context.Background()
	addr := newTestManifestAddress(t)
	blockStore := orbitdb.NewMemoryBlockStore()
	logStorage := orbitdb.NewMemoryLogStorage()
	db := orbitdb.NewMemoryDatabase(addr, "events-db", "events", blockStore, logStorage, "")

	_, err := db.Add(ctx, "one")
	require.NoError(t, err)
	lastHash, err := db.Add(ctx, "two")
	require.NoError(t, err)

	require.NoError(t, db.Reopen(ctx))

	all, err := db.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all, "reopen must not auto-recover entries")

	// Rejoin the head manually, as the restore orchestrator would.
	data, err := logStorage.Get(ctx, lastHash)
	require.NoError(t, err)
	entry, ok, err := orbitdb.DecodeEntry(data)
	require.NoError(t, err)
	require.True(t, ok)
	entry.HashBase58btc = lastHash

	joined, err := db.Log().JoinEntry(ctx, entry)
	require.NoError(t, err)
	require.True(t, joined)

	all, err = db.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "joining the head should walk back through next and recover both entries")
}

func TestDecodeEntryRejectsNonEntryBlocks(t *testing.T) {
	_, data, err := orbitdb.EncodeManifest(orbitdb.Manifest{Name: "x", Type: "events"})
	require.NoError(t, err)

	_, ok, err := orbitdb.DecodeEntry(data)
	require.NoError(t, err)
	require.False(t, ok)
}
