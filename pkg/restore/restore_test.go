package restore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-orbitdb-bridge/pkg/backup"
	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
	"github.com/storacha/go-orbitdb-bridge/pkg/progress"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
	"github.com/storacha/go-orbitdb-bridge/pkg/restore"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	objects map[string][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{objects: make(map[string][]byte)} }

func (b *fakeBackend) Upload(_ context.Context, data []byte, _ string, _ string) (cid.Cid, error) {
	digest, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	c := cid.NewCidV1(uint64(multicodec.Raw), digest)
	b.objects[c.String()] = data
	return c, nil
}

func (b *fakeBackend) ListSpace(_ context.Context) ([]cid.Cid, error) {
	var out []cid.Cid
	for k := range b.objects {
		c, err := cid.Decode(k)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *fakeBackend) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	return b.objects[c.String()], nil
}

// TestRoundTripBackupThenRestore exercises the full C5->C7 pipeline: back up
// a populated in-memory database, restore into a fresh empty one at the same
// address, and confirm the restored log converges to the same entries.
func TestRoundTripBackupThenRestore(t *testing.T) {
	ctx := context.Background()

	manifestCID, manifestData, err := orbitdb.EncodeManifest(orbitdb.Manifest{Name: "events-db", Type: "events"})
	require.NoError(t, err)
	sourceBS := orbitdb.NewMemoryBlockStore()
	require.NoError(t, sourceBS.Put(ctx, manifestCID, manifestData))

	addr := orbitdb.Address{ManifestCID: manifestCID}
	sourceDB := orbitdb.NewMemoryDatabase(addr, "events-db", "events", sourceBS, orbitdb.NewMemoryLogStorage(), "")

	for _, v := range []string{"one", "two", "three"} {
		_, err := sourceDB.Add(ctx, v)
		require.NoError(t, err)
	}

	backend := newFakeBackend()
	adapter := remotestore.New(backend, remotestore.WithBlockNetwork(backend))

	backupResult, err := backup.Run(ctx, sourceDB, adapter, backup.Options{SpaceName: "default"})
	require.NoError(t, err)

	targetDB := orbitdb.NewMemoryDatabase(addr, "events-db", "events", orbitdb.NewMemoryBlockStore(), orbitdb.NewMemoryLogStorage(), "")

	events := make(chan progress.Event, 16)
	restoreResult, err := restore.Run(ctx, targetDB, adapter, restore.Options{
		MetadataCID: backupResult.BackupFiles.MetadataCID,
		Progress:    events,
		Timeout:     5 * time.Second,
	})
	close(events)
	require.NoError(t, err)

	require.Equal(t, 3, restoreResult.EntriesExpected)
	require.True(t, restoreResult.Converged)

	restored, err := targetDB.All(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 3)

	var values []string
	for _, e := range restored {
		values = append(values, e.Value.(string))
	}
	require.Equal(t, []string{"one", "two", "three"}, values)

	var statuses []string
	for ev := range events {
		statuses = append(statuses, ev.Status)
	}
	require.Contains(t, statuses, progress.RestoreFound)
	require.Contains(t, statuses, progress.RestoreCompleted)
}

func TestRunRejectsMalformedMetadata(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	adapter := remotestore.New(backend, remotestore.WithBlockNetwork(backend))

	badMeta, err := json.Marshal(map[string]any{"not": "a backup"})
	require.NoError(t, err)
	metaCID, err := adapter.Upload(ctx, badMeta, "metadata.json", "application/json")
	require.NoError(t, err)
	metaCIDStr, err := metaCID.StringOfBase(multibase.Base32)
	require.NoError(t, err)

	manifestCID, manifestData, err := orbitdb.EncodeManifest(orbitdb.Manifest{Name: "x", Type: "events"})
	require.NoError(t, err)
	bs := orbitdb.NewMemoryBlockStore()
	require.NoError(t, bs.Put(ctx, manifestCID, manifestData))
	addr := orbitdb.Address{ManifestCID: manifestCID}
	db := orbitdb.NewMemoryDatabase(addr, "x", "events", bs, orbitdb.NewMemoryLogStorage(), "")

	_, err = restore.Run(ctx, db, adapter, restore.Options{MetadataCID: metaCIDStr, Timeout: time.Second})
	require.ErrorIs(t, err, restore.ErrInvalidMetadata)
}
