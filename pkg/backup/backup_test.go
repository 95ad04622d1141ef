package backup_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-orbitdb-bridge/pkg/backup"
	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
	"github.com/storacha/go-orbitdb-bridge/pkg/progress"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
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

func TestBackupRunProducesExpectedMetadataShape(t *testing.T) {
	ctx := context.Background()

	manifestCID, manifestData, err := orbitdb.EncodeManifest(orbitdb.Manifest{Name: "events-db", Type: "events"})
	require.NoError(t, err)
	bs := orbitdb.NewMemoryBlockStore()
	require.NoError(t, bs.Put(ctx, manifestCID, manifestData))

	addr := orbitdb.Address{ManifestCID: manifestCID}
	db := orbitdb.NewMemoryDatabase(addr, "events-db", "events", bs, orbitdb.NewMemoryLogStorage(), "")

	_, err = db.Add(ctx, "alpha")
	require.NoError(t, err)
	_, err = db.Add(ctx, "beta")
	require.NoError(t, err)

	backend := newFakeBackend()
	adapter := remotestore.New(backend, remotestore.WithBlockNetwork(backend))

	events := make(chan progress.Event, 16)
	fixedNow := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	result, err := backup.Run(ctx, db, adapter, backup.Options{
		SpaceName: "my-space",
		Progress:  events,
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	close(events)

	require.Equal(t, addr.String(), result.DatabaseAddress)
	databases := countEntries(t, backend, result)
	require.Len(t, databases, 1)
	require.Equal(t, 2, databases[0].EntryCount)

	var seenStatuses []string
	for ev := range events {
		seenStatuses = append(seenStatuses, ev.Status)
	}
	require.Equal(t, []string{
		progress.BackupCreating,
		progress.BackupUploadingBlocks,
		progress.BackupUploadingMetadata,
		progress.BackupCompleted,
	}, seenStatuses)
}

// countEntries re-downloads and parses the uploaded metadata document to
// assert against the exact JSON shape spec.md §3 requires, rather than
// trusting backup.Run's typed Result alone.
func countEntries(t *testing.T, backend *fakeBackend, result backup.Result) []backup.DatabaseSummary {
	t.Helper()
	metaCID, err := cid.Decode(result.BackupFiles.MetadataCID)
	require.NoError(t, err)
	raw, ok := backend.objects[metaCID.String()]
	require.True(t, ok, "metadata must have been uploaded")

	var meta backup.Metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, "1.0", meta.Version)
	require.Equal(t, "my-space", meta.SpaceName)
	require.NotEmpty(t, meta.CarCID)
	require.NotEmpty(t, meta.BlockSummary)
	return meta.Databases
}
