package index_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-orbitdb-bridge/pkg/backup"
	"github.com/storacha/go-orbitdb-bridge/pkg/index"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	cids []cid.Cid
}

func (b *fakeBackend) Upload(context.Context, []byte, string, string) (cid.Cid, error) {
	return cid.Undef, nil
}

func (b *fakeBackend) ListSpace(context.Context) ([]cid.Cid, error) {
	return b.cids, nil
}

func mustObjectCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(uint64(multicodec.Raw), digest)
}

// newGatewayAndAdapter serves objects keyed by their default string form at
// "/ipfs/<cid>" and returns an Adapter pointed only at that gateway.
func newGatewayAndAdapter(t *testing.T, objects map[string][]byte, cids []cid.Cid) *remotestore.Adapter {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/ipfs/")
		data, ok := objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("<html><body>not found</body></html>"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	t.Cleanup(server.Close)

	backend := &fakeBackend{cids: cids}
	return remotestore.New(backend, remotestore.WithGateways([]string{server.URL}))
}

func marshalMeta(t *testing.T, m backup.Metadata) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestListFiltersToMetadataShapedObjectsInSpace(t *testing.T) {
	meta1 := backup.Metadata{Version: "1.0", Timestamp: 100, SpaceName: "space-a", Databases: []backup.DatabaseSummary{{Name: "db1"}}}
	meta2 := backup.Metadata{Version: "1.0", Timestamp: 200, SpaceName: "space-b", Databases: []backup.DatabaseSummary{{Name: "db2"}}}
	carBytes := []byte("not json, pretend car bytes")

	meta1Bytes := marshalMeta(t, meta1)
	meta2Bytes := marshalMeta(t, meta2)

	meta1CID := mustObjectCID(t, meta1Bytes)
	meta2CID := mustObjectCID(t, meta2Bytes)
	carCID := mustObjectCID(t, carBytes)

	objects := map[string][]byte{
		meta1CID.String(): meta1Bytes,
		meta2CID.String(): meta2Bytes,
		carCID.String():   carBytes,
	}
	adapter := newGatewayAndAdapter(t, objects, []cid.Cid{meta1CID, meta2CID, carCID})

	all, err := index.List(context.Background(), adapter, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(200), all[0].Metadata.Timestamp, "sorted newest first")
	require.Equal(t, int64(100), all[1].Metadata.Timestamp)

	filtered, err := index.List(context.Background(), adapter, "space-a")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "space-a", filtered[0].Metadata.SpaceName)
}

func TestLatestReturnsErrNoBackupFound(t *testing.T) {
	origRetries, origWait := index.EmptyRetries, index.EmptyRetryWait
	index.EmptyRetries, index.EmptyRetryWait = 1, time.Millisecond
	t.Cleanup(func() { index.EmptyRetries, index.EmptyRetryWait = origRetries, origWait })

	adapter := newGatewayAndAdapter(t, map[string][]byte{}, nil)
	_, err := index.Latest(context.Background(), adapter, "")
	require.ErrorIs(t, err, index.ErrNoBackupFound)
}
