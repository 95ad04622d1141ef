package blockmap_test

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-orbitdb-bridge/pkg/blockmap"
	"github.com/stretchr/testify/require"
)

func mustCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	digest, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(uint64(multicodec.Raw), digest)
}

func TestPutGetHas(t *testing.T) {
	m := blockmap.New()
	data := []byte("block A")
	c := mustCID(t, data)

	require.False(t, m.Has(c))

	require.NoError(t, m.Put(blockmap.Block{CID: c, Bytes: data}))
	require.True(t, m.Has(c))

	got, ok := m.Get(c)
	require.True(t, ok)
	require.Equal(t, data, got.Bytes)
}

func TestAsBlock(t *testing.T) {
	data := []byte("block B")
	c := mustCID(t, data)
	b := blockmap.Block{CID: c, Bytes: data}

	ipfsBlock, err := b.AsBlock()
	require.NoError(t, err)
	require.Equal(t, data, ipfsBlock.RawData())
	require.True(t, ipfsBlock.Cid().Equals(c))
}
