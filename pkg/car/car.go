// Package car packs and unpacks CARv1 byte streams: a varint-length-prefixed
// header declaring a single root, followed by varint-length-prefixed
// (cid || bytes) frames, one per block. The packer does not care about
// block order; the unpacker re-hashes every block and refuses to return a
// forged one.
package car

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	gocar "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-orbitdb-bridge/pkg/blockmap"
	"github.com/storacha/go-orbitdb-bridge/pkg/cidutil"
)

var log = logging.Logger("car")

// ErrCarHeaderInvalid is returned when a CAR's header cannot be decoded or
// does not declare exactly one root.
var ErrCarHeaderInvalid = errors.New("car header invalid")

// ErrCorruptCarBlock is returned when a block's bytes do not hash to its
// declared CID. A restore that silently accepted such a block would break
// hash preservation.
var ErrCorruptCarBlock = errors.New("corrupt car block")

// ErrCarTruncated is returned when the stream ends mid-frame.
var ErrCarTruncated = errors.New("car truncated")

// Pack writes blocks as a CARv1 byte buffer whose header declares root as
// its sole root. Each block in blocks is written exactly once; the order is
// not semantically meaningful, but blocks are written in ascending order of
// their base32 CID string so the same map always packs to the same bytes.
func Pack(root cid.Cid, blocks blockmap.Map) ([]byte, error) {
	if !blocks.Has(root) {
		return nil, fmt.Errorf("%w: root %s not present in block map", ErrCarHeaderInvalid, root)
	}

	var buf bytes.Buffer
	header := &gocar.CarHeader{Roots: []cid.Cid{root}, Version: 1}
	if err := gocar.WriteHeader(header, &buf); err != nil {
		return nil, fmt.Errorf("writing car header: %w", err)
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		blk := blocks[k]
		if err := carutil.LdWrite(&buf, blk.CID.Bytes(), blk.Bytes); err != nil {
			return nil, fmt.Errorf("writing car block %s: %w", blk.CID, err)
		}
	}

	return buf.Bytes(), nil
}

// Unpack reads a CARv1 byte buffer and returns its contents as a Map keyed
// by base32 CID string. Every block's bytes are re-hashed against its
// declared CID; a mismatch aborts with ErrCorruptCarBlock.
func Unpack(data []byte) (blockmap.Map, error) {
	return UnpackStream(bytes.NewReader(data))
}

// UnpackStream is the streaming form of Unpack, for callers reading a CAR
// directly off a network connection rather than from a byte buffer.
func UnpackStream(r io.Reader) (blockmap.Map, error) {
	reader, err := gocar.NewCarReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCarHeaderInvalid, err)
	}
	if len(reader.Header.Roots) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one root, got %d", ErrCarHeaderInvalid, len(reader.Header.Roots))
	}

	out := blockmap.New()
	count := 0
	for {
		blk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The go-car reader re-hashes each block itself and reports a
			// mismatch as a plain error; only a short read means truncation.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: %s", ErrCarTruncated, err)
			}
			return nil, fmt.Errorf("%w: %s", ErrCorruptCarBlock, err)
		}
		if err := cidutil.VerifyMultihash(blk.Cid(), blk.RawData()); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrCorruptCarBlock, blk.Cid(), err)
		}
		if err := out.Put(blockmap.Block{CID: blk.Cid(), Bytes: blk.RawData()}); err != nil {
			return nil, fmt.Errorf("indexing block %s: %w", blk.Cid(), err)
		}
		count++
	}
	log.Debugw("unpacked car", "blocks", count, "root", reader.Header.Roots[0])
	return out, nil
}

// Root returns the single declared root of a CARv1 buffer without reading
// its blocks. Used by callers that only need to learn the remote-assigned
// root CID after an upload.
func Root(data []byte) (cid.Cid, error) {
	reader, err := gocar.NewCarReader(bytes.NewReader(data))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %s", ErrCarHeaderInvalid, err)
	}
	if len(reader.Header.Roots) != 1 {
		return cid.Undef, fmt.Errorf("%w: expected exactly one root, got %d", ErrCarHeaderInvalid, len(reader.Header.Roots))
	}
	return reader.Header.Roots[0], nil
}
