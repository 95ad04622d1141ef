// Package extractor implements C3: walking an open database's log to
// collect every reachable manifest, access-controller, identity and
// log-entry block into an in-memory block map.
package extractor

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multicodec"
	"github.com/storacha/go-orbitdb-bridge/pkg/blockmap"
	"github.com/storacha/go-orbitdb-bridge/pkg/cidutil"
	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
)

var log = logging.Logger("extractor")

// Source tags, informational only (spec.md §3/§4.3).
const (
	SourceManifest         = "manifest"
	SourceAccessController = "access_controller"
	SourceIdentity         = "identity"
	SourceLogEntry         = "log_entry"
)

// Result is the output of Extract.
type Result struct {
	Blocks       blockmap.Map
	BlockSources map[string]string // base32 CID string -> source tag
	ManifestCID  cidString
}

type cidString = string

// Extract walks db's log and returns every currently-visible block. It does
// not mutate db. Entries added concurrently after extraction begins are not
// guaranteed to be included; if partially included, the reference-closure
// invariant still holds because the log iterator only yields entries whose
// Next dependencies are already resolvable in the engine's own storage.
func Extract(ctx context.Context, db orbitdb.Database) (Result, error) {
	res := Result{
		Blocks:       blockmap.New(),
		BlockSources: make(map[string]string),
	}

	addr := db.Address()
	manifestData, err := db.BlockStore().Get(ctx, addr.ManifestCID)
	if err != nil {
		return Result{}, fmt.Errorf("fetching manifest block %s: %w", addr.ManifestCID, err)
	}
	if err := res.put(addr.ManifestCID, manifestData, SourceManifest); err != nil {
		return Result{}, err
	}
	manifestCIDStr, err := cidutil.ToBase32(addr.ManifestCID)
	if err != nil {
		return Result{}, err
	}
	res.ManifestCID = manifestCIDStr

	manifest, err := orbitdb.DecodeManifest(manifestData)
	if err != nil {
		return Result{}, fmt.Errorf("decoding manifest %s: %w", addr.ManifestCID, err)
	}

	if manifest.AccessController != "" {
		acCID, err := cidutil.Parse(manifest.AccessController)
		if err != nil {
			return Result{}, fmt.Errorf("parsing access controller cid: %w", err)
		}
		acData, err := db.BlockStore().Get(ctx, acCID)
		if err != nil {
			return Result{}, fmt.Errorf("fetching access controller block %s: %w", acCID, err)
		}
		if err := res.put(acCID, acData, SourceAccessController); err != nil {
			return Result{}, err
		}
	}

	seenIdentities := make(map[string]struct{})
	entries, err := db.All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing database entries: %w", err)
	}

	for _, de := range entries {
		entryCID, err := cidutil.Parse(de.Hash)
		if err != nil {
			return Result{}, fmt.Errorf("parsing entry hash %s: %w", de.Hash, err)
		}
		entryData, err := db.Log().Storage().Get(ctx, de.Hash)
		if err != nil {
			return Result{}, fmt.Errorf("fetching log entry %s: %w", de.Hash, err)
		}
		rawCID := cidutil.Recode(entryCID, multicodec.DagCbor)
		if err := res.put(rawCID, entryData, SourceLogEntry); err != nil {
			return Result{}, err
		}

		entry, ok, err := orbitdb.DecodeEntry(entryData)
		if err != nil {
			return Result{}, fmt.Errorf("decoding log entry %s: %w", de.Hash, err)
		}
		if !ok {
			continue
		}
		if entry.Identity == "" {
			continue
		}
		if _, seen := seenIdentities[entry.Identity]; seen {
			continue
		}
		seenIdentities[entry.Identity] = struct{}{}

		idCID, err := cidutil.Parse(entry.Identity)
		if err != nil {
			return Result{}, fmt.Errorf("parsing identity cid %s: %w", entry.Identity, err)
		}
		idData, err := db.BlockStore().Get(ctx, idCID)
		if err != nil {
			return Result{}, fmt.Errorf("fetching identity block %s: %w", idCID, err)
		}
		if err := res.put(idCID, idData, SourceIdentity); err != nil {
			return Result{}, err
		}
	}

	log.Infow("extracted database", "address", addr.String(), "blocks", len(res.Blocks), "entries", len(entries))
	return res, nil
}

func (r *Result) put(c cid.Cid, data []byte, source string) error {
	if err := r.Blocks.Put(blockmap.Block{CID: c, Bytes: data}); err != nil {
		return fmt.Errorf("indexing block %s: %w", c, err)
	}
	key, err := cidutil.ToBase32(c)
	if err != nil {
		return err
	}
	r.BlockSources[key] = source
	return nil
}
