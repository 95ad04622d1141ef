// Package restore implements C7: reconstructing an open database from a
// previously uploaded backup, including rediscovering the log's heads from
// raw blocks alone since the metadata document does not enumerate them.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-orbitdb-bridge/pkg/backup"
	"github.com/storacha/go-orbitdb-bridge/pkg/car"
	"github.com/storacha/go-orbitdb-bridge/pkg/cidutil"
	"github.com/storacha/go-orbitdb-bridge/pkg/index"
	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
	"github.com/storacha/go-orbitdb-bridge/pkg/progress"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
)

var log = logging.Logger("restore")

// ErrInvalidMetadata is returned when a downloaded metadata document does
// not have the required shape (spec.md §4.7 step 2).
var ErrInvalidMetadata = errors.New("invalid backup metadata")

// ErrNoEntriesRecovered is returned when head rediscovery finds zero
// log-entry-shaped blocks in an otherwise non-empty backup.
var ErrNoEntriesRecovered = errors.New("no log entries recovered from backup")

// Options configures a single restore run.
type Options struct {
	// MetadataCID, if non-empty, names the exact backup to restore (spec.md
	// §4.7 step "1 (explicit)"). If empty, the latest backup in SpaceName is
	// used instead (step "1 (discovery)").
	MetadataCID string
	SpaceName   string
	Progress    progress.Sink
	// Timeout bounds the post-join convergence poll (step 10); half of it
	// is the hard cap on how long the poll loop runs.
	Timeout time.Duration
	// Now lets tests pin time.Now for the stabilization poll.
	Now func() time.Time
}

const (
	defaultTimeout    = 60 * time.Second
	stabilizeInterval = 200 * time.Millisecond
	stabilizeWindow   = 1 * time.Second
)

// Result is C7's return value.
type Result struct {
	DatabaseAddress string
	DatabaseName    string
	EntriesJoined   int
	EntriesExpected int
	BlocksInstalled int
	Converged       bool
}

// Run restores a database from a backup into db, an already-open (normally
// freshly created, empty) Database whose BlockStore/Log storage this
// orchestrator installs blocks into directly.
func Run(ctx context.Context, db orbitdb.Database, adapter *remotestore.Adapter, opts Options) (Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	metaCID := opts.MetadataCID
	if metaCID == "" {
		latest, err := index.Latest(ctx, adapter, opts.SpaceName)
		if err != nil {
			opts.Progress.Emit(progress.RestoreError, map[string]any{"error": err.Error()})
			return Result{}, fmt.Errorf("discovering latest backup: %w", err)
		}
		metaCID = latest.MetadataCID
	}

	metaCIDParsed, err := cidutil.Parse(metaCID)
	if err != nil {
		return Result{}, fmt.Errorf("parsing metadata cid %q: %w", metaCID, err)
	}

	metaBytes, err := adapter.Download(ctx, metaCIDParsed, remotestore.DownloadOptions{
		UseNetwork:      true,
		GatewayFallback: true,
		Timeout:         opts.Timeout / 2,
	})
	if err != nil {
		opts.Progress.Emit(progress.RestoreError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("downloading metadata %s: %w", metaCID, err)
	}

	var meta backup.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Result{}, fmt.Errorf("%w: %s: not valid json", ErrInvalidMetadata, metaCID)
	}
	if meta.Version == "" || len(meta.Databases) == 0 {
		return Result{}, fmt.Errorf("%w: %s: missing version or databases", ErrInvalidMetadata, metaCID)
	}
	if meta.CarCID == "" {
		return Result{}, fmt.Errorf("%w: %s: missing carCID", ErrInvalidMetadata, metaCID)
	}

	opts.Progress.Emit(progress.RestoreFound, map[string]any{
		"manifestCID":  meta.ManifestCID,
		"totalEntries": meta.TotalEntries,
		"timestamp":    meta.Timestamp,
	})

	carCIDParsed, err := cidutil.Parse(meta.CarCID)
	if err != nil {
		return Result{}, fmt.Errorf("parsing car cid %q: %w", meta.CarCID, err)
	}

	opts.Progress.Emit(progress.RestoreDownloadingBlocks, nil)
	carBytes, err := adapter.Download(ctx, carCIDParsed, remotestore.DownloadOptions{
		UseNetwork:      true,
		GatewayFallback: true,
		Timeout:         opts.Timeout / 2,
	})
	if err != nil {
		opts.Progress.Emit(progress.RestoreError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("downloading car %s: %w", meta.CarCID, err)
	}

	blocks, err := car.Unpack(carBytes)
	if err != nil {
		opts.Progress.Emit(progress.RestoreError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("unpacking car: %w", err)
	}

	opts.Progress.Emit(progress.RestoreRestoringBlocks, map[string]any{"blocks": len(blocks)})

	// Step: install every block into both of the engine's stores. A block
	// that isn't a log entry is harmless to also write into log storage
	// keyed by its base58btc form; JoinEntry only ever looks up hashes it
	// was told about via Next/Refs.
	type decodedEntry struct {
		hashB58 string
		entry   orbitdb.Entry
	}
	var entries []decodedEntry

	for _, blk := range blocks {
		if err := db.BlockStore().Put(ctx, blk.CID, blk.Bytes); err != nil {
			return Result{}, fmt.Errorf("installing block %s into block store: %w", blk.CID, err)
		}

		hashB58, err := cidutil.ToBase58btc(blk.CID)
		if err != nil {
			return Result{}, err
		}
		if err := db.Log().Storage().Put(ctx, hashB58, blk.Bytes); err != nil {
			return Result{}, fmt.Errorf("installing block %s into log storage: %w", hashB58, err)
		}

		entry, ok, err := orbitdb.DecodeEntry(blk.Bytes)
		if err != nil {
			return Result{}, fmt.Errorf("decoding candidate entry %s: %w", blk.CID, err)
		}
		if !ok {
			continue
		}
		entry.HashBase58btc = hashB58
		entries = append(entries, decodedEntry{hashB58: hashB58, entry: entry})
	}

	if meta.TotalEntries > 0 && len(entries) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoEntriesRecovered, metaCID)
	}

	// Close and re-open the database (spec.md §4.7 step 7) so the log is
	// forced to re-read from storage instead of trusting whatever in-memory
	// head/entry state it held before block installation.
	if err := db.Reopen(ctx); err != nil {
		return Result{}, fmt.Errorf("reopening database after block install: %w", err)
	}

	// Head rediscovery (spec.md §4.7 step 9): a head is any decoded entry
	// whose hash does not appear in another entry's Next list.
	referenced := make(map[string]struct{}, len(entries))
	for _, de := range entries {
		for _, n := range de.entry.Next {
			referenced[n] = struct{}{}
		}
	}

	joined := 0
	for _, de := range entries {
		if _, isReferenced := referenced[de.hashB58]; isReferenced {
			continue
		}
		ok, err := db.Log().JoinEntry(ctx, de.entry)
		if err != nil {
			return Result{}, fmt.Errorf("joining head %s: %w", de.hashB58, err)
		}
		if ok {
			joined++
		}
	}

	converged, err := waitForConvergence(ctx, db, meta.TotalEntries, opts.Timeout/2, now)
	if err != nil {
		opts.Progress.Emit(progress.RestoreError, map[string]any{"error": err.Error()})
		return Result{}, err
	}

	current, err := db.All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading restored database: %w", err)
	}

	opts.Progress.Emit(progress.RestoreCompleted, map[string]any{
		"entries":   len(current),
		"converged": converged,
	})
	log.Infow("restore complete", "address", db.Address().String(), "entries", len(current), "expected", meta.TotalEntries, "headsJoined", joined, "converged", converged)

	return Result{
		DatabaseAddress: db.Address().String(),
		DatabaseName:    db.Name(),
		EntriesJoined:   len(current),
		EntriesExpected: meta.TotalEntries,
		BlocksInstalled: len(blocks),
		Converged:       converged,
	}, nil
}

// waitForConvergence polls db.All() until its length reaches expected or
// stays unchanged for stabilizeWindow, whichever comes first, capped at cap.
// A real log-structured database's index can finish replaying asynchronously
// after JoinEntry returns, so the caller cannot simply trust the call's
// return value (spec.md §4.7 step 10).
func waitForConvergence(ctx context.Context, db orbitdb.Database, expected int, cap time.Duration, now func() time.Time) (bool, error) {
	deadline := now().Add(cap)
	var lastCount int
	lastChange := now()

	for {
		entries, err := db.All(ctx)
		if err != nil {
			return false, fmt.Errorf("polling restored database: %w", err)
		}
		count := len(entries)
		if expected > 0 && count >= expected {
			return true, nil
		}
		if count != lastCount {
			lastCount = count
			lastChange = now()
		} else if now().Sub(lastChange) >= stabilizeWindow {
			return expected == 0, nil
		}

		if now().After(deadline) {
			return false, nil
		}
		select {
		case <-time.After(stabilizeInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
