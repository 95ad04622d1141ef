// Package backup implements C5: composing the extractor, CAR packer, and
// remote-store adapter into a single backup of an open database.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-orbitdb-bridge/pkg/car"
	"github.com/storacha/go-orbitdb-bridge/pkg/cidutil"
	"github.com/storacha/go-orbitdb-bridge/pkg/extractor"
	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
	"github.com/storacha/go-orbitdb-bridge/pkg/progress"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
)

var log = logging.Logger("backup")

// DatabaseSummary is one element of Metadata.Databases (spec.md §3).
type DatabaseSummary struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	ManifestCID string `json:"manifestCID"`
	EntryCount  int    `json:"entryCount"`
}

// Metadata is the exact backup metadata document shape of spec.md §3.
type Metadata struct {
	Version       string            `json:"version"`
	Timestamp     int64             `json:"timestamp"`
	SpaceName     string            `json:"spaceName"`
	DatabaseCount int               `json:"databaseCount"`
	TotalBlocks   int               `json:"totalBlocks"`
	TotalEntries  int               `json:"totalEntries"`
	ManifestCID   string            `json:"manifestCID"`
	CarCID        string            `json:"carCID,omitempty"`
	Databases     []DatabaseSummary `json:"databases"`
	BlockSummary  map[string]int    `json:"blockSummary"`
}

// Options configures a single backup run.
type Options struct {
	SpaceName string
	// Progress, if non-nil, receives backupProgress events (spec.md §6).
	Progress progress.Sink
	// Now lets tests pin the backup timestamp; defaults to time.Now().
	Now func() time.Time
}

// BackupFiles names the two uploaded objects and their CIDs.
type BackupFiles struct {
	MetadataCID string
	CarCID      string
	Metadata    string // "backup-<T>-metadata.json", for operator display only
	Blocks      string // "backup-<T>-blocks.car"
}

// Result is C5's return value (spec.md §4.5).
type Result struct {
	ManifestCID     string
	DatabaseAddress string
	DatabaseName    string
	BlocksTotal     int
	CarFileSize     int
	BackupFiles     BackupFiles
	Timestamp       int64
}

// Run performs one backup of db, uploading a CAR of its blocks and a JSON
// metadata document describing it. The database is left open; closing it
// is the caller's responsibility (spec.md §4.5 step 9).
func Run(ctx context.Context, db orbitdb.Database, adapter *remotestore.Adapter, opts Options) (Result, error) {
	if opts.SpaceName == "" {
		opts.SpaceName = "default"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timestamp := now().UnixMilli()

	opts.Progress.Emit(progress.BackupCreating, nil)

	extracted, err := extractor.Extract(ctx, db)
	if err != nil {
		opts.Progress.Emit(progress.BackupError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("extracting database: %w", err)
	}

	entries, err := db.All(ctx)
	if err != nil {
		opts.Progress.Emit(progress.BackupError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("counting entries: %w", err)
	}

	addr := db.Address()
	manifestCID := addr.ManifestCID

	blockSummary := make(map[string]int)
	for _, source := range extracted.BlockSources {
		blockSummary[source]++
	}

	meta := Metadata{
		Version:       "1.0",
		Timestamp:     timestamp,
		SpaceName:     opts.SpaceName,
		DatabaseCount: 1,
		TotalBlocks:   len(extracted.Blocks),
		TotalEntries:  len(entries),
		ManifestCID:   extracted.ManifestCID,
		Databases: []DatabaseSummary{{
			Address:     addr.String(),
			Name:        db.Name(),
			Type:        db.Type(),
			ManifestCID: extracted.ManifestCID,
			EntryCount:  len(entries),
		}},
		BlockSummary: blockSummary,
	}

	carBytes, err := car.Pack(manifestCID, extracted.Blocks)
	if err != nil {
		opts.Progress.Emit(progress.BackupError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("packing car: %w", err)
	}

	filePrefix := filenamePrefix(timestamp)
	carFilename := filePrefix + "-blocks.car"
	metadataFilename := filePrefix + "-metadata.json"

	opts.Progress.Emit(progress.BackupUploadingBlocks, map[string]any{"bytes": len(carBytes)})
	carRoot, err := adapter.Upload(ctx, carBytes, carFilename, "application/vnd.ipld.car")
	if err != nil {
		opts.Progress.Emit(progress.BackupError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("uploading car: %w", err)
	}
	carCIDStr, err := cidutil.ToBase32(carRoot)
	if err != nil {
		return Result{}, err
	}
	meta.CarCID = carCIDStr

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return Result{}, fmt.Errorf("serializing metadata: %w", err)
	}

	opts.Progress.Emit(progress.BackupUploadingMetadata, nil)
	metaRoot, err := adapter.Upload(ctx, metaBytes, metadataFilename, "application/json")
	if err != nil {
		opts.Progress.Emit(progress.BackupError, map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("uploading metadata: %w", err)
	}
	metaCIDStr, err := cidutil.ToBase32(metaRoot)
	if err != nil {
		return Result{}, err
	}

	opts.Progress.Emit(progress.BackupCompleted, map[string]any{"totalEntries": meta.TotalEntries})
	log.Infow("backup complete", "address", addr.String(), "blocks", meta.TotalBlocks, "entries", meta.TotalEntries)

	return Result{
		ManifestCID:     extracted.ManifestCID,
		DatabaseAddress: addr.String(),
		DatabaseName:    db.Name(),
		BlocksTotal:     len(extracted.Blocks),
		CarFileSize:     len(carBytes),
		BackupFiles: BackupFiles{
			MetadataCID: metaCIDStr,
			CarCID:      carCIDStr,
			Metadata:    metadataFilename,
			Blocks:      carFilename,
		},
		Timestamp: timestamp,
	}, nil
}

// filenamePrefix builds "backup-<T>" where T is an ISO-like timestamp with
// ':' and '.' replaced by '-', per spec.md §3.
func filenamePrefix(timestampMillis int64) string {
	t := time.UnixMilli(timestampMillis).UTC()
	iso := t.Format("2006-01-02T15:04:05.000Z")
	replaced := make([]byte, 0, len(iso))
	for _, r := range iso {
		if r == ':' || r == '.' {
			replaced = append(replaced, '-')
			continue
		}
		replaced = append(replaced, byte(r))
	}
	return "backup-" + string(replaced)
}
