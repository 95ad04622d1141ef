// Package index implements C6: listing available backups in a remote space
// by downloading and sniffing every object the remote reports, since the
// remote store returns only CIDs, never filenames.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/storacha/go-orbitdb-bridge/pkg/backup"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("index")

const (
	batchSize       = 10
	probeTimeout    = 5 * time.Second
	probeSizeLimit  = 100 * 1024
	minDesiredCount = 20
)

// EmptyRetries and EmptyRetryWait tune List's retry-on-zero-matches loop
// (spec.md §4.6's "remote listing may be eventually consistent" note). They
// are package variables rather than constants so tests can shrink the wait.
var (
	EmptyRetries   = 5
	EmptyRetryWait = 5 * time.Second
)

// ErrNoBackupFound is returned by Latest when List returns no matches after
// its full retry budget.
var ErrNoBackupFound = errors.New("no backup found")

// Summary is one listed backup, sorted by List in timestamp-descending
// order.
type Summary struct {
	MetadataCID string
	Metadata    backup.Metadata
}

// List scans the remote space and returns every object that sniffs as a
// backup metadata document, optionally filtered to spaceName. An empty
// spaceName disables the filter entirely rather than matching the literal
// string "default" (spec.md leaves this under-specified; see SPEC_FULL.md
// §4 supplement 2).
func List(ctx context.Context, adapter *remotestore.Adapter, spaceName string) ([]Summary, error) {
	for attempt := 0; ; attempt++ {
		matches, err := listOnce(ctx, adapter, spaceName)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 || attempt >= EmptyRetries {
			sort.Slice(matches, func(i, j int) bool {
				return matches[i].Metadata.Timestamp > matches[j].Metadata.Timestamp
			})
			return matches, nil
		}
		log.Infow("no backups found yet, retrying for eventual consistency", "attempt", attempt)
		select {
		case <-time.After(EmptyRetryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Latest returns the newest backup in spaceName, or ErrNoBackupFound.
func Latest(ctx context.Context, adapter *remotestore.Adapter, spaceName string) (Summary, error) {
	all, err := List(ctx, adapter, spaceName)
	if err != nil {
		return Summary{}, err
	}
	if len(all) == 0 {
		return Summary{}, ErrNoBackupFound
	}
	return all[0], nil
}

func listOnce(ctx context.Context, adapter *remotestore.Adapter, spaceName string) ([]Summary, error) {
	cids, err := adapter.ListSpace(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing space: %w", err)
	}

	var (
		mu      sync.Mutex
		matches []Summary
	)
	for start := 0; start < len(cids); start += batchSize {
		if len(matches) >= minDesiredCount {
			break
		}
		end := start + batchSize
		if end > len(cids) {
			end = len(cids)
		}
		batch := cids[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			c := c
			g.Go(func() error {
				meta, ok := probe(gctx, adapter, c, spaceName)
				if !ok {
					return nil
				}
				metaCIDStr, err := c.StringOfBase(multibase.Base32)
				if err != nil {
					return fmt.Errorf("encoding metadata cid %s: %w", c, err)
				}
				mu.Lock()
				matches = append(matches, Summary{MetadataCID: metaCIDStr, Metadata: meta})
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// probe downloads one candidate object and runs it through the classifier
// pipeline of spec.md §4.6: short timeout, size-limited download, a
// control-character/JSON-prefix sniff to discard non-JSON objects (CAR
// files, raw blocks) cheaply, then a JSON parse and shape check against the
// fields the backup metadata document is required to carry.
func probe(ctx context.Context, adapter *remotestore.Adapter, c cid.Cid, spaceName string) (backup.Metadata, bool) {
	dlCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	data, err := adapter.Download(dlCtx, c, remotestore.DownloadOptions{
		UseNetwork:      true,
		GatewayFallback: true,
		Timeout:         probeTimeout,
		MaxBytes:        probeSizeLimit,
	})
	if err != nil {
		return backup.Metadata{}, false
	}
	if !looksLikeJSON(data) {
		return backup.Metadata{}, false
	}

	var meta backup.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return backup.Metadata{}, false
	}
	if !isBackupMetadataShape(meta) {
		return backup.Metadata{}, false
	}
	if spaceName != "" && meta.SpaceName != spaceName {
		return backup.Metadata{}, false
	}
	return meta, true
}

// looksLikeJSON rejects binary objects (CAR files start with a varint
// length byte, never a JSON structural character) before paying for a full
// unmarshal: any control byte other than tab, newline or carriage return in
// the first 100 bytes rejects the object, and after trimming leading
// whitespace the first byte must be '{' or '['.
func looksLikeJSON(data []byte) bool {
	head := data
	if len(head) > 100 {
		head = head[:100]
	}
	for _, b := range head {
		if (b < 0x20 || b == 0x7f) && b != '\t' && b != '\n' && b != '\r' {
			return false
		}
	}
	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

// isBackupMetadataShape checks the minimum fields spec.md §3 requires of a
// backup metadata document: a version string, a positive timestamp, and at
// least one database entry.
func isBackupMetadataShape(m backup.Metadata) bool {
	if m.Version == "" || m.Timestamp <= 0 {
		return false
	}
	if len(m.Databases) == 0 {
		return false
	}
	return true
}
