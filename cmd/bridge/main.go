package main

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-orbitdb-bridge/pkg/backup"
	"github.com/storacha/go-orbitdb-bridge/pkg/index"
	"github.com/storacha/go-orbitdb-bridge/pkg/ipnshelper"
	"github.com/storacha/go-orbitdb-bridge/pkg/orbitdb"
	"github.com/storacha/go-orbitdb-bridge/pkg/progress"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
	"github.com/storacha/go-orbitdb-bridge/pkg/restore"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("cmd")

func main() {
	logging.SetLogLevel("*", "info")

	app := &cli.App{
		Name:  "orbitdb-bridge",
		Usage: "Back up and restore OrbitDB-style log databases to a remote content-addressed store.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "S3-compatible bucket backing the remote store",
				EnvVars:  []string{"BRIDGE_BUCKET"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "key-prefix",
				Usage:   "key prefix scoping a single space within the bucket",
				EnvVars: []string{"BRIDGE_KEY_PREFIX"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "backup",
				Usage:     "back up an open database's log to the remote store",
				ArgsUsage: "<database-address>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "space-name", Value: "default", Usage: "logical space name recorded in the backup metadata"},
				},
				Action: runBackup,
			},
			{
				Name:      "restore",
				Usage:     "restore a database from the latest (or a named) backup",
				ArgsUsage: "<database-address>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "metadata-cid", Usage: "restore this exact backup instead of discovering the latest"},
					&cli.StringFlag{Name: "space-name", Value: "default", Usage: "space to search when metadata-cid is not given"},
					&cli.DurationFlag{Name: "timeout", Value: 60 * time.Second, Usage: "overall restore timeout"},
				},
				Action: runRestore,
			},
			{
				Name:  "list-backups",
				Usage: "list backups visible in a space, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "space-name", Usage: "filter to this space; empty lists every backup in the bucket"},
				},
				Action: runListBackups,
			},
			{
				Name:   "keygen",
				Usage:  "generate a new ed25519 identity for publishing mutable pointers",
				Action: runKeygen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newAdapter(ctx context.Context, cCtx *cli.Context) (*remotestore.Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = true })
	backend := remotestore.NewS3Backend(client, cCtx.String("bucket"), cCtx.String("key-prefix"))
	return remotestore.New(backend,
		remotestore.WithBlockNetwork(backend),
		remotestore.WithCache(remotestore.NewMemoryCache()),
	), nil
}

func runBackup(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("expected exactly one database address argument")
	}
	addr, err := orbitdb.ParseAddress(cCtx.Args().First())
	if err != nil {
		return err
	}

	adapter, err := newAdapter(cCtx.Context, cCtx)
	if err != nil {
		return err
	}

	// A real deployment plugs in its own orbitdb.Database implementation
	// talking to a running node; the in-memory reference one only serves the
	// CLI's demo mode.
	db := orbitdb.NewMemoryDatabase(addr, "demo", "events", orbitdb.NewMemoryBlockStore(), orbitdb.NewMemoryLogStorage(), "")

	events := make(chan progress.Event, 16)
	go func() {
		for ev := range events {
			log.Infow("backup progress", "status", ev.Status, "extra", ev.Extra)
		}
	}()

	result, err := backup.Run(cCtx.Context, db, adapter, backup.Options{
		SpaceName: cCtx.String("space-name"),
		Progress:  events,
	})
	close(events)
	if err != nil {
		return err
	}

	fmt.Printf("backed up %s: %d blocks, metadata %s, car %s\n",
		result.DatabaseAddress, result.BlocksTotal, result.BackupFiles.MetadataCID, result.BackupFiles.CarCID)
	return nil
}

func runRestore(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("expected exactly one database address argument")
	}
	addr, err := orbitdb.ParseAddress(cCtx.Args().First())
	if err != nil {
		return err
	}

	adapter, err := newAdapter(cCtx.Context, cCtx)
	if err != nil {
		return err
	}

	// A real deployment plugs in its own orbitdb.Database implementation at
	// this address, freshly created and empty; the in-memory reference one
	// only serves the CLI's demo mode.
	db := orbitdb.NewMemoryDatabase(addr, "demo", "events", orbitdb.NewMemoryBlockStore(), orbitdb.NewMemoryLogStorage(), "")

	events := make(chan progress.Event, 16)
	go func() {
		for ev := range events {
			log.Infow("restore progress", "status", ev.Status, "extra", ev.Extra)
		}
	}()

	result, err := restore.Run(cCtx.Context, db, adapter, restore.Options{
		MetadataCID: cCtx.String("metadata-cid"),
		SpaceName:   cCtx.String("space-name"),
		Progress:    events,
		Timeout:     cCtx.Duration("timeout"),
	})
	close(events)
	if err != nil {
		return err
	}

	fmt.Printf("restored %s: %d/%d entries joined, converged=%v\n",
		result.DatabaseAddress, result.EntriesJoined, result.EntriesExpected, result.Converged)
	return nil
}

func runListBackups(cCtx *cli.Context) error {
	adapter, err := newAdapter(cCtx.Context, cCtx)
	if err != nil {
		return err
	}
	backups, err := index.List(cCtx.Context, adapter, cCtx.String("space-name"))
	if err != nil {
		return err
	}
	for _, b := range backups {
		fmt.Printf("%s\tspace=%s\ttimestamp=%d\tentries=%d\n",
			b.MetadataCID, b.Metadata.SpaceName, b.Metadata.Timestamp, b.Metadata.TotalEntries)
	}
	return nil
}

func runKeygen(_ *cli.Context) error {
	s, err := ipnshelper.GenerateSigner()
	if err != nil {
		return err
	}
	formatted, err := ipnshelper.FormatSigner(s)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n", s.DID().String())
	fmt.Println(formatted)
	return nil
}
