// Package ipnshelper provides an optional mutable pointer on top of the
// remote store's immutable uploads: an ed25519 keypair signs a small
// envelope naming the CID a caller wants "latest" to mean. The upload's
// filename is derived from the signer's DID for operator display only;
// Resolve fetches an envelope by its own CID, and there is no lookup by
// public key. This is peripheral to the bridge's core
// backup/restore path (spec.md's scope is the database<->remote bridge
// itself), offered for deployments that want a stable "latest backup for
// this space" pointer instead of always scanning the space.
package ipnshelper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-orbitdb-bridge/pkg/remotestore"
	ed25519 "github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/storacha/go-ucanto/principal/signer"
)

var log = logging.Logger("ipnshelper")

// envelope is the signed document uploaded to point at a target CID.
type envelope struct {
	Target    string `json:"target"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// Pointer is a published (or resolved) mutable pointer.
type Pointer struct {
	DID       string
	Target    cid.Cid
	Sequence  uint64
	Timestamp int64
	// EnvelopeCID is where the signed envelope itself was uploaded, for
	// callers that want to re-fetch it directly rather than re-resolving.
	EnvelopeCID cid.Cid
}

// GenerateSigner creates a fresh ed25519 identity, mirroring the teacher's
// cmd/ucangen tool.
func GenerateSigner() (signer.Signer, error) {
	s, err := ed25519.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating signer: %w", err)
	}
	return s, nil
}

// FormatSigner renders s as the printable private-key string ed25519.Parse
// accepts, for operators to persist across process restarts.
func FormatSigner(s signer.Signer) (string, error) {
	str, err := ed25519.Format(s)
	if err != nil {
		return "", fmt.Errorf("formatting signer: %w", err)
	}
	return str, nil
}

// ParseSigner is the inverse of FormatSigner.
func ParseSigner(s string) (signer.Signer, error) {
	id, err := ed25519.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parsing signer: %w", err)
	}
	return id, nil
}

// Publish signs and uploads a pointer envelope naming target as the current
// value for s's identity, at the given sequence number (callers are
// expected to increase sequence monotonically; Resolve does not enforce
// this since the remote store has no notion of "latest object").
func Publish(ctx context.Context, adapter *remotestore.Adapter, s signer.Signer, target cid.Cid, sequence uint64, now time.Time) (Pointer, error) {
	env := envelope{
		Target:    target.String(),
		Sequence:  sequence,
		Timestamp: now.UnixMilli(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Pointer{}, fmt.Errorf("encoding pointer envelope: %w", err)
	}

	sig, err := s.Sign(body)
	if err != nil {
		return Pointer{}, fmt.Errorf("signing pointer envelope: %w", err)
	}

	signed := struct {
		Envelope  json.RawMessage `json:"envelope"`
		Signature string          `json:"signature"`
		DID       string          `json:"did"`
	}{
		Envelope:  body,
		Signature: base64.StdEncoding.EncodeToString(sig.Bytes()),
		DID:       s.DID().String(),
	}
	signedBytes, err := json.Marshal(signed)
	if err != nil {
		return Pointer{}, fmt.Errorf("encoding signed envelope: %w", err)
	}

	filename := fmt.Sprintf("pointer-%s.json", s.DID().String())
	envCID, err := adapter.Upload(ctx, signedBytes, filename, "application/json")
	if err != nil {
		return Pointer{}, fmt.Errorf("uploading pointer: %w", err)
	}

	log.Infow("published pointer", "did", s.DID().String(), "target", target, "sequence", sequence)
	return Pointer{
		DID:         s.DID().String(),
		Target:      target,
		Sequence:    sequence,
		Timestamp:   env.Timestamp,
		EnvelopeCID: envCID,
	}, nil
}

// Resolve downloads the signed envelope at envelopeCID and returns the CID
// it currently points at. It does not itself verify the signature; callers
// that need that guarantee should fetch the DID's public key out-of-band
// and verify signed.Signature against signed.Envelope themselves.
func Resolve(ctx context.Context, adapter *remotestore.Adapter, envelopeCID cid.Cid) (Pointer, error) {
	data, err := adapter.Download(ctx, envelopeCID, remotestore.DefaultDownloadOptions())
	if err != nil {
		return Pointer{}, fmt.Errorf("downloading pointer %s: %w", envelopeCID, err)
	}

	var signed struct {
		Envelope  json.RawMessage `json:"envelope"`
		Signature string          `json:"signature"`
		DID       string          `json:"did"`
	}
	if err := json.Unmarshal(data, &signed); err != nil {
		return Pointer{}, fmt.Errorf("decoding pointer %s: %w", envelopeCID, err)
	}

	var env envelope
	if err := json.Unmarshal(signed.Envelope, &env); err != nil {
		return Pointer{}, fmt.Errorf("decoding pointer envelope %s: %w", envelopeCID, err)
	}

	target, err := cid.Decode(env.Target)
	if err != nil {
		return Pointer{}, fmt.Errorf("decoding pointer target %s: %w", env.Target, err)
	}

	return Pointer{
		DID:         signed.DID,
		Target:      target,
		Sequence:    env.Sequence,
		Timestamp:   env.Timestamp,
		EnvelopeCID: envelopeCID,
	}, nil
}
