package remotestore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// S3Backend implements Backend over an S3-compatible bucket: each upload is
// content-addressed by its own sha256 multihash and stored under that key,
// and ListSpace enumerates every object key in the bucket (under an
// optional key prefix used to scope a "space"). Grounded on the teacher's
// pkg/aws/s3store.go.
type S3Backend struct {
	bucket    string
	keyPrefix string
	s3Client  *s3.Client
}

// NewS3Backend wraps an existing S3 client.
func NewS3Backend(client *s3.Client, bucket, keyPrefix string) *S3Backend {
	return &S3Backend{s3Client: client, bucket: bucket, keyPrefix: keyPrefix}
}

func (b *S3Backend) Upload(ctx context.Context, data []byte, filename, mime string) (cid.Cid, error) {
	digest, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing upload: %w", err)
	}
	root := cid.NewCidV1(uint64(multicodec.Raw), digest)

	key, err := b.objectKey(root)
	if err != nil {
		return cid.Undef, err
	}
	_, err = b.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mime),
		Metadata:      map[string]string{"orbitdb-bridge-filename": filename},
	})
	if err != nil {
		return cid.Undef, fmt.Errorf("putting object %s: %w", key, err)
	}
	return root, nil
}

func (b *S3Backend) ListSpace(ctx context.Context) ([]cid.Cid, error) {
	var out []cid.Cid
	paginator := s3.NewListObjectsV2Paginator(b.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing bucket %s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)[len(b.keyPrefix):]
			c, err := cid.Decode(key)
			if err != nil {
				// Not every object is necessarily one of our uploads (a
				// shared bucket may hold unrelated keys); skip rather than
				// fail the whole listing.
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// Get downloads an object directly from the bucket by CID, bypassing the
// network/gateway chain. Used by S3Backend-backed deployments as a fast
// path; the general Adapter.Download still applies the gateway chain for
// other backends.
func (b *S3Backend) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	key, err := b.objectKey(c)
	if err != nil {
		return nil, err
	}
	out, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (b *S3Backend) objectKey(c cid.Cid) (string, error) {
	s, err := c.StringOfBase(multibase.Base32)
	if err != nil {
		return "", fmt.Errorf("encoding object key for %s: %w", c, err)
	}
	return b.keyPrefix + s, nil
}
