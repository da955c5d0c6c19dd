// Package blob stores merged document snapshots in S3-compatible object
// storage under tenant-scoped keys.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrTooLarge = errors.New("snapshot exceeds upload size cap")
)

// objectAPI is the slice of object storage the client needs. The production
// implementation wraps a minio client; tests use an in-memory fake.
type objectAPI interface {
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	stat(ctx context.Context, key string) (bool, error)
	remove(ctx context.Context, key string) error
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool

	// MaxBytes rejects uploads outright; WarnBytes only logs, as an anomaly
	// signal for documents growing faster than expected.
	MaxBytes  int64
	WarnBytes int64
}

type Client struct {
	api       objectAPI
	maxBytes  int64
	warnBytes int64
}

func New(ctx context.Context, opts Options) (*Client, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("blob client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return newClient(&minioAPI{client: mc, bucket: opts.Bucket}, opts), nil
}

func newClient(api objectAPI, opts Options) *Client {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	warnBytes := opts.WarnBytes
	if warnBytes <= 0 {
		warnBytes = 100 * 1024
	}
	return &Client{api: api, maxBytes: maxBytes, warnBytes: warnBytes}
}

// Save replaces the document's snapshot wholesale.
func (c *Client) Save(ctx context.Context, teamID, documentID string, data []byte) error {
	key, err := SnapshotPath(teamID, documentID)
	if err != nil {
		return err
	}
	if int64(len(data)) > c.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if int64(len(data)) > c.warnBytes {
		log.Printf("blob: large snapshot for %s (%d bytes)", key, len(data))
	}
	if err := c.api.put(ctx, key, data); err != nil {
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	return nil
}

func (c *Client) Load(ctx context.Context, teamID, documentID string) ([]byte, error) {
	key, err := SnapshotPath(teamID, documentID)
	if err != nil {
		return nil, err
	}
	data, err := c.api.get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) Exists(ctx context.Context, teamID, documentID string) (bool, error) {
	key, err := SnapshotPath(teamID, documentID)
	if err != nil {
		return false, err
	}
	exists, err := c.api.stat(ctx, key)
	if err != nil {
		return false, fmt.Errorf("stat snapshot %s: %w", key, err)
	}
	return exists, nil
}

func (c *Client) Delete(ctx context.Context, teamID, documentID string) error {
	key, err := SnapshotPath(teamID, documentID)
	if err != nil {
		return err
	}
	if err := c.api.remove(ctx, key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// MaxBytes reports the hard upload cap so the API layer can reject oversized
// bodies before buffering them fully.
func (c *Client) MaxBytes() int64 {
	return c.maxBytes
}

type minioAPI struct {
	client *minio.Client
	bucket string
}

func (m *minioAPI) put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (m *minioAPI) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (m *minioAPI) stat(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *minioAPI) remove(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}
