// Package storage lands reader batches in S3-compatible object storage,
// keeping a JSON copy of the items extracted at each endpoint's entrypoint
// before they are parsed; response bodies themselves are not stored. The
// raw zone is best-effort: archive failures are logged by the caller and
// never fail a run.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultPutTimeout bounds a single page upload.
const DefaultPutTimeout = 60 * time.Second

// Config holds connection settings for the raw zone.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// PutTimeout is the context timeout per upload. Defaults to 60s.
	PutTimeout time.Duration
}

// Archiver writes raw pages to one bucket.
type Archiver struct {
	client     *minio.Client
	bucket     string
	putTimeout time.Duration
}

// NewArchiver connects to the endpoint and auto-creates the bucket.
func NewArchiver(ctx context.Context, cfg Config) (*Archiver, error) {
	putTimeout := cfg.PutTimeout
	if putTimeout == 0 {
		putTimeout = DefaultPutTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	a := &Archiver{client: client, bucket: cfg.Bucket, putTimeout: putTimeout}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// ArchivePage stores one reader page under
// <source>/<endpoint>/<run_id>/page-<n>.json.
func (a *Archiver) ArchivePage(ctx context.Context, source, endpoint string, runID uuid.UUID, page int, items []any) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal raw page: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s/page-%05d.json", source, endpoint, runID, page)
	ctx, cancel := context.WithTimeout(ctx, a.putTimeout)
	defer cancel()

	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put raw page %s: %w", key, err)
	}
	return nil
}
